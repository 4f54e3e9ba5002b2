package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hydrofirma/growunit/control"
	"hydrofirma/growunit/store"
)

const dateLayout = "2006-01-02"

type daySaver interface {
	SaveRelayDay(ctx context.Context, d store.RelayDay, keep int) error
}

// relayRuntime accumulates how long each relay was energised during the
// current UTC day and saves the totals when the day rolls over.
type relayRuntime struct {
	store  daySaver
	keep   int
	logger *slog.Logger

	day    string
	on     [len(control.Relays)]time.Duration
	lastAt time.Time
}

func newRelayRuntime(s daySaver, keep int, logger *slog.Logger) *relayRuntime {
	return &relayRuntime{store: s, keep: keep, logger: logger.With("component", "runtime")}
}

// observe charges the time since the previous call to every relay that is
// on now.
func (r *relayRuntime) observe(st *control.State, now time.Time) {
	if !r.lastAt.IsZero() {
		elapsed := now.Sub(r.lastAt)
		for i, rel := range control.Relays {
			if st.Relay(rel).On() {
				r.on[i] += elapsed
			}
		}
	}
	r.lastAt = now

	day := now.UTC().Format(dateLayout)
	switch {
	case r.day == "":
		r.day = day
	case day != r.day:
		if err := r.flush(); err != nil {
			r.logger.Warn("saving relay runtime failed", "day", r.day, "error", err)
		}
		r.day = day
		r.on = [len(control.Relays)]time.Duration{}
	}
}

// today returns the running totals of the current day.
func (r *relayRuntime) today() store.RelayDay {
	return store.RelayDay{
		Date:     r.day,
		Pump:     r.on[control.Pump],
		PH:       r.on[control.PHRelay],
		Nutrient: r.on[control.NutrientRelay],
	}
}

func (r *relayRuntime) flush() error {
	if r.day == "" {
		return nil
	}
	d := r.today()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.SaveRelayDay(ctx, d, r.keep); err != nil {
		return err
	}
	r.logger.Info("relay runtime saved", "day", d.Date,
		"pump", formatDuration(d.Pump), "ph", formatDuration(d.PH), "nutrient", formatDuration(d.Nutrient))
	return nil
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%02d:%02d", hours, minutes)
}
