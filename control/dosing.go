package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
)

const phDosingOwner = "ph-dosing"

// DosingConfig tunes the pH dose/mix cycle.
type DosingConfig struct {
	// Ceiling is the pH above which acid is dosed.
	Ceiling            float64       `yaml:"ph_ceiling"`
	VariationThreshold float64       `yaml:"variation_threshold"`
	VariationInterval  time.Duration `yaml:"variation_interval"`
	DoseDuration       time.Duration `yaml:"dose_duration"`
	MixDuration        time.Duration `yaml:"mix_duration"`
}

func DefaultDosingConfig() DosingConfig {
	return DosingConfig{
		Ceiling:            8.0,
		VariationThreshold: 0.1,
		VariationInterval:  20 * time.Second,
		DoseDuration:       10 * time.Second,
		MixDuration:        10 * time.Second,
	}
}

func (c DosingConfig) Validate() error {
	switch {
	case c.DoseDuration <= 0:
		return errors.New("dosing: dose_duration must be positive")
	case c.MixDuration <= 0:
		return errors.New("dosing: mix_duration must be positive")
	case c.VariationInterval < 0:
		return errors.New("dosing: variation_interval cannot be negative")
	case c.VariationThreshold < 0:
		return errors.New("dosing: variation_threshold cannot be negative")
	}
	return nil
}

// PHDosing lowers pH by opening the acid relay for a fixed time, then
// running the pump to mix before the next measurement counts.
type PHDosing struct {
	cfg       DosingConfig
	phase     Phase
	startedAt time.Time
	variation Variation
	logger    *slog.Logger
}

func NewPHDosing(cfg DosingConfig, logger *slog.Logger) *PHDosing {
	if logger == nil {
		logger = slog.Default()
	}
	return &PHDosing{
		cfg:       cfg,
		variation: Variation{Interval: cfg.VariationInterval},
		logger:    logger.With("component", "ph-dosing"),
	}
}

func (d *PHDosing) Phase() Phase { return d.phase }

// Variation returns the tracked pH variation.
func (d *PHDosing) Variation() (float64, bool) { return d.variation.Value() }

// Tick feeds one pH reading and advances the cycle.
func (d *PHDosing) Tick(st *State, ph float64, now time.Time) error {
	d.variation.Sample(ph, now)

	if st.Mode() != Automatic {
		if d.phase != Idle {
			d.Reset(st)
		}
		return nil
	}

	switch d.phase {
	case Idle:
		if ph <= d.cfg.Ceiling || !d.variation.Stable(d.cfg.VariationThreshold) {
			return nil
		}
		// The cycle needs the pump for mixing, so it holds both relays
		// from the start.
		if !st.claim(PHRelay, phDosingOwner) {
			return nil
		}
		if !st.claim(Pump, phDosingOwner) {
			st.release(PHRelay, phDosingOwner)
			return nil
		}
		if err := st.setAutomatic(PHRelay, true); err != nil {
			d.release(st)
			return fmt.Errorf("start pH dose: %w", err)
		}
		variation, _ := d.variation.Value()
		d.phase, d.startedAt = Dosing, now
		d.logger.Info("pH dose started", "ph", ph, "ceiling", d.cfg.Ceiling, "variation", variation)

	case Dosing:
		if now.Sub(d.startedAt) < d.cfg.DoseDuration {
			return nil
		}
		var result *multierror.Error
		if err := st.setAutomatic(PHRelay, false); err != nil {
			result = multierror.Append(result, err)
		}
		st.release(PHRelay, phDosingOwner)
		if err := st.setAutomatic(Pump, true); err != nil {
			result = multierror.Append(result, err)
		}
		d.phase, d.startedAt = Mixing, now
		d.logger.Info("pH dose finished, mixing")
		return result.ErrorOrNil()

	case Mixing:
		if now.Sub(d.startedAt) < d.cfg.MixDuration {
			return nil
		}
		err := st.setAutomatic(Pump, false)
		st.release(Pump, phDosingOwner)
		d.phase = Idle
		d.variation.Reset()
		d.logger.Info("mixing finished")
		return err
	}
	return nil
}

// Reset abandons any cycle in progress and forgets the variation history.
// Relay outputs are left to the caller.
func (d *PHDosing) Reset(st *State) {
	d.release(st)
	d.phase = Idle
	d.startedAt = time.Time{}
	d.variation.Reset()
}

func (d *PHDosing) release(st *State) {
	st.release(PHRelay, phDosingOwner)
	st.release(Pump, phDosingOwner)
}
