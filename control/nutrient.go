package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const nutrientOwner = "nutrient-dosing"

// NutrientConfig tunes nutrient dosing.
type NutrientConfig struct {
	// LowThreshold is the EC below which nutrient is dosed.
	LowThreshold float64       `yaml:"ec_low_threshold"`
	DoseDuration time.Duration `yaml:"dose_duration"`
}

func DefaultNutrientConfig() NutrientConfig {
	return NutrientConfig{LowThreshold: 1.0, DoseDuration: 8 * time.Second}
}

func (c NutrientConfig) Validate() error {
	if c.DoseDuration <= 0 {
		return errors.New("nutrient: dose_duration must be positive")
	}
	return nil
}

// Nutrient opens the nutrient relay for a fixed time whenever EC is low.
type Nutrient struct {
	cfg       NutrientConfig
	phase     Phase
	startedAt time.Time
	logger    *slog.Logger
}

func NewNutrient(cfg NutrientConfig, logger *slog.Logger) *Nutrient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Nutrient{cfg: cfg, logger: logger.With("component", "nutrient-dosing")}
}

func (n *Nutrient) Phase() Phase { return n.phase }

// Tick feeds one EC reading and advances the cycle.
func (n *Nutrient) Tick(st *State, ec float64, now time.Time) error {
	if st.Mode() != Automatic {
		if n.phase != Idle {
			n.Reset(st)
		}
		return nil
	}

	switch n.phase {
	case Idle:
		if ec >= n.cfg.LowThreshold || !st.claim(NutrientRelay, nutrientOwner) {
			return nil
		}
		if err := st.setAutomatic(NutrientRelay, true); err != nil {
			st.release(NutrientRelay, nutrientOwner)
			return fmt.Errorf("start nutrient dose: %w", err)
		}
		n.phase, n.startedAt = Dosing, now
		n.logger.Info("nutrient dose started", "ec", ec, "threshold", n.cfg.LowThreshold)

	case Dosing:
		if now.Sub(n.startedAt) < n.cfg.DoseDuration {
			return nil
		}
		err := st.setAutomatic(NutrientRelay, false)
		st.release(NutrientRelay, nutrientOwner)
		n.phase = Idle
		n.logger.Info("nutrient dose finished")
		return err
	}
	return nil
}

// Reset abandons any cycle in progress. Relay outputs are left to the
// caller.
func (n *Nutrient) Reset(st *State) {
	st.release(NutrientRelay, nutrientOwner)
	n.phase = Idle
	n.startedAt = time.Time{}
}
