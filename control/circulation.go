package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const circulationOwner = "circulation"

// CirculationConfig schedules the periodic pump run.
type CirculationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	RunTime  time.Duration `yaml:"run_time"`
}

func DefaultCirculationConfig() CirculationConfig {
	return CirculationConfig{Enabled: true, Interval: 30 * time.Second, RunTime: 20 * time.Second}
}

func (c CirculationConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 || c.RunTime <= 0 {
		return errors.New("circulation: interval and run_time must be positive")
	}
	if c.RunTime >= c.Interval {
		return errors.New("circulation: run_time must be shorter than interval")
	}
	return nil
}

// Circulation runs the pump for RunTime once every Interval. A run that
// falls due while another cycle holds the pump is skipped.
type Circulation struct {
	cfg       CirculationConfig
	phase     Phase
	lastStart time.Time
	logger    *slog.Logger
}

func NewCirculation(cfg CirculationConfig, logger *slog.Logger) *Circulation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Circulation{cfg: cfg, logger: logger.With("component", "circulation")}
}

func (c *Circulation) Phase() Phase { return c.phase }

// Tick advances the schedule.
func (c *Circulation) Tick(st *State, now time.Time) error {
	if !c.cfg.Enabled {
		return nil
	}
	if st.Mode() != Automatic {
		if c.phase != Idle {
			c.Reset(st)
		}
		return nil
	}

	switch c.phase {
	case Idle:
		if c.lastStart.IsZero() {
			c.lastStart = now
			return nil
		}
		if now.Sub(c.lastStart) < c.cfg.Interval {
			return nil
		}
		c.lastStart = now
		if !st.claim(Pump, circulationOwner) {
			c.logger.Debug("circulation skipped, pump busy", "owner", st.Owner(Pump))
			return nil
		}
		if err := st.setAutomatic(Pump, true); err != nil {
			st.release(Pump, circulationOwner)
			return fmt.Errorf("start circulation: %w", err)
		}
		c.phase = Running
		c.logger.Debug("circulation started")

	case Running:
		if now.Sub(c.lastStart) < c.cfg.RunTime {
			return nil
		}
		err := st.setAutomatic(Pump, false)
		st.release(Pump, circulationOwner)
		c.phase = Idle
		c.logger.Debug("circulation stopped")
		return err
	}
	return nil
}

// Reset stops the schedule; the next run falls one interval after the
// following tick.
func (c *Circulation) Reset(st *State) {
	st.release(Pump, circulationOwner)
	c.phase = Idle
	c.lastStart = time.Time{}
}
