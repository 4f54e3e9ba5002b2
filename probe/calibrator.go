package probe

import (
	"fmt"
	"log/slog"
)

// Calibration record names.
const (
	PHRecord = "ph"
	ECRecord = "ec"
)

// Persister stores calibration constants under a name.
type Persister interface {
	SaveCalibration(name string, v any) error
}

// PHCalibrator runs the probe side of a pH calibration session: each point
// captures the current probe voltage, and Commit persists the result.
type PHCalibrator struct {
	probe   *PH
	voltage func() float64
	store   Persister
	logger  *slog.Logger
}

// NewPHCalibrator returns a calibrator that reads the probe voltage, in mV,
// from voltage.
func NewPHCalibrator(p *PH, voltage func() float64, store Persister, logger *slog.Logger) *PHCalibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PHCalibrator{probe: p, voltage: voltage, store: store, logger: logger.With("component", "ph-probe")}
}

func (c *PHCalibrator) SetFirstPoint() error  { return c.capture() }
func (c *PHCalibrator) SetSecondPoint() error { return c.capture() }

func (c *PHCalibrator) capture() error {
	mv := c.voltage()
	buffer, err := c.probe.Calibrate(mv)
	if err != nil {
		return err
	}
	c.logger.Info("pH point captured", "buffer", buffer, "mv", mv)
	return nil
}

func (c *PHCalibrator) Commit() error {
	if err := c.store.SaveCalibration(PHRecord, c.probe.Constants()); err != nil {
		return fmt.Errorf("save pH calibration: %w", err)
	}
	return nil
}

// ECCalibrator is the EC counterpart of PHCalibrator. sample returns the
// probe voltage in mV and the solution temperature in °C.
type ECCalibrator struct {
	probe  *EC
	sample func() (mv, tempC float64)
	store  Persister
	logger *slog.Logger
}

func NewECCalibrator(p *EC, sample func() (mv, tempC float64), store Persister, logger *slog.Logger) *ECCalibrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ECCalibrator{probe: p, sample: sample, store: store, logger: logger.With("component", "ec-probe")}
}

func (c *ECCalibrator) SetFirstPoint() error  { return c.capture() }
func (c *ECCalibrator) SetSecondPoint() error { return c.capture() }

func (c *ECCalibrator) capture() error {
	mv, tempC := c.sample()
	buffer, err := c.probe.Calibrate(mv, tempC)
	if err != nil {
		return err
	}
	c.logger.Info("EC point captured", "buffer", buffer, "mv", mv, "temp_c", tempC)
	return nil
}

func (c *ECCalibrator) Commit() error {
	if err := c.store.SaveCalibration(ECRecord, c.probe.Constants()); err != nil {
		return fmt.Errorf("save EC calibration: %w", err)
	}
	return nil
}
