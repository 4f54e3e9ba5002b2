package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrCalibrationTimeout = errors.New("control: calibration timed out")
	ErrCalibrationActive  = errors.New("control: calibration already running")
)

// Target is a calibratable sensor.
type Target int

const (
	TargetEC Target = iota
	TargetPH
	targetCount
)

func (t Target) String() string {
	switch t {
	case TargetEC:
		return "EC"
	case TargetPH:
		return "pH"
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// Step is the position in a two-point calibration.
type Step int

const (
	StepIdle Step = iota
	StepFirst
	StepSecond
)

// Window is an open interval of accepted readings.
type Window struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (w Window) Contains(v float64) bool { return v > w.Low && v < w.High }

// CalibrationConfig holds the session timeout and, per sensor, the
// reading windows that identify the first and second reference solutions.
type CalibrationConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	ECFirst  Window        `yaml:"ec_first"`
	ECSecond Window        `yaml:"ec_second"`
	PHFirst  Window        `yaml:"ph_first"`
	PHSecond Window        `yaml:"ph_second"`
}

func DefaultCalibrationConfig() CalibrationConfig {
	return CalibrationConfig{
		Timeout:  30 * time.Second,
		ECFirst:  Window{Low: 1.14, High: 2.7},
		ECSecond: Window{Low: 18, High: 20.5},
		PHFirst:  Window{Low: 0.3, High: 0.5},
		PHSecond: Window{Low: 2, High: 2.5},
	}
}

func (c CalibrationConfig) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("calibration: timeout must be positive")
	}
	for name, w := range map[string]Window{
		"ec_first": c.ECFirst, "ec_second": c.ECSecond,
		"ph_first": c.PHFirst, "ph_second": c.PHSecond,
	} {
		if w.Low >= w.High {
			return fmt.Errorf("calibration: %s window is empty", name)
		}
	}
	return nil
}

func (c CalibrationConfig) windows(t Target) (first, second Window) {
	if t == TargetPH {
		return c.PHFirst, c.PHSecond
	}
	return c.ECFirst, c.ECSecond
}

// Calibrator is the sensor side of a two-point calibration.
type Calibrator interface {
	SetFirstPoint() error
	SetSecondPoint() error
	Commit() error
}

// Session is the progress of one sensor's calibration.
type Session struct {
	Target    Target
	Step      Step
	StartedAt time.Time
	Deadline  time.Time
}

func (s Session) Active() bool { return s.Step != StepIdle }

// Calibration runs independent two-point sessions for EC and pH.
type Calibration struct {
	cfg      CalibrationConfig
	sessions [targetCount]Session
	sensors  [targetCount]Calibrator
	logger   *slog.Logger
}

func NewCalibration(cfg CalibrationConfig, ec, ph Calibrator, logger *slog.Logger) *Calibration {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Calibration{
		cfg:     cfg,
		sensors: [targetCount]Calibrator{ec, ph},
		logger:  logger.With("component", "calibration"),
	}
	for _, t := range []Target{TargetEC, TargetPH} {
		c.sessions[t].Target = t
	}
	return c
}

// Session returns the current session of t.
func (c *Calibration) Session(t Target) Session { return c.sessions[t] }

// Start opens a session for t. Starting an active session changes nothing
// and returns ErrCalibrationActive.
func (c *Calibration) Start(t Target, now time.Time) error {
	s := &c.sessions[t]
	if s.Active() {
		return fmt.Errorf("%w: %s", ErrCalibrationActive, t)
	}
	s.Step, s.StartedAt, s.Deadline = StepFirst, now, now.Add(c.cfg.Timeout)
	c.logger.Info("calibration started, place probe in first reference solution", "target", t.String())
	return nil
}

// Tick feeds one reading of t to its session.
func (c *Calibration) Tick(t Target, reading float64, now time.Time) error {
	s := &c.sessions[t]
	if !s.Active() {
		return nil
	}
	if now.After(s.Deadline) {
		step := s.Step
		c.abort(t)
		return fmt.Errorf("%w: %s at step %d", ErrCalibrationTimeout, t, step)
	}

	first, second := c.cfg.windows(t)
	sensor := c.sensors[t]
	switch s.Step {
	case StepFirst:
		if !first.Contains(reading) {
			return nil
		}
		if err := sensor.SetFirstPoint(); err != nil {
			return fmt.Errorf("%s first point: %w", t, err)
		}
		s.Step, s.StartedAt, s.Deadline = StepSecond, now, now.Add(c.cfg.Timeout)
		c.logger.Info("first point stored, place probe in second reference solution", "target", t.String(), "reading", reading)

	case StepSecond:
		if !second.Contains(reading) {
			return nil
		}
		if err := sensor.SetSecondPoint(); err != nil {
			return fmt.Errorf("%s second point: %w", t, err)
		}
		err := sensor.Commit()
		c.abort(t)
		if err != nil {
			return fmt.Errorf("%s commit: %w", t, err)
		}
		c.logger.Info("calibration complete", "target", t.String(), "reading", reading)
	}
	return nil
}

// Abort returns t's session to idle.
func (c *Calibration) Abort(t Target) {
	if c.sessions[t].Active() {
		c.logger.Info("calibration aborted", "target", t.String())
	}
	c.abort(t)
}

// AbortAll returns every session to idle.
func (c *Calibration) AbortAll() {
	for _, t := range []Target{TargetEC, TargetPH} {
		c.Abort(t)
	}
}

func (c *Calibration) abort(t Target) {
	c.sessions[t] = Session{Target: t}
}
