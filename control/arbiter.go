package control

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"hydrofirma/growunit/telemetry"
)

// Arbiter owns the operating mode. It applies remote and operator commands
// and decides whether the automatic controllers run.
type Arbiter struct {
	state       *State
	dosing      *PHDosing
	nutrient    *Nutrient
	circulation *Circulation
	calibration *Calibration
	logger      *slog.Logger
}

func NewArbiter(st *State, dosing *PHDosing, nutrient *Nutrient, circulation *Circulation, calibration *Calibration, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		state:       st,
		dosing:      dosing,
		nutrient:    nutrient,
		circulation: circulation,
		calibration: calibration,
		logger:      logger.With("component", "arbiter"),
	}
}

func (a *Arbiter) Mode() Mode { return a.state.Mode() }

// Dispatching reports whether the automatic controllers should run this
// tick.
func (a *Arbiter) Dispatching() bool { return a.state.Mode() == Automatic }

// SetMode switches the operating mode. Entering Manual stops every cycle
// and calibration and forces all relays off. Returning to Automatic
// switches off relays left on by hand.
func (a *Arbiter) SetMode(m Mode) error {
	if m != Automatic && m != Manual {
		return fmt.Errorf("%w: %d", ErrUnknownMode, int(m))
	}
	if m == a.state.mode {
		return nil
	}
	a.state.mode = m
	a.logger.Info("mode changed", "mode", m.String())

	if m == Manual {
		a.dosing.Reset(a.state)
		a.nutrient.Reset(a.state)
		a.circulation.Reset(a.state)
		a.calibration.AbortAll()
		return a.state.forceAllOff()
	}

	var result *multierror.Error
	for _, r := range Relays {
		if a.state.relays[r] != OnManual {
			continue
		}
		if err := a.state.drive(r, Off); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Apply executes a remote command. Setpoints are replaced only by a
// complete update; relays a manual command does not name stay as they are.
func (a *Arbiter) Apply(cmd telemetry.Command) error {
	switch cmd.Mode {
	case telemetry.ModeAutomatic:
		err := a.SetMode(Automatic)
		switch {
		case cmd.Setpoints != nil:
			next := *cmd.Setpoints
			if next.Crop == "" {
				next.Crop = a.state.setpoints.Crop
			}
			a.state.setpoints = next
			a.logger.Info("setpoints replaced", "crop", next.Crop, "ph", next.PH, "ec", next.EC)
		case cmd.SetpointsDropped:
			a.logger.Warn("incomplete setpoint update ignored")
		}
		return err

	case telemetry.ModeManual:
		var result *multierror.Error
		if err := a.SetMode(Manual); err != nil {
			result = multierror.Append(result, err)
		}
		wants := [relayCount]*bool{cmd.Overrides.Pump, cmd.Overrides.PH, cmd.Overrides.Nutrient}
		for _, r := range Relays {
			want := wants[r]
			if want == nil {
				continue
			}
			if err := a.state.setManual(r, *want); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result.ErrorOrNil()
	}

	a.logger.Warn("command with unknown mode ignored", "mode", cmd.Mode)
	return fmt.Errorf("%w: %d", ErrUnknownMode, cmd.Mode)
}

// StartCalibration opens a calibration session for t.
func (a *Arbiter) StartCalibration(t Target, now time.Time) error {
	return a.calibration.Start(t, now)
}

// SetRelay switches r by hand. It is refused outside Manual mode.
func (a *Arbiter) SetRelay(r Relay, on bool) error {
	return a.state.setManual(r, on)
}

// Execute dispatches an operator console command.
func (a *Arbiter) Execute(cmd OperatorCommand, now time.Time) error {
	switch cmd.Kind {
	case CommandManual:
		return a.SetMode(Manual)
	case CommandAutomatic:
		return a.SetMode(Automatic)
	case CommandCalibrate:
		return a.StartCalibration(cmd.Target, now)
	case CommandRelay:
		return a.SetRelay(cmd.Relay, cmd.On)
	}
	return fmt.Errorf("%w: kind %d", ErrUnknownCommand, int(cmd.Kind))
}
