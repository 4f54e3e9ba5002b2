// Package control holds the actuation logic of a grow unit: the shared
// controller state, the pH dose/mix, nutrient, circulation and calibration
// state machines, and the arbiter that switches between automatic and
// manual operation.
//
// Nothing here is safe for concurrent use. The unit's tick goroutine owns
// the State and every controller.
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"hydrofirma/growunit/telemetry"
)

// Setpoints are the unit's control targets.
type Setpoints = telemetry.Setpoints

// Mode selects who drives the relays.
type Mode int

const (
	Automatic Mode = iota
	Manual
)

func (m Mode) String() string {
	switch m {
	case Automatic:
		return "automatic"
	case Manual:
		return "manual"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Relay identifies one of the unit's actuators.
type Relay int

const (
	Pump Relay = iota
	PHRelay
	NutrientRelay
	relayCount
)

// Relays lists every actuator in wire order.
var Relays = [relayCount]Relay{Pump, PHRelay, NutrientRelay}

func (r Relay) String() string {
	switch r {
	case Pump:
		return "pump"
	case PHRelay:
		return "ph"
	case NutrientRelay:
		return "nutrient"
	}
	return fmt.Sprintf("relay(%d)", int(r))
}

// RelayState records a relay's output and who set it.
type RelayState int

const (
	Off RelayState = iota
	OnAutomatic
	OnManual
)

// On reports whether the relay output is energised.
func (s RelayState) On() bool { return s != Off }

func (s RelayState) String() string {
	switch s {
	case Off:
		return "off"
	case OnAutomatic:
		return "on (automatic)"
	case OnManual:
		return "on (manual)"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Switch drives a physical relay. gobot's gpio.RelayDriver satisfies it.
type Switch interface {
	On() error
	Off() error
}

var (
	ErrManualMode    = errors.New("control: automatic relay write refused in manual mode")
	ErrAutomaticMode = errors.New("control: manual relay command refused in automatic mode")
	ErrUnknownMode   = errors.New("control: unknown mode")
)

// Readings is the sensor snapshot of one tick.
type Readings struct {
	PH         float64
	EC         float64
	WaterTemp  float64
	AirTemp    float64
	CO2        float64
	Light      float64
	WaterLevel float64
	LowWater   bool
	At         time.Time

	// Calibration inputs: the pH probe output in volts and the
	// uncompensated EC before the cell constant is applied.
	PHVolts float64
	ECRaw   float64
}

// State is the context every controller works against: the operating
// mode, the setpoints, the relays and which cycle currently owns each of
// them.
type State struct {
	mode      Mode
	setpoints Setpoints
	switches  [relayCount]Switch
	relays    [relayCount]RelayState
	owners    [relayCount]string
	logger    *slog.Logger
}

// NewState returns a state in automatic mode with all relays recorded off.
func NewState(pump, ph, nutrient Switch, sp Setpoints, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		mode:      Automatic,
		setpoints: sp,
		switches:  [relayCount]Switch{pump, ph, nutrient},
		logger:    logger.With("component", "relays"),
	}
}

func (s *State) Mode() Mode { return s.mode }

func (s *State) Setpoints() Setpoints { return s.setpoints }

// Relay returns the recorded state of r.
func (s *State) Relay(r Relay) RelayState { return s.relays[r] }

// Owner returns the cycle currently holding r, or "".
func (s *State) Owner(r Relay) string { return s.owners[r] }

// Actuators returns the relay outputs in wire form.
func (s *State) Actuators() telemetry.Actuators {
	return telemetry.Actuators{
		Pump:     s.relays[Pump].On(),
		PH:       s.relays[PHRelay].On(),
		Nutrient: s.relays[NutrientRelay].On(),
	}
}

// claim reserves r for owner. It fails if another cycle holds it.
func (s *State) claim(r Relay, owner string) bool {
	if s.owners[r] != "" && s.owners[r] != owner {
		return false
	}
	s.owners[r] = owner
	return true
}

func (s *State) release(r Relay, owner string) {
	if s.owners[r] == owner {
		s.owners[r] = ""
	}
}

// setAutomatic is the only path controllers use to drive a relay.
func (s *State) setAutomatic(r Relay, on bool) error {
	if s.mode == Manual {
		return fmt.Errorf("%w: %s", ErrManualMode, r)
	}
	next := Off
	if on {
		next = OnAutomatic
	}
	return s.drive(r, next)
}

func (s *State) setManual(r Relay, on bool) error {
	if s.mode != Manual {
		return fmt.Errorf("%w: %s", ErrAutomaticMode, r)
	}
	next := Off
	if on {
		next = OnManual
	}
	return s.drive(r, next)
}

func (s *State) drive(r Relay, next RelayState) error {
	sw := s.switches[r]
	var err error
	if next.On() {
		err = sw.On()
	} else {
		err = sw.Off()
	}
	if err != nil {
		return fmt.Errorf("drive %s relay: %w", r, err)
	}
	if s.relays[r] != next {
		s.logger.Info("relay changed", "relay", r.String(), "state", next.String())
	}
	s.relays[r] = next
	return nil
}

// forceAllOff switches every relay off and drops every claim. Each relay
// is attempted even if an earlier one fails.
func (s *State) forceAllOff() error {
	var result *multierror.Error
	for _, r := range Relays {
		s.owners[r] = ""
		if err := s.drive(r, Off); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// ForceAllOff switches every relay off regardless of mode.
func (s *State) ForceAllOff() error { return s.forceAllOff() }
