package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SetpointArity is the number of scaled values in a complete setpoint
// update: pH, EC, temperature, humidity, CO2, light.
const SetpointArity = 6

var (
	ErrDecode      = errors.New("telemetry: malformed payload")
	ErrMissingMode = errors.New("telemetry: command has no mode")
)

// Overrides are per-relay manual commands. A nil field leaves the relay
// as it is.
type Overrides struct {
	Pump     *bool
	PH       *bool
	Nutrient *bool
}

// Empty reports whether no relay is addressed.
func (o Overrides) Empty() bool {
	return o.Pump == nil && o.PH == nil && o.Nutrient == nil
}

// Command is a decoded remote command.
type Command struct {
	Mode int
	// Setpoints is set only when the command carried a complete update.
	// Its Crop is empty when the command did not name a crop.
	Setpoints *Setpoints
	// SetpointsDropped is set when a setpoint array of the wrong length
	// was ignored.
	SetpointsDropped bool
	Overrides        Overrides
}

type wireCommand struct {
	Mode      *int           `json:"md"`
	Crop      *string        `json:"cv,omitempty"`
	Setpoints *[]int         `json:"sp,omitempty"`
	Actuators *wireOverrides `json:"act,omitempty"`
}

type wireOverrides struct {
	Pump     *int `json:"wp,omitempty"`
	PH       *int `json:"phr,omitempty"`
	Nutrient *int `json:"nr,omitempty"`
}

// DecodeCommand parses a command payload. Mode values are not checked
// here; an unknown mode decodes and is rejected by whoever applies it.
func DecodeCommand(b []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(b, &w); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.Mode == nil {
		return Command{}, ErrMissingMode
	}

	cmd := Command{Mode: *w.Mode}
	if w.Setpoints != nil {
		sp := *w.Setpoints
		if len(sp) == SetpointArity {
			cmd.Setpoints = &Setpoints{
				PH:          Unscale(sp[0], ScalePH),
				EC:          Unscale(sp[1], ScaleEC),
				Temperature: Unscale(sp[2], ScaleTemp),
				Humidity:    Unscale(sp[3], ScaleUnit),
				CO2:         Unscale(sp[4], ScaleUnit),
				Light:       Unscale(sp[5], ScaleUnit),
			}
			if w.Crop != nil {
				cmd.Setpoints.Crop = *w.Crop
			}
		} else {
			cmd.SetpointsDropped = true
		}
	}
	if a := w.Actuators; a != nil {
		cmd.Overrides = Overrides{
			Pump:     flag(a.Pump),
			PH:       flag(a.PH),
			Nutrient: flag(a.Nutrient),
		}
	}
	return cmd, nil
}

// EncodeAuto builds the command that puts a unit in automatic mode with
// new setpoints.
func EncodeAuto(sp Setpoints) ([]byte, error) {
	values := []int{
		Scale(sp.PH, ScalePH),
		Scale(sp.EC, ScaleEC),
		Scale(sp.Temperature, ScaleTemp),
		Scale(sp.Humidity, ScaleUnit),
		Scale(sp.CO2, ScaleUnit),
		Scale(sp.Light, ScaleUnit),
	}
	mode := ModeAutomatic
	w := wireCommand{Mode: &mode, Setpoints: &values}
	if sp.Crop != "" {
		w.Crop = &sp.Crop
	}
	return json.Marshal(w)
}

// EncodeManual builds the command that puts a unit in manual mode and
// drives the addressed relays.
func EncodeManual(o Overrides) ([]byte, error) {
	mode := ModeManual
	w := wireCommand{Mode: &mode}
	if !o.Empty() {
		w.Actuators = &wireOverrides{
			Pump:     level(o.Pump),
			PH:       level(o.PH),
			Nutrient: level(o.Nutrient),
		}
	}
	return json.Marshal(w)
}

// flag reads a relay level. Only 1 switches a relay on.
func flag(v *int) *bool {
	if v == nil {
		return nil
	}
	on := *v == 1
	return &on
}

func level(v *bool) *int {
	if v == nil {
		return nil
	}
	n := bit(*v)
	return &n
}
