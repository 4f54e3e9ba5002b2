// Package telemetry is the compact JSON wire format carried over the radio:
// status frames from the grow unit and commands from the hub.
package telemetry

import (
	"encoding/json"
	"fmt"
)

// Mode values on the wire.
const (
	ModeAutomatic = 0
	ModeManual    = 1
)

// Sensors are the readings reported in a status frame.
type Sensors struct {
	PH      float64
	EC      float64
	AirTemp float64
	CO2     float64
	Light   float64
}

// Setpoints are the control targets of a grow unit. They are only ever
// replaced as a whole.
type Setpoints struct {
	PH          float64 `yaml:"ph" json:"ph"`
	EC          float64 `yaml:"ec" json:"ec"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
	Humidity    float64 `yaml:"humidity" json:"humidity"`
	CO2         float64 `yaml:"co2" json:"co2"`
	Light       float64 `yaml:"light" json:"light"`
	Crop        string  `yaml:"crop" json:"crop"`
}

// Actuators is the on/off state of the three relays.
type Actuators struct {
	Pump     bool
	PH       bool
	Nutrient bool
}

// StatusFrame is the periodic report of a grow unit.
type StatusFrame struct {
	Unit      string `json:"i"`
	Mode      int    `json:"m"`
	Sensors   []int  `json:"sv"`
	Setpoints []int  `json:"ss"`
	Actuators []int  `json:"av"`
	Alert     int    `json:"x"`
}

// EncodeStatus builds the status frame for one report.
func EncodeStatus(unit string, manual bool, s Sensors, sp Setpoints, a Actuators, alert bool) StatusFrame {
	mode := ModeAutomatic
	if manual {
		mode = ModeManual
	}
	return StatusFrame{
		Unit: unit,
		Mode: mode,
		Sensors: []int{
			Scale(s.PH, ScalePH),
			Scale(s.EC, ScaleEC),
			Scale(s.AirTemp, ScaleTemp),
			Scale(s.CO2, ScaleUnit),
			Scale(s.Light, ScaleUnit),
		},
		Setpoints: []int{
			Scale(sp.PH, ScalePH),
			Scale(sp.EC, ScaleEC),
			Scale(sp.Temperature, ScaleTemp),
			Scale(sp.CO2, ScaleUnit),
			Scale(sp.Light, ScaleUnit),
		},
		Actuators: []int{bit(a.Pump), bit(a.PH), bit(a.Nutrient)},
		Alert:     bit(alert),
	}
}

// Marshal renders the frame as compact JSON.
func (f StatusFrame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeStatus parses a status frame received by the hub.
func DecodeStatus(b []byte) (StatusFrame, error) {
	var f StatusFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return StatusFrame{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return f, nil
}

func bit(on bool) int {
	if on {
		return 1
	}
	return 0
}
