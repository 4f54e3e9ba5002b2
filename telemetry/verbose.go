package telemetry

// UnknownUnit names frames that arrive without a unit ID.
const UnknownUnit = "ESP_Room_Unknown"

// Reading is one sensor in the verbose document. Either side may be
// absent when the frame was short.
type Reading struct {
	Value    *float64 `json:"value,omitempty"`
	Setpoint *float64 `json:"setpoint,omitempty"`
}

// Alerts carries the alert code of the frame.
type Alerts struct {
	Code int `json:"code"`
}

// VerboseStatus is the self-describing form of a StatusFrame published
// to MQTT by the hub.
type VerboseStatus struct {
	RoomID    string             `json:"room_id"`
	Mode      string             `json:"mode"`
	Sensors   map[string]Reading `json:"sensors,omitempty"`
	Actuators map[string]string  `json:"actuator_status,omitempty"`
	Alerts    Alerts             `json:"alerts"`
}

var verboseSensors = []struct {
	name  string
	scale float64
}{
	{"pH", ScalePH},
	{"EC", ScaleEC},
	{"air_temperature", ScaleTemp},
	{"CO2", ScaleUnit},
	{"light", ScaleUnit},
}

var verboseActuators = []string{"WATER_PUMP", "PH_RELAY", "NUTRIENTS_RELAY"}

// Verbose expands the frame into named, unscaled fields.
func (f StatusFrame) Verbose() VerboseStatus {
	v := VerboseStatus{
		RoomID: f.Unit,
		Mode:   "auto",
		Alerts: Alerts{Code: f.Alert},
	}
	if v.RoomID == "" {
		v.RoomID = UnknownUnit
	}
	if f.Mode == ModeManual {
		v.Mode = "manual"
	}

	for i, s := range verboseSensors {
		var r Reading
		if i < len(f.Sensors) {
			x := Unscale(f.Sensors[i], s.scale)
			r.Value = &x
		}
		if i < len(f.Setpoints) {
			x := Unscale(f.Setpoints[i], s.scale)
			r.Setpoint = &x
		}
		if r.Value == nil && r.Setpoint == nil {
			continue
		}
		if v.Sensors == nil {
			v.Sensors = make(map[string]Reading, len(verboseSensors))
		}
		v.Sensors[s.name] = r
	}

	for i, name := range verboseActuators {
		if i >= len(f.Actuators) {
			break
		}
		if v.Actuators == nil {
			v.Actuators = make(map[string]string, len(verboseActuators))
		}
		v.Actuators[name] = "OFF"
		if f.Actuators[i] != 0 {
			v.Actuators[name] = "ON"
		}
	}
	return v
}
