// Package config loads the YAML configuration of the farm and hub
// binaries.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hydrofirma/growunit/control"
	"hydrofirma/growunit/radio"
	"hydrofirma/growunit/telemetry"
)

// Serial selects the UART the radio module is wired to.
type Serial struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// Pins are the header pins of the relay board.
type Pins struct {
	Pump     string `yaml:"pump"`
	PH       string `yaml:"ph"`
	Nutrient string `yaml:"nutrient"`
	// ActiveLow is set for boards that energise a relay on a low pin.
	ActiveLow bool `yaml:"active_low"`
}

// Sensors maps probes to ADC channels and scales.
type Sensors struct {
	PHChannel        int `yaml:"ph_channel"`
	ECChannel        int `yaml:"ec_channel"`
	WaterTempChannel int `yaml:"water_temp_channel"`
	LevelChannel     int `yaml:"level_channel"`

	// WaterTempMVPerDegree converts the temperature sensor output, in mV,
	// to °C.
	WaterTempMVPerDegree float64 `yaml:"water_temp_mv_per_degree"`
	// LevelCMPerVolt converts the level sensor output to the distance
	// between sensor and water surface.
	LevelCMPerVolt float64 `yaml:"level_cm_per_volt"`
	// LowWaterCM raises the alert when the surface is further away.
	LowWaterCM float64 `yaml:"low_water_cm"`
}

// Mirror publishes status to a local MQTT broker. An empty Broker
// disables it.
type Mirror struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Farm configures one grow unit.
type Farm struct {
	UnitID         string        `yaml:"unit_id"`
	LogLevel       string        `yaml:"log_level"`
	Database       string        `yaml:"database"`
	Tick           time.Duration `yaml:"tick"`
	TelemetryEvery time.Duration `yaml:"telemetry_every"`
	RuntimeDays    int           `yaml:"runtime_days"`

	Serial Serial       `yaml:"serial"`
	Radio  radio.Config `yaml:"radio"`
	Mirror Mirror       `yaml:"mirror"`

	Dosing      control.DosingConfig      `yaml:"dosing"`
	Nutrient    control.NutrientConfig    `yaml:"nutrient"`
	Circulation control.CirculationConfig `yaml:"circulation"`
	Calibration control.CalibrationConfig `yaml:"calibration"`

	Pins      Pins                `yaml:"pins"`
	Sensors   Sensors             `yaml:"sensors"`
	Setpoints telemetry.Setpoints `yaml:"setpoints"`
}

// DefaultFarm returns the configuration used when no file is present.
func DefaultFarm() Farm {
	cal := control.DefaultCalibrationConfig()
	// The farm feeds the pH session the probe voltage in volts and the EC
	// session the uncalibrated EC, so the windows bracket the buffer
	// solutions the probe models accept.
	cal.PHFirst = control.Window{Low: 1.854, High: 2.210}
	cal.PHSecond = control.Window{Low: 1.322, High: 1.678}
	cal.ECFirst = control.Window{Low: 0.9, High: 1.9}
	cal.ECSecond = control.Window{Low: 9, High: 16.8}

	return Farm{
		UnitID:         "ESP_Room_1",
		LogLevel:       "info",
		Database:       "growunit.db",
		Tick:           time.Second,
		TelemetryEvery: 30 * time.Second,
		RuntimeDays:    35,
		Serial:         Serial{Port: "/dev/ttyAMA0", Baud: 115200},
		Radio:          radio.DefaultConfig(),
		Dosing:         control.DefaultDosingConfig(),
		Nutrient:       control.DefaultNutrientConfig(),
		Circulation:    control.DefaultCirculationConfig(),
		Calibration:    cal,
		Pins:           Pins{Pump: "37", PH: "36", Nutrient: "16", ActiveLow: true},
		Sensors: Sensors{
			PHChannel:            0,
			ECChannel:            1,
			WaterTempChannel:     2,
			LevelChannel:         3,
			WaterTempMVPerDegree: 10,
			LevelCMPerVolt:       20,
			LowWaterCM:           10,
		},
		Setpoints: telemetry.Setpoints{
			PH: 6.0, EC: 1.5, Temperature: 25, Humidity: 60, CO2: 800, Light: 300, Crop: "lettuce",
		},
	}
}

func (f Farm) Validate() error {
	var errs []error
	if f.UnitID == "" {
		errs = append(errs, errors.New("unit_id is required"))
	}
	if f.Tick <= 0 || f.TelemetryEvery <= 0 {
		errs = append(errs, errors.New("tick and telemetry_every must be positive"))
	}
	if f.Serial.Port == "" || f.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial port and baud are required"))
	}
	for _, v := range []interface{ Validate() error }{f.Radio, f.Dosing, f.Nutrient, f.Circulation, f.Calibration} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MQTT is the hub's broker connection.
type MQTT struct {
	Broker        string        `yaml:"broker"`
	ClientID      string        `yaml:"client_id"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TopicPrefix   string        `yaml:"topic_prefix"`
	QoS           byte          `yaml:"qos"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Hub configures the central hub.
type Hub struct {
	LogLevel  string        `yaml:"log_level"`
	Database  string        `yaml:"database"`
	PollEvery time.Duration `yaml:"poll_every"`
	QueueSize int           `yaml:"queue_size"`
	// HistoryKeep bounds the stored telemetry records.
	HistoryKeep int `yaml:"history_keep"`

	Serial Serial       `yaml:"serial"`
	Radio  radio.Config `yaml:"radio"`
	MQTT   MQTT         `yaml:"mqtt"`
	// EmbeddedBroker, when set, is the listen address of an MQTT broker
	// run inside the hub.
	EmbeddedBroker string `yaml:"embedded_broker"`

	HTTPAddr string `yaml:"http_addr"`
	// SecureCookies marks the session and CSRF cookies HTTPS only.
	SecureCookies bool `yaml:"secure_cookies"`
	// OperatorPasswordHash is a bcrypt hash. Empty leaves the operator
	// pages open.
	OperatorPasswordHash string `yaml:"operator_password_hash"`
}

func DefaultHub() Hub {
	return Hub{
		LogLevel:    "info",
		Database:    "hub.db",
		PollEvery:   200 * time.Millisecond,
		QueueSize:   16,
		HistoryKeep: 10000,
		Serial:      Serial{Port: "/dev/ttyUSB0", Baud: 115200},
		Radio:       radio.DefaultConfig(),
		MQTT: MQTT{
			Broker:        "tcp://localhost:1883",
			ClientID:      "growunit-hub",
			TopicPrefix:   "hydroponic",
			MaxRetries:    5,
			RetryInterval: 2 * time.Second,
		},
		HTTPAddr: ":4000",
	}
}

func (h Hub) Validate() error {
	var errs []error
	if h.PollEvery <= 0 {
		errs = append(errs, errors.New("poll_every must be positive"))
	}
	if h.QueueSize <= 0 || h.HistoryKeep <= 0 {
		errs = append(errs, errors.New("queue_size and history_keep must be positive"))
	}
	if h.Serial.Port == "" || h.Serial.Baud <= 0 {
		errs = append(errs, errors.New("serial port and baud are required"))
	}
	if h.MQTT.Broker == "" || h.MQTT.TopicPrefix == "" {
		errs = append(errs, errors.New("mqtt broker and topic_prefix are required"))
	}
	if h.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d is not 0, 1 or 2", h.MQTT.QoS))
	}
	if err := h.Radio.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoadFarm reads path over the defaults. A missing file yields the
// defaults.
func LoadFarm(path string) (Farm, error) {
	cfg := DefaultFarm()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadHub reads path over the defaults. A missing file yields the
// defaults.
func LoadHub(path string) (Hub, error) {
	cfg := DefaultHub()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func load(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ParseLevel maps a level name to a slog level, defaulting to Info.
func ParseLevel(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return level
}
