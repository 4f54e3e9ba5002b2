package main

import (
	"encoding/json"
	"log/slog"

	"gobot.io/x/gobot/v2/platforms/mqtt"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

// mirror copies the unit's reports to a broker on the farm's LAN and
// accepts the same commands the radio carries on <prefix>/command.
type mirror struct {
	adaptor  *mqtt.Adaptor
	prefix   string
	commands chan telemetry.Command
	logger   *slog.Logger
}

type deviceTimes struct {
	Date     string `json:"date"`
	Pump     string `json:"pump_time_on"`
	PH       string `json:"ph_time_on"`
	Nutrient string `json:"nutrient_time_on"`
}

func newMirror(cfg config.Mirror, logger *slog.Logger) *mirror {
	return &mirror{
		adaptor:  mqtt.NewAdaptor(cfg.Broker, cfg.ClientID),
		prefix:   cfg.TopicPrefix,
		commands: make(chan telemetry.Command, 4),
		logger:   logger.With("component", "mirror", "broker", cfg.Broker),
	}
}

// subscribe must run after the adaptor connected, from the robot's work
// function.
func (m *mirror) subscribe() {
	m.adaptor.On(m.prefix+"/command", func(msg mqtt.Message) {
		cmd, err := telemetry.DecodeCommand(msg.Payload())
		if err != nil {
			m.logger.Warn("ignoring command", "error", err)
			return
		}
		select {
		case m.commands <- cmd:
		default:
			m.logger.Warn("command queue full, dropping command")
		}
	})
}

func (m *mirror) publishStatus(frame telemetry.StatusFrame) {
	b, err := json.Marshal(frame.Verbose())
	if err != nil {
		m.logger.Error("encoding status", "error", err)
		return
	}
	m.publish("/status", b)
}

func (m *mirror) publishRuntime(d store.RelayDay) {
	b, err := json.Marshal(deviceTimes{
		Date:     d.Date,
		Pump:     formatDuration(d.Pump),
		PH:       formatDuration(d.PH),
		Nutrient: formatDuration(d.Nutrient),
	})
	if err != nil {
		m.logger.Error("encoding relay runtime", "error", err)
		return
	}
	m.publish("/devices", b)
}

func (m *mirror) publishAlert(message string) {
	m.publish("/alerts", []byte(message))
}

func (m *mirror) publish(suffix string, payload []byte) {
	if !m.adaptor.Publish(m.prefix+suffix, payload) {
		m.logger.Warn("publish failed", "topic", m.prefix+suffix)
	}
}
