package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hydrofirma/growunit/radio"
)

type metrics struct {
	registry *prometheus.Registry

	framesReceived *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	commandsSent   *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	rssi           *prometheus.GaugeVec
	snr            *prometheus.GaugeVec
	radioEvents    *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growunit_frames_received_total",
			Help: "Status frames received over the radio, by unit.",
		}, []string{"unit"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "growunit_frame_decode_errors_total",
			Help: "Radio payloads that were not valid status frames.",
		}),
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growunit_commands_sent_total",
			Help: "Commands transmitted to the units, by kind.",
		}, []string{"kind"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growunit_command_send_failures_total",
			Help: "Commands the radio module did not accept, by kind.",
		}, []string{"kind"}),
		rssi: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "growunit_link_rssi_dbm",
			Help: "RSSI of the last frame from each unit.",
		}, []string{"unit"}),
		snr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "growunit_link_snr_db",
			Help: "SNR of the last frame from each unit.",
		}, []string{"unit"}),
		radioEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "growunit_radio_events_total",
			Help: "Radio module activity as counted by the driver, by event.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.framesReceived,
		m.decodeErrors,
		m.commandsSent,
		m.sendFailures,
		m.rssi,
		m.snr,
		m.radioEvents,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observeRadio adds the driver counters accumulated since prev.
func (m *metrics) observeRadio(prev, cur radio.Stats) {
	add := func(event string, before, after uint64) {
		if after > before {
			m.radioEvents.WithLabelValues(event).Add(float64(after - before))
		}
	}
	add("sent", prev.Sent, cur.Sent)
	add("send_failure", prev.SendFailures, cur.SendFailures)
	add("received", prev.Received, cur.Received)
	add("malformed", prev.Malformed, cur.Malformed)
	add("dropped", prev.Dropped, cur.Dropped)
}
