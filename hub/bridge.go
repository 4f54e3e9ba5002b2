package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydrofirma/growunit/mqtt"
	"hydrofirma/growunit/radio"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

var ErrQueueFull = errors.New("hub: command queue full")

type radioLink interface {
	SendFrame(payload []byte) error
	PollIncoming() ([]byte, error)
	LastLink() radio.Link
	Stats() radio.Stats
}

type publisher interface {
	Publish(topic string, payload []byte) error
}

type subscriber interface {
	Subscribe(topic string, handler mqtt.Handler) error
}

type history interface {
	InsertTelemetry(ctx context.Context, rec store.TelemetryRecord) (int64, error)
	PruneTelemetry(ctx context.Context, keep int) (int64, error)
	RecordCommand(ctx context.Context, kind string, payload []byte, sendErr error) (uuid.UUID, error)
}

// unitStatus is the latest report of one grow unit.
type unitStatus struct {
	Unit     string
	Frame    telemetry.StatusFrame
	Verbose  telemetry.VerboseStatus
	Link     radio.Link
	Received time.Time
}

type outbound struct {
	kind    string
	payload []byte
	done    chan error
}

// bridge owns the hub radio. Only run touches the link; everything else
// hands commands over the queue.
type bridge struct {
	link      radioLink
	pub       publisher
	history   history
	metrics   *metrics
	prefix    string
	keep      int
	pollEvery time.Duration
	queue     chan outbound
	logger    *slog.Logger

	inserts int
	stats   radio.Stats

	mu     sync.Mutex
	latest map[string]unitStatus
}

const pruneEvery = 100

func newBridge(link radioLink, pub publisher, h history, m *metrics, prefix string, keep, queueSize int, pollEvery time.Duration, logger *slog.Logger) *bridge {
	return &bridge{
		link:      link,
		pub:       pub,
		history:   h,
		metrics:   m,
		prefix:    prefix,
		keep:      keep,
		pollEvery: pollEvery,
		queue:     make(chan outbound, queueSize),
		logger:    logger.With("component", "bridge"),
		latest:    make(map[string]unitStatus),
	}
}

func (b *bridge) telemetryTopic() string { return b.prefix + "/telemetry_verbose" }

// run polls the radio and transmits queued commands until ctx is done.
func (b *bridge) run(ctx context.Context) {
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-b.queue:
			out.done <- b.transmit(ctx, out)
			b.syncStats()
		case now := <-ticker.C:
			b.poll(ctx, now)
			b.syncStats()
		}
	}
}

// syncStats copies the driver counters into the metrics. Only run calls
// it; the driver is not safe for concurrent use.
func (b *bridge) syncStats() {
	cur := b.link.Stats()
	b.metrics.observeRadio(b.stats, cur)
	b.stats = cur
}

func (b *bridge) transmit(ctx context.Context, out outbound) error {
	err := b.link.SendFrame(out.payload)
	if err != nil {
		b.metrics.sendFailures.WithLabelValues(out.kind).Inc()
		b.logger.Warn("command not sent", "kind", out.kind, "error", err)
	} else {
		b.metrics.commandsSent.WithLabelValues(out.kind).Inc()
		b.logger.Info("command sent", "kind", out.kind, "payload", string(out.payload))
	}
	if _, rerr := b.history.RecordCommand(ctx, out.kind, out.payload, err); rerr != nil {
		b.logger.Error("recording command", "error", rerr)
	}
	return err
}

func (b *bridge) poll(ctx context.Context, now time.Time) {
	payload, err := b.link.PollIncoming()
	if err != nil {
		b.logger.Warn("radio receive failed", "error", err)
		return
	}
	if payload == nil {
		return
	}
	b.receive(ctx, payload, now)
}

func (b *bridge) receive(ctx context.Context, payload []byte, now time.Time) {
	frame, err := telemetry.DecodeStatus(payload)
	if err != nil {
		b.metrics.decodeErrors.Inc()
		b.logger.Warn("ignoring radio payload", "error", err)
		return
	}
	link := b.link.LastLink()
	verbose := frame.Verbose()
	status := unitStatus{Unit: verbose.RoomID, Frame: frame, Verbose: verbose, Link: link, Received: now}

	b.mu.Lock()
	b.latest[status.Unit] = status
	b.mu.Unlock()

	b.metrics.framesReceived.WithLabelValues(status.Unit).Inc()
	b.metrics.rssi.WithLabelValues(status.Unit).Set(float64(link.RSSI))
	b.metrics.snr.WithLabelValues(status.Unit).Set(float64(link.SNR))

	_, err = b.history.InsertTelemetry(ctx, store.TelemetryRecord{
		Unit:     status.Unit,
		Received: now,
		RSSI:     link.RSSI,
		SNR:      link.SNR,
		Payload:  json.RawMessage(payload),
	})
	if err != nil {
		b.logger.Error("storing telemetry", "error", err)
	} else {
		b.inserts++
		if b.inserts%pruneEvery == 0 {
			b.prune(ctx)
		}
	}

	body, err := json.Marshal(verbose)
	if err != nil {
		b.logger.Error("encoding verbose telemetry", "error", err)
		return
	}
	if err := b.pub.Publish(b.telemetryTopic(), body); err != nil {
		b.logger.Warn("telemetry not published", "error", err)
		return
	}
	b.logger.Info("telemetry relayed", "unit", status.Unit, "rssi", link.RSSI, "snr", link.SNR)
}

func (b *bridge) prune(ctx context.Context) {
	n, err := b.history.PruneTelemetry(ctx, b.keep)
	if err != nil {
		b.logger.Error("pruning telemetry", "error", err)
		return
	}
	if n > 0 {
		b.logger.Debug("telemetry pruned", "deleted", n)
	}
}

// enqueue hands a command to the radio goroutine without waiting for it
// to be sent.
func (b *bridge) enqueue(kind string, payload []byte) (chan error, error) {
	out := outbound{kind: kind, payload: payload, done: make(chan error, 1)}
	select {
	case b.queue <- out:
		return out.done, nil
	default:
		return nil, fmt.Errorf("%w: %s command dropped", ErrQueueFull, kind)
	}
}

// send queues a command and waits for the radio module's answer.
func (b *bridge) send(ctx context.Context, kind string, payload []byte) error {
	done, err := b.enqueue(kind, payload)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *bridge) sendAuto(ctx context.Context, sp telemetry.Setpoints) error {
	payload, err := telemetry.EncodeAuto(sp)
	if err != nil {
		return err
	}
	return b.send(ctx, "auto", payload)
}

func (b *bridge) sendActuator(ctx context.Context, o telemetry.Overrides) error {
	payload, err := telemetry.EncodeManual(o)
	if err != nil {
		return err
	}
	return b.send(ctx, "actuator", payload)
}

// units returns the latest status of every unit heard, by unit name.
func (b *bridge) units() []unitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]unitStatus, 0, len(b.latest))
	for _, s := range b.latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// subscribe wires the MQTT command topics to the radio queue. Handlers do
// not wait for the transmission.
func (b *bridge) subscribe(s subscriber) error {
	auto := b.prefix + "/command/auto"
	err := s.Subscribe(auto, func(topic string, payload []byte) {
		sp, err := parseAutoRequest(payload)
		if err != nil {
			b.logger.Warn("ignoring auto command", "topic", topic, "error", err)
			return
		}
		b.forward("auto", func() ([]byte, error) { return telemetry.EncodeAuto(sp) })
	})
	if err != nil {
		return err
	}

	return s.Subscribe(b.prefix+"/command/actuator/+", func(topic string, payload []byte) {
		o, err := parseActuator(topic, payload)
		if err != nil {
			b.logger.Warn("ignoring actuator command", "topic", topic, "error", err)
			return
		}
		b.forward("actuator", func() ([]byte, error) { return telemetry.EncodeManual(o) })
	})
}

func (b *bridge) forward(kind string, encode func() ([]byte, error)) {
	payload, err := encode()
	if err != nil {
		b.logger.Error("encoding command", "kind", kind, "error", err)
		return
	}
	if _, err := b.enqueue(kind, payload); err != nil {
		b.logger.Warn("command not queued", "error", err)
	}
}

// autoRequest is the dashboard's setpoint message.
type autoRequest struct {
	Crop      string `json:"crop_variety"`
	Setpoints struct {
		PH          *float64 `json:"pH"`
		EC          *float64 `json:"EC"`
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
		CO2         *float64 `json:"CO2"`
		Light       *float64 `json:"light"`
	} `json:"setpoints"`
}

// defaultAuto fills the fields an auto request leaves out.
var defaultAuto = telemetry.Setpoints{PH: 6.5, EC: 1.2, Temperature: 25, Humidity: 60, CO2: 800, Light: 300, Crop: "Unknown"}

func parseAutoRequest(b []byte) (telemetry.Setpoints, error) {
	var req autoRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return telemetry.Setpoints{}, fmt.Errorf("decode auto request: %w", err)
	}
	sp := defaultAuto
	pick := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	pick(&sp.PH, req.Setpoints.PH)
	pick(&sp.EC, req.Setpoints.EC)
	pick(&sp.Temperature, req.Setpoints.Temperature)
	pick(&sp.Humidity, req.Setpoints.Humidity)
	pick(&sp.CO2, req.Setpoints.CO2)
	pick(&sp.Light, req.Setpoints.Light)
	if req.Crop != "" {
		sp.Crop = req.Crop
	}
	return sp, nil
}

var ErrUnknownActuator = errors.New("hub: unknown actuator")

// parseActuator reads a command on <prefix>/command/actuator/<name> with
// an ON or OFF payload. Names are the compact keys or the verbose ones.
func parseActuator(topic string, payload []byte) (telemetry.Overrides, error) {
	name := strings.ToUpper(topic[strings.LastIndexByte(topic, '/')+1:])
	var on bool
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON":
		on = true
	case "OFF":
	default:
		return telemetry.Overrides{}, fmt.Errorf("actuator payload %q is not ON or OFF", payload)
	}

	var o telemetry.Overrides
	switch name {
	case "WP", "WATER_PUMP":
		o.Pump = &on
	case "PHR", "PH_RELAY":
		o.PH = &on
	case "NR", "NUTRIENTS_RELAY":
		o.Nutrient = &on
	default:
		return telemetry.Overrides{}, fmt.Errorf("%w: %q", ErrUnknownActuator, name)
	}
	return o, nil
}
