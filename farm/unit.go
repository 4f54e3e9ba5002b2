package main

import (
	"errors"
	"log/slog"
	"time"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/control"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

type sampler interface {
	Sample(now time.Time) (control.Readings, error)
}

type link interface {
	SendFrame(payload []byte) error
	PollIncoming() ([]byte, error)
}

// reporter receives copies of everything the unit reports. The MQTT
// mirror implements it.
type reporter interface {
	publishStatus(frame telemetry.StatusFrame)
	publishRuntime(d store.RelayDay)
	publishAlert(message string)
}

// cadence fires every interval, starting with the first call.
type cadence struct {
	every time.Duration
	next  time.Time
}

func (c *cadence) due(now time.Time) bool {
	if now.Before(c.next) {
		return false
	}
	c.next = now.Add(c.every)
	return true
}

type unitDeps struct {
	sensors  sampler
	link     link
	pump     control.Switch
	ph       control.Switch
	nutrient control.Switch
	ecCal    control.Calibrator
	phCal    control.Calibrator
	days     daySaver
	reporter reporter
	operator <-chan control.OperatorCommand
	remote   <-chan telemetry.Command
}

// unit runs one grow unit. Everything happens on the tick goroutine, so the
// controllers need no locking.
type unit struct {
	id          string
	state       *control.State
	arbiter     *control.Arbiter
	dosing      *control.PHDosing
	nutrient    *control.Nutrient
	circulation *control.Circulation
	calibration *control.Calibration

	sensors  sampler
	link     link
	reporter reporter
	runtime  *relayRuntime
	operator <-chan control.OperatorCommand
	remote   <-chan telemetry.Command

	telemetry cadence
	alerted   bool
	logger    *slog.Logger
}

func newUnit(cfg config.Farm, deps unitDeps, logger *slog.Logger) *unit {
	st := control.NewState(deps.pump, deps.ph, deps.nutrient, cfg.Setpoints, logger)
	u := &unit{
		id:          cfg.UnitID,
		state:       st,
		dosing:      control.NewPHDosing(cfg.Dosing, logger),
		nutrient:    control.NewNutrient(cfg.Nutrient, logger),
		circulation: control.NewCirculation(cfg.Circulation, logger),
		calibration: control.NewCalibration(cfg.Calibration, deps.ecCal, deps.phCal, logger),
		sensors:     deps.sensors,
		link:        deps.link,
		reporter:    deps.reporter,
		operator:    deps.operator,
		remote:      deps.remote,
		telemetry:   cadence{every: cfg.TelemetryEvery},
		logger:      logger.With("component", "unit", "unit", cfg.UnitID),
	}
	u.arbiter = control.NewArbiter(st, u.dosing, u.nutrient, u.circulation, u.calibration, logger)
	if deps.days != nil {
		u.runtime = newRelayRuntime(deps.days, cfg.RuntimeDays, logger)
	}
	return u
}

// start puts the relays in a known state before the first tick.
func (u *unit) start() error {
	return u.state.ForceAllOff()
}

// stop switches everything off and saves the partial day.
func (u *unit) stop() {
	if err := u.state.ForceAllOff(); err != nil {
		u.logger.Error("switching relays off", "error", err)
	}
	if u.runtime != nil {
		if err := u.runtime.flush(); err != nil {
			u.logger.Error("saving relay runtime", "error", err)
		}
	}
}

func (u *unit) tick(now time.Time) {
	u.drainCommands(now)

	r, err := u.sensors.Sample(now)
	if err != nil {
		u.logger.Warn("sensor read failed", "error", err)
	}
	u.checkWater(r)

	u.calibrate(r, now)

	if u.arbiter.Dispatching() {
		u.warn("pH dosing", u.dosing.Tick(u.state, r.PH, now))
		u.warn("nutrient dosing", u.nutrient.Tick(u.state, r.EC, now))
		u.warn("circulation", u.circulation.Tick(u.state, now))
	}

	if u.runtime != nil {
		u.runtime.observe(u.state, now)
	}

	if u.telemetry.due(now) {
		u.report(r)
	}

	u.receive()
}

func (u *unit) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-u.operator:
			if err := u.arbiter.Execute(cmd, now); err != nil {
				u.logger.Warn("operator command refused", "error", err)
			}
		case cmd := <-u.remote:
			u.apply(cmd)
		default:
			return
		}
	}
}

func (u *unit) calibrate(r control.Readings, now time.Time) {
	for _, t := range []control.Target{control.TargetEC, control.TargetPH} {
		reading := r.ECRaw
		if t == control.TargetPH {
			reading = r.PHVolts
		}
		err := u.calibration.Tick(t, reading, now)
		switch {
		case errors.Is(err, control.ErrCalibrationTimeout):
			u.logger.Warn("calibration abandoned", "target", t, "error", err)
			u.alert(t.String() + " calibration timed out")
		case err != nil:
			u.logger.Warn("calibration step failed", "target", t, "error", err)
		}
	}
}

func (u *unit) checkWater(r control.Readings) {
	if r.LowWater && !u.alerted {
		u.logger.Warn("water level low", "distance_cm", r.WaterLevel)
		u.alert("water level low")
	}
	u.alerted = r.LowWater
}

func (u *unit) report(r control.Readings) {
	frame := telemetry.EncodeStatus(u.id, u.arbiter.Mode() == control.Manual,
		telemetry.Sensors{PH: r.PH, EC: r.EC, AirTemp: r.AirTemp, CO2: r.CO2, Light: r.Light},
		u.state.Setpoints(), u.state.Actuators(), r.LowWater)
	payload, err := frame.Marshal()
	if err != nil {
		u.logger.Error("encoding status", "error", err)
		return
	}
	if err := u.link.SendFrame(payload); err != nil {
		u.logger.Warn("status not sent", "error", err)
	} else {
		u.logger.Debug("status sent", "bytes", len(payload))
	}

	if u.reporter != nil {
		u.reporter.publishStatus(frame)
		if u.runtime != nil {
			u.reporter.publishRuntime(u.runtime.today())
		}
	}
}

func (u *unit) receive() {
	payload, err := u.link.PollIncoming()
	if err != nil {
		u.logger.Warn("radio receive failed", "error", err)
		return
	}
	if payload == nil {
		return
	}
	cmd, err := telemetry.DecodeCommand(payload)
	if err != nil {
		u.logger.Warn("ignoring command", "error", err)
		return
	}
	u.apply(cmd)
}

func (u *unit) apply(cmd telemetry.Command) {
	if err := u.arbiter.Apply(cmd); err != nil {
		u.logger.Warn("command refused", "error", err)
		return
	}
	u.logger.Info("command applied", "mode", u.arbiter.Mode(), "setpoints_dropped", cmd.SetpointsDropped)
}

func (u *unit) alert(message string) {
	if u.reporter != nil {
		u.reporter.publishAlert(message)
	}
}

func (u *unit) warn(what string, err error) {
	if err != nil {
		u.logger.Warn(what+" failed", "error", err)
	}
}
