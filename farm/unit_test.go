package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gobot.io/x/gobot/v2"

	"hydrofirma/growunit/config"
	"hydrofirma/growunit/control"
	"hydrofirma/growunit/store"
	"hydrofirma/growunit/telemetry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSwitch struct{ on bool }

func (f *fakeSwitch) On() error  { f.on = true; return nil }
func (f *fakeSwitch) Off() error { f.on = false; return nil }

type fakeSensors struct {
	readings control.Readings
	err      error
}

func (f *fakeSensors) Sample(now time.Time) (control.Readings, error) {
	r := f.readings
	r.At = now
	return r, f.err
}

type fakeLink struct {
	sent     [][]byte
	incoming [][]byte
	sendErr  error
}

func (f *fakeLink) SendFrame(payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeLink) PollIncoming() ([]byte, error) {
	if len(f.incoming) == 0 {
		return nil, nil
	}
	next := f.incoming[0]
	f.incoming = f.incoming[1:]
	return next, nil
}

type fakeCalibrator struct{ calls []string }

func (f *fakeCalibrator) SetFirstPoint() error  { f.calls = append(f.calls, "first"); return nil }
func (f *fakeCalibrator) SetSecondPoint() error { f.calls = append(f.calls, "second"); return nil }
func (f *fakeCalibrator) Commit() error         { f.calls = append(f.calls, "commit"); return nil }

type fakeReporter struct {
	frames []telemetry.StatusFrame
	days   []store.RelayDay
	alerts []string
}

func (f *fakeReporter) publishStatus(frame telemetry.StatusFrame) { f.frames = append(f.frames, frame) }
func (f *fakeReporter) publishRuntime(d store.RelayDay)           { f.days = append(f.days, d) }
func (f *fakeReporter) publishAlert(message string)               { f.alerts = append(f.alerts, message) }

type testUnit struct {
	*unit
	sensors  *fakeSensors
	link     *fakeLink
	pump     *fakeSwitch
	ph       *fakeSwitch
	nutrient *fakeSwitch
	ecCal    *fakeCalibrator
	phCal    *fakeCalibrator
	reporter *fakeReporter
	operator chan control.OperatorCommand
	remote   chan telemetry.Command
}

func testConfig() config.Farm {
	cfg := config.DefaultFarm()
	cfg.Circulation.Enabled = false
	cfg.Dosing.VariationInterval = 0
	return cfg
}

func newTestUnit(t *testing.T, cfg config.Farm, days daySaver) *testUnit {
	t.Helper()
	tu := &testUnit{
		sensors:  &fakeSensors{readings: control.Readings{PH: 6.0, EC: 1.5, AirTemp: 22.4, CO2: 640, Light: 310}},
		link:     &fakeLink{},
		pump:     &fakeSwitch{},
		ph:       &fakeSwitch{},
		nutrient: &fakeSwitch{},
		ecCal:    &fakeCalibrator{},
		phCal:    &fakeCalibrator{},
		reporter: &fakeReporter{},
		operator: make(chan control.OperatorCommand, 4),
		remote:   make(chan telemetry.Command, 4),
	}
	tu.unit = newUnit(cfg, unitDeps{
		sensors:  tu.sensors,
		link:     tu.link,
		pump:     tu.pump,
		ph:       tu.ph,
		nutrient: tu.nutrient,
		ecCal:    tu.ecCal,
		phCal:    tu.phCal,
		days:     days,
		reporter: tu.reporter,
		operator: tu.operator,
		remote:   tu.remote,
	}, discard)
	require.NoError(t, tu.start())
	return tu
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

func (tu *testUnit) lastFrame(t *testing.T) telemetry.StatusFrame {
	t.Helper()
	require.NotEmpty(t, tu.link.sent)
	frame, err := telemetry.DecodeStatus(tu.link.sent[len(tu.link.sent)-1])
	require.NoError(t, err)
	return frame
}

func TestUnitReportsOnCadence(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)

	for _, s := range []int{0, 1, 29, 30, 31} {
		tu.tick(at(s))
	}
	require.Len(t, tu.link.sent, 2)

	frame := tu.lastFrame(t)
	assert.Equal(t, "ESP_Room_1", frame.Unit)
	assert.Equal(t, telemetry.ModeAutomatic, frame.Mode)
	assert.Equal(t, []int{0, 0, 0}, frame.Actuators)
	assert.Equal(t, 0, frame.Alert)
	assert.Equal(t, telemetry.Scale(6.0, telemetry.ScalePH), frame.Sensors[0])
	assert.Len(t, tu.reporter.frames, 2, "mirror gets every report")
}

func TestUnitKeepsRunningWhenSendFails(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.link.sendErr = errors.New("radio: timed out")
	tu.link.incoming = [][]byte{[]byte(`{"md":1,"act":{"nr":1}}`)}

	tu.tick(at(0))

	assert.Empty(t, tu.link.sent)
	assert.Equal(t, control.Manual, tu.arbiter.Mode(), "commands still arrive")
	assert.True(t, tu.nutrient.on)
}

func TestUnitAppliesRadioCommand(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.link.incoming = [][]byte{[]byte(`{"md":1,"act":{"wp":1}}`)}

	tu.tick(at(0))
	assert.Equal(t, control.Manual, tu.arbiter.Mode())
	assert.True(t, tu.pump.on)

	tu.tick(at(30))
	frame := tu.lastFrame(t)
	assert.Equal(t, telemetry.ModeManual, frame.Mode)
	assert.Equal(t, []int{1, 0, 0}, frame.Actuators)

	tu.link.incoming = [][]byte{[]byte(`{"md":0,"cv":"basil","sp":[58,140,240,65,900,320]}`)}
	tu.tick(at(31))
	assert.Equal(t, control.Automatic, tu.arbiter.Mode())
	assert.False(t, tu.pump.on, "hand-switched relays drop on return to automatic")
	sp := tu.state.Setpoints()
	assert.Equal(t, "basil", sp.Crop)
	assert.InDelta(t, 5.8, sp.PH, 1e-9)
	assert.InDelta(t, 1.4, sp.EC, 1e-9)
}

func TestUnitIgnoresMalformedCommand(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.link.incoming = [][]byte{[]byte(`{"act":{"wp":1}}`), []byte(`not json`)}

	tu.tick(at(0))
	tu.tick(at(1))

	assert.Equal(t, control.Automatic, tu.arbiter.Mode())
	assert.False(t, tu.pump.on)
}

func TestUnitDosesAcid(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.readings.PH = 8.5

	tu.tick(at(0))
	assert.False(t, tu.ph.on, "no variation measured yet")

	tu.tick(at(1))
	assert.True(t, tu.ph.on)
	assert.False(t, tu.pump.on)

	tu.tick(at(11))
	assert.False(t, tu.ph.on)
	assert.True(t, tu.pump.on, "mixing")

	tu.tick(at(21))
	assert.False(t, tu.pump.on)
	assert.Equal(t, control.Idle, tu.dosing.Phase())
}

func TestUnitConsoleManualStopsDosing(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.readings.PH = 8.5
	tu.tick(at(0))
	tu.tick(at(1))
	require.True(t, tu.ph.on)

	tu.operator <- control.OperatorCommand{Kind: control.CommandManual}
	tu.tick(at(2))
	assert.Equal(t, control.Manual, tu.arbiter.Mode())
	assert.False(t, tu.ph.on)
	assert.Equal(t, control.Idle, tu.dosing.Phase())

	tu.tick(at(30))
	assert.False(t, tu.ph.on, "controllers do not run in manual")

	cmd, err := control.ParseOperatorCommand("ph_on")
	require.NoError(t, err)
	tu.operator <- cmd
	tu.tick(at(31))
	assert.True(t, tu.ph.on)
	assert.Equal(t, control.OnManual, tu.state.Relay(control.PHRelay))
}

func TestUnitMirrorCommand(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	cmd, err := telemetry.DecodeCommand([]byte(`{"md":1,"act":{"phr":1}}`))
	require.NoError(t, err)
	tu.remote <- cmd

	tu.tick(at(0))
	assert.True(t, tu.ph.on)
}

func TestUnitCalibratesPH(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.readings.PHVolts = 1.0

	tu.operator <- control.OperatorCommand{Kind: control.CommandCalibrate, Target: control.TargetPH}
	tu.tick(at(0))
	assert.Equal(t, control.StepFirst, tu.calibration.Session(control.TargetPH).Step)

	tu.sensors.readings.PHVolts = 2.03
	tu.tick(at(5))
	assert.Equal(t, control.StepSecond, tu.calibration.Session(control.TargetPH).Step)

	tu.sensors.readings.PHVolts = 1.50
	tu.tick(at(10))
	assert.Equal(t, control.StepIdle, tu.calibration.Session(control.TargetPH).Step)
	assert.Equal(t, []string{"first", "second", "commit"}, tu.phCal.calls)
	assert.Empty(t, tu.ecCal.calls)
}

func TestUnitCalibrationTimeoutAlerts(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.readings.ECRaw = 5

	tu.operator <- control.OperatorCommand{Kind: control.CommandCalibrate, Target: control.TargetEC}
	tu.tick(at(0))
	tu.tick(at(31))

	assert.False(t, tu.calibration.Session(control.TargetEC).Active())
	assert.Equal(t, []string{"EC calibration timed out"}, tu.reporter.alerts)
}

func TestUnitLowWaterAlertsOnEdge(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.readings.LowWater = true

	tu.tick(at(0))
	tu.tick(at(1))
	assert.Len(t, tu.reporter.alerts, 1)
	assert.Equal(t, 1, tu.lastFrame(t).Alert)

	tu.sensors.readings.LowWater = false
	tu.tick(at(2))
	tu.sensors.readings.LowWater = true
	tu.tick(at(3))
	assert.Len(t, tu.reporter.alerts, 2)
}

func TestUnitSensorErrorStillTicks(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	tu.sensors.err = errors.New("CO2: i2c read failed")

	tu.tick(at(0))
	assert.Len(t, tu.link.sent, 1)
}

func TestRelayRuntimeRollsOverDays(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tu := newTestUnit(t, testConfig(), db)
	tu.link.incoming = [][]byte{[]byte(`{"md":1,"act":{"wp":1}}`)}

	day1 := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	tu.tick(day1)
	tu.tick(day1.Add(30 * time.Second))
	assert.Equal(t, 30*time.Second, tu.runtime.today().Pump)

	tu.tick(day1.Add(90 * time.Second))
	assert.Equal(t, "2024-05-02", tu.runtime.today().Date)
	assert.Zero(t, tu.runtime.today().Pump)

	tu.stop()
	assert.False(t, tu.pump.on)

	days, err := db.RelayDays(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2024-05-02", days[0].Date)
	assert.Equal(t, "2024-05-01", days[1].Date)
	assert.Equal(t, 90*time.Second, days[1].Pump)
	assert.Zero(t, days[1].PH)
}

func TestCadence(t *testing.T) {
	c := cadence{every: 10 * time.Second}
	assert.True(t, c.due(at(0)))
	assert.False(t, c.due(at(9)))
	assert.True(t, c.due(at(10)))
	assert.False(t, c.due(at(19)))
	assert.True(t, c.due(at(25)))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", formatDuration(0))
	assert.Equal(t, "01:05", formatDuration(65*time.Minute))
	assert.Equal(t, "26:59", formatDuration(26*time.Hour+59*time.Minute+59*time.Second))
}

func TestReadConsole(t *testing.T) {
	out := make(chan control.OperatorCommand, 8)
	readConsole(strings.NewReader("manual\n\n  pump_on \nWATER\nCAL_EC\n"), out, discard)
	close(out)

	var got []control.OperatorCommand
	for cmd := range out {
		got = append(got, cmd)
	}
	assert.Equal(t, []control.OperatorCommand{
		{Kind: control.CommandManual},
		{Kind: control.CommandRelay, Relay: control.Pump, On: true},
		{Kind: control.CommandCalibrate, Target: control.TargetEC},
	}, got)
}

type recordingSaver struct{ days []store.RelayDay }

func (r *recordingSaver) SaveRelayDay(ctx context.Context, d store.RelayDay, keep int) error {
	r.days = append(r.days, d)
	return nil
}

func TestTickLoopShutsDownOnTickGoroutine(t *testing.T) {
	saver := &recordingSaver{}
	tu := newTestUnit(t, testConfig(), saver)
	tu.operator <- control.OperatorCommand{Kind: control.CommandManual}
	tu.operator <- control.OperatorCommand{Kind: control.CommandRelay, Relay: control.Pump, On: true}

	loop := newTickLoop(tu.unit)
	ticker := gobot.Every(5*time.Millisecond, loop.tick)
	defer ticker.Stop()

	require.Eventually(t, func() bool { return len(tu.operator) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, loop.shutdown(time.Second))

	assert.False(t, tu.pump.on, "relays switched off by the last tick")
	assert.Equal(t, control.Off, tu.state.Relay(control.Pump))
	require.Len(t, saver.days, 1, "partial day saved")

	sent := len(tu.link.sent)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tu.link.sent, sent, "no tick runs after shutdown")
}

func TestTickLoopShutdownTimesOut(t *testing.T) {
	tu := newTestUnit(t, testConfig(), nil)
	loop := newTickLoop(tu.unit)

	assert.ErrorIs(t, loop.shutdown(10*time.Millisecond), errShutdownTimeout)
}
