package control

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrofirma/growunit/telemetry"
)

type fakeSwitch struct {
	on    bool
	ons   int
	offs  int
	err   error
	label string
}

func (f *fakeSwitch) On() error {
	f.ons++
	if f.err != nil {
		return f.err
	}
	f.on = true
	return nil
}

func (f *fakeSwitch) Off() error {
	f.offs++
	if f.err != nil {
		return f.err
	}
	f.on = false
	return nil
}

type fakeCalibrator struct {
	calls     []string
	firstErr  error
	commitErr error
}

func (f *fakeCalibrator) SetFirstPoint() error {
	f.calls = append(f.calls, "first")
	return f.firstErr
}

func (f *fakeCalibrator) SetSecondPoint() error {
	f.calls = append(f.calls, "second")
	return nil
}

func (f *fakeCalibrator) Commit() error {
	f.calls = append(f.calls, "commit")
	return f.commitErr
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(seconds int) time.Time { return t0.Add(time.Duration(seconds) * time.Second) }

type rig struct {
	st          *State
	pump        *fakeSwitch
	ph          *fakeSwitch
	nutrient    *fakeSwitch
	ecProbe     *fakeCalibrator
	phProbe     *fakeCalibrator
	dosing      *PHDosing
	feeder      *Nutrient
	circulation *Circulation
	calibration *Calibration
	arbiter     *Arbiter
}

func newRig(dosing DosingConfig) *rig {
	r := &rig{
		pump:     &fakeSwitch{label: "pump"},
		ph:       &fakeSwitch{label: "ph"},
		nutrient: &fakeSwitch{label: "nutrient"},
		ecProbe:  &fakeCalibrator{},
		phProbe:  &fakeCalibrator{},
	}
	r.st = NewState(r.pump, r.ph, r.nutrient, Setpoints{PH: 6, EC: 1.5, Crop: "lettuce"}, nil)
	r.dosing = NewPHDosing(dosing, nil)
	r.feeder = NewNutrient(DefaultNutrientConfig(), nil)
	r.circulation = NewCirculation(DefaultCirculationConfig(), nil)
	r.calibration = NewCalibration(DefaultCalibrationConfig(), r.ecProbe, r.phProbe, nil)
	r.arbiter = NewArbiter(r.st, r.dosing, r.feeder, r.circulation, r.calibration, nil)
	return r
}

func scenarioDosing() DosingConfig {
	cfg := DefaultDosingConfig()
	cfg.Ceiling = 7.0
	cfg.VariationThreshold = 0.1
	cfg.VariationInterval = 0
	return cfg
}

func TestPHDosingWaitsForStableReading(t *testing.T) {
	r := newRig(scenarioDosing())

	readings := []float64{6.2, 6.9, 7.55, 7.55, 7.55}
	want := []Phase{Idle, Idle, Idle, Dosing, Dosing}
	for i, ph := range readings {
		require.NoError(t, r.dosing.Tick(r.st, ph, at(i)))
		assert.Equal(t, want[i], r.dosing.Phase(), "sample %d (pH %v)", i, ph)
	}
	assert.Equal(t, OnAutomatic, r.st.Relay(PHRelay))
	assert.Equal(t, 1, r.ph.ons)
}

func TestPHDosingCycle(t *testing.T) {
	r := newRig(scenarioDosing())
	for i, ph := range []float64{7.5, 7.5} {
		require.NoError(t, r.dosing.Tick(r.st, ph, at(i)))
	}
	require.Equal(t, Dosing, r.dosing.Phase())
	assert.Equal(t, phDosingOwner, r.st.Owner(PHRelay))
	assert.Equal(t, phDosingOwner, r.st.Owner(Pump))

	require.NoError(t, r.dosing.Tick(r.st, 7.5, at(10)))
	assert.Equal(t, Dosing, r.dosing.Phase(), "dose lasts the full duration")

	require.NoError(t, r.dosing.Tick(r.st, 7.4, at(11)))
	assert.Equal(t, Mixing, r.dosing.Phase())
	assert.False(t, r.ph.on)
	assert.True(t, r.pump.on)
	assert.Empty(t, r.st.Owner(PHRelay))

	require.NoError(t, r.dosing.Tick(r.st, 7.3, at(21)))
	assert.Equal(t, Idle, r.dosing.Phase())
	assert.False(t, r.pump.on)
	assert.Empty(t, r.st.Owner(Pump))

	// The tracker restarted, so a fresh pair of samples is needed.
	require.NoError(t, r.dosing.Tick(r.st, 7.3, at(22)))
	assert.Equal(t, Idle, r.dosing.Phase())
	require.NoError(t, r.dosing.Tick(r.st, 7.3, at(23)))
	assert.Equal(t, Dosing, r.dosing.Phase())
}

func TestPHDosingSecondTriggerIsNoop(t *testing.T) {
	r := newRig(scenarioDosing())
	for i := 0; i < 6; i++ {
		require.NoError(t, r.dosing.Tick(r.st, 7.5, at(i)))
	}
	assert.Equal(t, Dosing, r.dosing.Phase())
	assert.Equal(t, 1, r.ph.ons)
}

func TestPHDosingHonoursVariationInterval(t *testing.T) {
	cfg := scenarioDosing()
	cfg.VariationInterval = 20 * time.Second
	r := newRig(cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.dosing.Tick(r.st, 7.5, at(i)))
	}
	assert.Equal(t, Idle, r.dosing.Phase())
	_, measured := r.dosing.Variation()
	assert.False(t, measured)

	require.NoError(t, r.dosing.Tick(r.st, 7.5, at(20)))
	assert.Equal(t, Dosing, r.dosing.Phase())
}

func TestPHDosingSkipsWhilePumpBusy(t *testing.T) {
	r := newRig(scenarioDosing())
	require.True(t, r.st.claim(Pump, circulationOwner))

	for i := 0; i < 3; i++ {
		require.NoError(t, r.dosing.Tick(r.st, 7.5, at(i)))
	}
	assert.Equal(t, Idle, r.dosing.Phase())
	assert.Empty(t, r.st.Owner(PHRelay))
	assert.Zero(t, r.ph.ons)
}

func TestNutrientDosing(t *testing.T) {
	r := newRig(scenarioDosing())

	require.NoError(t, r.feeder.Tick(r.st, 1.0, at(0)))
	assert.Equal(t, Idle, r.feeder.Phase())

	require.NoError(t, r.feeder.Tick(r.st, 0.8, at(1)))
	assert.Equal(t, Dosing, r.feeder.Phase())
	assert.True(t, r.nutrient.on)

	require.NoError(t, r.feeder.Tick(r.st, 0.7, at(5)))
	assert.Equal(t, Dosing, r.feeder.Phase())
	assert.Equal(t, 1, r.nutrient.ons)

	require.NoError(t, r.feeder.Tick(r.st, 0.9, at(9)))
	assert.Equal(t, Idle, r.feeder.Phase())
	assert.False(t, r.nutrient.on)
	assert.Empty(t, r.st.Owner(NutrientRelay))
}

func TestCirculation(t *testing.T) {
	r := newRig(scenarioDosing())

	require.NoError(t, r.circulation.Tick(r.st, at(0)))
	assert.Equal(t, Idle, r.circulation.Phase())

	require.NoError(t, r.circulation.Tick(r.st, at(30)))
	assert.Equal(t, Running, r.circulation.Phase())
	assert.True(t, r.pump.on)

	require.NoError(t, r.circulation.Tick(r.st, at(49)))
	assert.True(t, r.pump.on)

	require.NoError(t, r.circulation.Tick(r.st, at(50)))
	assert.Equal(t, Idle, r.circulation.Phase())
	assert.False(t, r.pump.on)

	require.True(t, r.st.claim(Pump, phDosingOwner))
	require.NoError(t, r.circulation.Tick(r.st, at(60)))
	assert.Equal(t, Idle, r.circulation.Phase(), "pump held by a dosing cycle")
	assert.Equal(t, phDosingOwner, r.st.Owner(Pump))
}

func TestCalibrationSession(t *testing.T) {
	r := newRig(scenarioDosing())

	require.NoError(t, r.calibration.Start(TargetPH, at(0)))
	assert.Equal(t, StepFirst, r.calibration.Session(TargetPH).Step)
	assert.Equal(t, at(30), r.calibration.Session(TargetPH).Deadline)

	require.NoError(t, r.calibration.Tick(TargetPH, 1.0, at(1)))
	assert.Equal(t, StepFirst, r.calibration.Session(TargetPH).Step)

	require.NoError(t, r.calibration.Tick(TargetPH, 0.4, at(2)))
	assert.Equal(t, StepSecond, r.calibration.Session(TargetPH).Step)
	assert.Equal(t, at(32), r.calibration.Session(TargetPH).Deadline)

	require.NoError(t, r.calibration.Tick(TargetPH, 2.2, at(20)))
	assert.Equal(t, StepIdle, r.calibration.Session(TargetPH).Step)
	assert.Equal(t, []string{"first", "second", "commit"}, r.phProbe.calls)
	assert.Empty(t, r.ecProbe.calls)
}

func TestCalibrationTimeout(t *testing.T) {
	r := newRig(scenarioDosing())

	require.NoError(t, r.calibration.Start(TargetEC, at(0)))
	require.NoError(t, r.calibration.Tick(TargetEC, 2.0, at(10)))
	require.Equal(t, StepSecond, r.calibration.Session(TargetEC).Step)

	err := r.calibration.Tick(TargetEC, 19.0, at(41))
	assert.ErrorIs(t, err, ErrCalibrationTimeout)
	assert.Equal(t, StepIdle, r.calibration.Session(TargetEC).Step)
	assert.Equal(t, []string{"first"}, r.ecProbe.calls)
}

func TestCalibrationStartIsIdempotent(t *testing.T) {
	r := newRig(scenarioDosing())

	require.NoError(t, r.calibration.Start(TargetEC, at(0)))
	require.NoError(t, r.calibration.Tick(TargetEC, 2.0, at(1)))

	err := r.calibration.Start(TargetEC, at(5))
	assert.ErrorIs(t, err, ErrCalibrationActive)
	s := r.calibration.Session(TargetEC)
	assert.Equal(t, StepSecond, s.Step)
	assert.Equal(t, at(1), s.StartedAt)

	require.NoError(t, r.calibration.Start(TargetPH, at(5)))
	assert.Equal(t, StepFirst, r.calibration.Session(TargetPH).Step)
	assert.Equal(t, StepSecond, r.calibration.Session(TargetEC).Step)
}

func TestCalibrationFirstPointFailureRetries(t *testing.T) {
	r := newRig(scenarioDosing())
	r.phProbe.firstErr = errors.New("voltage out of range")

	require.NoError(t, r.calibration.Start(TargetPH, at(0)))
	require.Error(t, r.calibration.Tick(TargetPH, 0.4, at(1)))
	assert.Equal(t, StepFirst, r.calibration.Session(TargetPH).Step)

	r.phProbe.firstErr = nil
	require.NoError(t, r.calibration.Tick(TargetPH, 0.4, at(2)))
	assert.Equal(t, StepSecond, r.calibration.Session(TargetPH).Step)
}

func TestCalibrationStepsOnlyAdvanceInOrder(t *testing.T) {
	r := newRig(scenarioDosing())
	readings := []float64{0, 1.5, 1.5, 30, 19, 19, 2, 0, 19, 1.2, 5, 19.5}
	allowed := map[[2]Step]bool{
		{StepIdle, StepIdle}: true, {StepIdle, StepFirst}: true,
		{StepFirst, StepFirst}: true, {StepFirst, StepSecond}: true, {StepFirst, StepIdle}: true,
		{StepSecond, StepSecond}: true, {StepSecond, StepIdle}: true,
	}

	now := 0
	for round := 0; round < 3; round++ {
		_ = r.calibration.Start(TargetEC, at(now))
		for _, v := range readings {
			before := r.calibration.Session(TargetEC).Step
			now += 7
			_ = r.calibration.Tick(TargetEC, v, at(now))
			after := r.calibration.Session(TargetEC).Step
			assert.True(t, allowed[[2]Step{before, after}], "%d -> %d", before, after)
		}
	}
}

func TestManualModeStopsEverything(t *testing.T) {
	r := newRig(scenarioDosing())
	for i := 0; i < 2; i++ {
		require.NoError(t, r.dosing.Tick(r.st, 7.5, at(i)))
	}
	require.NoError(t, r.feeder.Tick(r.st, 0.5, at(1)))
	require.NoError(t, r.calibration.Start(TargetEC, at(1)))
	require.True(t, r.ph.on)
	require.True(t, r.nutrient.on)

	require.NoError(t, r.arbiter.SetMode(Manual))

	assert.Equal(t, Manual, r.arbiter.Mode())
	assert.False(t, r.arbiter.Dispatching())
	for _, sw := range []*fakeSwitch{r.pump, r.ph, r.nutrient} {
		assert.False(t, sw.on, sw.label)
	}
	for _, rel := range Relays {
		assert.Equal(t, Off, r.st.Relay(rel))
		assert.Empty(t, r.st.Owner(rel))
	}
	assert.Equal(t, Idle, r.dosing.Phase())
	assert.Equal(t, Idle, r.feeder.Phase())
	assert.False(t, r.calibration.Session(TargetEC).Active())

	err := r.st.setAutomatic(Pump, true)
	assert.ErrorIs(t, err, ErrManualMode)
	assert.False(t, r.pump.on)
}

func TestForceAllOffAttemptsEveryRelay(t *testing.T) {
	r := newRig(scenarioDosing())
	r.pump.err = errors.New("gpio busy")
	r.ph.err = errors.New("gpio busy")

	err := r.st.ForceAllOff()
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Equal(t, 1, r.nutrient.offs)
}

func TestArbiterApplySetpoints(t *testing.T) {
	r := newRig(scenarioDosing())
	require.NoError(t, r.arbiter.SetMode(Manual))

	cmd, err := telemetry.DecodeCommand([]byte(`{"md":0,"cv":"basil","sp":[58,180,240,65]}`))
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Apply(cmd))
	assert.Equal(t, Automatic, r.arbiter.Mode())
	assert.Equal(t, Setpoints{PH: 6, EC: 1.5, Crop: "lettuce"}, r.st.Setpoints())

	cmd, err = telemetry.DecodeCommand([]byte(`{"md":0,"sp":[58,180,240,65,900,350]}`))
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Apply(cmd))
	sp := r.st.Setpoints()
	assert.InDelta(t, 5.8, sp.PH, 1e-9)
	assert.InDelta(t, 1.8, sp.EC, 1e-9)
	assert.Equal(t, "lettuce", sp.Crop, "crop label kept when the update names none")

	cmd, err = telemetry.DecodeCommand([]byte(`{"md":0,"cv":"basil","sp":[60,150,250,60,800,300]}`))
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Apply(cmd))
	assert.Equal(t, "basil", r.st.Setpoints().Crop)
}

func TestArbiterApplyOverrides(t *testing.T) {
	r := newRig(scenarioDosing())

	cmd, err := telemetry.DecodeCommand([]byte(`{"md":1,"act":{"wp":1}}`))
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Apply(cmd))
	assert.Equal(t, Manual, r.arbiter.Mode())
	assert.Equal(t, OnManual, r.st.Relay(Pump))
	assert.Equal(t, Off, r.st.Relay(PHRelay))

	cmd, err = telemetry.DecodeCommand([]byte(`{"md":1,"act":{"nr":1}}`))
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Apply(cmd))
	assert.Equal(t, OnManual, r.st.Relay(Pump), "unnamed relay untouched")
	assert.Equal(t, OnManual, r.st.Relay(NutrientRelay))
	assert.Equal(t, telemetry.Actuators{Pump: true, Nutrient: true}, r.st.Actuators())

	require.NoError(t, r.arbiter.SetMode(Automatic))
	for _, rel := range Relays {
		assert.Equal(t, Off, r.st.Relay(rel))
	}
}

func TestArbiterIgnoresUnknownMode(t *testing.T) {
	r := newRig(scenarioDosing())

	err := r.arbiter.Apply(telemetry.Command{Mode: 7})
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, Automatic, r.arbiter.Mode())

	assert.ErrorIs(t, r.arbiter.SetMode(Mode(9)), ErrUnknownMode)
}

func TestArbiterExecute(t *testing.T) {
	r := newRig(scenarioDosing())

	err := r.arbiter.Execute(OperatorCommand{Kind: CommandRelay, Relay: Pump, On: true}, at(0))
	assert.ErrorIs(t, err, ErrAutomaticMode)
	assert.False(t, r.pump.on)

	for _, line := range []string{"manual", "PUMP_ON", "ph_on", "PH_OFF"} {
		cmd, err := ParseOperatorCommand(line)
		require.NoError(t, err)
		require.NoError(t, r.arbiter.Execute(cmd, at(1)), line)
	}
	assert.True(t, r.pump.on)
	assert.False(t, r.ph.on)

	cmd, err := ParseOperatorCommand("CALPH")
	require.NoError(t, err)
	require.NoError(t, r.arbiter.Execute(cmd, at(2)))
	assert.True(t, r.calibration.Session(TargetPH).Active())
}

func TestParseOperatorCommand(t *testing.T) {
	tests := []struct {
		line string
		want OperatorCommand
	}{
		{"MANUAL", OperatorCommand{Kind: CommandManual}},
		{" auto\r", OperatorCommand{Kind: CommandAutomatic}},
		{"cal_ec", OperatorCommand{Kind: CommandCalibrate, Target: TargetEC}},
		{"CALPH", OperatorCommand{Kind: CommandCalibrate, Target: TargetPH}},
		{"Pump_On", OperatorCommand{Kind: CommandRelay, Relay: Pump, On: true}},
		{"NUT_OFF", OperatorCommand{Kind: CommandRelay, Relay: NutrientRelay}},
	}
	for _, tt := range tests {
		got, err := ParseOperatorCommand(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}

	for _, bad := range []string{"", "PUMP", "CAL_PH", "AUTOMATIC"} {
		_, err := ParseOperatorCommand(bad)
		assert.ErrorIs(t, err, ErrUnknownCommand, bad)
	}
}

func TestVariation(t *testing.T) {
	v := Variation{}
	assert.False(t, v.Stable(1))

	v.Sample(6.0, at(0))
	assert.False(t, v.Stable(1), "one sample is not a variation")

	v.Sample(6.05, at(1))
	assert.True(t, v.Stable(0.1))
	assert.False(t, v.Stable(0.01))

	v.Reset()
	_, measured := v.Value()
	assert.False(t, measured)
}
