package dac63004w_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
)

func TestFunctionConfigWord(t *testing.T) {
	fc := dac63004w.FunctionConfig{
		Waveform: dac63004w.WaveSine,
		Phase:    dac63004w.Phase120,
		Slew:     dac63004w.Slew4us,
		CodeStep: 1,
	}
	if got := fc.Word(); got != 0x0C11 {
		t.Errorf("Word = 0x%04x, want 0x0c11", got)
	}
	fc.LogSlew = true
	fc.Phase = dac63004w.Phase90
	if got := fc.Word(); got != 0x1C91 {
		t.Errorf("Word = 0x%04x, want 0x1c91", got)
	}
}

func TestFunctionConfigValidate(t *testing.T) {
	base := dac63004w.FunctionConfig{Waveform: dac63004w.WaveTriangle, Slew: dac63004w.Slew8us, MarginHigh: 0xFFF}
	bad := map[string]func(*dac63004w.FunctionConfig){
		"waveform":   func(fc *dac63004w.FunctionConfig) { fc.Waveform = 3 },
		"phase":      func(fc *dac63004w.FunctionConfig) { fc.Phase = 4 },
		"no slew":    func(fc *dac63004w.FunctionConfig) { fc.Slew = dac63004w.SlewNone },
		"code step":  func(fc *dac63004w.FunctionConfig) { fc.CodeStep = 8 },
		"margin":     func(fc *dac63004w.FunctionConfig) { fc.MarginHigh = 0x1000 },
		"low > high": func(fc *dac63004w.FunctionConfig) { fc.MarginLow, fc.MarginHigh = 0x800, 0x100 },
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config: %v", err)
	}
	for name, mutate := range bad {
		fc := base
		mutate(&fc)
		if err := fc.Validate(); !errors.Is(err, errors.ErrParam) {
			t.Errorf("%s: got %v, want PARAM", name, err)
		}
	}

	off := dac63004w.FunctionConfig{Waveform: dac63004w.WaveDisable}
	if err := off.Validate(); err != nil {
		t.Errorf("disable without slew: %v", err)
	}
}

func TestConfigureAndRunFunction(t *testing.T) {
	d, rec, _ := newDriver(t, dac63004w.DefaultConfig())
	ctx := context.Background()

	fc := dac63004w.FunctionConfig{
		Waveform:   dac63004w.WaveSine,
		Phase:      dac63004w.Phase120,
		Slew:       dac63004w.Slew4us,
		CodeStep:   1,
		MarginHigh: 0xFFF,
		MarginLow:  0,
	}
	if err := d.ConfigureFunction(ctx, 2, fc); err != nil {
		t.Fatalf("ConfigureFunction: %v", err)
	}
	if err := d.StartFunction(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := d.StartFunction(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.StopFunction(ctx, 2); err != nil {
		t.Fatal(err)
	}
	want := []W{
		{Addr: 0x0D, Value: 0xFFF0},
		{Addr: 0x0E, Value: 0x0000},
		{Addr: 0x12, Value: 0x0C11},
		{Addr: 0x00, Value: 0x0000}, // START-FUNC bits read back once
		{Addr: 0x21, Value: 0x0100},
		{Addr: 0x21, Value: 0x0101},
		{Addr: 0x21, Value: 0x0001},
	}
	if diff := cmp.Diff(want, rec.Writes()); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
	if !d.FunctionRunning(0) || d.FunctionRunning(2) {
		t.Error("running state does not match START-FUNC bits")
	}
}

func TestStopFunctionKeepsOtherChannels(t *testing.T) {
	d, rec, _ := newDriver(t, dac63004w.DefaultConfig())
	ctx := context.Background()
	// Channel 0 was started by an earlier session.
	rec.SetRegister(dac63004w.RegCommonDACTrig, 0x0001)

	if err := d.StopFunction(ctx, 1); err != nil {
		t.Fatalf("StopFunction: %v", err)
	}
	if got := rec.Register(dac63004w.RegCommonDACTrig); got != 0x0001 {
		t.Errorf("COMMON-DAC-TRIG = 0x%04x, want 0x0001", got)
	}
	if !d.FunctionRunning(0) {
		t.Error("channel 0 not reported running")
	}

	// The bits are known now; no second read.
	rec.Reset()
	if err := d.StartFunction(ctx, 3); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]W{{Addr: 0x21, Value: 0x1001}}, rec.Writes()); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
}

func TestFunctionAfterInitializeSkipsReadBack(t *testing.T) {
	d, rec, _ := newDriver(t, dac63004w.DefaultConfig())
	ctx := context.Background()
	rec.SetRegister(dac63004w.RegCommonDACTrig, 0x0010)
	if err := d.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	rec.Reset()
	if err := d.StartFunction(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]W{{Addr: 0x21, Value: 0x0001}}, rec.Writes()); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
	if d.FunctionRunning(1) {
		t.Error("reset did not clear START-FUNC state")
	}
}

func TestFunctionRejectsBadInput(t *testing.T) {
	d, rec, _ := newDriver(t, dac63004w.DefaultConfig())
	ctx := context.Background()

	if err := d.StartFunction(ctx, 4); !errors.Is(err, errors.ErrParam) {
		t.Errorf("start channel 4: %v", err)
	}
	if err := d.ConfigureFunction(ctx, 0, dac63004w.FunctionConfig{Waveform: dac63004w.WaveSine}); !errors.Is(err, errors.ErrParam) {
		t.Errorf("sine without slew: %v", err)
	}
	if len(rec.Frames()) != 0 {
		t.Error("frames sent for rejected calls")
	}
}

func TestStartFunctionFailureKeepsState(t *testing.T) {
	d, rec, _ := newDriver(t, dac63004w.DefaultConfig())
	rec.FailAt = 1
	if err := d.StartFunction(context.Background(), 1); !errors.Is(err, errors.ErrComm) {
		t.Fatalf("got %v, want COMM", err)
	}
	if d.FunctionRunning(1) {
		t.Error("channel marked running after failed write")
	}
}

func TestParseWaveformAndPhase(t *testing.T) {
	for _, name := range []string{"triangle", "sawtooth", "inverse_sawtooth", "sine", "disable"} {
		w, err := dac63004w.ParseWaveform(name)
		if err != nil || w.String() != name {
			t.Errorf("ParseWaveform(%q) = %v, %v", name, w, err)
		}
	}
	if _, err := dac63004w.ParseWaveform("square"); err == nil {
		t.Error("accepted square")
	}
	p, err := dac63004w.PhaseFromDegrees(240)
	if err != nil || p != dac63004w.Phase240 {
		t.Errorf("PhaseFromDegrees(240) = %v, %v", p, err)
	}
	if _, err := dac63004w.PhaseFromDegrees(180); err == nil {
		t.Error("accepted 180 degrees")
	}
	if got := dac63004w.Slew5128us.StepNanos(); got != 5127920 {
		t.Errorf("StepNanos = %d", got)
	}
}
