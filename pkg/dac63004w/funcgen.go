package dac63004w

import (
	"context"
	"fmt"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
)

// Waveform selects the on-chip function generator output.
type Waveform uint8

const (
	WaveTriangle        Waveform = 0
	WaveSawtooth        Waveform = 1
	WaveInverseSawtooth Waveform = 2
	WaveSine            Waveform = 4
	WaveDisable         Waveform = 7
)

var waveformNames = map[Waveform]string{
	WaveTriangle:        "triangle",
	WaveSawtooth:        "sawtooth",
	WaveInverseSawtooth: "inverse_sawtooth",
	WaveSine:            "sine",
	WaveDisable:         "disable",
}

func (w Waveform) String() string {
	if n, ok := waveformNames[w]; ok {
		return n
	}
	return fmt.Sprintf("waveform(%d)", uint8(w))
}

// ParseWaveform accepts the names printed by Waveform.String.
func ParseWaveform(s string) (Waveform, error) {
	for w, n := range waveformNames {
		if n == s {
			return w, nil
		}
	}
	return 0, errors.ParamError("unknown waveform %q", s)
}

// Phase offsets a sine output relative to the other channels.
type Phase uint8

const (
	Phase0 Phase = iota
	Phase120
	Phase240
	Phase90
)

var phaseDegrees = [...]int{0, 120, 240, 90}

// Degrees returns the phase offset in degrees.
func (p Phase) Degrees() int {
	if int(p) >= len(phaseDegrees) {
		return -1
	}
	return phaseDegrees[p]
}

// PhaseFromDegrees maps 0, 90, 120 or 240 to a Phase.
func PhaseFromDegrees(deg int) (Phase, error) {
	for i, d := range phaseDegrees {
		if d == deg {
			return Phase(i), nil
		}
	}
	return 0, errors.ParamError("unsupported phase %d degrees", deg)
}

// SlewRate is the time per code step, 0x1 (4 us) to 0xF (5.128 ms). 0 means
// no slew and cannot drive a waveform.
type SlewRate uint8

const (
	SlewNone   SlewRate = 0x0
	Slew4us    SlewRate = 0x1
	Slew8us    SlewRate = 0x2
	Slew12us   SlewRate = 0x3
	Slew18us   SlewRate = 0x4
	Slew27us   SlewRate = 0x5
	Slew40us   SlewRate = 0x6
	Slew61us   SlewRate = 0x7
	Slew91us   SlewRate = 0x8
	Slew137us  SlewRate = 0x9
	Slew239us  SlewRate = 0xA
	Slew418us  SlewRate = 0xB
	Slew733us  SlewRate = 0xC
	Slew1282us SlewRate = 0xD
	Slew2564us SlewRate = 0xE
	Slew5128us SlewRate = 0xF
)

// slewNanos holds the step period of each slew code in nanoseconds.
var slewNanos = [16]int64{
	0, 4000, 8000, 12000, 18000, 27040, 40480, 60720,
	91120, 136720, 239200, 418640, 732560, 1282000, 2563960, 5127920,
}

// StepNanos returns the period of one code step.
func (s SlewRate) StepNanos() int64 {
	return slewNanos[s&0xF]
}

// FunctionConfig describes a generator setup for one channel. The waveform
// swings between MarginLow and MarginHigh, both 12-bit codes.
type FunctionConfig struct {
	Waveform   Waveform
	Phase      Phase
	Slew       SlewRate
	CodeStep   uint8 // 0..7, code increment per step (1, 2, 3, 4, 6, 8, 16, 32)
	LogSlew    bool
	MarginHigh uint16
	MarginLow  uint16
}

// Validate checks the field ranges.
func (fc FunctionConfig) Validate() error {
	if _, ok := waveformNames[fc.Waveform]; !ok {
		return errors.ParamError("invalid waveform %d", fc.Waveform)
	}
	if fc.Phase > Phase90 {
		return errors.ParamError("invalid phase %d", fc.Phase)
	}
	if fc.Slew > Slew5128us {
		return errors.ParamError("invalid slew rate %d", fc.Slew)
	}
	if fc.Waveform != WaveDisable && fc.Slew == SlewNone {
		return errors.ParamError("waveform %s needs a slew rate", fc.Waveform)
	}
	if fc.CodeStep > 7 {
		return errors.ParamError("code step %d out of range 0..7", fc.CodeStep)
	}
	if fc.MarginHigh > MaxCode || fc.MarginLow > MaxCode {
		return errors.ParamError("margins must be 12-bit codes")
	}
	if fc.MarginLow > fc.MarginHigh {
		return errors.ParamError("margin low 0x%03x above margin high 0x%03x", fc.MarginLow, fc.MarginHigh)
	}
	return nil
}

// Word returns the FUNC-CONFIG register value.
func (fc FunctionConfig) Word() uint16 {
	w := uint16(fc.Phase)<<11 | uint16(fc.Waveform&0x7)<<8 | uint16(fc.CodeStep&0x7)<<4 | uint16(fc.Slew&0xF)
	if fc.LogSlew {
		w |= 1 << 7
	}
	return w
}

func startFuncBit(ch int) uint16 {
	return 1 << (4 * uint(ch))
}

// ConfigureFunction writes the margins and FUNC-CONFIG of ch. The generator
// keeps running with its previous settings until restarted.
func (d *Driver) ConfigureFunction(ctx context.Context, ch int, fc FunctionConfig) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("configure_function")
	}
	if err := fc.Validate(); err != nil {
		return err.(*errors.DeviceError).SetChannel(ch).SetOp("configure_function")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeRegister(ctx, MarginHighRegister(ch), fc.MarginHigh<<4); err != nil {
		return channelErr(err, ch)
	}
	if err := d.writeRegister(ctx, MarginLowRegister(ch), fc.MarginLow<<4); err != nil {
		return channelErr(err, ch)
	}
	if err := d.writeRegister(ctx, FuncConfigRegister(ch), fc.Word()); err != nil {
		return channelErr(err, ch)
	}
	d.logger.WithFields(log.Fields{
		"channel":  ch,
		"waveform": fc.Waveform.String(),
		"phase":    fc.Phase.Degrees(),
		"slew":     int(fc.Slew),
	}).Info("function generator configured")
	return nil
}

// StartFunction sets the START-FUNC bit of ch in COMMON-DAC-TRIG.
func (d *Driver) StartFunction(ctx context.Context, ch int) error {
	return d.setFunction(ctx, ch, true, "start_function")
}

// StopFunction clears the START-FUNC bit of ch. The output holds its last
// code.
func (d *Driver) StopFunction(ctx context.Context, ch int) error {
	return d.setFunction(ctx, ch, false, "stop_function")
}

func (d *Driver) setFunction(ctx context.Context, ch int, run bool, op string) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp(op)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.dc.funcKnown {
		cur, err := d.readRegister(ctx, RegCommonDACTrig)
		if err != nil {
			return channelErr(err, ch)
		}
		d.dc.funcTrig = cur
		d.dc.funcKnown = true
	}
	word := d.dc.funcTrig &^ startFuncBit(ch)
	if run {
		word |= startFuncBit(ch)
	}
	if err := d.writeRegister(ctx, RegCommonDACTrig, word); err != nil {
		return channelErr(err, ch)
	}
	d.dc.funcTrig = word
	return nil
}

// FunctionRunning reports whether the generator of ch was last started.
func (d *Driver) FunctionRunning(ch int) bool {
	if !validChannel(ch) {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dc.funcTrig&startFuncBit(ch) != 0
}
