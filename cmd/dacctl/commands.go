package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
)

// device is the subset of *dac63004w.Driver the one-shot commands use.
type device interface {
	Initialize(ctx context.Context) error
	Reset(ctx context.Context) error
	WriteVoltage(ctx context.Context, ch int, volts float64) error
	WriteCurrent(ctx context.Context, ch int, microamps float64) error
	ConfigureFunction(ctx context.Context, ch int, fc dac63004w.FunctionConfig) error
	StartFunction(ctx context.Context, ch int) error
	StopFunction(ctx context.Context, ch int) error
	ReadRegister(ctx context.Context, addr uint8) (uint16, error)
	WriteRegister(ctx context.Context, addr uint8, value uint16) error
	Status() dac63004w.Status
}

type command struct {
	args  string
	nargs [2]int
	run   func(ctx context.Context, d device, args []string, out io.Writer) error
}

var commands = map[string]command{
	"status":  {"", [2]int{0, 0}, cmdStatus},
	"init":    {"", [2]int{0, 0}, cmdInit},
	"reset":   {"", [2]int{0, 0}, cmdReset},
	"voltage": {"CH VOLTS", [2]int{2, 2}, cmdVoltage},
	"current": {"CH MICROAMPS", [2]int{2, 2}, cmdCurrent},
	"funcgen": {"CH WAVE [PHASE [SLEW]]", [2]int{2, 4}, cmdFuncgen},
	"stop":    {"CH", [2]int{1, 1}, cmdStop},
	"read":    {"ADDR", [2]int{1, 1}, cmdRead},
	"write":   {"ADDR VALUE", [2]int{2, 2}, cmdWrite},
}

// runCommand executes one CLI command against d.
func runCommand(ctx context.Context, d device, args []string, out io.Writer) error {
	c, ok := commands[args[0]]
	if !ok {
		return errors.ParamError("unknown command %q", args[0])
	}
	rest := args[1:]
	if len(rest) < c.nargs[0] || len(rest) > c.nargs[1] {
		return errors.ParamError("usage: %s %s", args[0], c.args)
	}
	return c.run(ctx, d, rest, out)
}

func cmdStatus(ctx context.Context, d device, args []string, out io.Writer) error {
	st := d.Status()
	fmt.Fprintf(out, "initialized=%t vref=%.3f common_config=0x%04x\n", st.Initialized, st.Vref, st.CommonConfig)
	for _, ch := range st.Channels {
		fmt.Fprintf(out, "  ch%d %-7s code=0x%04x %.4f %s\n", ch.Channel, ch.Mode, ch.Code, ch.Output, ch.Unit)
	}
	return nil
}

func cmdInit(ctx context.Context, d device, args []string, out io.Writer) error {
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "initialized")
	return nil
}

func cmdReset(ctx context.Context, d device, args []string, out io.Writer) error {
	return d.Reset(ctx)
}

// One-shot output commands run on a fresh process, so they initialize first.
func cmdVoltage(ctx context.Context, d device, args []string, out io.Writer) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	v, err := parseFloat("voltage", args[1])
	if err != nil {
		return err
	}
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	if err := d.WriteVoltage(ctx, ch, v); err != nil {
		return err
	}
	fmt.Fprintf(out, "ch%d = %.4f V (code 0x%04x)\n", ch, v, d.Status().Channels[ch].Code)
	return nil
}

func cmdCurrent(ctx context.Context, d device, args []string, out io.Writer) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	ua, err := parseFloat("current", args[1])
	if err != nil {
		return err
	}
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	if err := d.WriteCurrent(ctx, ch, ua); err != nil {
		return err
	}
	fmt.Fprintf(out, "ch%d = %.2f uA (code 0x%04x)\n", ch, ua, d.Status().Channels[ch].Code)
	return nil
}

func cmdFuncgen(ctx context.Context, d device, args []string, out io.Writer) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	wave, err := dac63004w.ParseWaveform(args[1])
	if err != nil {
		return err
	}
	fc := dac63004w.FunctionConfig{
		Waveform:   wave,
		Slew:       dac63004w.Slew4us,
		MarginHigh: dac63004w.MaxCode,
	}
	if len(args) > 2 {
		deg, err := strconv.Atoi(args[2])
		if err != nil {
			return errors.ParamError("invalid phase %q", args[2])
		}
		if fc.Phase, err = dac63004w.PhaseFromDegrees(deg); err != nil {
			return err
		}
	}
	if len(args) > 3 {
		slew, err := strconv.ParseUint(args[3], 0, 8)
		if err != nil || slew > uint64(dac63004w.Slew5128us) {
			return errors.ParamError("invalid slew rate %q", args[3])
		}
		fc.Slew = dac63004w.SlewRate(slew)
	}
	if err := d.Initialize(ctx); err != nil {
		return err
	}
	if err := d.ConfigureFunction(ctx, ch, fc); err != nil {
		return err
	}
	if err := d.StartFunction(ctx, ch); err != nil {
		return err
	}
	fmt.Fprintf(out, "ch%d running %s\n", ch, wave)
	return nil
}

func cmdStop(ctx context.Context, d device, args []string, out io.Writer) error {
	ch, err := parseChannel(args[0])
	if err != nil {
		return err
	}
	return d.StopFunction(ctx, ch)
}

func cmdRead(ctx context.Context, d device, args []string, out io.Writer) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	v, err := d.ReadRegister(ctx, addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "0x%02x = 0x%04x\n", addr, v)
	return nil
}

func cmdWrite(ctx context.Context, d device, args []string, out io.Writer) error {
	addr, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		return errors.ParamError("invalid register value %q", args[1])
	}
	return d.WriteRegister(ctx, addr, uint16(v))
}

func parseChannel(s string) (int, error) {
	ch, err := strconv.Atoi(s)
	if err != nil || ch < 0 || ch >= dac63004w.NumChannels {
		return 0, errors.ParamError("invalid channel %q", s)
	}
	return ch, nil
}

func parseFloat(what, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.ParamError("invalid %s %q", what, s)
	}
	return v, nil
}

func parseAddress(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil || v > 0x7F {
		return 0, errors.ParamError("invalid register address %q", s)
	}
	return uint8(v), nil
}
