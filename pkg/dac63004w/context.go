package dac63004w

import (
	"math"
	"strings"

	"dacctl/pkg/errors"
)

// Mode is a channel's output type.
type Mode uint8

const (
	ModeVoltage Mode = iota
	ModeCurrent
)

func (m Mode) String() string {
	switch m {
	case ModeVoltage:
		return "voltage"
	case ModeCurrent:
		return "current"
	}
	return "invalid"
}

// ParseMode accepts "voltage" or "current".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voltage":
		return ModeVoltage, nil
	case "current":
		return ModeCurrent, nil
	}
	return 0, errors.ParamError("unknown output mode %q", s)
}

// Context is the host-side view of one DAC63004W: its reference voltage and,
// per channel, the output mode last configured in hardware and the last code
// latched. It is only mutated by a Driver after the corresponding register
// writes succeeded.
//
// A channel whose mode is not known (after a reset) is reconfigured by the
// next voltage or current write. The START-FUNC bits are read from the device
// before the first per-channel start or stop.
type Context struct {
	vref        float64
	modes       [NumChannels]Mode
	known       [NumChannels]bool
	codes       [NumChannels]uint16
	common      uint16
	funcTrig    uint16
	funcKnown   bool
	initialized bool
}

// NewContext creates a context with every channel in defaultMode.
func NewContext(vref float64, defaultMode Mode) (*Context, error) {
	if !(vref > 0) || math.IsInf(vref, 0) {
		return nil, errors.ParamError("reference voltage must be positive, got %v", vref)
	}
	if defaultMode > ModeCurrent {
		return nil, errors.ParamError("invalid mode %d", defaultMode)
	}
	c := &Context{vref: vref, common: DefaultCommonConfig}
	for i := range c.modes {
		c.modes[i] = defaultMode
		c.known[i] = true
	}
	return c, nil
}

// powerOn records the state the device returns to after a software reset.
func (c *Context) powerOn() {
	c.common = PowerOnCommonConfig
	for i := range c.modes {
		c.known[i] = false
		c.codes[i] = 0
	}
	c.funcTrig = 0
	c.funcKnown = true
	c.initialized = false
}

// setMode records a configured mode for ch.
func (c *Context) setMode(ch int, mode Mode) {
	c.modes[ch] = mode
	c.known[ch] = true
}

// needsMode reports whether ch must be reconfigured before driving it in mode.
func (c *Context) needsMode(ch int, mode Mode) bool {
	return !c.known[ch] || c.modes[ch] != mode
}

// Vref returns the full-scale voltage.
func (c *Context) Vref() float64 { return c.vref }

// Mode returns the mode of ch. Invalid channels report ModeVoltage.
func (c *Context) Mode(ch int) Mode {
	if !validChannel(ch) {
		return ModeVoltage
	}
	return c.modes[ch]
}

// Code returns the last data register value latched on ch.
func (c *Context) Code(ch int) uint16 {
	if !validChannel(ch) {
		return 0
	}
	return c.codes[ch]
}

// ModeKnown reports whether the mode of ch matches a configuration written
// since the last reset.
func (c *Context) ModeKnown(ch int) bool {
	return validChannel(ch) && c.known[ch]
}

// Initialized reports whether the device completed initialization.
func (c *Context) Initialized() bool { return c.initialized }

// ChannelStatus describes one output.
type ChannelStatus struct {
	Channel int     `json:"channel"`
	Mode    string  `json:"mode"`
	Code    uint16  `json:"code"`
	Output  float64 `json:"output"`
	Unit    string  `json:"unit"`
}

// Status is a snapshot of the context.
type Status struct {
	Vref         float64         `json:"vref"`
	Initialized  bool            `json:"initialized"`
	CommonConfig uint16          `json:"common_config"`
	Channels     []ChannelStatus `json:"channels"`
}

// Snapshot returns the current state with each code converted back to volts
// or microamps.
func (c *Context) Snapshot() Status {
	s := Status{
		Vref:         c.vref,
		Initialized:  c.initialized,
		CommonConfig: c.common,
		Channels:     make([]ChannelStatus, NumChannels),
	}
	for ch := 0; ch < NumChannels; ch++ {
		cs := ChannelStatus{Channel: ch, Mode: c.modes[ch].String(), Code: c.codes[ch]}
		if !c.known[ch] {
			cs.Mode = "unknown"
		} else if c.modes[ch] == ModeCurrent {
			cs.Output = CodeToCurrent(c.codes[ch])
			cs.Unit = "uA"
		} else {
			cs.Output = CodeToVoltage(c.codes[ch], c.vref)
			cs.Unit = "V"
		}
		s.Channels[ch] = cs
	}
	return s
}
