package config

import (
	"strings"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
	"dacctl/pkg/spi"
)

// Transport names accepted by [spi] transport.
const (
	TransportBridge  = "bridge"
	TransportSpidev  = "spidev"
	TransportMCP2210 = "mcp2210"
)

// SPISettings is the [spi] section.
type SPISettings struct {
	Transport string

	// Device is the bridge endpoint ("unix:PATH", "tcp:HOST:PORT" or a
	// serial device) or the spidev node.
	Device string
	Baud   int

	// MCP2210Index selects among attached MCP2210 adapters; MCP2210CS is
	// the GP line wired to chip select.
	MCP2210Index int
	MCP2210CS    uint8

	Bus  spi.BusConfig
	Pins spi.PinConfig
}

// DACSettings is the [dac63004w] section.
type DACSettings struct {
	Vref        float64
	DefaultMode dac63004w.Mode
	Driver      dac63004w.Config
}

// Board is a fully parsed board file.
type Board struct {
	SPI            SPISettings
	DAC            DACSettings
	RPCAddress     string
	MetricsAddress string
}

// LoadBoard reads and validates a board file. Every failure is a CONFIG
// error.
func LoadBoard(path string) (*Board, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfig, "load board file").SetOp("load_board")
	}
	return ParseBoard(cfg)
}

// ParseBoard extracts the board settings from a parsed config.
func ParseBoard(cfg *Config) (*Board, error) {
	b := &Board{}
	steps := []func(*Config) error{b.parseSPI, b.parseDAC, b.parseServices}
	for _, step := range steps {
		if err := step(cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrConfig, "invalid board file").SetOp("load_board")
		}
	}
	if err := cfg.CheckUnused(); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfig, "invalid board file").SetOp("load_board")
	}
	return b, nil
}

func (b *Board) parseSPI(cfg *Config) error {
	sec, err := cfg.GetSection("spi")
	if err != nil {
		return err
	}
	s := &b.SPI
	if s.Transport, err = sec.GetChoice("transport",
		[]string{TransportBridge, TransportSpidev, TransportMCP2210}, TransportBridge); err != nil {
		return err
	}
	switch s.Transport {
	case TransportBridge:
		if s.Device, err = sec.Get("device"); err != nil {
			return err
		}
		if s.Baud, err = sec.GetIntWithBounds("baud", 9600, 230400, 115200); err != nil {
			return err
		}
	case TransportSpidev:
		if s.Device, err = sec.Get("device", "/dev/spidev0.0"); err != nil {
			return err
		}
	case TransportMCP2210:
		if s.MCP2210Index, err = sec.GetIntWithBounds("mcp2210_index", 0, 15, 0); err != nil {
			return err
		}
		cs, err := sec.GetIntWithBounds("mcp2210_cs", 0, 8, 0)
		if err != nil {
			return err
		}
		s.MCP2210CS = uint8(cs)
	}

	s.Bus = spi.DefaultBusConfig()
	mode, err := sec.GetIntWithBounds("mode", 0, 3, int(s.Bus.Mode))
	if err != nil {
		return err
	}
	s.Bus.Mode = spi.Mode(mode)
	order, err := sec.GetChoice("bit_order", []string{"msb", "lsb"}, "msb")
	if err != nil {
		return err
	}
	if s.Bus.BitOrder, err = spi.ParseBitOrder(order); err != nil {
		return WrapError("spi", "bit_order", err)
	}
	div, err := sec.GetIntWithBounds("clock_divider", 1, 0xFFFF, int(s.Bus.ClockDivider))
	if err != nil {
		return err
	}
	s.Bus.ClockDivider = uint16(div)
	speed, err := sec.GetIntWithBounds("speed", 1000, 50000000, int(s.Bus.SpeedHz))
	if err != nil {
		return err
	}
	s.Bus.SpeedHz = uint32(speed)
	if s.Bus.Timeout, err = sec.GetDuration("timeout", s.Bus.Timeout); err != nil {
		return err
	}

	pins := []struct {
		option string
		dst    *spi.Pin
		def    spi.Pin
	}{
		{"cs_pin", &s.Pins.CS, spi.Pin{Port: 1, Pin: 7}},
		{"sclk_pin", &s.Pins.SCLK, spi.Pin{Port: 1, Pin: 6}},
		{"mosi_pin", &s.Pins.MOSI, spi.Pin{Port: 1, Pin: 4}},
		{"miso_pin", &s.Pins.MISO, spi.Pin{Port: 1, Pin: 5}},
	}
	for _, p := range pins {
		if *p.dst, err = sec.GetPin(p.option, p.def); err != nil {
			return err
		}
	}
	return nil
}

func (b *Board) parseDAC(cfg *Config) error {
	sec := cfg.GetSectionOptional("dac63004w")
	d := &b.DAC
	var err error
	if d.Vref, err = sec.GetFloatWithBounds("vref", FloatBounds{Above: Float(0), MaxVal: Float(5.5)}, 3.3); err != nil {
		return err
	}
	mode, err := sec.GetChoice("default_mode", []string{"voltage", "current"}, "voltage")
	if err != nil {
		return err
	}
	if d.DefaultMode, err = dac63004w.ParseMode(mode); err != nil {
		return WrapError("dac63004w", "default_mode", err)
	}

	d.Driver = dac63004w.DefaultConfig()
	if d.Driver.InitGain, err = getGain(sec, "init_gain", d.Driver.InitGain); err != nil {
		return err
	}
	if d.Driver.SwitchGain, err = getGain(sec, "switch_gain", d.Driver.SwitchGain); err != nil {
		return err
	}
	if d.Driver.CommonConfig, err = sec.GetWord("common_config", d.Driver.CommonConfig); err != nil {
		return err
	}
	if d.Driver.ResetSettle, err = sec.GetDuration("reset_settle", d.Driver.ResetSettle); err != nil {
		return err
	}
	if d.Driver.Verify, err = sec.GetBool("verify_writes", false); err != nil {
		return err
	}
	return nil
}

func getGain(sec *Section, option string, def dac63004w.Gain) (dac63004w.Gain, error) {
	name, err := sec.GetChoice(option, dac63004w.GainNames(), def.String())
	if err != nil {
		return 0, err
	}
	g, _ := dac63004w.ParseGain(strings.ToLower(name))
	return g, nil
}

func (b *Board) parseServices(cfg *Config) error {
	var err error
	if b.RPCAddress, err = cfg.GetSectionOptional("rpc").Get("address", "127.0.0.1:7125"); err != nil {
		return err
	}
	if b.MetricsAddress, err = cfg.GetSectionOptional("metrics").Get("address", ""); err != nil {
		return err
	}
	return nil
}
