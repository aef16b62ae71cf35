// Package spi provides the bus layer under the DAC driver: bus and pin
// configuration, the Transport interface the driver talks to, and the
// shift-register Link used with byte-level ports.
package spi

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dacctl/pkg/errors"
)

// Mode is the SPI clock mode, CPOL in bit 1 and CPHA in bit 0.
type Mode uint8

const (
	CPHA Mode = 0x1
	CPOL Mode = 0x2

	Mode0 = Mode(0)
	Mode1 = CPHA
	Mode2 = CPOL
	Mode3 = CPOL | CPHA
)

func (m Mode) String() string {
	return "mode" + strconv.Itoa(int(m))
}

// BitOrder selects which end of each byte is shifted first.
type BitOrder uint8

const (
	MSBFirst BitOrder = iota
	LSBFirst
)

func (o BitOrder) String() string {
	if o == LSBFirst {
		return "lsb"
	}
	return "msb"
}

// ParseBitOrder accepts "msb" or "lsb".
func ParseBitOrder(s string) (BitOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "msb", "":
		return MSBFirst, nil
	case "lsb":
		return LSBFirst, nil
	}
	return 0, fmt.Errorf("unknown bit order %q", s)
}

// BusConfig holds the electrical framing parameters of the bus.
type BusConfig struct {
	Mode     Mode
	BitOrder BitOrder

	// ClockDivider divides the source clock on byte-level ports.
	ClockDivider uint16

	// SpeedHz is used by transports that take a bit rate instead.
	SpeedHz uint32

	// Timeout bounds each byte on a Link and each frame elsewhere. Zero
	// leaves only the caller's context.
	Timeout time.Duration
}

// DefaultBusConfig matches the DAC63004W: mode 1, MSB first.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Mode:         Mode1,
		BitOrder:     MSBFirst,
		ClockDivider: 8,
		SpeedHz:      1000000,
		Timeout:      100 * time.Millisecond,
	}
}

// Validate checks the fields every transport needs.
func (c *BusConfig) Validate() error {
	if c == nil {
		return errors.ParamError("bus config is nil")
	}
	if c.Mode > Mode3 {
		return errors.ParamError("invalid SPI mode %d", c.Mode)
	}
	if c.BitOrder > LSBFirst {
		return errors.ParamError("invalid bit order %d", c.BitOrder)
	}
	if c.Timeout < 0 {
		return errors.ParamError("negative timeout %s", c.Timeout)
	}
	return nil
}

// Pin is a port/pin pair such as P1.7. The zero Pin means "not connected".
type Pin struct {
	Port uint8
	Pin  uint8
}

func (p Pin) String() string {
	if p.IsZero() {
		return "none"
	}
	return fmt.Sprintf("P%d.%d", p.Port, p.Pin)
}

// IsZero reports whether the pin is unassigned.
func (p Pin) IsZero() bool {
	return p.Port == 0
}

// ParsePin parses "P1.7" (case-insensitive) or "none".
func ParsePin(s string) (Pin, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "NONE" {
		return Pin{}, nil
	}
	if !strings.HasPrefix(s, "P") {
		return Pin{}, fmt.Errorf("pin %q: expected P<port>.<pin>", s)
	}
	parts := strings.SplitN(s[1:], ".", 2)
	if len(parts) != 2 {
		return Pin{}, fmt.Errorf("pin %q: expected P<port>.<pin>", s)
	}
	port, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || port == 0 {
		return Pin{}, fmt.Errorf("pin %q: invalid port", s)
	}
	pin, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || pin > 7 {
		return Pin{}, fmt.Errorf("pin %q: invalid pin number", s)
	}
	return Pin{Port: uint8(port), Pin: uint8(pin)}, nil
}

// PinRole is the function a pin serves on the bus.
type PinRole int

const (
	RoleCS PinRole = iota
	RoleSCLK
	RoleMOSI
	RoleMISO
)

var roleNames = [...]string{"cs", "sclk", "mosi", "miso"}

func (r PinRole) String() string {
	if r < RoleCS || r > RoleMISO {
		return "unknown"
	}
	return roleNames[r]
}

// PinConfig maps every bus role to a physical pin. MISO may be left zero for
// write-only wiring.
type PinConfig struct {
	CS   Pin
	SCLK Pin
	MOSI Pin
	MISO Pin
}

func (pc PinConfig) pin(r PinRole) Pin {
	switch r {
	case RoleCS:
		return pc.CS
	case RoleSCLK:
		return pc.SCLK
	case RoleMOSI:
		return pc.MOSI
	default:
		return pc.MISO
	}
}

// PinMap lists, per role, the ports a byte-level port can route that role to.
type PinMap map[PinRole][]uint8

// Check validates pc against the map. Every role except MISO is required.
func (m PinMap) Check(pc PinConfig) error {
	for r := RoleCS; r <= RoleMISO; r++ {
		p := pc.pin(r)
		if p.IsZero() {
			if r == RoleMISO {
				continue
			}
			return errors.ParamError("%s pin is not assigned", r)
		}
		if p.Pin > 7 {
			return errors.ParamError("%s pin %s: pin number out of range", r, p)
		}
		if !containsPort(m[r], p.Port) {
			return errors.ParamError("%s pin %s: port %d not supported", r, p, p.Port)
		}
	}
	seen := make(map[Pin]PinRole)
	for r := RoleCS; r <= RoleMISO; r++ {
		p := pc.pin(r)
		if p.IsZero() {
			continue
		}
		if prev, ok := seen[p]; ok {
			return errors.ParamError("%s pin %s already used by %s", r, p, prev)
		}
		seen[p] = r
	}
	return nil
}

func containsPort(ports []uint8, port uint8) bool {
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// Transport delivers one chip-select-bounded frame per Transfer call.
// rx may be nil for write-only frames; otherwise it must be at least len(tx).
type Transport interface {
	Transfer(ctx context.Context, tx, rx []byte) error
	Close() error
}

// Port is a byte-level shift register plus a chip-select line. Link turns a
// Port into a Transport.
type Port interface {
	PinMap() PinMap
	Configure(ctx context.Context, pins PinConfig, cfg BusConfig) error
	SetSelect(ctx context.Context, active bool) error
	ShiftByte(ctx context.Context, b byte) (byte, error)
	Reset(ctx context.Context) error
}

func checkFrame(tx, rx []byte) error {
	if len(tx) == 0 {
		return errors.ParamError("empty transmit buffer")
	}
	if rx != nil && len(rx) < len(tx) {
		return errors.ParamError("receive buffer shorter than transmit buffer (%d < %d)", len(rx), len(tx))
	}
	return nil
}

// ReverseBits flips the bit order of b. Used by transports that only shift
// MSB first when the bus is configured LSB first.
func ReverseBits(b byte) byte {
	b = b>>4 | b<<4
	b = (b&0xCC)>>2 | (b&0x33)<<2
	b = (b&0xAA)>>1 | (b&0x55)<<1
	return b
}
