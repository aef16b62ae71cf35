// Package spitest provides in-memory SPI transports and ports for tests.
package spitest

import (
	"context"
	"fmt"
	"sync"

	"dacctl/pkg/spi"
)

// ErrInjected is returned by Recorder when a failure is injected.
var ErrInjected = fmt.Errorf("spitest: injected transfer failure")

// Recorder is a spi.Transport that records every frame and emulates a
// register device with 7-bit addresses and 16-bit values. A frame whose first
// byte has bit 7 set is a read; its value is shifted out during the next frame.
type Recorder struct {
	mu sync.Mutex

	frames  [][]byte
	regs    map[uint8]uint16
	pending []byte
	closed  bool

	// FailAt makes the n-th Transfer (1-based) fail with ErrInjected.
	FailAt int

	// FailWhen, if set, is consulted for each frame; a non-nil result fails
	// the transfer without recording the frame.
	FailWhen func(n int, tx []byte) error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{regs: make(map[uint8]uint16)}
}

// Transfer implements spi.Transport.
func (r *Recorder) Transfer(ctx context.Context, tx, rx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(tx) == 0 {
		return fmt.Errorf("spitest: empty frame")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("spitest: transport closed")
	}
	n := len(r.frames) + 1
	if r.FailAt == n {
		r.FailAt = 0
		return ErrInjected
	}
	if r.FailWhen != nil {
		if err := r.FailWhen(n, tx); err != nil {
			return err
		}
	}
	r.frames = append(r.frames, append([]byte(nil), tx...))

	if rx != nil {
		for i := range rx {
			rx[i] = 0
		}
		copy(rx, r.pending)
	}
	r.pending = nil
	if len(tx) == 3 {
		addr := tx[0] & 0x7F
		if tx[0]&0x80 != 0 {
			v := r.regs[addr]
			r.pending = []byte{0, byte(v >> 8), byte(v)}
		} else {
			r.regs[addr] = uint16(tx[1])<<8 | uint16(tx[2])
		}
	}
	return nil
}

// Close implements spi.Transport.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Frames returns a copy of every recorded frame in order.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	for i, f := range r.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Write is one decoded register write.
type Write struct {
	Addr  uint8
	Value uint16
}

func (w Write) String() string {
	return fmt.Sprintf("0x%02x<-0x%04x", w.Addr, w.Value)
}

// Writes decodes the recorded 3-byte write frames.
func (r *Recorder) Writes() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Write
	for _, f := range r.frames {
		if len(f) != 3 || f[0]&0x80 != 0 {
			continue
		}
		out = append(out, Write{Addr: f[0], Value: uint16(f[1])<<8 | uint16(f[2])})
	}
	return out
}

// Register returns the emulated register value.
func (r *Recorder) Register(addr uint8) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[addr]
}

// SetRegister presets an emulated register value.
func (r *Recorder) SetRegister(addr uint8, v uint16) {
	r.mu.Lock()
	r.regs[addr] = v
	r.mu.Unlock()
}

// Reset forgets recorded frames but keeps the register file.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}

// Event is one call observed by Port.
type Event struct {
	Kind string // "select", "deselect", "shift", "configure", "reset"
	Byte byte
}

// Port is a spi.Port that records chip-select edges and shifted bytes and
// echoes each byte back inverted.
type Port struct {
	mu     sync.Mutex
	events []Event

	// Ports overrides the default pin map (ports 1 and 2 for every role).
	Ports spi.PinMap

	// ConfigureErr is returned by Configure when set.
	ConfigureErr error

	// DeselectErr is returned when chip-select is released.
	DeselectErr error

	// ShiftErr fails the shift of the n-th byte (1-based) when FailShift > 0.
	FailShift int
	shifts    int

	// Block makes ShiftByte wait for context cancellation.
	Block bool
}

func (p *Port) PinMap() spi.PinMap {
	if p.Ports != nil {
		return p.Ports
	}
	both := []uint8{1, 2}
	return spi.PinMap{spi.RoleCS: both, spi.RoleSCLK: both, spi.RoleMOSI: both, spi.RoleMISO: both}
}

func (p *Port) Configure(ctx context.Context, pins spi.PinConfig, cfg spi.BusConfig) error {
	p.record(Event{Kind: "configure"})
	return p.ConfigureErr
}

func (p *Port) SetSelect(ctx context.Context, active bool) error {
	if active {
		p.record(Event{Kind: "select"})
		return nil
	}
	p.record(Event{Kind: "deselect"})
	return p.DeselectErr
}

func (p *Port) ShiftByte(ctx context.Context, b byte) (byte, error) {
	p.mu.Lock()
	p.shifts++
	n := p.shifts
	block := p.Block
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if p.FailShift == n {
		return 0, fmt.Errorf("spitest: shift %d failed", n)
	}
	p.record(Event{Kind: "shift", Byte: b})
	return ^b, nil
}

func (p *Port) Reset(ctx context.Context) error {
	p.record(Event{Kind: "reset"})
	return nil
}

func (p *Port) record(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns the recorded calls in order.
func (p *Port) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Count returns how many events of kind were recorded.
func (p *Port) Count(kind string) int {
	n := 0
	for _, e := range p.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
