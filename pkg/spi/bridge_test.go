package spi

import (
	"context"
	"sync"
	"testing"
	"time"

	"dacctl/pkg/errors"
	"dacctl/pkg/protocol"
)

// fakeStream plays the bridge firmware: every block written is decoded and
// answered with an ack.
type fakeStream struct {
	mu       sync.Mutex
	rx       []byte
	got      []protocol.Command
	status   int32
	stale    bool
	selected bool
}

func (f *fakeStream) Write(b []byte) (int, error) {
	seq, payload, err := protocol.DecodeMsgblock(b)
	if err != nil {
		return 0, err
	}
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, cmd)
	var value int32
	switch cmd.ID {
	case protocol.CmdSelect:
		f.selected = cmd.Args[0] == 1
	case protocol.CmdShift:
		value = ^cmd.Args[0] & 0xFF
	}
	if f.stale {
		f.stale = false
		old, _ := protocol.Ack(cmd.ID, protocol.StatusOK, 0).Encode()
		blk, _ := protocol.EncodeMsgblock(seq+5, old)
		f.rx = append(f.rx, blk...)
	}
	ack, _ := protocol.Ack(cmd.ID, f.status, value).Encode()
	blk, _ := protocol.EncodeMsgblock(seq, ack)
	f.rx = append(f.rx, blk...)
	return len(b), nil
}

func (f *fakeStream) ReadContext(ctx context.Context, b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rx) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return 0, ctx.Err()
	}
	n := copy(b, f.rx)
	f.rx = f.rx[n:]
	return n, nil
}

func (f *fakeStream) Close() error { return nil }

func TestBridgeLinkTransfer(t *testing.T) {
	fs := &fakeStream{}
	link := NewLink(NewBridge(fs))
	cfg := DefaultBusConfig()
	pins := PinConfig{
		CS:   Pin{1, 7},
		SCLK: Pin{1, 6},
		MOSI: Pin{1, 4},
		MISO: Pin{1, 5},
	}
	ctx := context.Background()
	if err := link.Initialize(ctx, pins, &cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	rx := make([]byte, 3)
	if err := link.Transfer(ctx, []byte{0x20, 0x00, 0x80}, rx); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if rx[0] != 0xDF || rx[1] != 0xFF || rx[2] != 0x7F {
		t.Errorf("rx = % x", rx)
	}

	var ids []byte
	for _, c := range fs.got {
		ids = append(ids, c.ID)
	}
	want := []byte{protocol.CmdConfig, protocol.CmdSelect, protocol.CmdShift, protocol.CmdShift, protocol.CmdShift, protocol.CmdSelect}
	if string(ids) != string(want) {
		t.Errorf("command ids = %v, want %v", ids, want)
	}
	cfgArgs := fs.got[0].Args
	if cfgArgs[0] != 1 || cfgArgs[2] != 8 || cfgArgs[3] != 1 || cfgArgs[4] != 7 {
		t.Errorf("config args = %v", cfgArgs)
	}
	if fs.selected {
		t.Error("chip-select left asserted")
	}
}

func TestBridgeRejectsMISOOnPort2(t *testing.T) {
	link := NewLink(NewBridge(&fakeStream{}))
	cfg := DefaultBusConfig()
	pins := PinConfig{CS: Pin{2, 0}, SCLK: Pin{1, 6}, MOSI: Pin{1, 4}, MISO: Pin{2, 5}}
	if err := link.Initialize(context.Background(), pins, &cfg); !errors.Is(err, errors.ErrParam) {
		t.Fatalf("got %v, want PARAM", err)
	}
}

func TestBridgeStatusError(t *testing.T) {
	fs := &fakeStream{status: protocol.StatusBusError}
	b := NewBridge(fs)
	if _, err := b.ShiftByte(context.Background(), 0x01); !errors.Is(err, errors.ErrProtocol) {
		t.Fatalf("got %v, want PROTOCOL", err)
	}
}

func TestBridgeSkipsStaleAck(t *testing.T) {
	fs := &fakeStream{stale: true}
	b := NewBridge(fs)
	v, err := b.ShiftByte(context.Background(), 0x0F)
	if err != nil {
		t.Fatalf("ShiftByte: %v", err)
	}
	if v != 0xF0 {
		t.Errorf("value = %#x, want 0xf0", v)
	}
}

func TestBridgeTimeout(t *testing.T) {
	b := NewBridge(&silentStream{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.SetSelect(ctx, true); err == nil {
		t.Fatal("expected timeout")
	}
}

type silentStream struct{}

func (silentStream) Write(b []byte) (int, error) { return len(b), nil }
func (silentStream) ReadContext(ctx context.Context, b []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
func (silentStream) Close() error { return nil }
