package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/protocol"
	"dacctl/pkg/serial"
	"dacctl/pkg/spi"
)

func startSim(t *testing.T) (*dacModel, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dac := newDACModel()
	logger := log.GetLogger("mock-dac-test")
	logger.SetLevel(log.ERROR)
	done := make(chan error, 1)
	go func() { done <- acceptLoop(ln, dac, 3.3, logger) }()
	t.Cleanup(func() {
		ln.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("acceptLoop: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("acceptLoop did not return")
		}
	})
	return dac, path
}

func openDriver(t *testing.T, path string) *dac63004w.Driver {
	t.Helper()
	port, err := serial.OpenSocket(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	link := spi.NewLink(spi.NewBridge(port))
	bus := spi.DefaultBusConfig()
	pins := spi.PinConfig{
		CS:   spi.Pin{Port: 1, Pin: 7},
		SCLK: spi.Pin{Port: 1, Pin: 6},
		MOSI: spi.Pin{Port: 1, Pin: 4},
		MISO: spi.Pin{Port: 1, Pin: 5},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Initialize(ctx, pins, &bus); err != nil {
		link.Close()
		t.Fatalf("link Initialize: %v", err)
	}
	dc, err := dac63004w.NewContext(3.3, dac63004w.ModeVoltage)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	drv, err := dac63004w.New(link, dc, dac63004w.DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv
}

func TestDriverAgainstSimulator(t *testing.T) {
	dac, path := startSim(t)
	drv := openDriver(t, path)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := drv.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := dac.register(dac63004w.RegCommonConfig); got != dac63004w.DefaultCommonConfig {
		t.Errorf("COMMON-CONFIG = 0x%04x, want 0x%04x", got, dac63004w.DefaultCommonConfig)
	}
	if n := dac.resetCount(); n != 1 {
		t.Errorf("resets = %d, want 1", n)
	}

	if err := drv.WriteVoltage(ctx, 0, 1.65); err != nil {
		t.Fatalf("WriteVoltage: %v", err)
	}
	if got := dac.output(0); got != 0x8000 {
		t.Errorf("ch0 output = 0x%04x, want 0x8000", got)
	}

	if err := drv.WriteCurrent(ctx, 1, 125); err != nil {
		t.Fatalf("WriteCurrent: %v", err)
	}
	if got := dac.register(dac63004w.RegCommonConfig); got != 0x1389 {
		t.Errorf("COMMON-CONFIG after current switch = 0x%04x, want 0x1389", got)
	}
	if got := dac.output(1); got != 0xBFF0 {
		t.Errorf("ch1 output = 0x%04x, want 0xBFF0", got)
	}

	got, err := drv.ReadRegister(ctx, dac63004w.IoutConfigRegister(1))
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if got != dac63004w.IoutRange250uA {
		t.Errorf("IOUT-CONFIG read back 0x%04x, want 0x%04x", got, dac63004w.IoutRange250uA)
	}
}

func TestDriverVerifyAgainstSimulator(t *testing.T) {
	_, path := startSim(t)
	port, err := serial.OpenSocket(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	link := spi.NewLink(spi.NewBridge(port))
	defer link.Close()
	bus := spi.DefaultBusConfig()
	pins := spi.PinConfig{
		CS:   spi.Pin{Port: 2, Pin: 1},
		SCLK: spi.Pin{Port: 1, Pin: 6},
		MOSI: spi.Pin{Port: 1, Pin: 4},
		MISO: spi.Pin{Port: 1, Pin: 5},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := link.Initialize(ctx, pins, &bus); err != nil {
		t.Fatalf("link Initialize: %v", err)
	}
	dc, _ := dac63004w.NewContext(3.3, dac63004w.ModeVoltage)
	cfg := dac63004w.DefaultConfig()
	cfg.Verify = true
	drv, err := dac63004w.New(link, dc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := drv.Initialize(ctx); err != nil {
		t.Fatalf("Initialize with verify: %v", err)
	}
	if err := drv.WriteVoltage(ctx, 3, 0.5); err != nil {
		t.Fatalf("WriteVoltage with verify: %v", err)
	}
}

func TestSessionRejectsUnconfiguredBus(t *testing.T) {
	logger := log.GetLogger("mock-dac-test")
	s := &session{dac: newDACModel(), logger: logger}

	status, _ := s.handle(protocol.Command{ID: protocol.CmdSelect, Args: []int32{1}})
	if status != protocol.StatusNotReady {
		t.Errorf("select before config: status %d, want %d", status, protocol.StatusNotReady)
	}

	cfg := protocol.Command{ID: protocol.CmdConfig, Args: []int32{1, 0, 8, 1, 7, 1, 6, 1, 4, 1, 5}}
	if status, _ := s.handle(cfg); status != protocol.StatusOK {
		t.Fatalf("config: status %d", status)
	}
	status, _ = s.handle(protocol.Command{ID: protocol.CmdShift, Args: []int32{0x20}})
	if status != protocol.StatusNotReady {
		t.Errorf("shift while deselected: status %d, want %d", status, protocol.StatusNotReady)
	}

	bad := protocol.Command{ID: protocol.CmdConfig, Args: []int32{4, 0, 8, 1, 7, 1, 6, 1, 4, 1, 5}}
	if status, _ := s.handle(bad); status != protocol.StatusBadArg {
		t.Errorf("mode 4: status %d, want %d", status, protocol.StatusBadArg)
	}

	s.handle(protocol.Command{ID: protocol.CmdReset, Args: []int32{}})
	if s.configured {
		t.Errorf("still configured after reset")
	}
}

func TestFrameLatchAndReset(t *testing.T) {
	m := newDACModel()
	m.frame([]byte{dac63004w.DataRegister(2), 0x12, 0x30})
	if got := m.output(2); got != 0 {
		t.Fatalf("output before LDAC = 0x%04x", got)
	}
	m.frame([]byte{dac63004w.RegCommonTrigger, 0x00, byte(dac63004w.TriggerLDAC)})
	if got := m.output(2); got != 0x1230 {
		t.Errorf("output after LDAC = 0x%04x, want 0x1230", got)
	}
	m.frame([]byte{dac63004w.RegCommonTrigger, 0x0A, 0x00})
	if got := m.register(dac63004w.RegCommonConfig); got != dac63004w.PowerOnCommonConfig {
		t.Errorf("COMMON-CONFIG after reset = 0x%04x", got)
	}
	if got := m.output(2); got != 0 {
		t.Errorf("output after reset = 0x%04x", got)
	}
}

func TestClosedLinkRejectsTransfer(t *testing.T) {
	_, path := startSim(t)
	port, err := serial.OpenSocket(path, time.Second)
	if err != nil {
		t.Fatalf("OpenSocket: %v", err)
	}
	link := spi.NewLink(spi.NewBridge(port))
	bus := spi.DefaultBusConfig()
	bus.Timeout = 200 * time.Millisecond
	pins := spi.PinConfig{
		CS:   spi.Pin{Port: 1, Pin: 7},
		SCLK: spi.Pin{Port: 1, Pin: 6},
		MOSI: spi.Pin{Port: 1, Pin: 4},
		MISO: spi.Pin{Port: 1, Pin: 5},
	}
	ctx := context.Background()
	if err := link.Initialize(ctx, pins, &bus); err != nil {
		t.Fatalf("link Initialize: %v", err)
	}
	link.Close()
	err = link.Transfer(ctx, []byte{0x19, 0, 0}, nil)
	if err == nil {
		t.Fatalf("Transfer on closed link succeeded")
	}
	if !errors.Is(err, errors.ErrInit) {
		t.Errorf("Transfer error = %v, want INIT", err)
	}
}
