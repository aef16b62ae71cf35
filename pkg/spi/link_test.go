package spi_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/spi"
	"dacctl/pkg/spi/spitest"
)

var testPins = spi.PinConfig{
	CS:   spi.Pin{Port: 1, Pin: 7},
	SCLK: spi.Pin{Port: 1, Pin: 6},
	MOSI: spi.Pin{Port: 1, Pin: 4},
	MISO: spi.Pin{Port: 1, Pin: 5},
}

func newLink(t *testing.T, port *spitest.Port) *spi.Link {
	t.Helper()
	link := spi.NewLink(port)
	cfg := spi.DefaultBusConfig()
	if err := link.Initialize(context.Background(), testPins, &cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return link
}

func TestLinkInitializeRejectsBadConfig(t *testing.T) {
	port := &spitest.Port{}
	link := spi.NewLink(port)
	ctx := context.Background()

	if err := link.Initialize(ctx, testPins, nil); !errors.Is(err, errors.ErrParam) {
		t.Errorf("nil config: got %v, want PARAM", err)
	}

	bad := spi.DefaultBusConfig()
	bad.Mode = 4
	if err := link.Initialize(ctx, testPins, &bad); !errors.Is(err, errors.ErrParam) {
		t.Errorf("mode 4: got %v, want PARAM", err)
	}

	bad = spi.DefaultBusConfig()
	bad.ClockDivider = 0
	if err := link.Initialize(ctx, testPins, &bad); !errors.Is(err, errors.ErrParam) {
		t.Errorf("divider 0: got %v, want PARAM", err)
	}

	cfg := spi.DefaultBusConfig()
	pins := testPins
	pins.CS = spi.Pin{Port: 3, Pin: 0}
	if err := link.Initialize(ctx, pins, &cfg); !errors.Is(err, errors.ErrParam) {
		t.Errorf("unsupported port: got %v, want PARAM", err)
	}

	pins = testPins
	pins.MOSI = pins.SCLK
	if err := link.Initialize(ctx, pins, &cfg); !errors.Is(err, errors.ErrParam) {
		t.Errorf("shared pin: got %v, want PARAM", err)
	}

	if port.Count("configure") != 0 {
		t.Errorf("port configured despite invalid input")
	}
}

func TestLinkInitializeWithoutMISO(t *testing.T) {
	port := &spitest.Port{}
	link := spi.NewLink(port)
	cfg := spi.DefaultBusConfig()
	pins := testPins
	pins.MISO = spi.Pin{}
	if err := link.Initialize(context.Background(), pins, &cfg); err != nil {
		t.Fatalf("Initialize without MISO: %v", err)
	}
}

func TestLinkInitializePortFailure(t *testing.T) {
	port := &spitest.Port{ConfigureErr: context.DeadlineExceeded}
	link := spi.NewLink(port)
	cfg := spi.DefaultBusConfig()
	if err := link.Initialize(context.Background(), testPins, &cfg); !errors.Is(err, errors.ErrInit) {
		t.Fatalf("got %v, want INIT", err)
	}
}

func TestLinkTransferFramesOnce(t *testing.T) {
	for _, n := range []int{1, 3, 17} {
		port := &spitest.Port{}
		link := newLink(t, port)

		tx := make([]byte, n)
		for i := range tx {
			tx[i] = byte(i)
		}
		rx := make([]byte, n)
		if err := link.Transfer(context.Background(), tx, rx); err != nil {
			t.Fatalf("Transfer(%d bytes): %v", n, err)
		}
		if got := port.Count("select"); got != 1 {
			t.Errorf("%d bytes: %d selects, want 1", n, got)
		}
		if got := port.Count("deselect"); got != 1 {
			t.Errorf("%d bytes: %d deselects, want 1", n, got)
		}
		if got := port.Count("shift"); got != n {
			t.Errorf("%d bytes: %d shifts", n, got)
		}
		for i := range rx {
			if rx[i] != ^tx[i] {
				t.Errorf("rx[%d] = %#x, want %#x", i, rx[i], ^tx[i])
			}
		}
	}
}

func TestLinkTransferEventOrder(t *testing.T) {
	port := &spitest.Port{}
	link := newLink(t, port)

	if err := link.Transfer(context.Background(), []byte{0x20, 0x00, 0x80}, nil); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	want := []spitest.Event{
		{Kind: "configure"},
		{Kind: "select"},
		{Kind: "shift", Byte: 0x20},
		{Kind: "shift", Byte: 0x00},
		{Kind: "shift", Byte: 0x80},
		{Kind: "deselect"},
	}
	if diff := cmp.Diff(want, port.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestLinkTransferRejectsEmpty(t *testing.T) {
	port := &spitest.Port{}
	link := newLink(t, port)

	if err := link.Transfer(context.Background(), nil, nil); !errors.Is(err, errors.ErrParam) {
		t.Errorf("nil tx: got %v, want PARAM", err)
	}
	if err := link.Transfer(context.Background(), []byte{1, 2}, make([]byte, 1)); !errors.Is(err, errors.ErrParam) {
		t.Errorf("short rx: got %v, want PARAM", err)
	}
	if port.Count("select") != 0 {
		t.Errorf("select asserted for rejected frame")
	}
}

func TestLinkTransferFailureReleasesSelect(t *testing.T) {
	port := &spitest.Port{FailShift: 2}
	link := newLink(t, port)

	err := link.Transfer(context.Background(), []byte{1, 2, 3}, nil)
	if !errors.Is(err, errors.ErrComm) {
		t.Fatalf("got %v, want COMM", err)
	}
	if port.Count("select") != 1 || port.Count("deselect") != 1 {
		t.Errorf("select/deselect = %d/%d, want 1/1", port.Count("select"), port.Count("deselect"))
	}
}

func TestLinkTransferTimeout(t *testing.T) {
	port := &spitest.Port{Block: true}
	link := spi.NewLink(port)
	cfg := spi.DefaultBusConfig()
	cfg.Timeout = 5 * time.Millisecond
	if err := link.Initialize(context.Background(), testPins, &cfg); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := link.Transfer(context.Background(), []byte{0xAA}, nil)
	if !errors.Is(err, errors.ErrComm) {
		t.Fatalf("got %v, want COMM", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout not honoured")
	}
	if port.Count("deselect") != 1 {
		t.Errorf("select not released after timeout")
	}
}

func TestLinkDeinitializeLogsFailedDeselect(t *testing.T) {
	var buf bytes.Buffer
	root := log.New("dacctl")
	root.SetWriter(&buf)
	root.SetColorize(false)
	log.SetDefaultLogger(root)
	defer log.SetDefaultLogger(nil)

	port := &spitest.Port{DeselectErr: fmt.Errorf("pin stuck")}
	link := newLink(t, port)
	ctx := context.Background()

	if err := link.AssertSelect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := link.Deinitialize(ctx); err != nil {
		t.Fatalf("Deinitialize: %v", err)
	}
	if port.Count("reset") != 1 {
		t.Errorf("port not reset after failed deselect: %+v", port.Events())
	}
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "pin stuck") {
		t.Errorf("deselect failure not logged at WARN:\n%s", out)
	}
	if err := link.Transfer(ctx, []byte{1}, nil); !errors.Is(err, errors.ErrInit) {
		t.Errorf("transfer after deinit: got %v, want INIT", err)
	}
}

func TestLinkDeinitialize(t *testing.T) {
	port := &spitest.Port{}
	link := newLink(t, port)
	ctx := context.Background()

	if err := link.AssertSelect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := link.Deinitialize(ctx); err != nil {
		t.Fatalf("Deinitialize: %v", err)
	}
	if port.Count("reset") != 1 || port.Count("deselect") != 1 {
		t.Errorf("events = %+v", port.Events())
	}
	if err := link.Transfer(ctx, []byte{1}, nil); !errors.Is(err, errors.ErrInit) {
		t.Errorf("transfer after deinit: got %v, want INIT", err)
	}
	if err := link.DeassertSelect(ctx); !errors.Is(err, errors.ErrInit) {
		t.Errorf("deselect after deinit: got %v, want INIT", err)
	}
}
