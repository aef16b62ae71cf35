package errors

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestDeviceErrorMessage(t *testing.T) {
	err := CommError("write_register", io.ErrClosedPipe).SetOp("write_voltage").SetChannel(2).SetRegister(0x1B)
	msg := err.Error()
	for _, want := range []string{"[COMM:write_voltage]", "channel 2", "reg 0x1b", "io: read/write on closed pipe"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestNoChannelOmitted(t *testing.T) {
	err := ParamError("voltage %.2f out of range", 4.0)
	if strings.Contains(err.Error(), "channel") {
		t.Errorf("unexpected channel in %q", err.Error())
	}
	if err.Channel != NoChannel {
		t.Errorf("Channel = %d, want NoChannel", err.Channel)
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := ProtocolError("bad crc")
	outer := CommError("transfer", inner)
	wrapped := fmt.Errorf("initialize: %w", outer)

	if !Is(wrapped, ErrComm) {
		t.Error("expected COMM in chain")
	}
	if !Is(wrapped, ErrProtocol) {
		t.Error("expected PROTOCOL in chain")
	}
	if Is(wrapped, ErrParam) {
		t.Error("PARAM should not match")
	}
	if Is(io.EOF, ErrComm) || Is(nil, ErrComm) {
		t.Error("plain errors should not match")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", InitError("spi", io.EOF))); got != ErrInit {
		t.Errorf("CodeOf = %q, want INIT", got)
	}
	if got := CodeOf(io.EOF); got != "" {
		t.Errorf("CodeOf(plain) = %q", got)
	}
}
