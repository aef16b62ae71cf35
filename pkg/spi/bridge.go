package spi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/protocol"
)

// Stream is the byte stream to a bridge MCU. *serial.Port satisfies it.
type Stream interface {
	Write(b []byte) (int, error)
	ReadContext(ctx context.Context, b []byte) (int, error)
	Close() error
}

// DefaultBridgeTimeout bounds a bridge round trip when the caller's context
// has no deadline.
const DefaultBridgeTimeout = time.Second

// Bridge is a Port implemented by a small MCU that owns the SPI peripheral
// and executes spi_config/spi_select/spi_shift commands sent over a serial
// link. Every command is acknowledged before the next one is sent.
type Bridge struct {
	mu     sync.Mutex
	stream Stream
	seq    int
	reader protocol.Reader
	logger *log.Logger
}

// NewBridge wraps an open stream.
func NewBridge(s Stream) *Bridge {
	return &Bridge{stream: s, logger: log.GetLogger("bridge")}
}

// PinMap implements Port. The bridge routes chip-select to ports 1 or 2 and
// the data and clock lines to its port 1 peripheral.
func (b *Bridge) PinMap() PinMap {
	return PinMap{
		RoleCS:   {1, 2},
		RoleSCLK: {1},
		RoleMOSI: {1},
		RoleMISO: {1},
	}
}

// Configure implements Port.
func (b *Bridge) Configure(ctx context.Context, pins PinConfig, cfg BusConfig) error {
	args := []int32{int32(cfg.Mode), int32(cfg.BitOrder), int32(cfg.ClockDivider)}
	for _, p := range []Pin{pins.CS, pins.SCLK, pins.MOSI, pins.MISO} {
		args = append(args, int32(p.Port), int32(p.Pin))
	}
	_, err := b.call(ctx, protocol.Command{ID: protocol.CmdConfig, Args: args})
	return err
}

// SetSelect implements Port.
func (b *Bridge) SetSelect(ctx context.Context, active bool) error {
	v := int32(0)
	if active {
		v = 1
	}
	_, err := b.call(ctx, protocol.Command{ID: protocol.CmdSelect, Args: []int32{v}})
	return err
}

// ShiftByte implements Port.
func (b *Bridge) ShiftByte(ctx context.Context, out byte) (byte, error) {
	v, err := b.call(ctx, protocol.Command{ID: protocol.CmdShift, Args: []int32{int32(out)}})
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// Reset implements Port.
func (b *Bridge) Reset(ctx context.Context) error {
	_, err := b.call(ctx, protocol.Command{ID: protocol.CmdReset, Args: []int32{}})
	return err
}

// Close closes the stream.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream.Close()
}

// call sends cmd and waits for its acknowledgement.
func (b *Bridge) call(ctx context.Context, cmd protocol.Command) (int32, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultBridgeTimeout)
		defer cancel()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	payload, err := cmd.Encode()
	if err != nil {
		return 0, err
	}
	seq := b.seq
	b.seq = (b.seq + 1) & protocol.MESSAGE_SEQ_MASK
	block, err := protocol.EncodeMsgblock(seq, payload)
	if err != nil {
		return 0, err
	}
	if _, err := b.stream.Write(block); err != nil {
		return 0, fmt.Errorf("bridge write: %w", err)
	}

	for {
		ack, ackSeq, err := b.readCommand(ctx)
		if err != nil {
			return 0, err
		}
		if ack.ID != protocol.CmdAck || ackSeq != seq || byte(ack.Args[0]) != cmd.ID {
			b.logger.WithFields(log.Fields{"got": ack.String(), "seq": ackSeq, "want_seq": seq}).Warn("dropping unexpected bridge message")
			continue
		}
		if status := ack.Args[1]; status != protocol.StatusOK {
			return 0, errors.ProtocolError("bridge rejected %s with status %d", cmd, status)
		}
		return ack.Args[2], nil
	}
}

func (b *Bridge) readCommand(ctx context.Context) (protocol.Command, int, error) {
	buf := make([]byte, 128)
	for {
		if block := b.reader.Next(); block != nil {
			seq, payload, err := protocol.DecodeMsgblock(block)
			if err != nil {
				return protocol.Command{}, 0, err
			}
			cmd, err := protocol.DecodeCommand(payload)
			if err != nil {
				b.logger.WithError(err).Warn("undecodable bridge message")
				continue
			}
			return cmd, seq, nil
		}
		n, err := b.stream.ReadContext(ctx, buf)
		if err != nil {
			return protocol.Command{}, 0, fmt.Errorf("bridge read: %w", err)
		}
		b.reader.Feed(buf[:n])
	}
}
