package spi

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	usb "github.com/karalabe/hid"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
)

// Microchip MCP2210 USB-to-SPI bridge.
const (
	MCP2210VendorID  = 0x04D8
	MCP2210ProductID = 0x00DE

	mcp2210ReportSize = 64
	mcp2210MaxChunk   = 60

	mcp2210CmdCancel      = 0x11
	mcp2210CmdSetSettings = 0x40
	mcp2210CmdTransfer    = 0x42

	mcp2210StatusOK         = 0x00
	mcp2210StatusBusBusy    = 0xF7
	mcp2210StatusInProgress = 0xF8

	mcp2210EngineFinished = 0x10
	mcp2210EngineStarted  = 0x20
	mcp2210EngineData     = 0x30

	// A transfer gives up after this many polls without completing.
	mcp2210MaxPolls = 256
)

// hidDevice is the subset of *hid.Device the bridge uses.
type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2210 is a Transport over a Microchip MCP2210 USB-HID SPI bridge. The
// chip drives chip-select itself for the length of each transaction.
type MCP2210 struct {
	mu     sync.Mutex
	dev    hidDevice
	csLine uint8
	cfg    BusConfig
	logger *log.Logger
}

// MCP2210Devices lists attached bridges.
func MCP2210Devices() []usb.DeviceInfo {
	return usb.Enumerate(MCP2210VendorID, MCP2210ProductID)
}

// OpenMCP2210 opens the idx-th attached bridge and configures it for cfg,
// driving chip-select on general purpose line csLine (0..8).
func OpenMCP2210(idx int, csLine uint8, cfg *BusConfig) (*MCP2210, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if csLine > 8 {
		return nil, errors.ParamError("mcp2210 chip-select line %d out of range", csLine)
	}
	infos := MCP2210Devices()
	if idx < 0 || idx >= len(infos) {
		return nil, errors.InitError("mcp2210", fmt.Errorf("device index %d out of range (%d attached)", idx, len(infos)))
	}
	dev, err := infos[idx].Open()
	if err != nil {
		return nil, errors.InitError("mcp2210", err)
	}
	m, err := newMCP2210(dev, csLine, cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return m, nil
}

func newMCP2210(dev hidDevice, csLine uint8, cfg *BusConfig) (*MCP2210, error) {
	m := &MCP2210{
		dev:    dev,
		csLine: csLine,
		cfg:    *cfg,
		logger: log.GetLogger("mcp2210"),
	}
	if _, err := m.command(mcp2210CmdCancel, nil); err != nil {
		return nil, errors.InitError("mcp2210", err)
	}
	if err := m.applySettings(3); err != nil {
		return nil, errors.InitError("mcp2210", err)
	}
	return m, nil
}

// applySettings writes the volatile SPI transfer settings for an n-byte
// transaction.
func (m *MCP2210) applySettings(n int) error {
	speed := m.cfg.SpeedHz
	if speed == 0 {
		speed = 1000000
	}
	var p [mcp2210ReportSize]byte
	binary.LittleEndian.PutUint32(p[4:8], speed)
	// Chip-select lines idle high; the selected line drops during a transaction.
	binary.LittleEndian.PutUint16(p[8:10], 0x01FF)
	binary.LittleEndian.PutUint16(p[10:12], ^(uint16(1)<<m.csLine)&0x01FF)
	binary.LittleEndian.PutUint16(p[18:20], uint16(n))
	p[20] = byte(m.cfg.Mode)
	_, err := m.command(mcp2210CmdSetSettings, p[4:21])
	return err
}

// command sends one report and returns the response after checking the echo
// and status bytes.
func (m *MCP2210) command(cmd byte, payload []byte) ([]byte, error) {
	req := make([]byte, mcp2210ReportSize)
	req[0] = cmd
	copy(req[4:], payload)
	if _, err := m.dev.Write(req); err != nil {
		return nil, fmt.Errorf("write cmd 0x%02X: %w", cmd, err)
	}
	rsp := make([]byte, mcp2210ReportSize)
	n, err := m.dev.Read(rsp)
	if err != nil {
		return nil, fmt.Errorf("read cmd 0x%02X: %w", cmd, err)
	}
	if n < 4 {
		return nil, fmt.Errorf("read cmd 0x%02X: short response (%d bytes)", cmd, n)
	}
	if rsp[0] != cmd {
		return nil, fmt.Errorf("cmd 0x%02X: response echoed 0x%02X", cmd, rsp[0])
	}
	if rsp[1] != mcp2210StatusOK && cmd != mcp2210CmdTransfer {
		return nil, fmt.Errorf("cmd 0x%02X: status 0x%02X", cmd, rsp[1])
	}
	return rsp, nil
}

// Transfer implements Transport.
func (m *MCP2210) Transfer(ctx context.Context, tx, rx []byte) error {
	if err := checkFrame(tx, rx); err != nil {
		return err
	}
	if len(tx) > 0xFFFF {
		return errors.ParamError("mcp2210 frame too long (%d bytes)", len(tx))
	}
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return errors.New(errors.ErrInit, "mcp2210 closed")
	}

	out := make([]byte, len(tx))
	copy(out, tx)
	if m.cfg.BitOrder == LSBFirst {
		for i := range out {
			out[i] = ReverseBits(out[i])
		}
	}
	if err := m.applySettings(len(out)); err != nil {
		return errors.CommError("mcp2210 settings", err)
	}

	in, err := m.transact(ctx, out)
	if err != nil {
		m.command(mcp2210CmdCancel, nil)
		return errors.CommError("mcp2210 transfer", err)
	}
	if rx != nil {
		for i := range tx {
			b := in[i]
			if m.cfg.BitOrder == LSBFirst {
				b = ReverseBits(b)
			}
			rx[i] = b
		}
	}
	return nil
}

// transact streams out in chunks of up to 60 bytes and collects the bytes
// clocked in until the engine reports completion.
func (m *MCP2210) transact(ctx context.Context, out []byte) ([]byte, error) {
	in := make([]byte, 0, len(out))
	sent := 0
	for polls := 0; polls < mcp2210MaxPolls; polls++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := out[sent:]
		if len(chunk) > mcp2210MaxChunk {
			chunk = chunk[:mcp2210MaxChunk]
		}
		payload := make([]byte, len(chunk))
		copy(payload, chunk)
		rsp, err := m.transferReport(payload)
		if err != nil {
			return nil, err
		}
		switch rsp[1] {
		case mcp2210StatusOK:
			sent += len(chunk)
		case mcp2210StatusInProgress:
			continue
		case mcp2210StatusBusBusy:
			return nil, fmt.Errorf("spi bus owned by external master")
		default:
			return nil, fmt.Errorf("transfer status 0x%02X", rsp[1])
		}
		if n := int(rsp[2]); n > 0 {
			if 4+n > len(rsp) {
				return nil, fmt.Errorf("response claims %d bytes", n)
			}
			in = append(in, rsp[4:4+n]...)
		}
		if rsp[3] == mcp2210EngineFinished && len(in) >= len(out) {
			return in[:len(out)], nil
		}
	}
	return nil, fmt.Errorf("transfer did not complete after %d polls", mcp2210MaxPolls)
}

func (m *MCP2210) transferReport(chunk []byte) ([]byte, error) {
	req := make([]byte, mcp2210ReportSize)
	req[0] = mcp2210CmdTransfer
	req[1] = byte(len(chunk))
	copy(req[4:], chunk)
	if _, err := m.dev.Write(req); err != nil {
		return nil, err
	}
	rsp := make([]byte, mcp2210ReportSize)
	n, err := m.dev.Read(rsp)
	if err != nil {
		return nil, err
	}
	if n < 4 || rsp[0] != mcp2210CmdTransfer {
		return nil, fmt.Errorf("malformed transfer response")
	}
	return rsp, nil
}

// Close implements Transport.
func (m *MCP2210) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return nil
	}
	err := m.dev.Close()
	m.dev = nil
	return err
}
