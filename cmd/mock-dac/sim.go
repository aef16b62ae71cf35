package main

import (
	"fmt"
	"io"
	"sync"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/log"
	"dacctl/pkg/protocol"
)

// dacModel is the register file of a simulated DAC63004W.
type dacModel struct {
	mu      sync.Mutex
	regs    [0x80]uint16
	latched [dac63004w.NumChannels]uint16
	resets  int
}

func newDACModel() *dacModel {
	m := &dacModel{}
	m.reset()
	return m
}

func (m *dacModel) reset() {
	m.regs = [0x80]uint16{}
	m.regs[dac63004w.RegCommonConfig] = dac63004w.PowerOnCommonConfig
	m.latched = [dac63004w.NumChannels]uint16{}
}

// frame executes one complete 3-byte frame. Reads return the value to shift
// out during the next frame.
func (m *dacModel) frame(f []byte) (reply []byte, isRead bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := f[0] & 0x7F
	if f[0]&0x80 != 0 {
		v := m.regs[addr]
		return []byte{0, byte(v >> 8), byte(v)}, true
	}
	value := uint16(f[1])<<8 | uint16(f[2])
	switch addr {
	case dac63004w.RegCommonTrigger:
		if value&0x0F00 == dac63004w.ResetPattern {
			m.reset()
			m.resets++
			return nil, false
		}
		if value&dac63004w.TriggerLDAC != 0 {
			for ch := range m.latched {
				m.latched[ch] = m.regs[dac63004w.DataRegister(ch)]
			}
		}
		if value&dac63004w.TriggerCLR != 0 {
			m.latched = [dac63004w.NumChannels]uint16{}
		}
	case dac63004w.RegNOP:
	default:
		m.regs[addr] = value
	}
	return nil, false
}

func (m *dacModel) register(addr uint8) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[addr&0x7F]
}

func (m *dacModel) resetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *dacModel) output(ch int) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latched[ch]
}

// describe renders the latched outputs, using COMMON-CONFIG to tell voltage
// from current channels.
func (m *dacModel) describe(vref float64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	common := m.regs[dac63004w.RegCommonConfig]
	s := ""
	for ch, code := range m.latched {
		ioutOn := common&(1<<(9-3*uint(ch))) == 0
		if ioutOn {
			s += fmt.Sprintf(" ch%d=%.2fuA", ch, dac63004w.CodeToCurrent(code))
		} else {
			s += fmt.Sprintf(" ch%d=%.4fV", ch, dac63004w.CodeToVoltage(code, vref))
		}
	}
	return s
}

// session is the bridge MCU side of one host connection.
type session struct {
	dac    *dacModel
	logger *log.Logger
	vref   float64

	configured bool
	selected   bool
	in         []byte
	out        []byte
	pending    []byte
}

func (s *session) handle(cmd protocol.Command) (status, value int32) {
	switch cmd.ID {
	case protocol.CmdConfig:
		mode, order, divider := cmd.Args[0], cmd.Args[1], cmd.Args[2]
		if mode < 0 || mode > 3 || order < 0 || order > 1 || divider <= 0 {
			return protocol.StatusBadArg, 0
		}
		s.configured = true
		s.logger.WithFields(log.Fields{"mode": mode, "order": order, "divider": divider}).Info("bus configured")
	case protocol.CmdSelect:
		if !s.configured {
			return protocol.StatusNotReady, 0
		}
		if cmd.Args[0] != 0 {
			s.selected = true
			s.in = s.in[:0]
			s.out, s.pending = s.pending, nil
			return protocol.StatusOK, 0
		}
		if s.selected {
			s.endFrame()
		}
		s.selected = false
	case protocol.CmdShift:
		if !s.selected {
			return protocol.StatusNotReady, 0
		}
		if cmd.Args[0] < 0 || cmd.Args[0] > 0xFF {
			return protocol.StatusBadArg, 0
		}
		var reply byte
		if i := len(s.in); i < len(s.out) {
			reply = s.out[i]
		}
		s.in = append(s.in, byte(cmd.Args[0]))
		return protocol.StatusOK, int32(reply)
	case protocol.CmdReset:
		s.configured = false
		s.selected = false
		s.pending = nil
	default:
		return protocol.StatusBadArg, 0
	}
	return protocol.StatusOK, 0
}

func (s *session) endFrame() {
	if len(s.in) != 3 {
		s.logger.WithField("bytes", len(s.in)).Warn("ignoring frame of unexpected length")
		return
	}
	reply, isRead := s.dac.frame(s.in)
	if isRead {
		s.pending = reply
	}
	s.logger.WithFields(log.Fields{"frame": fmt.Sprintf("% x", s.in)}).Debug("frame")
	if s.in[0] == dac63004w.RegCommonTrigger && s.logger.Enabled(log.INFO) {
		s.logger.Info("outputs:" + s.dac.describe(s.vref))
	}
}

// serve answers bridge blocks on rw until it fails or reaches EOF.
func (s *session) serve(rw io.ReadWriter) error {
	var reader protocol.Reader
	buf := make([]byte, 256)
	for {
		for block := reader.Next(); block != nil; block = reader.Next() {
			seq, payload, err := protocol.DecodeMsgblock(block)
			if err != nil {
				continue
			}
			cmd, err := protocol.DecodeCommand(payload)
			if err != nil {
				s.logger.WithError(err).Warn("bad command")
				continue
			}
			status, value := s.handle(cmd)
			ack, err := protocol.Ack(cmd.ID, status, value).Encode()
			if err != nil {
				return err
			}
			out, err := protocol.EncodeMsgblock(seq, ack)
			if err != nil {
				return err
			}
			if _, err := rw.Write(out); err != nil {
				return err
			}
		}
		n, err := rw.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
