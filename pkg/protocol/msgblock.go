// Package protocol implements the framing spoken between the host and an SPI
// bridge MCU: length-prefixed, CRC-checked blocks carrying VLQ-encoded
// commands.
package protocol

import "dacctl/pkg/errors"

// Block layout: [len, seq|dest, payload..., crc_hi, crc_lo, sync]
const (
	MESSAGE_MIN          = 5
	MESSAGE_MAX          = 64
	MESSAGE_HEADER_SIZE  = 2
	MESSAGE_TRAILER_SIZE = 3
	MESSAGE_POS_LEN      = 0
	MESSAGE_POS_SEQ      = 1
	MESSAGE_PAYLOAD_MAX  = MESSAGE_MAX - MESSAGE_MIN
	MESSAGE_DEST         = 0x10
	MESSAGE_SYNC         = 0x7e
	MESSAGE_SEQ_MASK     = 0x0f
)

// EncodeMsgblock wraps payload into a block with the given sequence number.
func EncodeMsgblock(seq int, payload []byte) ([]byte, error) {
	if len(payload) > MESSAGE_PAYLOAD_MAX {
		return nil, errors.ProtocolError("payload of %d bytes exceeds %d", len(payload), MESSAGE_PAYLOAD_MAX)
	}
	msglen := MESSAGE_MIN + len(payload)
	out := make([]byte, 0, msglen)
	out = append(out, byte(msglen), byte(seq&MESSAGE_SEQ_MASK|MESSAGE_DEST))
	out = append(out, payload...)
	hi, lo := CRC16CCITT(out)
	return append(out, hi, lo, MESSAGE_SYNC), nil
}

// CheckMsgblock inspects the start of buf. It returns the block length when a
// complete valid block is present, 0 when more data is needed, or -n when the
// first n bytes are garbage and should be discarded.
func CheckMsgblock(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	msglen := int(buf[MESSAGE_POS_LEN])
	if msglen < MESSAGE_MIN || msglen > MESSAGE_MAX {
		return -discardLen(buf)
	}
	if len(buf) < MESSAGE_HEADER_SIZE {
		return 0
	}
	if buf[MESSAGE_POS_SEQ]&^MESSAGE_SEQ_MASK != MESSAGE_DEST {
		return -discardLen(buf)
	}
	if len(buf) < msglen {
		return 0
	}
	if buf[msglen-1] != MESSAGE_SYNC {
		return -discardLen(buf)
	}
	hi, lo := CRC16CCITT(buf[:msglen-MESSAGE_TRAILER_SIZE])
	if buf[msglen-3] != hi || buf[msglen-2] != lo {
		return -discardLen(buf)
	}
	return msglen
}

// discardLen skips through the next sync byte.
func discardLen(buf []byte) int {
	for i, b := range buf {
		if b == MESSAGE_SYNC {
			return i + 1
		}
	}
	return len(buf)
}

// DecodeMsgblock splits a block validated by CheckMsgblock into its sequence
// number and payload.
func DecodeMsgblock(block []byte) (int, []byte, error) {
	if n := CheckMsgblock(block); n != len(block) {
		return 0, nil, errors.ProtocolError("invalid message block")
	}
	seq := int(block[MESSAGE_POS_SEQ] & MESSAGE_SEQ_MASK)
	return seq, block[MESSAGE_HEADER_SIZE : len(block)-MESSAGE_TRAILER_SIZE], nil
}

// Reader accumulates a byte stream and yields complete blocks.
type Reader struct {
	buf []byte
}

// Feed appends received bytes.
func (r *Reader) Feed(data []byte) {
	r.buf = append(r.buf, data...)
}

// Next returns the next complete block, or nil when more data is needed.
// Garbage between blocks is dropped.
func (r *Reader) Next() []byte {
	for {
		n := CheckMsgblock(r.buf)
		switch {
		case n == 0:
			return nil
		case n < 0:
			r.buf = r.buf[-n:]
		default:
			block := append([]byte(nil), r.buf[:n]...)
			r.buf = r.buf[n:]
			return block
		}
	}
}

// Buffered returns the number of bytes not yet consumed.
func (r *Reader) Buffered() int {
	return len(r.buf)
}
