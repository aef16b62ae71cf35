package protocol

import "dacctl/pkg/errors"

// EncodeUint32 appends v in the variable-length encoding used for command
// ids and arguments: 7 bits per byte, high bit set on all but the last, with
// small negative values kept short.
func EncodeUint32(out *[]byte, v int32) {
	uv := uint32(v)
	if v >= 0xc000000 || v < -0x4000000 {
		*out = append(*out, byte(((uv>>28)&0x7f)|0x80))
	}
	if v >= 0x180000 || v < -0x80000 {
		*out = append(*out, byte(((uv>>21)&0x7f)|0x80))
	}
	if v >= 0x3000 || v < -0x1000 {
		*out = append(*out, byte(((uv>>14)&0x7f)|0x80))
	}
	if v >= 0x60 || v < -0x20 {
		*out = append(*out, byte(((uv>>7)&0x7f)|0x80))
	}
	*out = append(*out, byte(uv&0x7f))
}

// DecodeUint32 decodes one value starting at pos and returns it with the
// position after it.
func DecodeUint32(buf []byte, pos int) (int32, int, error) {
	if pos >= len(buf) {
		return 0, pos, errors.ProtocolError("truncated integer at offset %d", pos)
	}
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if c&0x60 == 0x60 {
		v |= -0x20
	}
	for c&0x80 != 0 {
		if pos >= len(buf) {
			return 0, pos, errors.ProtocolError("truncated integer at offset %d", pos)
		}
		c = buf[pos]
		pos++
		v = v<<7 | int32(c&0x7f)
	}
	return v, pos, nil
}
