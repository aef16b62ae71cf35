package protocol

import (
	"fmt"

	"dacctl/pkg/errors"
)

// Bridge command ids. Every host command is answered by one CmdAck carrying
// the command id, a status and an optional value.
const (
	CmdConfig = 0x01 // mode order divider cs_port cs_pin sclk_port sclk_pin mosi_port mosi_pin miso_port miso_pin
	CmdSelect = 0x02 // active
	CmdShift  = 0x03 // byte
	CmdReset  = 0x04
	CmdAck    = 0x40 // cmd status value
)

// Ack status codes.
const (
	StatusOK       = 0
	StatusBadArg   = 1
	StatusNotReady = 2
	StatusBusError = 3
)

var commandArgs = map[byte]int{
	CmdConfig: 11,
	CmdSelect: 1,
	CmdShift:  1,
	CmdReset:  0,
	CmdAck:    3,
}

var commandNames = map[byte]string{
	CmdConfig: "spi_config",
	CmdSelect: "spi_select",
	CmdShift:  "spi_shift",
	CmdReset:  "spi_reset",
	CmdAck:    "spi_ack",
}

// Command is one decoded bridge message.
type Command struct {
	ID   byte
	Args []int32
}

func (c Command) String() string {
	name, ok := commandNames[c.ID]
	if !ok {
		name = fmt.Sprintf("cmd_0x%02x", c.ID)
	}
	return fmt.Sprintf("%s %v", name, c.Args)
}

// Encode serializes the command payload.
func (c Command) Encode() ([]byte, error) {
	want, ok := commandArgs[c.ID]
	if !ok {
		return nil, errors.ProtocolError("unknown command 0x%02x", c.ID)
	}
	if len(c.Args) != want {
		return nil, errors.ProtocolError("%s takes %d arguments, got %d", commandNames[c.ID], want, len(c.Args))
	}
	out := []byte{}
	EncodeUint32(&out, int32(c.ID))
	for _, a := range c.Args {
		EncodeUint32(&out, a)
	}
	return out, nil
}

// DecodeCommand parses a block payload holding exactly one command.
func DecodeCommand(payload []byte) (Command, error) {
	id, pos, err := DecodeUint32(payload, 0)
	if err != nil {
		return Command{}, err
	}
	want, ok := commandArgs[byte(id)]
	if !ok || id < 0 || id > 0xff {
		return Command{}, errors.ProtocolError("unknown command %d", id)
	}
	cmd := Command{ID: byte(id), Args: make([]int32, want)}
	for i := range cmd.Args {
		if cmd.Args[i], pos, err = DecodeUint32(payload, pos); err != nil {
			return Command{}, err
		}
	}
	if pos != len(payload) {
		return Command{}, errors.ProtocolError("%d trailing bytes after %s", len(payload)-pos, commandNames[cmd.ID])
	}
	return cmd, nil
}

// Ack builds the acknowledgement for cmd.
func Ack(cmd byte, status int32, value int32) Command {
	return Command{ID: CmdAck, Args: []int32{int32(cmd), status, value}}
}
