// Unified error handling for the DAC host tools
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	goerrors "errors"
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// ErrInit marks a transport or device setup failure.
	ErrInit ErrorCode = "INIT"

	// ErrParam marks an invalid channel, out-of-range value or missing configuration.
	ErrParam ErrorCode = "PARAM"

	// ErrComm marks a transport failure in the middle of a transfer.
	ErrComm ErrorCode = "COMM"

	// ErrConfig marks a board configuration problem.
	ErrConfig ErrorCode = "CONFIG"

	// ErrProtocol marks a malformed or unexpected bridge message.
	ErrProtocol ErrorCode = "PROTOCOL"
)

// NoChannel is the Channel value of errors not tied to a DAC channel.
const NoChannel = -1

// DeviceError is the error type returned by every layer of the driver stack
type DeviceError struct {
	// Code is the error category
	Code ErrorCode

	// Op names the failing operation (e.g. "write_voltage")
	Op string

	// Channel is the DAC channel, or NoChannel
	Channel int

	// Register is the register address involved, if any
	Register int

	// Message is a human-readable description
	Message string

	// Err wraps the underlying error
	Err error

	hasRegister bool
}

// Error implements the error interface
func (e *DeviceError) Error() string {
	msg := fmt.Sprintf("[%s", e.Code)
	if e.Op != "" {
		msg += ":" + e.Op
	}
	msg += "] "
	if e.Channel != NoChannel {
		msg += fmt.Sprintf("channel %d: ", e.Channel)
	}
	if e.hasRegister {
		msg += fmt.Sprintf("reg 0x%02x: ", e.Register)
	}
	msg += e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *DeviceError) Unwrap() error {
	return e.Err
}

// SetOp sets the failing operation
func (e *DeviceError) SetOp(op string) *DeviceError {
	e.Op = op
	return e
}

// SetChannel sets the DAC channel
func (e *DeviceError) SetChannel(ch int) *DeviceError {
	e.Channel = ch
	return e
}

// SetRegister sets the register address
func (e *DeviceError) SetRegister(addr uint8) *DeviceError {
	e.Register = int(addr)
	e.hasRegister = true
	return e
}

// New creates a new DeviceError
func New(code ErrorCode, message string) *DeviceError {
	return &DeviceError{
		Code:    code,
		Channel: NoChannel,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *DeviceError {
	return &DeviceError{
		Code:    code,
		Channel: NoChannel,
		Message: message,
		Err:     err,
	}
}

// InitError creates an error for a failed transport or device setup
func InitError(component string, err error) *DeviceError {
	return Wrap(err, ErrInit, fmt.Sprintf("failed to initialize %s", component))
}

// ParamError creates an error for an invalid argument
func ParamError(format string, args ...interface{}) *DeviceError {
	return New(ErrParam, fmt.Sprintf(format, args...))
}

// CommError creates an error for a failed transfer
func CommError(operation string, err error) *DeviceError {
	return Wrap(err, ErrComm, operation+" failed")
}

// ProtocolError creates an error for a malformed bridge message
func ProtocolError(format string, args ...interface{}) *DeviceError {
	return New(ErrProtocol, fmt.Sprintf(format, args...))
}

// Is reports whether any DeviceError in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	var de *DeviceError
	for err != nil {
		if !goerrors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the code of the outermost DeviceError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	var de *DeviceError
	if goerrors.As(err, &de) {
		return de.Code
	}
	return ""
}
