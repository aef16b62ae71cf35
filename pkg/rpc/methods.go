package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeDeviceError    = -32000
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func errorResponse(id any, code int, msg string, data map[string]any) response {
	return response{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: msg, Data: data}, ID: id}
}

// methodError is a failure detected by the server itself.
type methodError struct {
	code int
	msg  string
}

func (e *methodError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &methodError{code: codeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

// toErrorResponse maps PARAM errors to invalid params and every other device
// error to a server error carrying the error category.
func toErrorResponse(id any, err error) response {
	if me, ok := err.(*methodError); ok {
		return errorResponse(id, me.code, me.msg, nil)
	}
	code := errors.CodeOf(err)
	data := map[string]any{"code": string(code)}
	if code == errors.ErrParam {
		return errorResponse(id, codeInvalidParams, err.Error(), data)
	}
	return errorResponse(id, codeDeviceError, err.Error(), data)
}

type channelParams struct {
	Channel *int `json:"channel"`
}

func (p channelParams) channel() (int, error) {
	if p.Channel == nil {
		return 0, invalidParams("missing channel")
	}
	return *p.Channel, nil
}

type voltageParams struct {
	channelParams
	Volts *float64 `json:"volts"`
}

type currentParams struct {
	channelParams
	Microamps *float64 `json:"microamps"`
}

type functionParams struct {
	channelParams
	Waveform   string `json:"waveform"`
	Phase      int    `json:"phase"`
	Slew       int    `json:"slew"`
	CodeStep   int    `json:"code_step"`
	LogSlew    bool   `json:"log_slew"`
	MarginHigh *int   `json:"margin_high"`
	MarginLow  int    `json:"margin_low"`
}

func (p functionParams) config() (dac63004w.FunctionConfig, error) {
	var fc dac63004w.FunctionConfig
	w, err := dac63004w.ParseWaveform(p.Waveform)
	if err != nil {
		return fc, err
	}
	ph, err := dac63004w.PhaseFromDegrees(p.Phase)
	if err != nil {
		return fc, err
	}
	if p.Slew < 0 || p.Slew > 0xF || p.CodeStep < 0 || p.CodeStep > 7 {
		return fc, invalidParams("slew must be 0..15 and code_step 0..7")
	}
	high := dac63004w.MaxCode
	if p.MarginHigh != nil {
		high = *p.MarginHigh
	}
	if high < 0 || high > dac63004w.MaxCode || p.MarginLow < 0 || p.MarginLow > dac63004w.MaxCode {
		return fc, invalidParams("margins must be 0..%d", dac63004w.MaxCode)
	}
	fc = dac63004w.FunctionConfig{
		Waveform:   w,
		Phase:      ph,
		Slew:       dac63004w.SlewRate(p.Slew),
		CodeStep:   uint8(p.CodeStep),
		LogSlew:    p.LogSlew,
		MarginHigh: uint16(high),
		MarginLow:  uint16(p.MarginLow),
	}
	return fc, nil
}

type registerParams struct {
	Address *int `json:"address"`
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// dispatch runs method. changed reports whether the device state moved.
func (s *Server) dispatch(ctx context.Context, method string, raw json.RawMessage) (result any, changed bool, err error) {
	dev := s.cfg.Device
	ok := map[string]any{"result": "ok"}

	switch method {
	case "dac.status":
		return dev.Status(), false, nil

	case "dac.initialize":
		if err := dev.Initialize(ctx); err != nil {
			return nil, false, err
		}
		return ok, true, nil

	case "dac.reset":
		if err := dev.Reset(ctx); err != nil {
			return nil, false, err
		}
		return ok, true, nil

	case "dac.write_voltage":
		var p voltageParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, false, err
		}
		ch, err := p.channel()
		if err != nil {
			return nil, false, err
		}
		if p.Volts == nil {
			return nil, false, invalidParams("missing volts")
		}
		if err := dev.WriteVoltage(ctx, ch, *p.Volts); err != nil {
			return nil, false, err
		}
		return ok, true, nil

	case "dac.write_current":
		var p currentParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, false, err
		}
		ch, err := p.channel()
		if err != nil {
			return nil, false, err
		}
		if p.Microamps == nil {
			return nil, false, invalidParams("missing microamps")
		}
		if err := dev.WriteCurrent(ctx, ch, *p.Microamps); err != nil {
			return nil, false, err
		}
		return ok, true, nil

	case "dac.configure_function":
		var p functionParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, false, err
		}
		ch, err := p.channel()
		if err != nil {
			return nil, false, err
		}
		fc, err := p.config()
		if err != nil {
			return nil, false, err
		}
		if err := dev.ConfigureFunction(ctx, ch, fc); err != nil {
			return nil, false, err
		}
		return map[string]any{"word": fc.Word()}, false, nil

	case "dac.start_function", "dac.stop_function":
		var p channelParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, false, err
		}
		ch, err := p.channel()
		if err != nil {
			return nil, false, err
		}
		if method == "dac.start_function" {
			err = dev.StartFunction(ctx, ch)
		} else {
			err = dev.StopFunction(ctx, ch)
		}
		if err != nil {
			return nil, false, err
		}
		return ok, false, nil

	case "dac.read_register":
		var p registerParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, false, err
		}
		if p.Address == nil || *p.Address < 0 || *p.Address > 0x7F {
			return nil, false, invalidParams("address must be 0x00..0x7f")
		}
		v, err := dev.ReadRegister(ctx, uint8(*p.Address))
		if err != nil {
			return nil, false, err
		}
		return map[string]any{"address": *p.Address, "value": v}, false, nil
	}
	return nil, false, &methodError{code: codeMethodNotFound, msg: "method not found: " + method}
}
