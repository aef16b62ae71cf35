package dac63004w

import "math"

// Full-scale values of the 12-bit converter and the current output span.
const (
	MaxCode       = 4095
	MinMicroamps  = -250.0
	MaxMicroamps  = 250.0
	spanMicroamps = MaxMicroamps - MinMicroamps
)

// roundHalfUp rounds to the nearest integer, halves going up.
func roundHalfUp(x float64) uint16 {
	return uint16(math.Floor(x + 0.5))
}

// VoltageCode returns the left-aligned data word for volts on a vref span.
// The caller validates 0 <= volts <= vref.
func VoltageCode(volts, vref float64) uint16 {
	return roundHalfUp(volts/vref*MaxCode) << 4
}

// CurrentCode returns the left-aligned data word mapping [-250, 250] uA onto
// [0, 4095]. The caller validates the range.
func CurrentCode(microamps float64) uint16 {
	return roundHalfUp((microamps-MinMicroamps)*MaxCode/spanMicroamps) << 4
}

// CodeToVoltage inverts VoltageCode.
func CodeToVoltage(code uint16, vref float64) float64 {
	return float64(code>>4) * vref / MaxCode
}

// CodeToCurrent inverts CurrentCode.
func CodeToCurrent(code uint16) float64 {
	return float64(code>>4)*spanMicroamps/MaxCode + MinMicroamps
}
