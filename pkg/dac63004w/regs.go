package dac63004w

// NumChannels is the number of DAC outputs.
const NumChannels = 4

// InvalidRegister is returned by the per-channel address helpers for a
// channel outside 0..3.
const InvalidRegister uint8 = 0xFF

// Register addresses.
const (
	RegNOP           uint8 = 0x00
	RegCommonConfig  uint8 = 0x1F
	RegCommonTrigger uint8 = 0x20
	RegCommonDACTrig uint8 = 0x21
	RegGeneralStatus uint8 = 0x22
	RegDeviceMode    uint8 = 0x25
	RegInterface     uint8 = 0x26

	regMarginHighBase uint8 = 0x01
	regMarginLowBase  uint8 = 0x02
	regVoutConfigBase uint8 = 0x03
	regIoutConfigBase uint8 = 0x04
	regFuncConfigBase uint8 = 0x06
	regDataBase       uint8 = 0x19

	channelStride = 6

	// readFlag marks a read frame; the value arrives in the next frame.
	readFlag = 0x80
)

// COMMON-TRIGGER values.
const (
	ResetPattern uint16 = 0xA << 8
	TriggerLDAC  uint16 = 1 << 7
	TriggerCLR   uint16 = 1 << 6
)

// COMMON-CONFIG fields. Each channel owns a 2-bit VOUT power-down field and
// a 1-bit IOUT power-down bit, channel 0 in the highest position.
const (
	EnableInternalRef uint16 = 1 << 12

	// DefaultCommonConfig enables the internal reference with every voltage
	// output powered and every current output powered down.
	DefaultCommonConfig uint16 = 0x1249

	// PowerOnCommonConfig is the reset value: internal reference off and
	// every output powered down.
	PowerOnCommonConfig uint16 = 0x0FFF

	// AllCurrentCommonConfig puts every voltage output in Hi-Z and powers
	// every current output.
	AllCurrentCommonConfig uint16 = 0x1DB6

	voutPowerDownHiZ = 0x3
)

// IOUT range select for the +-250 uA span.
const IoutRange250uA uint16 = 0xB << 9

// DEVICE-MODE bits.
const DeviceModeLowPower uint16 = 1 << 13

// MidscaleCode is the data register value for half scale.
const MidscaleCode uint16 = 0x8000

func validChannel(ch int) bool {
	return ch >= 0 && ch < NumChannels
}

func perChannel(base uint8, ch int) uint8 {
	if !validChannel(ch) {
		return InvalidRegister
	}
	return base + uint8(ch)*channelStride
}

// DataRegister returns DAC-X-DATA for ch.
func DataRegister(ch int) uint8 {
	if !validChannel(ch) {
		return InvalidRegister
	}
	return regDataBase + uint8(ch)
}

// VoutConfigRegister returns DAC-X-VOUT-CMP-CONFIG (gain select) for ch.
func VoutConfigRegister(ch int) uint8 { return perChannel(regVoutConfigBase, ch) }

// IoutConfigRegister returns DAC-X-IOUT-MISC-CONFIG (range select) for ch.
func IoutConfigRegister(ch int) uint8 { return perChannel(regIoutConfigBase, ch) }

// FuncConfigRegister returns DAC-X-FUNC-CONFIG for ch.
func FuncConfigRegister(ch int) uint8 { return perChannel(regFuncConfigBase, ch) }

// MarginHighRegister returns DAC-X-MARGIN-HIGH for ch.
func MarginHighRegister(ch int) uint8 { return perChannel(regMarginHighBase, ch) }

// MarginLowRegister returns DAC-X-MARGIN-LOW for ch.
func MarginLowRegister(ch int) uint8 { return perChannel(regMarginLowBase, ch) }

func voutPowerDownMask(ch int) uint16 {
	return voutPowerDownHiZ << (10 - 3*uint(ch))
}

func ioutPowerDownBit(ch int) uint16 {
	return 1 << (9 - 3*uint(ch))
}

// commonConfigFor returns word with ch switched to mode.
func commonConfigFor(word uint16, ch int, mode Mode) uint16 {
	if mode == ModeCurrent {
		return (word | voutPowerDownMask(ch)) &^ ioutPowerDownBit(ch)
	}
	return (word &^ voutPowerDownMask(ch)) | ioutPowerDownBit(ch)
}

// EncodeFrame builds the 3-byte write frame for a register.
func EncodeFrame(addr uint8, value uint16) [3]byte {
	return [3]byte{addr & 0x7F, byte(value >> 8), byte(value)}
}

// Gain selects the voltage output span relative to the reference.
type Gain uint8

const (
	Gain1xExternal Gain = iota
	Gain1xVDD
	Gain1_5xInternal
	Gain2xInternal
	Gain3xInternal
	Gain4xInternal
)

var gainNames = [...]string{"1x_ext", "1x_vdd", "1.5x_int", "2x_int", "3x_int", "4x_int"}

func (g Gain) String() string {
	if int(g) >= len(gainNames) {
		return "invalid"
	}
	return gainNames[g]
}

// Valid reports whether g is a defined gain.
func (g Gain) Valid() bool {
	return int(g) < len(gainNames)
}

func (g Gain) field() uint16 {
	return uint16(g) << 10
}

// GainNames lists the accepted gain names in order.
func GainNames() []string {
	return append([]string(nil), gainNames[:]...)
}

// ParseGain accepts the names returned by GainNames.
func ParseGain(s string) (Gain, bool) {
	for i, n := range gainNames {
		if n == s {
			return Gain(i), true
		}
	}
	return 0, false
}
