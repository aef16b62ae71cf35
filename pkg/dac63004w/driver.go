// Package dac63004w drives a Texas Instruments DAC63004W quad voltage and
// current output DAC over SPI.
//
// All register traffic is 3-byte frames: a 7-bit address (MSB clear for
// writes) followed by the 16-bit value, high byte first. Data words hold a
// 12-bit code left-aligned by 4 bits. Writes to DAC-X-DATA only reach the
// outputs after an LDAC trigger.
package dac63004w

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/spi"
)

// Config holds the device constants applied by the driver.
type Config struct {
	// InitGain is written to every channel during Initialize.
	InitGain Gain

	// SwitchGain is used when a voltage write switches a channel out of
	// current mode.
	SwitchGain Gain

	// CommonConfig is the COMMON-CONFIG word written by Initialize.
	CommonConfig uint16

	// ResetSettle is the wait after the reset command inside Initialize.
	ResetSettle time.Duration

	// Verify reads back every configuration and data register write.
	Verify bool
}

// DefaultConfig returns the bring-up values: 1.5x internal reference gain,
// internal reference on with all voltage outputs powered, and a 1 ms settle.
func DefaultConfig() Config {
	return Config{
		InitGain:     Gain1_5xInternal,
		SwitchGain:   Gain1xVDD,
		CommonConfig: DefaultCommonConfig,
		ResetSettle:  time.Millisecond,
	}
}

// Observer receives per-frame and per-channel events, e.g. for metrics.
type Observer interface {
	ObserveFrame(addr uint8, d time.Duration, err error)
	ObserveChannel(ch int, mode string, code uint16)
}

// Driver performs device operations on one DAC63004W.
type Driver struct {
	mu       sync.Mutex
	tr       spi.Transport
	dc       *Context
	cfg      Config
	logger   *log.Logger
	observer Observer
}

// New creates a driver for the device behind tr whose state is tracked in dc.
func New(tr spi.Transport, dc *Context, cfg Config) (*Driver, error) {
	if tr == nil {
		return nil, errors.ParamError("transport is nil")
	}
	if dc == nil {
		return nil, errors.ParamError("device context is nil")
	}
	if !cfg.InitGain.Valid() || !cfg.SwitchGain.Valid() {
		return nil, errors.ParamError("invalid gain selection")
	}
	if cfg.ResetSettle < 0 {
		return nil, errors.ParamError("negative reset settle time")
	}
	return &Driver{
		tr:     tr,
		dc:     dc,
		cfg:    cfg,
		logger: log.GetLogger("dac63004w"),
	}, nil
}

// SetObserver installs an observer. Pass nil to remove it.
func (d *Driver) SetObserver(o Observer) {
	d.mu.Lock()
	d.observer = o
	d.mu.Unlock()
}

// Status returns a snapshot of the device context.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dc.Snapshot()
}

// Close closes the transport.
func (d *Driver) Close() error {
	return d.tr.Close()
}

// WriteRegister writes value to the register at addr.
func (d *Driver) WriteRegister(ctx context.Context, addr uint8, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegister(ctx, addr, value)
}

func (d *Driver) writeRegister(ctx context.Context, addr uint8, value uint16) error {
	if addr == InvalidRegister || addr&readFlag != 0 {
		return errors.ParamError("invalid register address 0x%02x", addr).SetOp("write_register")
	}
	frame := EncodeFrame(addr, value)
	start := time.Now()
	err := d.tr.Transfer(ctx, frame[:], nil)
	if d.observer != nil {
		d.observer.ObserveFrame(addr, time.Since(start), err)
	}
	if err != nil {
		d.logger.WithFields(log.Fields{"reg": hex8(addr), "value": hex16(value)}).WithError(err).Warn("register write failed")
		return errors.CommError("write register", err).SetRegister(addr)
	}
	if d.logger.Enabled(log.DEBUG) {
		d.logger.WithFields(log.Fields{"reg": hex8(addr), "value": hex16(value)}).Debug("register write")
	}
	if d.cfg.Verify && verifiable(addr) {
		got, err := d.readRegister(ctx, addr)
		if err != nil {
			return err
		}
		if got != value {
			return errors.New(errors.ErrComm, fmt.Sprintf("read-back mismatch: wrote 0x%04x, read 0x%04x", value, got)).SetRegister(addr)
		}
	}
	return nil
}

// verifiable excludes trigger registers whose bits self-clear.
func verifiable(addr uint8) bool {
	return addr != RegCommonTrigger && addr != RegCommonDACTrig && addr != RegNOP
}

// ReadRegister reads the register at addr. The device answers a read frame
// during the following frame, so this costs two transfers.
func (d *Driver) ReadRegister(ctx context.Context, addr uint8) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRegister(ctx, addr)
}

func (d *Driver) readRegister(ctx context.Context, addr uint8) (uint16, error) {
	if addr == InvalidRegister || addr&readFlag != 0 {
		return 0, errors.ParamError("invalid register address 0x%02x", addr).SetOp("read_register")
	}
	req := [3]byte{addr | readFlag, 0, 0}
	if err := d.tr.Transfer(ctx, req[:], nil); err != nil {
		return 0, errors.CommError("read request", err).SetRegister(addr)
	}
	nop := EncodeFrame(RegNOP, 0)
	rx := make([]byte, 3)
	if err := d.tr.Transfer(ctx, nop[:], rx); err != nil {
		return 0, errors.CommError("read response", err).SetRegister(addr)
	}
	return uint16(rx[1])<<8 | uint16(rx[2]), nil
}

// Reset issues the software reset. The device needs about 1 ms before it
// accepts further commands; Reset does not wait. Afterwards every channel is
// powered down and is reconfigured by its next write.
func (d *Driver) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset(ctx)
}

func (d *Driver) reset(ctx context.Context) error {
	if err := d.writeRegister(ctx, RegCommonTrigger, ResetPattern); err != nil {
		return err
	}
	d.dc.powerOn()
	for ch := 0; ch < NumChannels; ch++ {
		d.notifyChannel(ch)
	}
	return nil
}

// TriggerLatch makes every pending data register write take effect.
func (d *Driver) TriggerLatch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegister(ctx, RegCommonTrigger, TriggerLDAC)
}

// Initialize resets the device, sets every channel's gain, writes the common
// configuration, zeroes all data registers and latches. It stops at the first
// failure and does not undo earlier writes.
func (d *Driver) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.reset(ctx); err != nil {
		return err
	}
	if err := sleepContext(ctx, d.cfg.ResetSettle); err != nil {
		return errors.Wrap(err, errors.ErrInit, "interrupted waiting for reset").SetOp("initialize")
	}
	for ch := 0; ch < NumChannels; ch++ {
		if err := d.writeRegister(ctx, VoutConfigRegister(ch), d.cfg.InitGain.field()); err != nil {
			return err
		}
	}
	if err := d.writeRegister(ctx, RegCommonConfig, d.cfg.CommonConfig); err != nil {
		return err
	}
	d.dc.common = d.cfg.CommonConfig
	for ch := 0; ch < NumChannels; ch++ {
		if err := d.writeRegister(ctx, DataRegister(ch), 0); err != nil {
			return err
		}
	}
	if err := d.writeRegister(ctx, RegCommonTrigger, TriggerLDAC); err != nil {
		return err
	}

	for ch := 0; ch < NumChannels; ch++ {
		d.dc.setMode(ch, ModeVoltage)
		d.notifyChannel(ch)
	}
	d.dc.initialized = true
	d.logger.WithFields(log.Fields{
		"gain":          d.cfg.InitGain.String(),
		"common_config": hex16(d.cfg.CommonConfig),
	}).Info("device initialized")
	return nil
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetMode records the intended mode of ch without touching the hardware.
func (d *Driver) SetMode(ch int, mode Mode) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("set_mode")
	}
	if mode > ModeCurrent {
		return errors.ParamError("invalid mode %d", mode).SetChannel(ch).SetOp("set_mode")
	}
	d.mu.Lock()
	d.dc.setMode(ch, mode)
	d.mu.Unlock()
	return nil
}

// ConfigureVoltageMode selects gain for ch and routes it to the voltage
// output, powering down its current output.
func (d *Driver) ConfigureVoltageMode(ctx context.Context, ch int, gain Gain) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("configure_voltage_mode")
	}
	if !gain.Valid() {
		return errors.ParamError("invalid gain %d", gain).SetChannel(ch).SetOp("configure_voltage_mode")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configureVoltageMode(ctx, ch, gain)
}

func (d *Driver) configureVoltageMode(ctx context.Context, ch int, gain Gain) error {
	if err := d.writeRegister(ctx, VoutConfigRegister(ch), gain.field()); err != nil {
		return channelErr(err, ch)
	}
	return d.switchCommon(ctx, ch, ModeVoltage)
}

// ConfigureCurrentMode selects the +-250 uA range for ch and routes it to the
// current output, putting its voltage output in Hi-Z.
func (d *Driver) ConfigureCurrentMode(ctx context.Context, ch int) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("configure_current_mode")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configureCurrentMode(ctx, ch)
}

func (d *Driver) configureCurrentMode(ctx context.Context, ch int) error {
	if err := d.writeRegister(ctx, IoutConfigRegister(ch), IoutRange250uA); err != nil {
		return channelErr(err, ch)
	}
	return d.switchCommon(ctx, ch, ModeCurrent)
}

func (d *Driver) switchCommon(ctx context.Context, ch int, mode Mode) error {
	word := commonConfigFor(d.dc.common, ch, mode)
	if err := d.writeRegister(ctx, RegCommonConfig, word); err != nil {
		return channelErr(err, ch)
	}
	d.dc.common = word
	d.dc.setMode(ch, mode)
	d.notifyChannel(ch)
	d.logger.WithFields(log.Fields{"channel": ch, "mode": mode.String()}).Info("output mode changed")
	return nil
}

// WriteVoltage drives ch to volts, switching it to voltage mode first if
// needed. volts must lie within [0, Vref].
func (d *Driver) WriteVoltage(ctx context.Context, ch int, volts float64) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("write_voltage")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	vref := d.dc.vref
	if math.IsNaN(volts) || volts < 0 || volts > vref {
		return errors.ParamError("voltage %g outside [0, %g]", volts, vref).SetChannel(ch).SetOp("write_voltage")
	}
	if d.dc.needsMode(ch, ModeVoltage) {
		if err := d.configureVoltageMode(ctx, ch, d.cfg.SwitchGain); err != nil {
			return err
		}
	}
	return d.writeCode(ctx, ch, VoltageCode(volts, vref))
}

// WriteCurrent drives ch to microamps, switching it to current mode first if
// needed. microamps must lie within [-250, 250].
func (d *Driver) WriteCurrent(ctx context.Context, ch int, microamps float64) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("write_current")
	}
	if math.IsNaN(microamps) || microamps < MinMicroamps || microamps > MaxMicroamps {
		return errors.ParamError("current %g uA outside [%g, %g]", microamps, MinMicroamps, MaxMicroamps).SetChannel(ch).SetOp("write_current")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dc.needsMode(ch, ModeCurrent) {
		if err := d.configureCurrentMode(ctx, ch); err != nil {
			return err
		}
	}
	return d.writeCode(ctx, ch, CurrentCode(microamps))
}

// WriteCode writes a raw left-aligned data word to ch and latches it,
// leaving the mode alone.
func (d *Driver) WriteCode(ctx context.Context, ch int, code uint16) error {
	if !validChannel(ch) {
		return errors.ParamError("invalid channel").SetChannel(ch).SetOp("write_code")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeCode(ctx, ch, code&0xFFF0)
}

func (d *Driver) writeCode(ctx context.Context, ch int, code uint16) error {
	if err := d.writeRegister(ctx, DataRegister(ch), code); err != nil {
		return channelErr(err, ch)
	}
	if err := d.writeRegister(ctx, RegCommonTrigger, TriggerLDAC); err != nil {
		return channelErr(err, ch)
	}
	d.dc.codes[ch] = code
	d.notifyChannel(ch)
	return nil
}

// SetPowerMode enables or disables the low-power device mode.
func (d *Driver) SetPowerMode(ctx context.Context, lowPower bool) error {
	v := uint16(0)
	if lowPower {
		v = DeviceModeLowPower
	}
	return d.WriteRegister(ctx, RegDeviceMode, v)
}

// ConfigureInterface writes the INTERFACE-CONFIG register.
func (d *Driver) ConfigureInterface(ctx context.Context, value uint16) error {
	return d.WriteRegister(ctx, RegInterface, value)
}

func (d *Driver) notifyChannel(ch int) {
	if d.observer == nil {
		return
	}
	mode := d.dc.modes[ch].String()
	if !d.dc.known[ch] {
		mode = "unknown"
	}
	d.observer.ObserveChannel(ch, mode, d.dc.codes[ch])
}

func channelErr(err error, ch int) error {
	if de, ok := err.(*errors.DeviceError); ok && de.Channel == errors.NoChannel {
		de.SetChannel(ch)
	}
	return err
}

func hex8(v uint8) string { return fmt.Sprintf("0x%02x", v) }

func hex16(v uint16) string { return fmt.Sprintf("0x%04x", v) }
