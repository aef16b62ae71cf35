package spi

import (
	"context"
	"io"
	"sync"

	"dacctl/pkg/errors"
	"dacctl/pkg/log"
)

// Link drives a byte-level Port as a Transport: it frames each transfer with
// chip-select and shifts the payload one byte at a time.
type Link struct {
	port   Port
	logger *log.Logger

	mu          sync.Mutex
	pins        PinConfig
	cfg         BusConfig
	initialized bool
	selected    bool
}

// NewLink wraps port. The link must be initialized before use.
func NewLink(port Port) *Link {
	return &Link{
		port:   port,
		logger: log.GetLogger("spi"),
	}
}

// Initialize routes the bus roles to pins and applies mode, bit order and
// clock divider.
func (l *Link) Initialize(ctx context.Context, pins PinConfig, cfg *BusConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ClockDivider == 0 {
		return errors.ParamError("clock divider must be non-zero")
	}
	if err := l.port.PinMap().Check(pins); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.port.Configure(ctx, pins, *cfg); err != nil {
		return errors.InitError("spi link", err)
	}
	l.pins = pins
	l.cfg = *cfg
	l.initialized = true
	l.selected = false
	l.logger.WithFields(log.Fields{
		"cs":      pins.CS.String(),
		"mode":    cfg.Mode.String(),
		"order":   cfg.BitOrder.String(),
		"divider": cfg.ClockDivider,
	}).Info("link initialized")
	return nil
}

// Transfer shifts tx out inside a single chip-select frame, storing received
// bytes in rx when rx is non-nil. Chip-select is released even on failure.
func (l *Link) Transfer(ctx context.Context, tx, rx []byte) (err error) {
	if err := checkFrame(tx, rx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.initialized {
		return errors.New(errors.ErrInit, "spi link not initialized")
	}
	if err := l.setSelect(ctx, true); err != nil {
		return err
	}
	defer func() {
		if derr := l.setSelect(context.WithoutCancel(ctx), false); derr != nil && err == nil {
			err = derr
		}
	}()

	for i, b := range tx {
		in, err := l.shift(ctx, b)
		if err != nil {
			return errors.CommError("shift byte", err).SetOp("transfer")
		}
		if rx != nil {
			rx[i] = in
		}
	}
	return nil
}

func (l *Link) shift(ctx context.Context, b byte) (byte, error) {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	return l.port.ShiftByte(ctx, b)
}

// AssertSelect drives chip-select active for manual framing.
func (l *Link) AssertSelect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return errors.New(errors.ErrInit, "spi link not initialized")
	}
	return l.setSelect(ctx, true)
}

// DeassertSelect releases chip-select.
func (l *Link) DeassertSelect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return errors.New(errors.ErrInit, "spi link not initialized")
	}
	return l.setSelect(ctx, false)
}

func (l *Link) setSelect(ctx context.Context, active bool) error {
	if err := l.port.SetSelect(ctx, active); err != nil {
		op := "deassert select"
		if active {
			op = "assert select"
		}
		return errors.CommError(op, err)
	}
	l.selected = active
	return nil
}

// Deinitialize returns the port to its reset state. Transfers fail until the
// link is initialized again.
func (l *Link) Deinitialize(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.initialized {
		return nil
	}
	l.initialized = false
	if l.selected {
		if err := l.port.SetSelect(ctx, false); err != nil {
			l.logger.WithError(err).Warn("release select during deinitialize failed")
		}
		l.selected = false
	}
	if err := l.port.Reset(ctx); err != nil {
		return errors.CommError("reset port", err)
	}
	l.logger.Info("link deinitialized")
	return nil
}

// Close deinitializes the link and closes the port if it holds a resource.
func (l *Link) Close() error {
	err := l.Deinitialize(context.Background())
	if c, ok := l.port.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Config returns the active bus configuration.
func (l *Link) Config() BusConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}
