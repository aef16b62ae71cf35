//go:build !linux

package spi

import (
	"context"

	"dacctl/pkg/errors"
)

// Spidev is only available on Linux.
type Spidev struct{}

// OpenSpidev always fails on this platform.
func OpenSpidev(path string, cfg *BusConfig) (*Spidev, error) {
	return nil, errors.New(errors.ErrInit, "spidev is only supported on linux")
}

func (d *Spidev) Transfer(ctx context.Context, tx, rx []byte) error {
	return errors.New(errors.ErrInit, "spidev is only supported on linux")
}

func (d *Spidev) Close() error { return nil }
