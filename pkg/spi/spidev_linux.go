//go:build linux

package spi

import (
	"context"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"dacctl/pkg/errors"
)

const (
	spiIOCMagic = 'k'

	iocWrite     = 1
	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func iow(nr, size uintptr) uintptr {
	return iocWrite<<iocDirShift | spiIOCMagic<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	spiIOCWrMode        = iow(1, 1)
	spiIOCWrLSBFirst    = iow(2, 1)
	spiIOCWrBitsPerWord = iow(3, 1)
	spiIOCWrMaxSpeedHz  = iow(4, 4)
)

// spiIOCMessage is SPI_IOC_MESSAGE(n).
func spiIOCMessage(n uint32) uintptr {
	return uintptr(0x40006B00 + n*0x200000)
}

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	length      uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNBits     uint8
	rxNBits     uint8
	wordDelay   uint8
	pad         uint8
}

type ioctlStep struct {
	name string
	req  uintptr
	arg  unsafe.Pointer
}

// Spidev is a Transport over the Linux spidev character device. The kernel
// driver frames each message with chip-select.
type Spidev struct {
	mu    sync.Mutex
	f     *os.File
	speed uint32
}

// OpenSpidev opens a device such as /dev/spidev0.0 and applies cfg.
func OpenSpidev(path string, cfg *BusConfig) (*Spidev, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.InitError("spidev "+path, err)
	}
	d := &Spidev{f: f, speed: cfg.SpeedHz}

	mode := uint8(cfg.Mode)
	lsb := uint8(0)
	if cfg.BitOrder == LSBFirst {
		lsb = 1
	}
	bits := uint8(8)
	steps := []ioctlStep{
		{"mode", spiIOCWrMode, unsafe.Pointer(&mode)},
		{"lsb_first", spiIOCWrLSBFirst, unsafe.Pointer(&lsb)},
		{"bits_per_word", spiIOCWrBitsPerWord, unsafe.Pointer(&bits)},
	}
	if cfg.SpeedHz > 0 {
		steps = append(steps, ioctlStep{"max_speed_hz", spiIOCWrMaxSpeedHz, unsafe.Pointer(&d.speed)})
	}
	for _, s := range steps {
		if err := d.ioctl(s.req, uintptr(s.arg)); err != nil {
			f.Close()
			return nil, errors.InitError("spidev "+path, fmt.Errorf("set %s: %w", s.name, err))
		}
	}
	return d, nil
}

// Transfer implements Transport.
func (d *Spidev) Transfer(ctx context.Context, tx, rx []byte) error {
	if err := checkFrame(tx, rx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.CommError("spidev transfer", err)
	}
	if rx == nil {
		rx = make([]byte, len(tx))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return errors.New(errors.ErrInit, "spidev closed")
	}
	msg := spiIOCTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     d.speed,
		bitsPerWord: 8,
	}
	if err := d.ioctl(spiIOCMessage(1), uintptr(unsafe.Pointer(&msg))); err != nil {
		return errors.CommError("spidev transfer", err)
	}
	return nil
}

func (d *Spidev) ioctl(req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Close implements Transport.
func (d *Spidev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
