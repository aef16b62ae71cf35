package main

import (
	"context"
	"strings"
	"time"

	"dacctl/pkg/config"
	"dacctl/pkg/dac63004w"
	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/serial"
	"dacctl/pkg/spi"
)

const connectTimeout = 5 * time.Second

// openTransport builds the SPI transport named by the [spi] section.
func openTransport(ctx context.Context, s config.SPISettings) (spi.Transport, error) {
	bus := s.Bus
	switch s.Transport {
	case config.TransportSpidev:
		dev, err := spi.OpenSpidev(s.Device, &bus)
		if err != nil {
			return nil, errors.InitError("spidev "+s.Device, err)
		}
		return dev, nil
	case config.TransportMCP2210:
		dev, err := spi.OpenMCP2210(s.MCP2210Index, s.MCP2210CS, &bus)
		if err != nil {
			return nil, errors.InitError("mcp2210", err)
		}
		return dev, nil
	case config.TransportBridge:
		port, err := openBridgeStream(s.Device, s.Baud)
		if err != nil {
			return nil, errors.InitError("bridge "+s.Device, err)
		}
		link := spi.NewLink(spi.NewBridge(port))
		if err := link.Initialize(ctx, s.Pins, &bus); err != nil {
			link.Close()
			return nil, err
		}
		return link, nil
	}
	return nil, errors.ParamError("unknown transport %q", s.Transport)
}

// openBridgeStream opens "unix:PATH", "tcp:HOST:PORT" or a serial device
// and discards anything the bridge sent before we connected.
func openBridgeStream(device string, baud int) (*serial.Port, error) {
	var port *serial.Port
	var err error
	switch {
	case strings.HasPrefix(device, "unix:"):
		port, err = serial.OpenSocket(strings.TrimPrefix(device, "unix:"), connectTimeout)
	case strings.HasPrefix(device, "tcp:"):
		port, err = serial.OpenTCP(strings.TrimPrefix(device, "tcp:"), connectTimeout)
	default:
		cfg := serial.DefaultConfig()
		cfg.Device = device
		cfg.BaudRate = baud
		port, err = serial.Open(cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	log.GetLogger("bridge").WithField("device", port.Device()).Info("bridge connected")
	return port, nil
}

// openDriver opens the transport and wraps it in a driver with a fresh
// device context.
func openDriver(ctx context.Context, b *config.Board) (*dac63004w.Driver, error) {
	tr, err := openTransport(ctx, b.SPI)
	if err != nil {
		return nil, err
	}
	dc, err := dac63004w.NewContext(b.DAC.Vref, b.DAC.DefaultMode)
	if err != nil {
		tr.Close()
		return nil, err
	}
	drv, err := dac63004w.New(tr, dc, b.DAC.Driver)
	if err != nil {
		tr.Close()
		return nil, err
	}
	return drv, nil
}
