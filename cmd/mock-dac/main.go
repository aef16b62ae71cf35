// mock-dac simulates an SPI bridge MCU with a DAC63004W attached, so that
// dacctl can be exercised without hardware.
//
// Usage:
//
//	mock-dac -socket /tmp/dacctl-bridge [-vref 3.3]
//
// Point the board file at it with "transport: bridge" and
// "device: unix:/tmp/dacctl-bridge".
package main

import (
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"dacctl/pkg/log"
)

func main() {
	socketPath := flag.String("socket", "/tmp/dacctl-bridge", "Unix socket to listen on")
	vref := flag.Float64("vref", 3.3, "reference voltage used when printing outputs")
	verbose := flag.Bool("v", false, "log every frame")
	flag.Parse()

	logger := log.GetLogger("mock-dac")
	if *verbose {
		logger.SetLevel(log.DEBUG)
	}

	os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		logger.WithError(err).Error("listen failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ln.Close()
	}()

	logger.WithField("socket", *socketPath).Info("simulated DAC listening")
	dac := newDACModel()
	if err := acceptLoop(ln, dac, *vref, logger); err != nil {
		logger.WithError(err).Error("accept failed")
	}
	os.Remove(*socketPath)
}

// acceptLoop serves one connection at a time against the shared DAC until
// the listener is closed.
func acceptLoop(ln net.Listener, dac *dacModel, vref float64, logger *log.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		logger.Info("host connected")
		s := &session{dac: dac, logger: logger, vref: vref}
		if err := s.serve(conn); err != nil {
			logger.WithError(err).Warn("connection ended")
		}
		conn.Close()
		logger.Info("host disconnected")
	}
}
