// dacctl drives a DAC63004W over SPI from the command line, or serves it
// over JSON-RPC.
//
// Usage:
//
//	dacctl -config board.cfg [options] <command> [args]
//
// Commands:
//
//	status                      print the cached channel state
//	init                        reset and initialize the DAC
//	reset                       software reset
//	voltage CH VOLTS            initialize, then drive CH in voltage mode
//	current CH MICROAMPS        initialize, then drive CH in current mode
//	funcgen CH WAVE [PHASE [SLEW]]
//	                            start the function generator on CH
//	stop CH                     stop the function generator on CH
//	read ADDR                   read a register
//	write ADDR VALUE            write a register
//	serve                       initialize and serve JSON-RPC until interrupted
//
// Options:
//
//	-config string     Board configuration file (required)
//	-log-level string  DEBUG, INFO, WARN or ERROR (default INFO)
//	-log-file string   Also log to a rotating file
//	-timeout duration  Bound for one-shot commands (default 5s)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dacctl/pkg/config"
	"dacctl/pkg/errors"
	"dacctl/pkg/log"
	"dacctl/pkg/metrics"
)

func main() {
	configFile := flag.String("config", "", "Board configuration file (required)")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	logFile := flag.String("log-file", "", "Also write logs to this file, rotated at 1 MB")
	timeout := flag.Duration("timeout", 5*time.Second, "Timeout for one-shot commands")
	flag.Usage = usage
	flag.Parse()

	if *configFile == "" || flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	logger := log.New("dacctl")
	if *logFile != "" {
		l, fw, err := log.NewConsoleAndFileLogger("dacctl", log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fw.Close()
		logger = l
	}
	log.ConfigureFromEnv(logger)
	logger.SetLevel(log.ParseLevel(*logLevel))
	log.SetDefaultLogger(logger)

	board, err := config.LoadBoard(*configFile)
	if err != nil {
		logger.WithError(err).Error("bad board file")
		os.Exit(exitCode(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		cancel()
	}()

	openCtx, openCancel := context.WithTimeout(ctx, *timeout)
	dm := metrics.NewDACMetrics()
	drv, err := openDriver(openCtx, board)
	openCancel()
	if err != nil {
		logger.WithError(err).Error("open failed")
		os.Exit(exitCode(err))
	}
	drv.SetObserver(dm)
	defer drv.Close()

	args := flag.Args()
	if args[0] == "serve" {
		err = serve(ctx, board, drv, dm)
	} else {
		cmdCtx, cmdCancel := context.WithTimeout(ctx, *timeout)
		err = runCommand(cmdCtx, drv, args, os.Stdout)
		cmdCancel()
	}
	if err != nil {
		logger.WithError(err).Error(args[0] + " failed")
		drv.Close()
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: dacctl -config FILE [options] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands: status, init, reset, voltage, current, funcgen, stop, read, write, serve\n\n")
	flag.PrintDefaults()
}

// exitCode maps an error category to a process exit status.
func exitCode(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrParam:
		return 2
	case errors.ErrConfig:
		return 3
	case errors.ErrInit:
		return 4
	case errors.ErrComm, errors.ErrProtocol:
		return 5
	}
	return 1
}
