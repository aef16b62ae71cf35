package main

import (
	"context"
	"time"

	"dacctl/pkg/config"
	"dacctl/pkg/dac63004w"
	"dacctl/pkg/log"
	"dacctl/pkg/metrics"
	"dacctl/pkg/rpc"
)

// serve initializes the DAC, starts the control server and, when
// configured, the metrics server, then blocks until ctx is cancelled.
func serve(ctx context.Context, b *config.Board, drv *dac63004w.Driver, dm *metrics.DACMetrics) error {
	logger := log.GetLogger("serve")

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := drv.Initialize(initCtx)
	cancel()
	if err != nil {
		return err
	}

	srv := rpc.New(rpc.Config{Addr: b.RPCAddress, Device: drv, Observer: dm})
	if err := srv.Start(); err != nil {
		return err
	}

	var ms *metrics.Server
	if b.MetricsAddress != "" {
		cfg := metrics.DefaultServerConfig()
		cfg.Address = b.MetricsAddress
		ms = metrics.NewServer(dm, cfg)
		ms.SetReadyCheck(func() bool { return drv.Status().Initialized })
		if err := ms.Start(); err != nil {
			srv.Stop(context.Background())
			return err
		}
	}

	logger.WithField("rpc", srv.Addr().String()).Info("ready, press Ctrl+C to stop")
	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if ms != nil {
		ms.Shutdown(stopCtx)
	}
	return srv.Stop(stopCtx)
}
