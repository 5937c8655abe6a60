package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/core-tools/hsu-procmon-go/pkg/dispatcher"
	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/monitoring"
	"github.com/core-tools/hsu-procmon-go/pkg/pm2"
	"github.com/core-tools/hsu-procmon-go/pkg/supervisor"
	"github.com/core-tools/hsu-procmon-go/pkg/telemetry"
	"github.com/core-tools/hsu-procmon-go/pkg/transport"
)

type workerCommand struct {
	global *globalOptions
}

func (c *workerCommand) Execute(args []string) error {
	cfg, _, err := loadConfig(c.global.Config)
	if err != nil {
		return err
	}

	backend, logger, err := newLogger(cfg, "worker")
	if err != nil {
		return err
	}
	defer backend.Sync()

	// reload is the supervisor's business
	signal.Ignore(syscall.SIGHUP)

	home, err := cfg.PM2Home()
	if err != nil {
		logger.Errorf("Invalid pm2 home: %v", err)
		return exitCode(1)
	}

	metrics := telemetry.New()
	client := pm2.NewClient(home, pm2.ClientOptions{}, logging.WithPrefix(logger, "pm2: "))

	sink, err := dispatcher.Open(cfg.Target, transport.Options{
		Prefix:     cfg.Transport.Prefix,
		Timeout:    cfg.Transport.Timeout,
		FalconStep: cfg.Transport.FalconStep,
	}, metrics, logging.WithPrefix(logger, "dispatcher: "))
	if err != nil {
		client.Close()
		logger.Errorf("Failed to open transport: %v", err)
		return exitCode(1)
	}

	var requester monitoring.RestartRequester
	control, err := supervisor.OpenWorkerControl()
	if err != nil {
		logger.Warnf("Control channel unavailable, restarts can not be requested: %v", err)
	} else if control != nil {
		defer control.Close()
		requester = control
	}

	worker := monitoring.NewWorker(monitoring.WorkerOptions{
		NodeName: cfg.Node,
		Interval: cfg.Refresh,
		Subscriber: monitoring.SubscriberOptions{
			MaxReconnects:  cfg.Subscriber.MaxReconnects,
			InitialBackoff: cfg.Subscriber.InitialBackoff,
			MaxBackoff:     cfg.Subscriber.MaxBackoff,
		},
		TelemetryListen: cfg.Telemetry.Listen,
	}, client, sink, monitoring.NewHostStats(cfg.System.CPUSample), requester, metrics, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	if err := worker.Run(ctx); err != nil {
		if errors.Is(err, errors.ErrSubscriptionLost) {
			logger.Warnf("Exiting for a fresh start: %v", err)
		} else {
			logger.Errorf("Worker failed: %v", err)
		}
		return exitCode(1)
	}
	return nil
}
