package monitoring

import (
	"context"
	"io"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/telemetry"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

type WorkerOptions struct {
	NodeName   string
	Interval   time.Duration
	Subscriber SubscriberOptions

	// TelemetryListen exposes /metrics when set
	TelemetryListen string

	Clock clockwork.Clock
}

// Worker runs the event subscriber and both pollers against one shared sink
type Worker struct {
	opts      WorkerOptions
	manager   ProcessManager
	sink      Sink
	requester RestartRequester
	metrics   *telemetry.Metrics
	logger    logging.Logger

	subscriber    *EventSubscriber
	processPoller *ProcessPoller
	systemPoller  *SystemPoller
}

func NewWorker(opts WorkerOptions, manager ProcessManager, sink Sink, stats HostStats,
	requester RestartRequester, metrics *telemetry.Metrics, logger logging.Logger) *Worker {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}

	return &Worker{
		opts:      opts,
		manager:   manager,
		sink:      sink,
		requester: requester,
		metrics:   metrics,
		logger:    logger,

		subscriber: NewEventSubscriber(opts.NodeName, manager, sink, opts.Subscriber, opts.Clock, metrics,
			logging.WithPrefix(logger, "subscriber: ")),
		processPoller: NewProcessPoller(opts.NodeName, manager, sink, opts.Interval, opts.Clock, metrics,
			logging.WithPrefix(logger, "process-poller: ")),
		systemPoller: NewSystemPoller(opts.NodeName, stats, sink, opts.Interval, opts.Clock, metrics,
			logging.WithPrefix(logger, "system-poller: ")),
	}
}

// Run blocks until ctx is done or the event subscription is lost for good.
// Loops stop first; the subscriber has closed its subscription by the time
// they return, then the process manager client and the sink are released.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Infof("Worker starting, node: %s", w.opts.NodeName)

	if w.opts.TelemetryListen != "" {
		telemetryCtx, stopTelemetry := context.WithCancel(ctx)
		defer stopTelemetry()
		go func() {
			if err := w.metrics.Serve(telemetryCtx, w.opts.TelemetryListen, w.logger); err != nil {
				w.logger.Warnf("Telemetry endpoint unavailable: %v", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.subscriber.Run(gctx)
	})
	g.Go(func() error {
		return w.processPoller.Run(gctx)
	})
	g.Go(func() error {
		return w.systemPoller.Run(gctx)
	})
	runErr := g.Wait()

	w.release()

	if errors.Is(runErr, errors.ErrSubscriptionLost) {
		if w.requester != nil {
			if err := w.requester.RequestRestart("event subscription lost"); err != nil {
				w.logger.Errorf("Failed to request restart: %v", err)
			}
		}
		return runErr
	}

	w.logger.Infof("Worker stopped")
	return runErr
}

func (w *Worker) release() {
	if closer, ok := w.manager.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			w.logger.Warnf("Failed to close process manager client: %v", err)
		}
	}
	if err := w.sink.Close(); err != nil {
		w.logger.Warnf("Failed to close dispatcher: %v", err)
	}
}
