package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"
	"github.com/core-tools/hsu-procmon-go/pkg/pm2"
	"github.com/core-tools/hsu-procmon-go/pkg/telemetry"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxReconnects  = 10
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
)

type SubscriberOptions struct {
	// MaxReconnects bounds reconnects, failed or dropped, not separated by a
	// stream that stayed up for MaxBackoff
	MaxReconnects  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o SubscriberOptions) withDefaults() SubscriberOptions {
	if o.MaxReconnects <= 0 {
		o.MaxReconnects = DefaultMaxReconnects
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

// Translate maps a lifecycle event to its envelope. Exit events also carry
// uptime (event time minus process start) and both restart counters.
func Translate(node string, event pm2.LifecycleEvent) metric.Envelope {
	envelope := metric.NewEventEnvelope(node, event.Process.Name, event.Process.PMID, event.Event)
	if event.Event == metric.EventExit {
		envelope.ProcessMetrics = metric.Metrics{
			{Name: metric.Uptime, Value: float64(event.At - event.Process.PMUptime)},
			{Name: metric.PlannedRestartCount, Value: float64(event.Process.RestartTime)},
			{Name: metric.UnstableRestartCount, Value: float64(event.Process.UnstableRestarts)},
		}
	}
	return envelope
}

// EventSubscriber forwards lifecycle events to the sender, one at a time
type EventSubscriber struct {
	node    string
	manager ProcessManager
	sender  Sender
	opts    SubscriberOptions
	clock   clockwork.Clock
	metrics *telemetry.Metrics
	logger  logging.Logger
}

func NewEventSubscriber(node string, manager ProcessManager, sender Sender, opts SubscriberOptions,
	clock clockwork.Clock, metrics *telemetry.Metrics, logger logging.Logger) *EventSubscriber {
	return &EventSubscriber{
		node:    node,
		manager: manager,
		sender:  sender,
		opts:    opts.withDefaults(),
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Run keeps a subscription open until ctx is done. Failed attempts and
// dropped streams draw on one exponential backoff, which is reset only once
// a stream has stayed up for MaxBackoff. When the reconnect budget is spent
// Run returns an error wrapping ErrSubscriptionLost.
func (s *EventSubscriber) Run(ctx context.Context) error {
	policy := s.newBackOff()
	timer := &clockTimer{clock: s.clock}
	defer timer.Stop()

	for attempt := 1; ; attempt++ {
		if attempt > 1 && s.metrics != nil {
			s.metrics.SubscriptionReconnect.Inc()
		}

		started := s.clock.Now()
		sub, err := s.manager.Subscribe(ctx, s.handle(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
		} else {
			s.logger.Infof("Subscribed to process events")
			select {
			case <-ctx.Done():
				sub.Close()
				s.logger.Infof("Event subscription closed")
				return nil
			case <-sub.Done():
				err = sub.Err()
				sub.Close()
			}
			lifetime := s.clock.Since(started)
			s.logger.Warnf("Event stream ended after %v: %v", lifetime, err)
			if lifetime >= s.opts.MaxBackoff {
				policy.Reset()
			}
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			s.logger.Errorf("Event subscription lost after %d reconnect attempts: %v", s.opts.MaxReconnects, err)
			return fmt.Errorf("%w: %v", errors.ErrSubscriptionLost, err)
		}
		s.logger.Warnf("Subscribe attempt %d failed, retrying in %v: %v", attempt, wait, err)

		timer.Start(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C():
		}
	}
}

func (s *EventSubscriber) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Clock = s.clock
	policy.Reset()
	return backoff.WithMaxRetries(policy, uint64(s.opts.MaxReconnects))
}

func (s *EventSubscriber) handle(ctx context.Context) pm2.EventHandler {
	return func(event pm2.LifecycleEvent) {
		if s.metrics != nil {
			s.metrics.LifecycleEvents.WithLabelValues(event.Event).Inc()
		}
		envelope := Translate(s.node, event)
		if err := s.sender.Send(ctx, envelope); err != nil {
			s.logger.Debugf("Event %s of %s dropped: %v", event.Event, envelope.AppName, err)
			return
		}
		s.logger.Debugf("Sent event %s, app: %s, id: %d", event.Event, envelope.AppName, envelope.ProcessID)
	}
}

// clockTimer drives reconnect waits from an injectable clock
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(duration time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(duration)
		return
	}
	t.timer.Reset(duration)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
