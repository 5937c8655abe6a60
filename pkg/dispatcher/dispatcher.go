package dispatcher

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"
	"github.com/core-tools/hsu-procmon-go/pkg/telemetry"
	"github.com/core-tools/hsu-procmon-go/pkg/transport"
)

// Dispatcher is the single sink shared by every producer in the worker.
// Send is safe for concurrent use; failures are logged and returned, never retried.
type Dispatcher struct {
	transport transport.Transport
	metrics   *telemetry.Metrics
	logger    logging.Logger

	mutex  sync.RWMutex
	closed bool
}

// New wraps a resolved transport; metrics may be nil
func New(t transport.Transport, metrics *telemetry.Metrics, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		transport: t,
		metrics:   metrics,
		logger:    logger,
	}
}

// Open parses the target URI and builds the matching transport
func Open(target string, opts transport.Options, metrics *telemetry.Metrics, logger logging.Logger) (*Dispatcher, error) {
	parsed, err := transport.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	t, err := transport.New(parsed, opts, logger)
	if err != nil {
		return nil, err
	}
	logger.Infof("Dispatcher ready, transport: %s, target: %s", t.Kind(), parsed)
	return New(t, metrics, logger), nil
}

func (d *Dispatcher) Send(ctx context.Context, envelope metric.Envelope) error {
	if err := envelope.Validate(); err != nil {
		d.logger.Warnf("Dropping invalid envelope: %v", err)
		return err
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.closed {
		return errors.ErrTransportClosed
	}

	kind := string(d.transport.Kind())
	if err := d.transport.Send(ctx, envelope); err != nil {
		if d.metrics != nil {
			d.metrics.EnvelopesFailed.WithLabelValues(kind).Inc()
		}
		d.logger.Errorf("Send failed, transport: %s, node: %s, app: %s, error: %v",
			kind, envelope.NodeName, envelope.AppName, err)
		return err
	}

	if d.metrics != nil {
		d.metrics.EnvelopesSent.WithLabelValues(kind).Inc()
	}
	return nil
}

// Close waits for in-flight sends and closes the transport exactly once
func (d *Dispatcher) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.transport.Close(); err != nil {
		d.logger.Warnf("Transport close failed: %v", err)
		return err
	}
	d.logger.Infof("Dispatcher closed, transport: %s", d.transport.Kind())
	return nil
}
