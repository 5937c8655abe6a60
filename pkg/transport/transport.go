package transport

import (
	"context"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"

	"github.com/jonboulle/clockwork"
)

// Transport renders envelopes into one wire protocol and transmits them.
// Implementations are safe for concurrent Send calls and Close is idempotent.
type Transport interface {
	Kind() Kind
	Send(ctx context.Context, envelope metric.Envelope) error
	Close() error
}

// Options tunes transport rendering and I/O
type Options struct {
	// Prefix is the root of statsd keys
	Prefix string

	// Timeout bounds a single HTTP push
	Timeout time.Duration

	// FalconStep is the reporting step, in seconds, attached to falcon items
	FalconStep int

	Clock clockwork.Clock
}

const (
	DefaultPrefix     = "pm2"
	DefaultTimeout    = 5 * time.Second
	DefaultFalconStep = 60
)

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.FalconStep <= 0 {
		o.FalconStep = DefaultFalconStep
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// New resolves the transport for a parsed target
func New(target Target, opts Options, logger logging.Logger) (Transport, error) {
	opts = opts.withDefaults()

	switch target.Kind {
	case KindStatsd:
		return newStatsdTransport(target, opts, logger), nil
	case KindFalcon:
		return newFalconTransport(target, opts, logger), nil
	default:
		return nil, errors.NewValidationError("unsupported transport kind", nil).
			WithContext("kind", string(target.Kind))
	}
}
