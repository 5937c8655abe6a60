package monitoring

import (
	"context"
	"io"

	"github.com/core-tools/hsu-procmon-go/pkg/metric"
	"github.com/core-tools/hsu-procmon-go/pkg/pm2"
)

// ProcessManager is the read side of the external process manager
type ProcessManager interface {
	Subscribe(ctx context.Context, handler pm2.EventHandler) (pm2.Subscription, error)
	ListProcesses(ctx context.Context) ([]pm2.ProcessSnapshot, error)
}

// Sender accepts envelopes for delivery; implementations are safe for concurrent use
type Sender interface {
	Send(ctx context.Context, envelope metric.Envelope) error
}

// Sink is the worker's dispatcher: a Sender released on shutdown
type Sink interface {
	Sender
	io.Closer
}

// HostStats samples host-level resource usage
type HostStats interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryUsed(ctx context.Context) (uint64, error)
}

// RestartRequester asks the supervisor to replace this worker
type RestartRequester interface {
	RequestRestart(reason string) error
}
