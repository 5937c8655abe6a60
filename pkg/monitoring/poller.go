package monitoring

import (
	"context"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"
	"github.com/core-tools/hsu-procmon-go/pkg/logging"
	"github.com/core-tools/hsu-procmon-go/pkg/metric"
	"github.com/core-tools/hsu-procmon-go/pkg/telemetry"

	"github.com/jonboulle/clockwork"
)

const DefaultInterval = 5 * time.Second

const (
	loopProcess = "process"
	loopSystem  = "system"
)

// runLoop calls tick once per interval. The next timer is armed only after
// tick returns, so a slow cycle delays the following one instead of overlapping it.
func runLoop(ctx context.Context, clock clockwork.Clock, interval time.Duration, tick func(context.Context)) error {
	timer := clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
		}

		tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(interval)
	}
}

// ProcessPoller reports cpu and memory of every managed process
type ProcessPoller struct {
	node     string
	manager  ProcessManager
	sender   Sender
	interval time.Duration
	clock    clockwork.Clock
	metrics  *telemetry.Metrics
	logger   logging.Logger
}

func NewProcessPoller(node string, manager ProcessManager, sender Sender, interval time.Duration,
	clock clockwork.Clock, metrics *telemetry.Metrics, logger logging.Logger) *ProcessPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &ProcessPoller{
		node:     node,
		manager:  manager,
		sender:   sender,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

func (p *ProcessPoller) Run(ctx context.Context) error {
	p.logger.Infof("Process poller started, interval: %v", p.interval)
	defer p.logger.Infof("Process poller stopped")

	return runLoop(ctx, p.clock, p.interval, func(ctx context.Context) {
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Warnf("Process poll failed: %v", err)
		}
	})
}

// Poll lists the managed processes and sends one envelope per process.
// It returns how many envelopes were accepted by the sender.
func (p *ProcessPoller) Poll(ctx context.Context) (int, error) {
	if p.metrics != nil {
		defer p.metrics.PollCycles.WithLabelValues(loopProcess).Inc()
	}

	snapshots, err := p.manager.ListProcesses(ctx)
	if err != nil {
		return 0, err
	}
	if len(snapshots) == 0 {
		p.logger.Debugf("No managed processes reported")
		return 0, nil
	}

	sent := 0
	for _, snapshot := range snapshots {
		envelope := metric.NewProcessEnvelope(p.node, snapshot.Name, snapshot.PMID, metric.Metrics{
			{Name: metric.CPU, Value: snapshot.Monit.CPU},
			{Name: metric.Memory, Value: snapshot.Monit.Memory},
		})
		if err := p.sender.Send(ctx, envelope); err != nil {
			continue
		}
		sent++
	}
	p.logger.Debugf("Process poll sent %d/%d envelopes", sent, len(snapshots))
	return sent, nil
}

// SystemPoller reports host cpu and memory usage
type SystemPoller struct {
	node     string
	stats    HostStats
	sender   Sender
	interval time.Duration
	clock    clockwork.Clock
	metrics  *telemetry.Metrics
	logger   logging.Logger
}

func NewSystemPoller(node string, stats HostStats, sender Sender, interval time.Duration,
	clock clockwork.Clock, metrics *telemetry.Metrics, logger logging.Logger) *SystemPoller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &SystemPoller{
		node:     node,
		stats:    stats,
		sender:   sender,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

func (p *SystemPoller) Run(ctx context.Context) error {
	p.logger.Infof("System poller started, interval: %v", p.interval)
	defer p.logger.Infof("System poller stopped")

	return runLoop(ctx, p.clock, p.interval, func(ctx context.Context) {
		if err := p.Poll(ctx); err != nil {
			p.logger.Warnf("System poll failed: %v", err)
		}
	})
}

// Poll samples the host and sends a single system envelope
func (p *SystemPoller) Poll(ctx context.Context) error {
	if p.metrics != nil {
		defer p.metrics.PollCycles.WithLabelValues(loopSystem).Inc()
	}

	cpuPercent, err := p.stats.CPUPercent(ctx)
	if err != nil {
		return err
	}
	memoryUsed, err := p.stats.MemoryUsed(ctx)
	if err != nil {
		return err
	}

	envelope := metric.NewSystemEnvelope(p.node, metric.Metrics{
		{Name: metric.CPU, Value: cpuPercent},
		{Name: metric.Memory, Value: float64(memoryUsed)},
	})
	if err := p.sender.Send(ctx, envelope); err != nil {
		return errors.NewNetworkError("system envelope not delivered", err)
	}
	return nil
}
