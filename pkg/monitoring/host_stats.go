package monitoring

import (
	"context"
	"time"

	"github.com/core-tools/hsu-procmon-go/pkg/errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

const DefaultCPUSample = time.Second

type hostStats struct {
	sample time.Duration
}

// NewHostStats samples CPU over the given interval and memory as total minus free
func NewHostStats(sample time.Duration) HostStats {
	if sample <= 0 {
		sample = DefaultCPUSample
	}
	return &hostStats{sample: sample}
}

func (h *hostStats) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, h.sample, false)
	if err != nil {
		return 0, errors.NewIOError("failed to sample cpu usage", err)
	}
	if len(percents) == 0 {
		return 0, errors.NewIOError("cpu sample is empty", nil)
	}
	return percents[0], nil
}

func (h *hostStats) MemoryUsed(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, errors.NewIOError("failed to read memory usage", err)
	}
	return vm.Total - vm.Free, nil
}
