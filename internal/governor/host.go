package governor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"mediaforge/internal/models"
)

// HostSampler reads load average, logical core count and memory usage from
// the operating system.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (Sample, error) {
	var sample Sample
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return sample, fmt.Errorf("count cpus: %w", err)
	}
	sample.Cores = cores

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return sample, fmt.Errorf("load average: %w", err)
	}
	sample.Load1 = avg.Load1

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, fmt.Errorf("virtual memory: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent
	return sample, nil
}

// Snapshot reports the current host status for the live channel.
func (h HostSampler) Snapshot(ctx context.Context) (models.HostStatus, error) {
	sample, err := h.Sample(ctx)
	if err != nil {
		return models.HostStatus{}, err
	}
	return Status(sample), nil
}
