package admission

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads host memory and swap usage through gopsutil.
type HostSampler struct{}

// Sample implements Sampler.
func (HostSampler) Sample(ctx context.Context) (Snapshot, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: virtual memory: %w", err)
	}
	snapshot := Snapshot{
		MemoryUsedPercent: vm.UsedPercent,
		MemoryAvailable:   vm.Available,
	}
	// Hosts without swap report an error on some platforms; treat it as zero.
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil && swap.Total > 0 {
		snapshot.SwapUsedPercent = swap.UsedPercent
	}
	return snapshot, nil
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Snapshot, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}
