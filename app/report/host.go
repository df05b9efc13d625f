package report

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostStats is a snapshot of system metrics of the host running taskwatch
type HostStats struct {
	CPU      int // percent
	Memory   int // used percent
	Load1    float64
	DiskFree int // free percent on DiskPath
	DiskPath string
}

// String returns one line host summary
func (h HostStats) String() string {
	return fmt.Sprintf("cpu %d%%, memory %d%%, load %.2f, disk free %d%% on %s", h.CPU, h.Memory, h.Load1, h.DiskFree, h.DiskPath)
}

// SystemHost collects host stats with gopsutil
type SystemHost struct {
	DiskPath    string        // "/" if empty
	CPUInterval time.Duration // cpu sampling time, 200ms if not set
}

// Stats collects cpu, memory, load average and disk usage. The first failed metric aborts collection.
func (s SystemHost) Stats(ctx context.Context) (HostStats, error) {
	res := HostStats{DiskPath: s.DiskPath}
	if res.DiskPath == "" {
		res.DiskPath = "/"
	}
	interval := s.CPUInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return HostStats{}, fmt.Errorf("failed to get cpu: %w", err)
	}
	if len(cpuPercent) > 0 {
		res.CPU = int(cpuPercent[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("failed to get memory: %w", err)
	}
	res.Memory = int(vm.UsedPercent)

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return HostStats{}, fmt.Errorf("failed to get load average: %w", err)
	}
	res.Load1 = avg.Load1

	usage, err := disk.UsageWithContext(ctx, res.DiskPath)
	if err != nil {
		return HostStats{}, fmt.Errorf("failed to get disk usage for %s: %w", res.DiskPath, err)
	}
	res.DiskFree = 100 - int(usage.UsedPercent)
	return res, nil
}
