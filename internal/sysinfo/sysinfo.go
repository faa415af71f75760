package sysinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const cpuSampleWindow = 500 * time.Millisecond

// Snapshot is the host load shown by /status.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Provider samples host statistics.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

type hostProvider struct {
	diskPath string
}

// NewProvider reports disk usage for the filesystem holding diskPath.
func NewProvider(diskPath string) Provider {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostProvider{diskPath: diskPath}
}

func (p *hostProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory usage: %w", err)
	}
	du, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("disk usage: %w", err)
	}

	snap := Snapshot{
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	return snap, nil
}

// FormatUptime renders d as "1d2h3m4s", dropping leading zero units.
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm%ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
