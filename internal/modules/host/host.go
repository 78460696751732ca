// Package host собирает сведения об узле для getStatus и команды status.
package host

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Info описывает снимок состояния узла и процесса агента.
type Info struct {
	Hostname    string  `json:"hostname"`
	Platform    string  `json:"platform"`
	PlatformVer string  `json:"platformVer"`
	Kernel      string  `json:"kernel"`
	UptimeSec   uint64  `json:"uptime_sec"`
	BootTime    string  `json:"boot_time"`
	MemTotal    uint64  `json:"mem_total"`
	MemUsed     uint64  `json:"mem_used"`
	MemUsedPct  float64 `json:"mem_used_pct"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`
	ProcRSS     uint64  `json:"proc_rss,omitempty"`
	ProcThreads int32   `json:"proc_threads,omitempty"`
}

// Snapshot читает сведения об узле.
func Snapshot(ctx context.Context) (Info, error) {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("memory info: %w", err)
	}
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("load info: %w", err)
	}
	info := Info{
		Hostname:    hInfo.Hostname,
		Platform:    hInfo.Platform,
		PlatformVer: hInfo.PlatformVersion,
		Kernel:      hInfo.KernelVersion,
		UptimeSec:   hInfo.Uptime,
		BootTime:    time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
		MemTotal:    vm.Total,
		MemUsed:     vm.Used,
		MemUsedPct:  vm.UsedPercent,
		Load1:       ld.Load1,
		Load5:       ld.Load5,
		Load15:      ld.Load15,
	}
	// Сведения о процессе необязательны: на части платформ они недоступны.
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			info.ProcRSS = mi.RSS
		}
		if n, err := p.NumThreadsWithContext(ctx); err == nil {
			info.ProcThreads = n
		}
	}
	return info, nil
}

// Probe отдает Snapshot в форме, которую принимает store.HostProbe.
func Probe(ctx context.Context) (any, error) {
	return Snapshot(ctx)
}
