// Package diagnostics reports host-level facts
// for the local status server and agentctl to display alongside
// reconciliation state: none of this feeds back into the reconciler.
package diagnostics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/flowfuse/device-agent/internal/netutil"
)

// HostDiagnostics is a point-in-time snapshot of the device's health.
type HostDiagnostics struct {
	Hostname       string            `json:"hostname"`
	Uptime         time.Duration     `json:"uptime"`
	CPUPercent     float64           `json:"cpuPercent"`
	MemoryUsedPct  float64           `json:"memoryUsedPercent"`
	DiskUsedPct    float64           `json:"diskUsedPercent"`
	ProxyEnv       map[string]string `json:"proxyEnv"`
	ObservedAt     time.Time         `json:"observedAt"`
}

// Collect gathers a HostDiagnostics snapshot for workDir's filesystem.
func Collect(ctx context.Context, workDir string) (HostDiagnostics, error) {
	d := HostDiagnostics{ObservedAt: time.Now(), ProxyEnv: netutil.Environ()}

	info, err := host.InfoWithContext(ctx)
	if err == nil {
		d.Hostname = info.Hostname
		d.Uptime = time.Duration(info.Uptime) * time.Second
	}

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		d.CPUPercent = pcts[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.MemoryUsedPct = vm.UsedPercent
	}

	if du, err := disk.UsageWithContext(ctx, workDir); err == nil {
		d.DiskUsedPct = du.UsedPercent
	}

	return d, nil
}
