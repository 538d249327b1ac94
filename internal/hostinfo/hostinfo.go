// Package hostinfo reports host resource usage for the /healthz
// ServerStats snapshot and gates startup on a hardware video encoder
// being present (spec §4.5: "If a hardware encoder is not available
// the server refuses to start"). Narrowed from the teacher's broader
// internal/collectors/metrics.go (disk, network, and process-count
// collection dropped: this server has no disk- or network-capacity
// alerting feature, only a CPU/mem snapshot for operators).
package hostinfo

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/colinmarc/magic-mirror/internal/gpu/vk"
)

// Snapshot is a point-in-time read of host CPU and memory usage.
type Snapshot struct {
	CPUPercent float64 `json:"cpuPercent"`
	RAMPercent float64 `json:"ramPercent"`
	RAMUsedMB  uint64  `json:"ramUsedMb"`
}

// Collect reads current CPU and memory usage. A failed sub-read (e.g.
// /proc unavailable in a sandboxed test environment) leaves the
// corresponding field zero rather than failing the whole snapshot,
// matching the teacher collector's per-metric best-effort shape.
func Collect() Snapshot {
	var s Snapshot

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		s.RAMPercent = vmem.UsedPercent
		s.RAMUsedMB = vmem.Used / 1024 / 1024
	}

	return s
}

// CheckHardwareEncoder is the startup gate spec §4.5 requires: it
// opens (and immediately closes) a vk.Device for caps, returning a
// descriptive error if no queue family advertises H.265 encode.
func CheckHardwareEncoder(caps vk.DeviceCaps) error {
	dev, err := vk.Open(caps)
	if err != nil {
		return fmt.Errorf("hostinfo: hardware encoder preflight failed: %w", err)
	}
	return dev.Close()
}
