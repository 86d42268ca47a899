package health

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceSample is the point-in-time process/host resource reading
// surfaced on /status (SPEC_FULL.md §C.8: operational visibility beyond
// the original's bare healthy/status/error_count triple).
type ResourceSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
}

// SampleResources takes a non-blocking host CPU/memory reading. Errors are
// swallowed to a zero sample: resource sampling must never make /status
// itself unhealthy.
func SampleResources() ResourceSample {
	var sample ResourceSample

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemoryPercent = vm.UsedPercent
		sample.MemoryUsedMB = vm.Used / (1024 * 1024)
	}

	return sample
}
