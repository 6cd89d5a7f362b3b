package async

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/handoff/errors"
)

// SystemMetrics reports job counts alongside host memory usage
type SystemMetrics struct {
	JobsPending   int     `json:"jobs_pending"`    // Registered, not yet started
	JobsRunning   int     `json:"jobs_running"`    // Records in running state
	JobsAttached  int     `json:"jobs_attached"`   // Jobs with a task still executing in this process
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
}

// memoryWarnPercent is the utilization above which MemoryPressure warns
const memoryWarnPercent = 90.0

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// Metrics returns current job counts and memory usage. Memory fields stay
// zero when the host does not report them.
func (s *Scheduler) Metrics() SystemMetrics {
	stats := s.store.Stats()
	m := SystemMetrics{
		JobsPending:  stats[JobStatusPending],
		JobsRunning:  stats[JobStatusRunning],
		JobsAttached: s.Running(),
	}

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}
	return m
}

// MemoryPressure returns a warning when host memory is nearly exhausted,
// or "" when it is fine or cannot be read.
func MemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return "" // Can't check, assume OK
	}
	return memoryWarning(total, available)
}

func memoryWarning(total, available uint64) string {
	if available > total {
		return ""
	}
	totalGB := float64(total) / 1024 / 1024 / 1024
	usedGB := float64(total-available) / 1024 / 1024 / 1024
	percent := usedGB / totalGB * 100
	if percent < memoryWarnPercent {
		return ""
	}
	return fmt.Sprintf(
		"Memory utilization is %.0f%% (%.1f/%.1fGB). "+
			"Background jobs may be slow or killed by the OS.",
		percent, usedGB, totalGB)
}
