package accounting

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var errUnsupported = errors.New("not supported on this platform")

// HostStats are the host figures shown next to storage totals.
type HostStats struct {
	CPUUsagePercent  float64       `json:"cpuUsagePercent"`
	MemoryUsedBytes  uint64        `json:"memoryUsedBytes"`
	MemoryTotalBytes uint64        `json:"memoryTotalBytes"`
	DiskUsedBytes    uint64        `json:"diskUsedBytes"`
	DiskTotalBytes   uint64        `json:"diskTotalBytes"`
	Uptime           time.Duration `json:"uptime"`
}

// HostCollector samples host figures.
type HostCollector interface {
	Collect(ctx context.Context) (HostStats, error)
}

// cpuTimes is a snapshot of aggregate CPU jiffies.
type cpuTimes struct {
	idle  uint64
	total uint64
}

// Host collects figures for the volume holding dir. CPU usage is the busy
// share between consecutive samples; the first sample reports zero.
type Host struct {
	dir   string
	start time.Time

	mu   sync.Mutex
	prev cpuTimes
}

// NewHost creates a collector for the volume holding dir.
func NewHost(dir string) *Host {
	return &Host{dir: dir, start: time.Now()}
}

// Collect samples every figure it can. Partial results come back with an
// error joining what failed.
func (h *Host) Collect(ctx context.Context) (HostStats, error) {
	if err := ctx.Err(); err != nil {
		return HostStats{}, err
	}
	hs := HostStats{Uptime: time.Since(h.start).Round(time.Second)}
	var errs []error

	total, used, err := volumeStats(h.dir)
	if err != nil {
		errs = append(errs, err)
	} else {
		hs.DiskTotalBytes, hs.DiskUsedBytes = total, used
	}

	memUsed, memTotal, err := memoryStats()
	if err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		hs.MemoryUsedBytes, hs.MemoryTotalBytes = memUsed, memTotal
	}

	cur, err := readCPUTimes()
	if err != nil {
		errs = append(errs, fmt.Errorf("cpu: %w", err))
	} else {
		h.mu.Lock()
		hs.CPUUsagePercent = cpuPercent(h.prev, cur)
		h.prev = cur
		h.mu.Unlock()
	}

	return hs, errors.Join(errs...)
}

// cpuPercent is the busy share of the jiffies elapsed between two samples.
func cpuPercent(prev, cur cpuTimes) float64 {
	if prev.total == 0 || cur.total <= prev.total {
		return 0
	}
	total := cur.total - prev.total
	idle := cur.idle - prev.idle
	if idle > total {
		return 0
	}
	return float64(total-idle) / float64(total) * 100
}

// parseCPULine parses the aggregate "cpu" line of /proc/stat. Idle time
// includes iowait.
func parseCPULine(line string) (cpuTimes, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected cpu line %q", line)
	}
	var t cpuTimes
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("cpu field %d: %w", i+1, err)
		}
		t.total += v
		if i == 3 || i == 4 {
			t.idle += v
		}
	}
	return t, nil
}
