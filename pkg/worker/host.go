package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
)

// DefaultWorkerID is host-pid, unique per process on a host
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// logHostInfo records the capacity the worker starts on
func logHostInfo(logger *logging.Logger) {
	fields := logging.Fields{}
	if n, err := cpu.Counts(true); err == nil {
		fields["cpu_threads"] = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["ram_total_bytes"] = vm.Total
		fields["ram_available_bytes"] = vm.Available
	}
	logger.Info("Host capacity", fields)
}

// sampleHost feeds CPU and memory utilisation into m until ctx is done
func sampleHost(ctx context.Context, m *metrics.Metrics, every time.Duration) {
	if m == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var cpuPct, memPct float64
		if pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pct) > 0 {
			cpuPct = pct[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			memPct = vm.UsedPercent
		}
		m.Host(cpuPct, memPct)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepWorkDir removes per-job directories older than maxAge, left behind
// when a previous worker process died mid-job. Returns how many were removed.
func SweepWorkDir(dir string, maxAge time.Duration, logger *logging.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read work dir %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.Warn("Failed to remove stale job dir", logging.Fields{"path": path, "error": err})
			continue
		}
		removed++
	}
	return removed, nil
}
