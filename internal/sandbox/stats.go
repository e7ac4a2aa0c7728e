package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// Stats returns a normalized resource snapshot for a running sandbox.
func (d *Driver) Stats(ctx context.Context, sandboxID string) (*Stats, error) {
	release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := d.cli.ContainerStatsOneShot(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", sandboxID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", sandboxID, err)
	}

	return normalizeStats(&raw), nil
}

// normalizeStats converts the engine's raw counters into percentages the
// way the docker CLI does.
func normalizeStats(raw *container.StatsResponse) *Stats {
	s := &Stats{
		MemoryBytes: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}

	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryBytes) / float64(s.MemoryLimit) * 100.0
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if onlineCPUs > 0 {
			s.CPUPercent = cpuDelta / systemDelta * onlineCPUs * 100.0
		}
	}

	return s
}
