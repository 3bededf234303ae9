package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/atolyecloud/atolye/internal/models"
	"github.com/atolyecloud/atolye/internal/system"
)

// ProcessSample aggregates the resource usage of every process owned by
// one workspace account.
type ProcessSample struct {
	CPUPercent    float64
	MemoryMB      float64
	MemoryPercent float64
	ProcessCount  int
}

// ProcessSampler measures per-account process usage.
type ProcessSampler interface {
	SampleUser(ctx context.Context, username string) (*ProcessSample, error)
}

// HostSampler samples via the host process table.
type HostSampler struct{}

// SampleUser sums usage over the account's processes. Processes that
// vanish mid-scan are skipped.
func (HostSampler) SampleUser(ctx context.Context, username string) (*ProcessSample, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	sample := &ProcessSample{}
	for _, p := range procs {
		owner, err := p.UsernameWithContext(ctx)
		if err != nil || owner != username {
			continue
		}
		sample.ProcessCount++
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			sample.CPUPercent += cpu
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			sample.MemoryMB += float64(mem.RSS) / (1024 * 1024)
		}
		if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
			sample.MemoryPercent += float64(pct)
		}
	}
	return sample, nil
}

// MetricsStore persists collected samples.
type MetricsStore interface {
	Insert(ctx context.Context, m *models.WorkspaceMetrics) error
}

// UnitInspector reads service state for uptime accounting.
type UnitInspector interface {
	Show(ctx context.Context, username string) (*system.UnitState, error)
}

// Collector samples resource usage of every running workspace.
type Collector struct {
	workspaces WorkspaceStore
	metrics    MetricsStore
	sampler    ProcessSampler
	units      UnitInspector
	logger     *slog.Logger
	now        func() time.Time
}

// NewCollector builds the metrics collection job.
func NewCollector(workspaces WorkspaceStore, metrics MetricsStore, sampler ProcessSampler, units UnitInspector, logger *slog.Logger) *Collector {
	return &Collector{
		workspaces: workspaces,
		metrics:    metrics,
		sampler:    sampler,
		units:      units,
		logger:     logger.With("job", "metrics_collector"),
		now:        time.Now,
	}
}

// Name implements Job.
func (c *Collector) Name() string { return "metrics_collector" }

// Run records one sample per running workspace. A failure on one
// workspace does not abort the sweep.
func (c *Collector) Run(ctx context.Context) error {
	running, err := c.workspaces.ListRunning(ctx)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	for _, ws := range running {
		if err := c.collect(ctx, ws, now); err != nil {
			c.logger.Error("sample failed",
				"workspace_id", ws.ID,
				"workspace", ws.Name,
				"error", err)
		}
	}
	return nil
}

func (c *Collector) collect(ctx context.Context, ws *models.Workspace, now time.Time) error {
	sample, err := c.sampler.SampleUser(ctx, ws.LinuxUsername)
	if err != nil {
		return err
	}

	var uptime int64
	if state, err := c.units.Show(ctx, ws.LinuxUsername); err == nil {
		if state.ActiveState == "active" && !state.ActiveEnterTimestamp.IsZero() {
			uptime = int64(now.Sub(state.ActiveEnterTimestamp).Seconds())
		}
	}

	return c.metrics.Insert(ctx, &models.WorkspaceMetrics{
		WorkspaceID:   ws.ID,
		CollectedAt:   now,
		CPUPercent:    sample.CPUPercent,
		MemoryMB:      sample.MemoryMB,
		MemoryPercent: sample.MemoryPercent,
		ProcessCount:  sample.ProcessCount,
		UptimeSeconds: uptime,
	})
}
