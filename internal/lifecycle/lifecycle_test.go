package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/models"
	"github.com/atolyecloud/atolye/internal/system"
)

type fakeWorkspaceStore struct {
	running []*models.Workspace

	listErr      error
	setRunning   []int64
	statusCalls  map[int64]models.WorkspaceStatus
	setRunningAt time.Time
}

func (f *fakeWorkspaceStore) ListRunning(ctx context.Context) ([]*models.Workspace, error) {
	return f.running, f.listErr
}

func (f *fakeWorkspaceStore) SetRunning(ctx context.Context, id int64, running bool, at time.Time) error {
	f.setRunning = append(f.setRunning, id)
	f.setRunningAt = at
	return nil
}

func (f *fakeWorkspaceStore) UpdateStatus(ctx context.Context, id int64, status models.WorkspaceStatus, state models.ProvisioningState, progress *string) error {
	if f.statusCalls == nil {
		f.statusCalls = map[int64]models.WorkspaceStatus{}
	}
	f.statusCalls[id] = status
	return nil
}

type fakeSessionStore struct {
	ended []int64
}

func (f *fakeSessionStore) EndSessions(ctx context.Context, workspaceID int64, at time.Time) error {
	f.ended = append(f.ended, workspaceID)
	return nil
}

type fakeController struct {
	stopped []string
	stopErr map[string]error
}

func (f *fakeController) Stop(ctx context.Context, username string) error {
	if err := f.stopErr[username]; err != nil {
		return err
	}
	f.stopped = append(f.stopped, username)
	return nil
}

func ts(t time.Time) *time.Time { return &t }

func TestAutoStopStopsIdleWorkspaces(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	store := &fakeWorkspaceStore{running: []*models.Workspace{
		{ID: 1, LinuxUsername: "acme_idle", AutoStopHours: 4,
			LastAccessedAt: ts(now.Add(-5 * time.Hour))},
		{ID: 2, LinuxUsername: "acme_busy", AutoStopHours: 4,
			LastAccessedAt: ts(now.Add(-1 * time.Hour))},
		// Never accessed, idle since start.
		{ID: 3, LinuxUsername: "acme_fresh", AutoStopHours: 4,
			LastStartedAt: ts(now.Add(-6 * time.Hour))},
		// Auto-stop disabled.
		{ID: 4, LinuxUsername: "acme_pinned", AutoStopHours: 0,
			LastAccessedAt: ts(now.Add(-48 * time.Hour))},
	}}
	sessions := &fakeSessionStore{}
	ctl := &fakeController{}

	job := NewAutoStop(store, sessions, ctl, slog.New(slog.DiscardHandler))
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"acme_idle", "acme_fresh"}, ctl.stopped)
	assert.Equal(t, []int64{1, 3}, store.setRunning)
	assert.Equal(t, []int64{1, 3}, sessions.ended)
	assert.Equal(t, models.WorkspaceStopped, store.statusCalls[1])
}

func TestAutoStopContinuesAfterFailure(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	store := &fakeWorkspaceStore{running: []*models.Workspace{
		{ID: 1, LinuxUsername: "acme_a", AutoStopHours: 1, LastAccessedAt: ts(now.Add(-2 * time.Hour))},
		{ID: 2, LinuxUsername: "acme_b", AutoStopHours: 1, LastAccessedAt: ts(now.Add(-2 * time.Hour))},
	}}
	ctl := &fakeController{stopErr: map[string]error{"acme_a": errors.New("unit busy")}}
	sessions := &fakeSessionStore{}

	job := NewAutoStop(store, sessions, ctl, slog.New(slog.DiscardHandler))
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, []string{"acme_b"}, ctl.stopped)
	assert.Equal(t, []int64{2}, store.setRunning)
}

type fakeSampler struct {
	samples map[string]*ProcessSample
	err     error
}

func (f *fakeSampler) SampleUser(ctx context.Context, username string) (*ProcessSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.samples[username]; ok {
		return s, nil
	}
	return &ProcessSample{}, nil
}

type fakeMetricsStore struct {
	inserted []*models.WorkspaceMetrics
}

func (f *fakeMetricsStore) Insert(ctx context.Context, m *models.WorkspaceMetrics) error {
	f.inserted = append(f.inserted, m)
	return nil
}

type fakeInspector struct {
	states map[string]*system.UnitState
}

func (f *fakeInspector) Show(ctx context.Context, username string) (*system.UnitState, error) {
	if s, ok := f.states[username]; ok {
		return s, nil
	}
	return &system.UnitState{ActiveState: "inactive"}, nil
}

func TestCollectorSamplesRunningWorkspaces(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	store := &fakeWorkspaceStore{running: []*models.Workspace{
		{ID: 7, LinuxUsername: "acme_api"},
	}}
	sampler := &fakeSampler{samples: map[string]*ProcessSample{
		"acme_api": {CPUPercent: 12.5, MemoryMB: 420, MemoryPercent: 5.2, ProcessCount: 9},
	}}
	metrics := &fakeMetricsStore{}
	units := &fakeInspector{states: map[string]*system.UnitState{
		"acme_api": {ActiveState: "active", ActiveEnterTimestamp: now.Add(-90 * time.Second)},
	}}

	job := NewCollector(store, metrics, sampler, units, slog.New(slog.DiscardHandler))
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	require.Len(t, metrics.inserted, 1)

	got := metrics.inserted[0]
	assert.Equal(t, int64(7), got.WorkspaceID)
	assert.Equal(t, 12.5, got.CPUPercent)
	assert.Equal(t, 420.0, got.MemoryMB)
	assert.Equal(t, 9, got.ProcessCount)
	assert.Equal(t, int64(90), got.UptimeSeconds)
	assert.Equal(t, now, got.CollectedAt)
}

func TestCollectorZeroUptimeWhenInactive(t *testing.T) {
	store := &fakeWorkspaceStore{running: []*models.Workspace{
		{ID: 8, LinuxUsername: "acme_web"},
	}}
	metrics := &fakeMetricsStore{}

	job := NewCollector(store, metrics, &fakeSampler{}, &fakeInspector{}, slog.New(slog.DiscardHandler))
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, metrics.inserted, 1)
	assert.Zero(t, metrics.inserted[0].UptimeSeconds)
}

type fakeRetentionStore struct {
	cutoff  time.Time
	deleted int64
}

func (f *fakeRetentionStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, nil
}

func TestRetentionCutoff(t *testing.T) {
	now := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)

	store := &fakeRetentionStore{deleted: 42}
	job := NewRetention(store, 30, slog.New(slog.DiscardHandler))
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, now.AddDate(0, 0, -30), store.cutoff)
}
