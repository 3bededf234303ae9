package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atolyecloud/atolye/internal/actions"
	"github.com/atolyecloud/atolye/internal/models"
	apierrors "github.com/atolyecloud/atolye/internal/pkg/errors"
	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.WorkspaceActionExecution
	order   []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[uuid.UUID]*models.WorkspaceActionExecution{}}
}

func (s *fakeStore) CreateExecution(_ context.Context, rec *models.WorkspaceActionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *fakeStore) UpdateExecution(_ context.Context, rec *models.WorkspaceActionExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *fakeStore) all() []*models.WorkspaceActionExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.WorkspaceActionExecution, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// stubHandler is a scriptable action handler for executor tests.
type stubHandler struct {
	typ         string
	validateErr error
	failures    int // attempts that error before the first success
	pause       bool

	mu            sync.Mutex
	execCalls     int
	resumeCalls   int
	rollbackCalls int
}

func (h *stubHandler) Meta() actions.Metadata { return actions.Metadata{Type: h.typ} }

func (h *stubHandler) Validate(actions.Params) error { return h.validateErr }

func (h *stubHandler) Execute(context.Context, actions.Params) (*actions.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.execCalls++
	if h.execCalls <= h.failures {
		return nil, errors.New("transient failure")
	}
	res := actions.NewResult("done")
	res.Pause = h.pause
	return res, nil
}

func (h *stubHandler) Resume(context.Context, actions.Params) (*actions.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resumeCalls++
	return actions.NewResult("resumed"), nil
}

func (h *stubHandler) Rollback(context.Context, actions.Params, *actions.Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbackCalls++
	return nil
}

type allTrueProbe struct{}

func (allTrueProbe) FileExists(string) bool      { return true }
func (allTrueProbe) DirectoryExists(string) bool { return true }
func (allTrueProbe) CommandExists(string) bool   { return true }
func (allTrueProbe) EnvVarSet(string) bool       { return false }

func testExecutor(store Store, handlers map[string]*stubHandler) (*Executor, *[]time.Duration) {
	reg := actions.NewRegistry()
	for typ, h := range handlers {
		h := h
		reg.Register(typ, func(actions.Context, execx.Runner) actions.Handler { return h })
	}
	e := New(reg, execx.NewFake(), store, slog.New(slog.DiscardHandler))
	e.probe = allTrueProbe{}
	var slept []time.Duration
	e.sleep = func(d time.Duration) { slept = append(slept, d) }
	return e, &slept
}

func seq(actionID, actionType string, order int, deps ...string) models.TemplateActionSequence {
	return models.TemplateActionSequence{
		ID:           int64(order),
		ActionID:     actionID,
		ActionType:   actionType,
		Order:        order,
		Dependencies: deps,
		MaxAttempts:  1,
		FatalOnError: true,
		Enabled:      true,
	}
}

func TestResolveOrder(t *testing.T) {
	seqs := []models.TemplateActionSequence{
		seq("deploy", "t", 30, "build"),
		seq("build", "t", 20, "checkout"),
		seq("checkout", "t", 10),
		seq("lint", "t", 20, "checkout"),
	}

	ordered, err := resolveOrder(seqs)
	require.NoError(t, err)

	ids := make([]string, len(ordered))
	for i, s := range ordered {
		ids[i] = s.ActionID
	}
	// Ties on order (build vs lint, both 20) break by action_id.
	assert.Equal(t, []string{"checkout", "build", "lint", "deploy"}, ids)
}

func TestResolveOrderCycle(t *testing.T) {
	seqs := []models.TemplateActionSequence{
		seq("a", "t", 1, "b"),
		seq("b", "t", 2, "a"),
	}
	_, err := resolveOrder(seqs)
	assert.ErrorIs(t, err, apierrors.ErrCircularDependency)
}

func TestResolveOrderUnknownDependency(t *testing.T) {
	seqs := []models.TemplateActionSequence{seq("a", "t", 1, "ghost")}
	_, err := resolveOrder(seqs)
	assert.ErrorContains(t, err, "ghost")
}

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore()
	h1 := &stubHandler{typ: "one"}
	h2 := &stubHandler{typ: "two"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h1, "two": h2})

	tmpl := &models.WorkspaceTemplate{ID: 1}
	seqs := []models.TemplateActionSequence{
		seq("first", "one", 1),
		seq("second", "two", 2, "first"),
	}

	report, err := e.Run(context.Background(), tmpl, seqs, actions.Context{WorkspaceID: 5}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"first", "second"}, report.CompletedActionIDs)

	recs := store.all()
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.Equal(t, models.ExecutionCompleted, r.Status)
		assert.Equal(t, int64(5), r.WorkspaceID)
		require.NotNil(t, r.DurationSeconds)
	}
}

func TestRunSkipsDisabledActions(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "one"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h})

	disabled := seq("off", "one", 1)
	disabled.Enabled = false
	seqs := []models.TemplateActionSequence{disabled, seq("on", "one", 2)}

	report, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, seqs, actions.Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, report.CompletedActionIDs)
	assert.Len(t, store.all(), 1)
}

func TestRunConditionFalseSkips(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "one"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h})

	cond := "env_var_set('NEVER_SET')"
	s := seq("guarded", "one", 1)
	s.Condition = &cond

	report, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, []models.TemplateActionSequence{s}, actions.Context{}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"guarded"}, report.SkippedActionIDs)
	assert.Equal(t, 0, h.execCalls)

	recs := store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, models.ExecutionSkipped, recs[0].Status)
}

func TestRunUnresolvableConditionExecutes(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "one"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h})

	cond := "this is (not valid"
	s := seq("guarded", "one", 1)
	s.Condition = &cond

	report, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, []models.TemplateActionSequence{s}, actions.Context{}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 1, h.execCalls)
}

func TestRunRetriesWithExponentialBackoff(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "flaky", failures: 2}
	e, slept := testExecutor(store, map[string]*stubHandler{"flaky": h})

	s := seq("retry-me", "flaky", 1)
	s.MaxAttempts = 3
	s.RetryDelaySeconds = 1
	s.ExponentialBackoff = true

	report, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, []models.TemplateActionSequence{s}, actions.Context{}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, 3, h.execCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)

	recs := store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, 3, recs[0].AttemptNumber)
}

func TestRunValidationFailureIsNotRetried(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "bad", validateErr: errors.New("missing parameter")}
	e, slept := testExecutor(store, map[string]*stubHandler{"bad": h})

	s := seq("invalid", "bad", 1)
	s.MaxAttempts = 3
	s.RetryDelaySeconds = 1

	_, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, []models.TemplateActionSequence{s}, actions.Context{}, nil)
	require.Error(t, err)
	assert.Equal(t, 0, h.execCalls)
	assert.Empty(t, *slept)
}

func TestRunFatalFailureRollsBackCompleted(t *testing.T) {
	store := newFakeStore()
	ok := &stubHandler{typ: "ok"}
	boom := &stubHandler{typ: "boom", failures: 99}
	e, _ := testExecutor(store, map[string]*stubHandler{"ok": ok, "boom": boom})

	tmpl := &models.WorkspaceTemplate{RollbackOnFatalError: true}
	seqs := []models.TemplateActionSequence{
		seq("setup", "ok", 1),
		seq("explode", "boom", 2, "setup"),
	}

	report, err := e.Run(context.Background(), tmpl, seqs, actions.Context{}, nil)
	require.Error(t, err)

	var actErr *apierrors.ActionError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "explode", actErr.ActionID)

	assert.False(t, report.Success)
	assert.True(t, report.RolledBack)
	assert.Equal(t, "explode", report.FailedActionID)
	assert.Equal(t, 1, ok.rollbackCalls)

	recs := store.all()
	require.Len(t, recs, 2)
	assert.Equal(t, models.ExecutionRolledBack, recs[0].Status)
	assert.True(t, recs[0].RollbackAttempted)
	assert.True(t, recs[0].RollbackSuccessful)
	assert.Equal(t, models.ExecutionFailed, recs[1].Status)
	require.NotNil(t, recs[1].ErrorMessage)
}

func TestRunNonFatalFailureContinues(t *testing.T) {
	store := newFakeStore()
	boom := &stubHandler{typ: "boom", failures: 99}
	ok := &stubHandler{typ: "ok"}
	e, _ := testExecutor(store, map[string]*stubHandler{"boom": boom, "ok": ok})

	soft := seq("soft-fail", "boom", 1)
	soft.FatalOnError = false
	seqs := []models.TemplateActionSequence{soft, seq("after", "ok", 2)}

	report, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, seqs, actions.Context{}, nil)
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"after"}, report.CompletedActionIDs)
}

func TestRunPauseAndResume(t *testing.T) {
	store := newFakeStore()
	key := &stubHandler{typ: "key"}
	verify := &stubHandler{typ: "verify", pause: true}
	done := &stubHandler{typ: "done"}
	e, _ := testExecutor(store, map[string]*stubHandler{"key": key, "verify": verify, "done": done})

	tmpl := &models.WorkspaceTemplate{}
	seqs := []models.TemplateActionSequence{
		seq("generate", "key", 1),
		seq("confirm", "verify", 2, "generate"),
		seq("finish", "done", 3, "confirm"),
	}
	wc := actions.Context{WorkspaceID: 9}

	report, err := e.Run(context.Background(), tmpl, seqs, wc, nil)
	require.NoError(t, err)
	assert.True(t, report.Paused)
	assert.Equal(t, 1, report.ResumeCursor)
	assert.Equal(t, "confirm", report.PausedActionID)
	assert.Equal(t, 0, done.execCalls)

	resumed, err := e.Resume(context.Background(), tmpl, seqs, wc, report.ResumeCursor, nil)
	require.NoError(t, err)
	assert.True(t, resumed.Success)
	assert.Equal(t, 1, verify.resumeCalls)
	assert.Equal(t, 1, verify.execCalls, "execute runs only before the pause")
	assert.Equal(t, 1, done.execCalls)
	assert.Equal(t, []string{"confirm", "finish"}, resumed.CompletedActionIDs)
}

func TestResumeCursorOutOfRange(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "one"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h})

	_, err := e.Resume(context.Background(), &models.WorkspaceTemplate{}, []models.TemplateActionSequence{seq("a", "one", 1)}, actions.Context{}, 5, nil)
	assert.ErrorIs(t, err, apierrors.ErrStateTransition)
}

func TestRunCycleProducesNoRecords(t *testing.T) {
	store := newFakeStore()
	h := &stubHandler{typ: "one"}
	e, _ := testExecutor(store, map[string]*stubHandler{"one": h})

	seqs := []models.TemplateActionSequence{
		seq("a", "one", 1, "b"),
		seq("b", "one", 2, "a"),
	}
	_, err := e.Run(context.Background(), &models.WorkspaceTemplate{}, seqs, actions.Context{}, nil)
	assert.ErrorIs(t, err, apierrors.ErrCircularDependency)
	assert.Empty(t, store.all())
}
