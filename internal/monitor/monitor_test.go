package monitor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock *clock
	store *store.Store
	svc   *service.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(c.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	r, err := router.New(router.DefaultFamilies(), "claude")
	require.NoError(t, err)
	return &fixture{clock: c, store: st, svc: service.New(st, r)}
}

func (f *fixture) monitor(cfg Config, gauges *metrics.Gauges) *Monitor {
	cfg.Clock = f.clock.Now
	return New(cfg, f.store, f.svc, nil, gauges)
}

func (f *fixture) create(t *testing.T, tt store.TaskType) *store.Task {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), service.CreateRequest{
		Direction: "work on " + string(tt),
		TaskType:  string(tt),
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) finish(t *testing.T, status store.TaskStatus) *store.Task {
	t.Helper()
	ctx := context.Background()
	task := f.create(t, store.TypeImplement)
	_, err := f.store.ClaimTask(ctx, task.ID, "w1")
	require.NoError(t, err)
	out := "output"
	task, err = f.store.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &status, Output: &out})
	require.NoError(t, err)
	return task
}

func TestEvaluate_Healthy(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)

	att, err := m.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, att.Stuck)
	assert.False(t, att.RepeatedFailures)
	assert.False(t, att.LowSuccessRate)
	assert.Empty(t, att.Flags)
	assert.NotNil(t, att.Flags)
}

// Three consecutive failures raise one issue; a fourth check raises no
// duplicate.
func TestCheck_RepeatedFailures(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	f.finish(t, store.StatusFailed)
	f.finish(t, store.StatusFailed)
	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, att.RepeatedFailures, "two failures are below the threshold")

	f.finish(t, store.StatusFailed)
	report, err := m.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Attention.RepeatedFailures)
	assert.Contains(t, report.Attention.Flags, CondRepeatedFailures)
	require.Len(t, report.Opened, 1)
	assert.Equal(t, CondRepeatedFailures, report.Opened[0].Condition)
	assert.Equal(t, "critical", report.Opened[0].Severity)
	assert.Nil(t, report.Opened[0].HealTaskID, "auto-fix is off")

	report, err = m.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Opened)

	open, err := f.store.OpenIssues(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCheck_ResolvesClearedConditions(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.finish(t, store.StatusFailed)
	}
	_, err := m.Check(ctx)
	require.NoError(t, err)

	f.finish(t, store.StatusCompleted)
	report, err := m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.Attention.RepeatedFailures)
	require.Len(t, report.Resolved, 1)
	assert.Equal(t, CondRepeatedFailures, report.Resolved[0].Condition)

	open, err := f.store.OpenIssues(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
	resolved, err := f.store.ResolvedIssues(ctx, 10)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.NotNil(t, resolved[0].ResolvedAt)
}

func TestCheck_AutoFixCreatesEscalatedHealTask(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{AutoFix: true}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.finish(t, store.StatusFailed)
	}
	report, err := m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Opened, 1)
	require.NotNil(t, report.Opened[0].HealTaskID)

	heal, err := f.store.GetTask(ctx, *report.Opened[0].HealTaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TypeHeal, heal.TaskType)
	assert.Equal(t, string(router.TierEscalated), heal.Tier)
	assert.Equal(t, CondRepeatedFailures, heal.ContextString(store.CtxHealFor))
	assert.Equal(t, report.Opened[0].ID, heal.ContextString(store.CtxIssueID))

	open, err := f.store.OpenIssues(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotNil(t, open[0].HealTaskID)
	assert.Equal(t, heal.ID, *open[0].HealTaskID)

	// the pending heal task must not spawn another one
	_, err = m.Check(ctx)
	require.NoError(t, err)
	heals, _, err := f.store.ListTasks(ctx, store.TaskFilter{TaskType: store.TypeHeal}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, heals, 1)
}

// A pending task with no worker alive is flagged only once it has waited
// past the threshold.
func TestEvaluate_Stuck(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	f.create(t, store.TypeDesign)
	f.clock.Advance(5 * time.Minute)
	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, att.Stuck)

	f.clock.Advance(6 * time.Minute)
	att, err = m.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, att.Stuck)
	assert.Equal(t, []string{CondStuck}, att.Flags)
	require.Len(t, att.Findings, 1)
	assert.Contains(t, att.Findings[0].Message, "1 pending")
}

func TestEvaluate_NotStuckWhileRunning(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	running := f.create(t, store.TypeDesign)
	_, err := f.store.ClaimTask(ctx, running.ID, "w1")
	require.NoError(t, err)
	f.create(t, store.TypeTest)
	f.clock.Advance(20 * time.Minute)

	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, att.Stuck)
}

func TestEvaluate_StuckWithExpiredClaim(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	running := f.create(t, store.TypeDesign)
	_, err := f.store.ClaimTask(ctx, running.ID, "w1")
	require.NoError(t, err)
	f.create(t, store.TypeTest)
	f.clock.Advance(store.DefaultClaimTTL + time.Minute)

	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, att.Stuck, "a dead worker's claim does not count as running")
}

func TestEvaluate_StuckWithUnclaimedResumedTask(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	paused := f.create(t, store.TypeDesign)
	_, err := f.store.ClaimTask(ctx, paused.ID, "w1")
	require.NoError(t, err)
	status := store.StatusNeedsDecision
	prompt := "which database?"
	_, err = f.store.UpdateTask(ctx, paused.ID, store.TaskPatch{Status: &status, DecisionPrompt: &prompt})
	require.NoError(t, err)
	decision := "sqlite"
	resumed, err := f.store.UpdateTask(ctx, paused.ID, store.TaskPatch{Decision: &decision})
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, resumed.Status)
	require.Nil(t, resumed.ClaimedBy)

	f.create(t, store.TypeTest)
	f.clock.Advance(11 * time.Minute)

	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, att.Stuck, "a resumed task nobody has picked up is not progress")
}

func TestEvaluate_LowSuccessRate(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	// 7 of 9: below the sample floor
	for i := 0; i < 7; i++ {
		f.finish(t, store.StatusCompleted)
	}
	f.finish(t, store.StatusFailed)
	f.finish(t, store.StatusFailed)
	att, err := m.Evaluate(ctx)
	require.NoError(t, err)
	assert.False(t, att.LowSuccessRate)

	// 8 of 11
	f.finish(t, store.StatusCompleted)
	f.finish(t, store.StatusFailed)
	att, err = m.Evaluate(ctx)
	require.NoError(t, err)
	assert.True(t, att.LowSuccessRate)
	assert.False(t, att.RepeatedFailures)
}

func TestEvaluate_UpdatesGauges(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	gauges := metrics.NewGauges(reg)
	m := f.monitor(Config{}, gauges)

	for i := 0; i < 3; i++ {
		f.finish(t, store.StatusFailed)
	}
	f.create(t, store.TypeDesign)

	_, err := m.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.Attention.WithLabelValues(CondRepeatedFailures)))
	assert.Equal(t, 0.0, testutil.ToFloat64(gauges.Attention.WithLabelValues(CondStuck)))
	assert.Equal(t, 3.0, testutil.ToFloat64(gauges.Tasks.WithLabelValues(string(store.StatusFailed))))
	assert.Equal(t, 1.0, testutil.ToFloat64(gauges.Tasks.WithLabelValues(string(store.StatusPending))))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	m := f.monitor(Config{}, nil)
	ctx := context.Background()

	pending := f.create(t, store.TypeDesign)
	done := f.finish(t, store.StatusCompleted)

	ps, err := m.Snapshot(ctx, "default")
	require.NoError(t, err)
	require.Len(t, ps.Pending, 1)
	assert.Equal(t, pending.ID, ps.Pending[0].ID)
	assert.Empty(t, ps.Running)
	require.Len(t, ps.RecentlyCompleted, 1)
	assert.Equal(t, done.ID, ps.RecentlyCompleted[0].ID)
	require.NotNil(t, ps.State)
	assert.Equal(t, "default", ps.State.Name)
	assert.Empty(t, ps.State.Items, "no scheduler has run yet")
	assert.NotNil(t, ps.Attention)
	assert.Equal(t, 1, ps.Counts[store.StatusCompleted])
}
