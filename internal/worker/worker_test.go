package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/router"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

func testService(t *testing.T, opts ...store.Option) *service.Service {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), opts...)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r, err := router.New(router.DefaultFamilies(), "claude")
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	return service.New(st, r)
}

func createTask(t *testing.T, svc *service.Service, tt string, taskCtx map[string]any) *store.Task {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), service.CreateRequest{
		Direction: "work on " + tt,
		TaskType:  tt,
		Context:   taskCtx,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func testConfig() Config {
	return Config{
		ID:               "worker-test",
		PollInterval:     10 * time.Millisecond,
		RetryAttempts:    3,
		RetryBase:        time.Millisecond,
		ProgressInterval: time.Nanosecond,
		Timeout:          func(*store.Task) time.Duration { return 30 * time.Second },
	}
}

// fakeExecutor replays scripted stdout lines and returns a fixed outcome.
type fakeExecutor struct {
	mu       sync.Mutex
	lines    []string
	err      error
	requests []agent.Request
}

func (f *fakeExecutor) Run(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	var out strings.Builder
	for _, l := range f.lines {
		if req.OnLine != nil {
			req.OnLine(l)
		}
		out.WriteString(l + "\n")
	}
	resp := &agent.Response{Output: out.String(), Duration: time.Millisecond}
	var fail *agent.ExecutionFailure
	if errors.As(f.err, &fail) {
		resp.ExitCode = fail.ExitCode
	}
	return resp, f.err
}

func pollOnce(t *testing.T, w *Worker) {
	t.Helper()
	worked, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !worked {
		t.Fatal("expected the worker to pick up a task")
	}
}

func TestPoll_Completes(t *testing.T) {
	svc := testService(t)
	task := createTask(t, svc, "implement", nil)
	exec := &fakeExecutor{lines: []string{"PROGRESS: 50 halfway", "all done"}}
	w := New(testConfig(), svc, exec, nil, nil)

	pollOnce(t, w)

	got, _ := svc.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Output == nil || !strings.Contains(*got.Output, "all done") {
		t.Errorf("output not recorded: %v", got.Output)
	}
	if got.ProgressPct == nil || *got.ProgressPct != 50 || *got.CurrentStep != "halfway" {
		t.Errorf("progress not persisted: %v %v", got.ProgressPct, got.CurrentStep)
	}

	req := exec.requests[0]
	if req.Command[0] != "claude" || !strings.Contains(req.Instruction, task.Direction) {
		t.Errorf("unexpected request %+v", req)
	}
}

type recordingCheckpoint struct {
	messages []string
	err      error
}

func (r *recordingCheckpoint) Commit(_ context.Context, message string) (bool, error) {
	r.messages = append(r.messages, message)
	return r.err == nil, r.err
}

func TestPoll_Checkpoint(t *testing.T) {
	svc := testService(t)
	cp := &recordingCheckpoint{}
	cfg := testConfig()
	cfg.Checkpoint = cp
	w := New(cfg, svc, &fakeExecutor{lines: []string{"edited files"}}, nil, nil)

	impl := createTask(t, svc, "implement", nil)
	pollOnce(t, w)
	createTask(t, svc, "review", nil)
	pollOnce(t, w)

	if len(cp.messages) != 1 {
		t.Fatalf("expected one checkpoint for the implement task, got %v", cp.messages)
	}
	if !strings.HasPrefix(cp.messages[0], "forge: implement "+impl.ID[:8]) {
		t.Errorf("unexpected commit message %q", cp.messages[0])
	}
}

func TestPoll_CheckpointFailureKeepsTaskCompleted(t *testing.T) {
	svc := testService(t)
	cfg := testConfig()
	cfg.Checkpoint = &recordingCheckpoint{err: errors.New("not a repository")}
	w := New(cfg, svc, &fakeExecutor{lines: []string{"done"}}, nil, nil)

	task := createTask(t, svc, "heal", nil)
	pollOnce(t, w)

	got, _ := svc.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestPoll_NothingToDo(t *testing.T) {
	svc := testService(t)
	w := New(testConfig(), svc, &fakeExecutor{}, nil, nil)
	worked, err := w.Poll(context.Background())
	if err != nil || worked {
		t.Fatalf("expected idle poll, got worked=%v err=%v", worked, err)
	}
}

func TestPoll_TypeFilter(t *testing.T) {
	svc := testService(t)
	createTask(t, svc, "design", nil)
	cfg := testConfig()
	cfg.Types = []store.TaskType{store.TypeReview}
	w := New(cfg, svc, &fakeExecutor{lines: []string{"x"}}, nil, nil)

	worked, _ := w.Poll(context.Background())
	if worked {
		t.Error("worker filtered to review must not pick up a design task")
	}
}

func TestPoll_Classification(t *testing.T) {
	tests := []struct {
		name       string
		exec       *fakeExecutor
		wantStatus store.TaskStatus
		wantOutput string
	}{
		{
			name:       "non-zero exit",
			exec:       &fakeExecutor{lines: []string{"compiling"}, err: &agent.ExecutionFailure{ExitCode: 2, Stderr: "syntax error"}},
			wantStatus: store.StatusFailed,
			wantOutput: "syntax error",
		},
		{
			name:       "timeout",
			exec:       &fakeExecutor{lines: []string{"still going"}, err: fmt.Errorf("%w after 30s", agent.ErrExecutionTimeout)},
			wantStatus: store.StatusFailed,
			wantOutput: "[timeout after 30s]",
		},
		{
			name:       "empty output",
			exec:       &fakeExecutor{},
			wantStatus: store.StatusFailed,
			wantOutput: "no output",
		},
		{
			name:       "decision requested",
			exec:       &fakeExecutor{lines: []string{"NEEDS_DECISION: Postgres or SQLite?"}},
			wantStatus: store.StatusNeedsDecision,
			wantOutput: "NEEDS_DECISION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t)
			task := createTask(t, svc, "implement", nil)
			w := New(testConfig(), svc, tt.exec, nil, nil)

			pollOnce(t, w)

			got, _ := svc.GetTask(context.Background(), task.ID)
			if got.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, got.Status)
			}
			if got.Output == nil || !strings.Contains(*got.Output, tt.wantOutput) {
				t.Errorf("expected output containing %q, got %v", tt.wantOutput, got.Output)
			}
		})
	}
}

func TestPoll_ResumeAfterDecision(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	task := createTask(t, svc, "design", nil)

	asking := &fakeExecutor{lines: []string{"NEEDS_DECISION: Which DB?"}}
	pollOnce(t, New(testConfig(), svc, asking, nil, nil))

	decision := "SQLite"
	if _, err := svc.UpdateTask(ctx, task.ID, store.TaskPatch{Decision: &decision}); err != nil {
		t.Fatalf("decide: %v", err)
	}

	resumed := &fakeExecutor{lines: []string{"design written"}}
	pollOnce(t, New(testConfig(), svc, resumed, nil, nil))

	if !strings.Contains(resumed.requests[0].Instruction, "The operator answered: SQLite") {
		t.Errorf("decision not appended to instruction:\n%s", resumed.requests[0].Instruction)
	}
	got, _ := svc.GetTask(ctx, task.ID)
	if got.Status != store.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestPoll_FinishOnDecision(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()
	task := createTask(t, svc, "review", map[string]any{store.CtxFinishOnDecision: true})

	pollOnce(t, New(testConfig(), svc, &fakeExecutor{lines: []string{"NEEDS_DECISION: Ship?"}}, nil, nil))
	decision := "approved by operator"
	svc.UpdateTask(ctx, task.ID, store.TaskPatch{Decision: &decision})

	exec := &fakeExecutor{}
	pollOnce(t, New(testConfig(), svc, exec, nil, nil))

	if len(exec.requests) != 0 {
		t.Error("executor must not run when finishing on decision")
	}
	got, _ := svc.GetTask(ctx, task.ID)
	if got.Status != store.StatusCompleted || *got.Output != decision {
		t.Errorf("expected completed with decision output, got %s %v", got.Status, got.Output)
	}
}

// flakyService fails the first n calls of each method with a transport error.
type flakyService struct {
	TaskService
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyService) NextClaimable(ctx context.Context, types []store.TaskType) (*store.Task, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return f.TaskService.NextClaimable(ctx, types)
}

func TestPoll_RetriesTransientErrors(t *testing.T) {
	svc := testService(t)
	createTask(t, svc, "test", nil)
	flaky := &flakyService{TaskService: svc, failures: 2}
	w := New(testConfig(), flaky, &fakeExecutor{lines: []string{"TESTS: PASS"}}, nil, nil)

	pollOnce(t, w)
	if flaky.calls != 3 {
		t.Errorf("expected 3 calls (2 retries), got %d", flaky.calls)
	}
}

func TestPoll_GivesUpAfterRetries(t *testing.T) {
	svc := testService(t)
	flaky := &flakyService{TaskService: svc, failures: 100}
	w := New(testConfig(), flaky, &fakeExecutor{}, nil, nil)

	worked, err := w.Poll(context.Background())
	if err == nil || worked {
		t.Fatalf("expected an error after exhausting retries, got worked=%v err=%v", worked, err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", flaky.calls)
	}
}

// conflictService always loses the claim race.
type conflictService struct {
	TaskService
	claims int
}

func (c *conflictService) ClaimTask(_ context.Context, id, _ string) (*store.Task, error) {
	c.claims++
	return nil, &store.ConflictError{ID: id, Owner: "someone-else"}
}

func TestPoll_ConflictIsNotAnError(t *testing.T) {
	svc := testService(t)
	createTask(t, svc, "implement", nil)
	cs := &conflictService{TaskService: svc}
	exec := &fakeExecutor{lines: []string{"x"}}
	w := New(testConfig(), cs, exec, nil, nil)

	worked, err := w.Poll(context.Background())
	if err != nil {
		t.Fatalf("conflict must not surface as an error: %v", err)
	}
	if !worked {
		t.Error("a lost race should poll again immediately")
	}
	if cs.claims != 1 {
		t.Errorf("conflicts are not retried with backoff, got %d claim calls", cs.claims)
	}
	if len(exec.requests) != 0 {
		t.Error("executor must not run without a claim")
	}
}

func TestPool_RunsUntilCancelled(t *testing.T) {
	svc := testService(t)
	for i := 0; i < 4; i++ {
		createTask(t, svc, "implement", nil)
	}
	exec := &fakeExecutor{lines: []string{"done"}}
	pool := NewPool(PoolConfig{Count: 2, Worker: testConfig(), Service: svc, Executor: exec})

	if len(pool.Workers()) != 2 || pool.Workers()[0].ID() == pool.Workers()[1].ID() {
		t.Fatal("expected two workers with distinct ids")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, _ := svc.ListTasks(context.Background(), service.ListRequest{Status: "completed"})
		if res != nil && res.Total == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	res, _ := svc.ListTasks(context.Background(), service.ListRequest{Status: "completed"})
	if res.Total != 4 {
		t.Errorf("expected 4 completed tasks, got %d", res.Total)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.requests) != 4 {
		t.Errorf("each task must execute exactly once, got %d runs", len(exec.requests))
	}
}

// quietExecutor runs for a fixed time without printing anything and
// records how many runs overlap.
type quietExecutor struct {
	d       time.Duration
	running atomic.Int32
	maxSeen atomic.Int32
	runs    atomic.Int32
}

func (q *quietExecutor) Run(ctx context.Context, _ agent.Request) (*agent.Response, error) {
	q.runs.Add(1)
	n := q.running.Add(1)
	defer q.running.Add(-1)
	for {
		cur := q.maxSeen.Load()
		if n <= cur || q.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case <-time.After(q.d):
		return &agent.Response{Output: "done\n", Duration: q.d}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRun_QuietExecutionKeepsClaim(t *testing.T) {
	const ttl = 300 * time.Millisecond
	svc := testService(t, store.WithClaimTTL(ttl))
	task := createTask(t, svc, "implement", nil)
	exec := &quietExecutor{d: 3 * ttl}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for _, id := range []string{"worker-a", "worker-b"} {
		cfg := testConfig()
		cfg.ID = id
		cfg.ClaimTTL = ttl
		cfg.Timeout = func(*store.Task) time.Duration { return time.Second }
		w := New(cfg, svc, exec, nil, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	var got *store.Task
	for ctx.Err() == nil {
		got, _ = svc.GetTask(context.Background(), task.ID)
		if got != nil && store.IsTerminal(got.Status) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	// Give the other worker a chance to steal an expired claim.
	time.Sleep(2 * ttl)
	cancel()
	wg.Wait()

	if got == nil || got.Status != store.StatusCompleted {
		t.Fatalf("expected completed task, got %+v", got)
	}
	if runs := exec.runs.Load(); runs != 1 {
		t.Errorf("task executed %d times, want 1", runs)
	}
	if m := exec.maxSeen.Load(); m != 1 {
		t.Errorf("max concurrent executions = %d, want 1", m)
	}
}

func TestRun_LostClaimDiscardsResult(t *testing.T) {
	clock := &testClock{now: time.Now()}
	const ttl = 300 * time.Millisecond
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClaimTTL(ttl), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	r, _ := router.New(router.DefaultFamilies(), "claude")
	svc := service.New(st, r)
	task := createTask(t, svc, "implement", nil)

	// While the executor runs, the claim expires and another worker takes it.
	exec := agent.ExecutorFunc(func(ctx context.Context, _ agent.Request) (*agent.Response, error) {
		clock.Advance(2 * ttl)
		if _, err := st.ClaimTask(context.Background(), task.ID, "worker-other"); err != nil {
			t.Errorf("steal: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return &agent.Response{Output: "stale\n"}, nil
		}
	})
	cfg := testConfig()
	cfg.ClaimTTL = ttl
	w := New(cfg, svc, exec, nil, nil)

	start := time.Now()
	pollOnce(t, w)
	if time.Since(start) >= 2*time.Second {
		t.Error("execution should stop once the claim is lost")
	}

	got, _ := svc.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusRunning || *got.ClaimedBy != "worker-other" || got.Output != nil {
		t.Errorf("the new owner's task must be untouched, got %+v", got)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
