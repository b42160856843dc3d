package gate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/imkarma/forge/internal/store"
)

func setup(t *testing.T) (*store.Store, *Gate, *store.Task) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	task, err := st.CreateTask(ctx, store.NewTask{
		Direction: "pick a storage engine",
		TaskType:  store.TypeDesign,
		Model:     "haiku",
		Tier:      "local",
		Command:   []string{"claude"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := st.ClaimTask(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	return st, New(st, nil), task
}

func TestPauseAndDecide(t *testing.T) {
	_, g, task := setup(t)
	ctx := context.Background()

	paused, err := g.Pause(ctx, task.ID, "Postgres or SQLite?", store.TaskPatch{})
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != store.StatusNeedsDecision {
		t.Fatalf("expected needs_decision, got %s", paused.Status)
	}
	if paused.ClaimedBy != nil {
		t.Error("paused task must not hold a claim")
	}

	blocked, err := g.Blocked(ctx)
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if !blocked {
		t.Error("expected gate to be blocked")
	}
	pending, err := g.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != task.ID {
		t.Fatalf("expected the paused task pending, got %+v", pending)
	}

	resumed, err := g.Decide(ctx, task.ID, "  SQLite  ")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resumed.Status != store.StatusRunning {
		t.Errorf("expected running, got %s", resumed.Status)
	}
	if resumed.Decision == nil || *resumed.Decision != "SQLite" {
		t.Errorf("expected trimmed decision, got %v", resumed.Decision)
	}
	if blocked, _ := g.Blocked(ctx); blocked {
		t.Error("gate should be clear after the decision")
	}
}

func TestDecide_Terminal(t *testing.T) {
	_, g, task := setup(t)
	ctx := context.Background()

	if _, err := g.Pause(ctx, task.ID, "continue?", store.TaskPatch{}); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	done, err := g.Decide(ctx, task.ID, "SKIP")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if done.Status != store.StatusCompleted {
		t.Errorf("terminal decision should complete the task, got %s", done.Status)
	}
}

func TestDecide_NotPaused(t *testing.T) {
	_, g, task := setup(t)
	_, err := g.Decide(context.Background(), task.ID, "yes")
	if !store.IsIllegalTransition(err) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	_, g, task := setup(t)
	ctx := context.Background()

	if _, err := g.Pause(ctx, task.ID, "   ", store.TaskPatch{}); !store.IsValidation(err) {
		t.Errorf("empty prompt: expected ValidationError, got %v", err)
	}
	if _, err := g.Decide(ctx, task.ID, ""); !store.IsValidation(err) {
		t.Errorf("empty decision: expected ValidationError, got %v", err)
	}
	if _, err := g.Decide(ctx, "missing", "yes"); err == nil {
		t.Error("expected an error for an unknown task")
	}
}

func TestFail(t *testing.T) {
	_, g, task := setup(t)
	ctx := context.Background()

	if _, err := g.Pause(ctx, task.ID, "which one?", store.TaskPatch{}); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	failed, err := g.Fail(ctx, task.ID, "nobody knows")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != store.StatusFailed {
		t.Errorf("expected failed, got %s", failed.Status)
	}
	if failed.Output == nil || *failed.Output != "[failed by operator] nobody knows" {
		t.Errorf("unexpected output %v", failed.Output)
	}
	if blocked, _ := g.Blocked(ctx); blocked {
		t.Error("a failed task no longer blocks")
	}
}
