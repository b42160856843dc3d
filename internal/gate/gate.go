// Package gate is the human decision gate. A paused task waits in
// needs_decision, holds no claim and blocks the scheduler until someone
// answers it through Decide; nothing unblocks it automatically.
package gate

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/store"
)

// Tasks is the slice of the task contract the gate needs.
type Tasks interface {
	UpdateTask(ctx context.Context, id string, p store.TaskPatch) (*store.Task, error)
	TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error)
}

// pendingLimit bounds Pending; more open questions than this is already
// an operator problem.
const pendingLimit = 100

// Gate pauses and resumes tasks.
type Gate struct {
	tasks Tasks
	log   *zap.Logger
}

// New creates a gate. logger may be nil.
func New(tasks Tasks, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{tasks: tasks, log: logger}
}

// Pause moves a running task to needs_decision with the question to answer.
// p carries any other fields written in the same update, such as the
// output so far or the owner the claim must still belong to.
func (g *Gate) Pause(ctx context.Context, id, prompt string, p store.TaskPatch) (*store.Task, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, &store.ValidationError{Field: "decision_prompt", Reason: "required when pausing for a decision"}
	}
	status := store.StatusNeedsDecision
	p.Status, p.DecisionPrompt = &status, &prompt
	task, err := g.tasks.UpdateTask(ctx, id, p)
	if err != nil {
		return nil, err
	}
	g.log.Info("task paused for decision", zap.String("task_id", id))
	return task, nil
}

// Decide answers a paused task. The task goes back to running for a
// worker to re-claim, or straight to completed for a terminal decision
// (skip, done).
func (g *Gate) Decide(ctx context.Context, id, decision string) (*store.Task, error) {
	decision = strings.TrimSpace(decision)
	if decision == "" {
		return nil, &store.ValidationError{Field: "decision", Reason: "must not be empty"}
	}
	task, err := g.tasks.UpdateTask(ctx, id, store.TaskPatch{Decision: &decision})
	if err != nil {
		return nil, err
	}
	g.log.Info("decision recorded", zap.String("task_id", id), zap.String("status", string(task.Status)))
	return task, nil
}

// Fail force-fails a task, typically one nobody is going to answer.
func (g *Gate) Fail(ctx context.Context, id, reason string) (*store.Task, error) {
	status := store.StatusFailed
	p := store.TaskPatch{Status: &status}
	if reason = strings.TrimSpace(reason); reason != "" {
		out := "[failed by operator] " + reason
		p.Output = &out
	}
	task, err := g.tasks.UpdateTask(ctx, id, p)
	if err != nil {
		return nil, err
	}
	g.log.Info("task failed by operator", zap.String("task_id", id))
	return task, nil
}

// Pending lists the tasks waiting for a decision, oldest first.
func (g *Gate) Pending(ctx context.Context) ([]store.Task, error) {
	tasks, err := g.tasks.TasksByStatus(ctx, store.StatusNeedsDecision, pendingLimit)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	return tasks, nil
}

// Blocked reports whether any task is waiting for a decision.
func (g *Gate) Blocked(ctx context.Context) (bool, error) {
	tasks, err := g.tasks.TasksByStatus(ctx, store.StatusNeedsDecision, 1)
	if err != nil {
		return false, err
	}
	return len(tasks) > 0, nil
}
