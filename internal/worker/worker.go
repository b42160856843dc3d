// Package worker runs the execution side of forge: independent poll
// loops that claim a task, run its command through an executor, stream
// progress back and classify the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/gate"
	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/store"
)

// TaskService is the slice of the task contract a worker needs. It is
// served in process by service.Service and remotely by client.Client.
type TaskService interface {
	gate.Tasks
	NextClaimable(ctx context.Context, types []store.TaskType) (*store.Task, error)
	ClaimTask(ctx context.Context, id, workerID string) (*store.Task, error)
}

// Config holds the worker policy knobs.
type Config struct {
	ID               string
	Types            []store.TaskType // empty means any type
	PollInterval     time.Duration
	RetryAttempts    int
	RetryBase        time.Duration
	ProgressInterval time.Duration
	// ClaimTTL is the store's claim lifetime. The worker renews its claim
	// every third of it while the executor runs.
	ClaimTTL time.Duration
	WorkDir  string
	// Timeout returns the execution deadline for a task.
	Timeout func(*store.Task) time.Duration
	// Checkpoint, when set, commits the work tree after a completed
	// implement or heal task.
	Checkpoint Checkpointer
}

// Checkpointer commits the working tree.
type Checkpointer interface {
	Commit(ctx context.Context, message string) (bool, error)
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = time.Second
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Minute
	}
	if c.Timeout == nil {
		c.Timeout = func(*store.Task) time.Duration { return 10 * time.Minute }
	}
}

// Worker is one poll loop.
type Worker struct {
	cfg    Config
	svc    TaskService
	gate   *gate.Gate
	exec   agent.Executor
	log    *zap.Logger
	gauges *metrics.Gauges
}

// New creates a worker. logger and gauges may be nil.
func New(cfg Config, svc TaskService, exec agent.Executor, logger *zap.Logger, gauges *metrics.Gauges) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("worker", cfg.ID))
	return &Worker{
		cfg:    cfg,
		svc:    svc,
		gate:   gate.New(svc, log),
		exec:   exec,
		log:    log,
		gauges: gauges,
	}
}

// ID returns the worker identity used for claims.
func (w *Worker) ID() string { return w.cfg.ID }

// Run polls until ctx is cancelled. Errors never end the loop; after a
// store failure the worker sleeps one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Duration("poll_interval", w.cfg.PollInterval))
	for {
		worked, err := w.Poll(ctx)
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		if err != nil {
			w.log.Warn("store unavailable, backing off", zap.Error(err))
		}
		if err != nil || !worked {
			select {
			case <-ctx.Done():
				w.log.Info("worker stopped")
				return nil
			case <-time.After(w.cfg.PollInterval):
			}
		}
	}
}

// Poll runs one iteration: find, claim and execute at most one task.
// worked reports whether the caller should poll again immediately.
func (w *Worker) Poll(ctx context.Context) (worked bool, err error) {
	next, err := retry(ctx, w, func() (*store.Task, error) {
		return w.svc.NextClaimable(ctx, w.cfg.Types)
	})
	if err != nil {
		return false, fmt.Errorf("next task: %w", err)
	}
	if next == nil {
		return false, nil
	}

	task, err := retry(ctx, w, func() (*store.Task, error) {
		return w.svc.ClaimTask(ctx, next.ID, w.cfg.ID)
	})
	switch {
	case store.IsConflict(err), store.IsIllegalTransition(err), store.IsNotFound(err):
		// Another worker won the race.
		w.gauges.ObserveClaim("conflict")
		w.log.Debug("claim lost", zap.String("task_id", next.ID), zap.Error(err))
		return true, nil
	case err != nil:
		w.gauges.ObserveClaim("error")
		return false, fmt.Errorf("claim %s: %w", next.ID, err)
	}
	w.gauges.ObserveClaim("ok")

	w.execute(ctx, task)
	return true, nil
}

// execute runs a claimed task and writes its outcome.
func (w *Worker) execute(ctx context.Context, task *store.Task) {
	log := w.log.With(
		zap.String("task_id", task.ID),
		zap.String("phase", string(task.TaskType)),
		zap.Int("attempt", task.Attempt),
	)

	if task.Decision != nil && task.ContextBool(store.CtxFinishOnDecision) {
		log.Info("finishing on decision")
		w.finish(ctx, log, task.ID, store.StatusCompleted, *task.Decision)
		return
	}

	timeout := w.cfg.Timeout(task)
	limiter := rate.NewLimiter(rate.Every(w.cfg.ProgressInterval), 1)
	log.Info("executing", zap.Strings("command", task.Command), zap.Duration("timeout", timeout))

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var lost atomic.Bool
	stopRenew := w.renewClaim(runCtx, log, task.ID, func() {
		lost.Store(true)
		cancelRun()
	})

	resp, err := w.exec.Run(runCtx, agent.Request{
		TaskID:      task.ID,
		Command:     task.Command,
		Instruction: agent.BuildInstruction(task),
		WorkDir:     w.cfg.WorkDir,
		Timeout:     timeout,
		OnLine: func(line string) {
			pct, step, ok := agent.ParseProgress(line)
			if !ok || !limiter.Allow() {
				return
			}
			patch := store.TaskPatch{ProgressPct: &pct, Owner: &w.cfg.ID}
			if step != "" {
				patch.CurrentStep = &step
			}
			if _, err := w.svc.UpdateTask(runCtx, task.ID, patch); err != nil {
				log.Debug("progress update failed", zap.Error(err))
			}
		},
	})
	stopRenew()

	if lost.Load() {
		log.Warn("claim lost during execution, discarding result")
		return
	}

	output := ""
	if resp != nil {
		output = resp.Output
	}

	var failure *agent.ExecutionFailure
	switch {
	case errors.Is(err, agent.ErrExecutionTimeout):
		log.Warn("execution timed out", zap.Duration("timeout", timeout))
		w.finish(ctx, log, task.ID, store.StatusFailed,
			strings.TrimRight(output, "\n")+"\n[timeout after "+timeout.String()+"]")

	case errors.As(err, &failure):
		log.Warn("execution failed", zap.Int("exit_code", failure.ExitCode), zap.Error(err))
		if failure.Stderr != "" {
			output = strings.TrimRight(output, "\n") + "\n[stderr]\n" + failure.Stderr
		} else if output == "" {
			output = err.Error()
		}
		w.finish(ctx, log, task.ID, store.StatusFailed, output)

	case err != nil:
		if ctx.Err() != nil {
			// Shutdown mid-run: leave the claim to expire so another
			// worker picks the task up.
			log.Info("execution interrupted by shutdown")
			return
		}
		log.Warn("executor error", zap.Error(err))
		w.finish(ctx, log, task.ID, store.StatusFailed, strings.TrimSpace(output+"\n"+err.Error()))

	default:
		if prompt := agent.ParseDecisionRequest(output); prompt != "" {
			log.Info("executor requested a decision", zap.String("prompt", prompt))
			w.pause(ctx, log, task.ID, output, prompt)
			return
		}
		if strings.TrimSpace(output) == "" {
			log.Warn("executor produced no output")
			w.finish(ctx, log, task.ID, store.StatusFailed, "[executor produced no output]")
			return
		}
		log.Info("execution completed", zap.Duration("duration", resp.Duration))
		w.checkpoint(ctx, log, task)
		w.finish(ctx, log, task.ID, store.StatusCompleted, output)
	}
}

// checkpoint commits what a code-editing task left in the work tree.
// A failed commit is logged and never fails the task.
func (w *Worker) checkpoint(ctx context.Context, log *zap.Logger, task *store.Task) {
	if w.cfg.Checkpoint == nil {
		return
	}
	if task.TaskType != store.TypeImplement && task.TaskType != store.TypeHeal {
		return
	}
	msg := fmt.Sprintf("forge: %s %s\n\n%s", task.TaskType, shortID(task.ID), task.Direction)
	committed, err := w.cfg.Checkpoint.Commit(ctx, msg)
	switch {
	case err != nil:
		log.Warn("checkpoint commit failed", zap.Error(err))
	case committed:
		log.Info("checkpoint committed")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// finish writes the outcome, retrying transient store errors. The
// context is detached so a shutdown does not drop a finished result.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, id string, status store.TaskStatus, output string) {
	patch := store.TaskPatch{Status: &status, Output: &output, Owner: &w.cfg.ID}
	writeCtx := context.WithoutCancel(ctx)
	_, err := retry(writeCtx, w, func() (*store.Task, error) {
		return w.svc.UpdateTask(writeCtx, id, patch)
	})
	w.recorded(log, status, err)
}

// pause hands the task to the decision gate with the executor's question.
func (w *Worker) pause(ctx context.Context, log *zap.Logger, id, output, prompt string) {
	writeCtx := context.WithoutCancel(ctx)
	_, err := retry(writeCtx, w, func() (*store.Task, error) {
		return w.gate.Pause(writeCtx, id, prompt, store.TaskPatch{Output: &output, Owner: &w.cfg.ID})
	})
	w.recorded(log, store.StatusNeedsDecision, err)
}

func (w *Worker) recorded(log *zap.Logger, status store.TaskStatus, err error) {
	switch {
	case store.IsConflict(err):
		log.Warn("claim lost before the outcome was recorded", zap.String("status", string(status)), zap.Error(err))
	case err != nil:
		log.Error("failed to record outcome", zap.String("status", string(status)), zap.Error(err))
	}
}

// renewClaim re-claims the task on a ticker until the returned stop is
// called. onLost runs once when the store reports that the claim is gone.
func (w *Worker) renewClaim(ctx context.Context, log *zap.Logger, id string, onLost func()) (stop func()) {
	ticker := time.NewTicker(w.cfg.ClaimTTL / 3)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := w.svc.ClaimTask(ctx, id, w.cfg.ID)
			switch {
			case err == nil:
			case store.IsConflict(err), store.IsIllegalTransition(err), store.IsNotFound(err):
				log.Warn("claim renewal rejected", zap.Error(err))
				onLost()
				return
			default:
				log.Debug("claim renewal failed", zap.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// retry runs op with bounded exponential backoff. Domain errors are a
// definitive answer and are returned at once.
func retry[T any](ctx context.Context, w *Worker, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBase
	b.MaxInterval = 8 * w.cfg.RetryBase

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && store.IsDomain(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.RetryAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Debug("retrying store call", zap.Error(err), zap.Duration("in", next))
		}),
	)
}
