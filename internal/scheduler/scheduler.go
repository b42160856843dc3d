// Package scheduler advances backlog items through the fixed phase
// pipeline (design, implement, test, review), either one task at a time
// or with one slot per phase running concurrently.
//
// Each tick first observes the tasks it is waiting on, then, unless the
// pipeline is blocked on a decision or held, creates the next tasks.
// Observing never creates anything, so backpressure only needs to gate
// the fill step.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/agent"
	"github.com/imkarma/forge/internal/gate"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

// Scheduling modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// HoldRepeatedFailures is the PipelineState.Held reason set while an open
// repeated_failures issue pauses the scheduler.
const HoldRepeatedFailures = "repeated_failures"

// Store is the side of the task store the scheduler needs. The embedded
// gate.Tasks backs the decision gate it consults for backpressure.
type Store interface {
	gate.Tasks
	GetTask(ctx context.Context, id string) (*store.Task, error)
	OpenIssues(ctx context.Context) ([]store.Issue, error)
	ItemTasks(ctx context.Context, tt store.TaskType, backlogIndex int, since time.Time) ([]store.Task, error)
	LoadPipelineState(ctx context.Context, name string) (*store.PipelineState, error)
	SavePipelineState(ctx context.Context, st *store.PipelineState) error
}

// TaskCreator routes and inserts new tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, req service.CreateRequest) (*store.Task, error)
}

// Config holds the scheduler policy.
type Config struct {
	Name                   string
	Mode                   string
	Interval               time.Duration
	MaxIterations          int
	MaxAttempts            int
	HoldOnRepeatedFailures bool
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Mode == "" {
		c.Mode = ModeSequential
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
}

// Scheduler owns exactly one PipelineState.
type Scheduler struct {
	cfg     Config
	store   Store
	tasks   TaskCreator
	backlog Backlog
	signal  TestSignal
	gate    *gate.Gate
	log     *zap.Logger
	now     func() time.Time
}

// New creates a scheduler. signal defaults to OutputSignal.
func New(cfg Config, st Store, tasks TaskCreator, backlog Backlog, signal TestSignal, logger *zap.Logger) (*Scheduler, error) {
	cfg.applyDefaults()
	if cfg.Mode != ModeSequential && cfg.Mode != ModeParallel {
		return nil, fmt.Errorf("scheduler: unknown mode %q", cfg.Mode)
	}
	if signal == nil {
		signal = OutputSignal{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.With(zap.String("pipeline", cfg.Name), zap.String("mode", cfg.Mode))
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		tasks:   tasks,
		backlog: backlog,
		signal:  signal,
		gate:    gate.New(st, log),
		log:     log,
		now:     time.Now,
	}, nil
}

// Run ticks on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one observe/fill pass and persists the resulting state.
func (s *Scheduler) Tick(ctx context.Context) (*store.PipelineState, error) {
	st, err := s.store.LoadPipelineState(ctx, s.cfg.Name)
	if err != nil {
		return nil, err
	}
	st.Name = s.cfg.Name
	if st.Mode != "" && st.Mode != s.cfg.Mode {
		s.log.Warn("pipeline mode changed", zap.String("from", st.Mode))
	}
	st.Mode = s.cfg.Mode

	tickErr := s.observe(ctx, st)

	if err := s.backpressure(ctx, st); err != nil {
		return nil, err
	}
	if tickErr == nil && !st.Blocked && st.Held == "" {
		if s.cfg.Mode == ModeParallel {
			tickErr = s.fillParallel(ctx, st)
		} else {
			tickErr = s.fillSequential(ctx, st)
		}
	}

	s.syncSummary(ctx, st)
	if err := s.store.SavePipelineState(ctx, st); err != nil {
		return nil, err
	}
	return st, tickErr
}

// backpressure computes the blocked and held flags.
func (s *Scheduler) backpressure(ctx context.Context, st *store.PipelineState) error {
	blocked, err := s.gate.Blocked(ctx)
	if err != nil {
		return err
	}
	wasBlocked := st.Blocked
	st.Blocked = blocked
	if st.Blocked != wasBlocked {
		s.log.Info("pipeline blocked state changed", zap.Bool("blocked", st.Blocked))
	}

	st.Held = ""
	if s.cfg.HoldOnRepeatedFailures {
		issues, err := s.store.OpenIssues(ctx)
		if err != nil {
			return err
		}
		for _, is := range issues {
			if is.Condition == HoldRepeatedFailures {
				st.Held = HoldRepeatedFailures
				break
			}
		}
	}
	return nil
}

// observe folds the outcome of every awaited task into its item.
func (s *Scheduler) observe(ctx context.Context, st *store.PipelineState) error {
	for _, idx := range sortedIndexes(st) {
		item := st.Items[idx]
		if item.TaskID == "" || item.Fatal != "" {
			continue
		}
		task, err := s.store.GetTask(ctx, item.TaskID)
		if store.IsNotFound(err) {
			s.log.Warn("awaited task vanished, recreating", zap.Int("item", idx), zap.String("task_id", item.TaskID))
			item.TaskID = ""
			continue
		}
		if err != nil {
			return err
		}

		log := s.log.With(zap.Int("item", idx), zap.String("task_id", task.ID), zap.String("phase", string(item.Phase)))
		switch task.Status {
		case store.StatusCompleted:
			item.TaskID = ""
			item.Attempt = 0
			if err := s.advance(ctx, st, idx, item, task, log); err != nil {
				return err
			}
		case store.StatusFailed:
			item.TaskID = ""
			item.Attempt++
			item.LastFailedID = task.ID
			if item.Attempt >= s.cfg.MaxAttempts {
				item.Fatal = fmt.Sprintf("%s failed %d times", item.Phase, item.Attempt)
				log.Warn("item is fatal", zap.String("reason", item.Fatal))
			} else {
				log.Info("phase failed, will retry as a new task", zap.Int("attempt", item.Attempt))
			}
		}
	}
	return nil
}

// advance moves an item past a completed phase.
func (s *Scheduler) advance(ctx context.Context, st *store.PipelineState, idx int, item *store.ItemProgress, task *store.Task, log *zap.Logger) error {
	if task.TaskType == store.TypeTest {
		item.TestTaskID = task.ID
	}
	if next := task.TaskType.NextPhase(); next != "" {
		item.Phase = next
		log.Info("phase completed", zap.String("next", string(next)))
		return nil
	}

	pass, detail, err := s.validate(ctx, item, task)
	if err != nil {
		return err
	}
	if pass {
		log.Info("item closed", zap.Int("iteration", item.Iteration))
		delete(st.Items, idx)
		if s.cfg.Mode == ModeSequential {
			st.BacklogIndex = idx + 1
		}
		return nil
	}

	item.Iteration++
	if item.Iteration > s.cfg.MaxIterations {
		item.Fatal = fmt.Sprintf("validation failed after %d iterations: %s", s.cfg.MaxIterations, firstProblem(detail))
		log.Warn("item is fatal", zap.String("reason", item.Fatal))
		return nil
	}
	item.Phase = store.TypeImplement
	item.FixDirection = detail
	log.Info("validation failed, looping back to implement", zap.Int("iteration", item.Iteration))
	return nil
}

// validate is the gate between review and closing an item: the test
// signal must pass and the review must approve.
func (s *Scheduler) validate(ctx context.Context, item *store.ItemProgress, review *store.Task) (bool, string, error) {
	var testTask *store.Task
	if item.TestTaskID != "" {
		t, err := s.store.GetTask(ctx, item.TestTaskID)
		if err != nil && !store.IsNotFound(err) {
			return false, "", err
		}
		testTask = t
	}
	testsPass, testDetail, err := s.signal.Check(ctx, testTask)
	if err != nil {
		return false, "", fmt.Errorf("test signal: %w", err)
	}

	output := ""
	if review.Output != nil {
		output = *review.Output
	}
	verdict := agent.ParseReview(output)

	if testsPass && verdict.Approved() {
		return true, "", nil
	}

	var sb strings.Builder
	sb.WriteString("The previous iteration did not pass validation. Fix the following:\n")
	if !testsPass {
		sb.WriteString("- Tests did not pass")
		if testDetail != "" {
			sb.WriteString(": " + testDetail)
		}
		sb.WriteString("\n")
	}
	if !verdict.Approved() {
		if verdict.Verdict == "" {
			sb.WriteString("- The review gave no verdict\n")
		} else {
			sb.WriteString("- The review verdict was " + verdict.Verdict + "\n")
		}
		for _, c := range verdict.Comments {
			sb.WriteString("  - " + c + "\n")
		}
	}
	return false, strings.TrimRight(sb.String(), "\n"), nil
}

// fillSequential keeps exactly one task active for the current item.
func (s *Scheduler) fillSequential(ctx context.Context, st *store.PipelineState) error {
	for {
		idx := st.BacklogIndex
		item := st.Items[idx]
		if item == nil {
			desc, ok, err := s.backlog.Next(ctx, idx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			item = &store.ItemProgress{Description: desc, Phase: store.TypeDesign}
			st.Items[idx] = item
		}

		if item.Fatal != "" {
			if err := s.retire(ctx, st, idx, item); err != nil {
				return err
			}
			st.BacklogIndex = idx + 1
			continue
		}
		if item.TaskID != "" {
			return nil
		}
		return s.createPhaseTask(ctx, st, idx, item)
	}
}

// fillParallel retires fatal items, admits the next backlog item once the
// design slot is free, then fills every free slot with the lowest-index
// item waiting for that phase.
func (s *Scheduler) fillParallel(ctx context.Context, st *store.PipelineState) error {
	for _, idx := range sortedIndexes(st) {
		if item := st.Items[idx]; item.Fatal != "" {
			if err := s.retire(ctx, st, idx, item); err != nil {
				return err
			}
		}
	}

	designBusy := false
	for _, item := range st.Items {
		if item.Phase == store.TypeDesign {
			designBusy = true
			break
		}
	}
	if !designBusy {
		desc, ok, err := s.backlog.Next(ctx, st.BacklogIndex)
		if err != nil {
			return err
		}
		if ok {
			st.Items[st.BacklogIndex] = &store.ItemProgress{Description: desc, Phase: store.TypeDesign}
			st.BacklogIndex++
		}
	}

	for _, phase := range store.Phases {
		if occupied(st, phase) {
			continue
		}
		for _, idx := range sortedIndexes(st) {
			item := st.Items[idx]
			if item.Phase != phase || item.TaskID != "" {
				continue
			}
			if err := s.createPhaseTask(ctx, st, idx, item); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// retire gives up on a fatal item: it requests an escalated heal task,
// records the item in FatalItems and removes it from the pipeline.
// Unrelated items keep flowing.
func (s *Scheduler) retire(ctx context.Context, st *store.PipelineState, idx int, item *store.ItemProgress) error {
	heal, err := s.unsaved(ctx, st, store.TypeHeal, idx, func(t *store.Task) bool {
		return t.ContextString(store.CtxHealFor) == "fatal_item"
	})
	if err != nil {
		return err
	}
	if heal == nil {
		if heal, err = s.createHealTask(ctx, idx, item); err != nil {
			return err
		}
	}

	st.FatalItems = append(st.FatalItems, store.FatalItem{
		BacklogIndex: idx,
		Reason:       item.Fatal,
		HealTaskID:   heal.ID,
		At:           s.now().UTC(),
	})
	delete(st.Items, idx)
	s.log.Warn("item retired", zap.Int("item", idx), zap.String("reason", item.Fatal), zap.String("heal_task_id", heal.ID))
	return s.store.SavePipelineState(ctx, st)
}

func (s *Scheduler) createHealTask(ctx context.Context, idx int, item *store.ItemProgress) (*store.Task, error) {
	direction := fmt.Sprintf(
		"Backlog item %d cannot make progress and was taken out of the pipeline.\n\nItem: %s\nReason: %s\n\nDiagnose the root cause and describe how to unblock it.",
		idx, item.Description, item.Fatal)
	taskCtx := map[string]any{
		store.CtxHealFor:      "fatal_item",
		store.CtxBacklogIndex: idx,
		store.CtxEscalate:     true,
	}
	if item.LastFailedID != "" {
		taskCtx[store.CtxRetryOf] = item.LastFailedID
	}
	heal, err := s.tasks.CreateTask(ctx, service.CreateRequest{
		Direction: direction,
		TaskType:  string(store.TypeHeal),
		Context:   taskCtx,
	})
	if err != nil {
		return nil, fmt.Errorf("create heal task for item %d: %w", idx, err)
	}
	return heal, nil
}

// unsaved finds a task an earlier tick created for item idx whose state
// save never landed. Only tasks newer than the last saved state count;
// a state that was never saved matches every task.
func (s *Scheduler) unsaved(ctx context.Context, st *store.PipelineState, tt store.TaskType, idx int, match func(*store.Task) bool) (*store.Task, error) {
	tasks, err := s.store.ItemTasks(ctx, tt, idx, st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if match(&tasks[i]) {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// createPhaseTask creates the task for the item's current phase, or adopts
// the one a previous tick created without saving, and persists the state.
func (s *Scheduler) createPhaseTask(ctx context.Context, st *store.PipelineState, idx int, item *store.ItemProgress) error {
	existing, err := s.unsaved(ctx, st, item.Phase, idx, func(t *store.Task) bool {
		iteration, _ := t.ContextInt(store.CtxIteration)
		return iteration == item.Iteration && t.Attempt == item.Attempt
	})
	if err != nil {
		return err
	}
	if existing != nil {
		item.TaskID = existing.ID
		s.log.Warn("adopted task from an unsaved tick", zap.Int("item", idx), zap.String("task_id", existing.ID))
		return s.store.SavePipelineState(ctx, st)
	}

	taskCtx := map[string]any{
		store.CtxBacklogIndex: idx,
		store.CtxIteration:    item.Iteration,
	}
	if item.Attempt > 0 && item.LastFailedID != "" {
		taskCtx[store.CtxRetryOf] = item.LastFailedID
	}
	task, err := s.tasks.CreateTask(ctx, service.CreateRequest{
		Direction: phaseDirection(item),
		TaskType:  string(item.Phase),
		Context:   taskCtx,
		Attempt:   item.Attempt,
	})
	if err != nil {
		return fmt.Errorf("create %s task for item %d: %w", item.Phase, idx, err)
	}
	item.TaskID = task.ID
	s.log.Info("task created",
		zap.Int("item", idx),
		zap.String("task_id", task.ID),
		zap.String("phase", string(item.Phase)),
		zap.Int("iteration", item.Iteration),
		zap.Int("attempt", item.Attempt),
	)
	return s.store.SavePipelineState(ctx, st)
}

func phaseDirection(item *store.ItemProgress) string {
	var d string
	switch item.Phase {
	case store.TypeDesign:
		d = "Design the following work item. Describe the components, interfaces and build order.\n\n" + item.Description
	case store.TypeImplement:
		d = "Implement the following work item.\n\n" + item.Description
		if item.FixDirection != "" {
			d += "\n\n" + item.FixDirection
		}
	case store.TypeTest:
		d = "Write and run tests for the following work item.\n\n" + item.Description
	case store.TypeReview:
		d = "Review the implementation of the following work item.\n\n" + item.Description
	default:
		d = item.Description
	}
	if len([]rune(d)) > service.MaxDirectionLen {
		d = string([]rune(d)[:service.MaxDirectionLen])
	}
	return d
}

// syncSummary refreshes the slots map and the top-level mirror fields.
func (s *Scheduler) syncSummary(ctx context.Context, st *store.PipelineState) {
	st.Slots = map[store.TaskType]store.Slot{}
	for _, idx := range sortedIndexes(st) {
		item := st.Items[idx]
		if item.TaskID != "" {
			if _, taken := st.Slots[item.Phase]; !taken {
				st.Slots[item.Phase] = store.Slot{BacklogIndex: idx, TaskID: item.TaskID}
			}
		}
	}

	st.Phase, st.CurrentTaskID, st.Iteration = "", "", 0
	var current *store.ItemProgress
	if s.cfg.Mode == ModeSequential {
		current = st.Items[st.BacklogIndex]
	} else if idxs := sortedIndexes(st); len(idxs) > 0 {
		current = st.Items[idxs[0]]
	}
	if current != nil {
		st.Phase = current.Phase
		st.CurrentTaskID = current.TaskID
		st.Iteration = current.Iteration
	}

	if len(st.Items) == 0 {
		_, more, _ := s.backlog.Next(ctx, st.BacklogIndex)
		st.Done = !more
	} else {
		st.Done = false
	}
}

func occupied(st *store.PipelineState, phase store.TaskType) bool {
	for _, item := range st.Items {
		if item.Phase == phase && item.TaskID != "" {
			return true
		}
	}
	return false
}

func sortedIndexes(st *store.PipelineState) []int {
	idxs := make([]int, 0, len(st.Items))
	for idx := range st.Items {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)
	return idxs
}

// firstProblem returns the first bullet of a fix direction.
func firstProblem(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 1 {
		return strings.TrimPrefix(strings.TrimSpace(lines[1]), "- ")
	}
	return lines[0]
}
