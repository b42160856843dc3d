package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// taskColumns is the standard column list for task queries.
const taskColumns = `id, direction, task_type, status, model, tier, command, output, progress_pct,
	current_step, decision_prompt, decision, claimed_by, claimed_at, attempt, context, created_at, updated_at`

// CreateTask inserts a new pending task and returns it with its generated ID.
func (s *Store) CreateTask(ctx context.Context, nt NewTask) (*Task, error) {
	if _, err := ParseTaskType(string(nt.TaskType)); err != nil {
		return nil, err
	}
	if nt.Context == nil {
		nt.Context = map[string]any{}
	}
	if nt.Command == nil {
		nt.Command = []string{}
	}
	cmdJSON, err := encodeJSON(nt.Command)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	ctxJSON, err := encodeJSON(nt.Context)
	if err != nil {
		return nil, &ValidationError{Field: "context", Reason: err.Error()}
	}

	now := s.stamp()
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, direction, task_type, status, model, tier, command, attempt, context, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, nt.Direction, string(nt.TaskType), string(StatusPending), nt.Model, nt.Tier,
		cmdJSON, nt.Attempt, ctxJSON, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	s.addEvent(ctx, s.db, id, "", "created", fmt.Sprintf("%s task created (tier %s, model %s)", nt.TaskType, nt.Tier, nt.Model))

	return s.GetTask(ctx, id)
}

// GetTask returns a single task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	return t, err
}

// ListTasks returns one page of tasks, newest first, plus the total number
// of tasks matching the filter.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter, limit, offset int) ([]Task, int, error) {
	where, args := filterClause(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`
	tasks, err := s.queryTasks(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func filterClause(f TaskFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.TaskType != "" {
		conds = append(conds, "task_type = ?")
		args = append(args, string(f.TaskType))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// CountByStatus returns the number of tasks in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := map[TaskStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[TaskStatus(st)] = n
	}
	return counts, rows.Err()
}

// TasksByStatus returns up to limit tasks in a status, oldest first.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at, seq LIMIT ?`,
		string(status), limit)
}

// RecentTerminal returns the most recently updated completed or failed tasks.
func (s *Store) RecentTerminal(ctx context.Context, limit int) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) ORDER BY updated_at DESC, seq DESC LIMIT ?`,
		string(StatusCompleted), string(StatusFailed), limit)
}

// ItemTasks returns the tasks of type tt carrying backlogIndex in their
// context and created after since, newest first.
func (s *Store) ItemTasks(ctx context.Context, tt TaskType, backlogIndex int, since time.Time) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE task_type = ? AND json_extract(context, '$.backlog_index') = ? AND created_at > ?
		 ORDER BY created_at DESC, seq DESC`,
		string(tt), backlogIndex, formatTime(since))
}

// NextClaimable returns the oldest task a worker could claim right now:
// a pending task, or a running task whose claim was released (resumed
// after a decision) or has expired. Returns nil when nothing is available.
func (s *Store) NextClaimable(ctx context.Context, types []TaskType) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE (status = ? OR (status = ? AND (claimed_by IS NULL OR claimed_at < ?)))`
	args := []any{string(StatusPending), string(StatusRunning), s.expiryCutoff()}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		query += ` AND task_type IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at, seq LIMIT 1`

	tasks, err := s.queryTasks(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (s *Store) expiryCutoff() string {
	return formatTime(s.now().Add(-s.claimTTL))
}

// ClaimTask gives workerID exclusive ownership of the task and moves it to
// running. The compare-and-swap succeeds for a pending task, or a running
// task that is unowned, already owned by workerID, or whose claim expired.
// Claiming a task workerID still holds renews the claim; owners call it
// periodically while the executor runs.
func (s *Store) ClaimTask(ctx context.Context, id, workerID string) (*Task, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, &ValidationError{Field: "worker_id", Reason: "required"}
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND claimed_by = ? AND claimed_at >= ?`,
		now, now, id, string(StatusRunning), workerID, s.expiryCutoff(),
	)
	if err != nil {
		return nil, fmt.Errorf("renew claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return s.GetTask(ctx, id)
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND (
		   status = ? OR
		   (status = ? AND (claimed_by IS NULL OR claimed_by = ? OR claimed_at < ?))
		 )`,
		string(StatusRunning), workerID, now, now,
		id, string(StatusPending), string(StatusRunning), workerID, s.expiryCutoff(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.Status != StatusRunning {
			return nil, &IllegalTransitionError{From: t.Status, To: StatusRunning}
		}
		owner := ""
		if t.ClaimedBy != nil {
			owner = *t.ClaimedBy
		}
		return nil, &ConflictError{ID: id, Owner: owner}
	}
	s.addEvent(ctx, s.db, id, workerID, "claimed", "Claimed by "+workerID)
	return s.GetTask(ctx, id)
}

// UpdateTask applies a patch, enforcing the state machine and the decision
// gate rules. The stored task is unchanged when an error is returned.
func (s *Store) UpdateTask(ctx context.Context, id string, p TaskPatch) (*Task, error) {
	if p.Empty() {
		return nil, &ValidationError{Reason: "patch must set at least one field"}
	}
	if p.ProgressPct != nil && (*p.ProgressPct < 0 || *p.ProgressPct > 100) {
		return nil, &ValidationError{Field: "progress_pct", Reason: "must be between 0 and 100"}
	}
	if p.Status != nil {
		if _, err := ParseStatus(string(*p.Status)); err != nil {
			return nil, err
		}
	}
	if p.Decision != nil && strings.TrimSpace(*p.Decision) == "" {
		return nil, &ValidationError{Field: "decision", Reason: "must not be empty"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	cur, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Owner != nil && (cur.ClaimedBy == nil || *cur.ClaimedBy != *p.Owner) {
		owner := ""
		if cur.ClaimedBy != nil {
			owner = *cur.ClaimedBy
		}
		return nil, &ConflictError{ID: id, Owner: owner}
	}

	target, err := targetStatus(cur, p)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stamp := formatTime(now)
	sets := []string{"updated_at = ?"}
	args := []any{stamp}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if target != cur.Status {
		set("status", string(target))
	}
	if p.Output != nil {
		set("output", truncateOutput(*p.Output, s.outputLimit))
	}
	if p.ProgressPct != nil {
		set("progress_pct", *p.ProgressPct)
	}
	if p.CurrentStep != nil {
		set("current_step", *p.CurrentStep)
	}
	if p.DecisionPrompt != nil {
		set("decision_prompt", *p.DecisionPrompt)
	}
	if p.Decision != nil {
		set("decision", *p.Decision)
	}

	switch {
	case target == StatusNeedsDecision && cur.Status != StatusNeedsDecision,
		cur.Status == StatusNeedsDecision && target == StatusRunning:
		// Paused tasks hold no claim; resumed ones are re-claimed by a worker.
		sets = append(sets, "claimed_by = NULL", "claimed_at = NULL")
	case target == StatusRunning && cur.ClaimedBy != nil && (p.ProgressPct != nil || p.CurrentStep != nil):
		set("claimed_at", stamp) // heartbeat
	}

	args = append(args, id)
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	if target != cur.Status {
		if IsTerminal(target) {
			if err := s.appendMetric(ctx, tx, cur, target, now); err != nil {
				return nil, err
			}
		}
		s.addEvent(ctx, tx, id, "", transitionEvent(cur.Status, target), fmt.Sprintf("Status %s -> %s", cur.Status, target))
	}
	if p.Decision != nil {
		s.addEvent(ctx, tx, id, "operator", "decided", *p.Decision)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return s.GetTask(ctx, id)
}

// targetStatus works out where a patch moves the task and rejects the
// patch when the move is not allowed.
func targetStatus(cur *Task, p TaskPatch) (TaskStatus, error) {
	if IsTerminal(cur.Status) {
		to := cur.Status
		if p.Status != nil {
			to = *p.Status
		}
		return "", &IllegalTransitionError{From: cur.Status, To: to}
	}

	target := cur.Status
	switch {
	case p.Decision != nil:
		if cur.Status != StatusNeedsDecision {
			return "", &IllegalTransitionError{From: cur.Status, To: StatusRunning}
		}
		switch {
		case p.Status != nil:
			target = *p.Status
		case IsTerminalDecision(*p.Decision):
			target = StatusCompleted
		default:
			target = StatusRunning
		}
		if target == StatusNeedsDecision {
			return "", &IllegalTransitionError{From: cur.Status, To: target}
		}
	case p.Status != nil:
		target = *p.Status
		if cur.Status == StatusNeedsDecision && target != StatusNeedsDecision && target != StatusFailed {
			// Only a decision, or an operator failing the task, leaves the gate.
			return "", &IllegalTransitionError{From: cur.Status, To: target}
		}
	}

	if cur.Status == StatusPending && target == StatusRunning {
		// Only a claim starts a pending task.
		return "", &IllegalTransitionError{From: cur.Status, To: target}
	}
	if target == StatusNeedsDecision && cur.Status != StatusNeedsDecision {
		prompt := ""
		if p.DecisionPrompt != nil {
			prompt = *p.DecisionPrompt
		}
		if strings.TrimSpace(prompt) == "" {
			return "", &ValidationError{Field: "decision_prompt", Reason: "required when pausing for a decision"}
		}
	}
	if err := ValidateTransition(cur.Status, target); err != nil {
		return "", err
	}
	return target, nil
}

func transitionEvent(from, to TaskStatus) string {
	switch {
	case to == StatusNeedsDecision:
		return "paused"
	case from == StatusNeedsDecision:
		return "resumed"
	}
	return "status_changed"
}

// truncateOutput keeps the tail of the output, where failures usually are.
func truncateOutput(out string, limit int) string {
	if limit <= 0 || len(out) <= limit {
		return out
	}
	const marker = "[...truncated...]\n"
	keep := limit - len(marker)
	if keep < 0 {
		keep = 0
	}
	start := len(out) - keep
	for start < len(out) && !utf8.RuneStart(out[start]) {
		start++
	}
	return marker + out[start:]
}

func (s *Store) appendMetric(ctx context.Context, q querier, t *Task, status TaskStatus, now time.Time) error {
	start := t.CreatedAt
	if t.ClaimedAt != nil {
		start = *t.ClaimedAt
	}
	dur := now.Sub(start).Seconds()
	if dur < 0 {
		dur = 0
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO metric_records (task_id, task_type, model, duration_seconds, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.TaskType), t.Model, dur, string(status), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("append metric: %w", err)
	}
	return nil
}

// queryTasks is a shared helper for running task-list queries.
func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanTask scans a single task from a *sql.Row or *sql.Rows.
func scanTask(sc scanner) (*Task, error) {
	var t Task
	var taskType, status, command, taskCtx, createdAt, updatedAt string
	var output, step, prompt, decision, claimedBy, claimedAt sql.NullString
	var progress sql.NullInt64

	err := sc.Scan(
		&t.ID, &t.Direction, &taskType, &status, &t.Model, &t.Tier, &command,
		&output, &progress, &step, &prompt, &decision, &claimedBy, &claimedAt,
		&t.Attempt, &taskCtx, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.TaskType = TaskType(taskType)
	t.Status = TaskStatus(status)
	t.Output = nullString(output)
	t.CurrentStep = nullString(step)
	t.DecisionPrompt = nullString(prompt)
	t.Decision = nullString(decision)
	t.ClaimedBy = nullString(claimedBy)
	if progress.Valid {
		pct := int(progress.Int64)
		t.ProgressPct = &pct
	}
	if err := json.Unmarshal([]byte(command), &t.Command); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if err := json.Unmarshal([]byte(taskCtx), &t.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}
