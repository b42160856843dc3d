package store

import (
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending       TaskStatus = "pending"
	StatusRunning       TaskStatus = "running"
	StatusCompleted     TaskStatus = "completed"
	StatusFailed        TaskStatus = "failed"
	StatusNeedsDecision TaskStatus = "needs_decision"
)

// ParseStatus resolves a status from its wire name.
func ParseStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusNeedsDecision:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// TaskType is the closed set of work kinds. Adding one means adding a
// constant here and a row in the router table.
type TaskType string

const (
	TypeDesign    TaskType = "design"
	TypeImplement TaskType = "implement"
	TypeTest      TaskType = "test"
	TypeReview    TaskType = "review"
	TypeHeal      TaskType = "heal"
)

// Phases is the fixed per-item pipeline order. Heal is out of band.
var Phases = []TaskType{TypeDesign, TypeImplement, TypeTest, TypeReview}

// ParseTaskType resolves a task type from its wire name.
func ParseTaskType(s string) (TaskType, error) {
	switch tt := TaskType(s); tt {
	case TypeDesign, TypeImplement, TypeTest, TypeReview, TypeHeal:
		return tt, nil
	}
	return "", &ValidationError{Field: "task_type", Reason: fmt.Sprintf("unknown task type %q", s)}
}

// NextPhase returns the phase after t, or "" once review is done.
func (t TaskType) NextPhase() TaskType {
	for i, p := range Phases {
		if p == t && i+1 < len(Phases) {
			return Phases[i+1]
		}
	}
	return ""
}

// Well-known context keys.
const (
	CtxModelOverride    = "model_override"
	CtxExecutor         = "executor"
	CtxEscalate         = "escalate"
	CtxBacklogIndex     = "backlog_index"
	CtxIteration        = "iteration"
	CtxRetryOf          = "retry_of"
	CtxHealFor          = "heal_for"
	CtxIssueID          = "issue_id"
	CtxFinishOnDecision = "finish_on_decision"
)

// Task is one unit of routed, executable work.
type Task struct {
	ID             string         `json:"id"`
	Direction      string         `json:"direction"`
	TaskType       TaskType       `json:"task_type"`
	Status         TaskStatus     `json:"status"`
	Model          string         `json:"model"`
	Tier           string         `json:"tier"`
	Command        []string       `json:"command"`
	Output         *string        `json:"output,omitempty"`
	ProgressPct    *int           `json:"progress_pct,omitempty"`
	CurrentStep    *string        `json:"current_step,omitempty"`
	DecisionPrompt *string        `json:"decision_prompt,omitempty"`
	Decision       *string        `json:"decision,omitempty"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	Attempt        int            `json:"attempt"`
	Context        map[string]any `json:"context"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ContextString returns a string context value, or "".
func (t *Task) ContextString(key string) string {
	if v, ok := t.Context[key].(string); ok {
		return v
	}
	return ""
}

// ContextBool reports whether a context flag is set to true.
func (t *Task) ContextBool(key string) bool {
	v, _ := t.Context[key].(bool)
	return v
}

// ContextInt returns an integer context value. JSON round trips turn
// numbers into float64, so both forms are accepted.
func (t *Task) ContextInt(key string) (int, bool) {
	switch v := t.Context[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// NewTask holds everything needed to insert a task. Routing fields are
// resolved by the caller before the insert and never change afterwards.
type NewTask struct {
	Direction string
	TaskType  TaskType
	Context   map[string]any
	Model     string
	Tier      string
	Command   []string
	Attempt   int
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Status         *TaskStatus `json:"status,omitempty"`
	Output         *string     `json:"output,omitempty"`
	ProgressPct    *int        `json:"progress_pct,omitempty"`
	CurrentStep    *string     `json:"current_step,omitempty"`
	DecisionPrompt *string     `json:"decision_prompt,omitempty"`
	Decision       *string     `json:"decision,omitempty"`
	// Owner, when set, makes the patch conditional on the task still being
	// claimed by that worker. It sets nothing on its own.
	Owner *string `json:"owner,omitempty"`
}

// Empty reports whether the patch sets nothing.
func (p TaskPatch) Empty() bool {
	return p.Status == nil && p.Output == nil && p.ProgressPct == nil &&
		p.CurrentStep == nil && p.DecisionPrompt == nil && p.Decision == nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   TaskStatus
	TaskType TaskType
}

// Event is an audit trail entry for a task.
type Event struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	Actor     string    `json:"actor,omitempty"`
	Type      string    `json:"event_type"` // created, claimed, status_changed, paused, decided, progress
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Slot binds one phase to the backlog item it is currently working.
type Slot struct {
	BacklogIndex int    `json:"backlog_item_index"`
	TaskID       string `json:"task_id"`
}

// ItemProgress tracks one backlog item while it moves through the phases.
// TaskID is empty while the item waits for its next task to be created.
type ItemProgress struct {
	Description  string   `json:"description"`
	Phase        TaskType `json:"phase"`
	TaskID       string   `json:"task_id,omitempty"`
	Iteration    int      `json:"iteration"`
	Attempt      int      `json:"attempt"`
	FixDirection string   `json:"fix_direction,omitempty"`
	TestTaskID   string   `json:"test_task_id,omitempty"`
	LastFailedID string   `json:"last_failed_id,omitempty"`
	Fatal        string   `json:"fatal,omitempty"`
}

// FatalItem records a backlog item the scheduler gave up on.
type FatalItem struct {
	BacklogIndex int       `json:"backlog_index"`
	Reason       string    `json:"reason"`
	HealTaskID   string    `json:"heal_task_id,omitempty"`
	At           time.Time `json:"at"`
}

// PipelineState is owned by exactly one scheduler instance. In sequential
// mode BacklogIndex is the item being worked; in parallel mode it is the
// next item waiting to enter the design slot.
type PipelineState struct {
	Name          string                `json:"name"`
	Mode          string                `json:"mode"`
	BacklogIndex  int                   `json:"backlog_index"`
	Phase         TaskType              `json:"phase,omitempty"`
	CurrentTaskID string                `json:"current_task_id,omitempty"`
	Iteration     int                   `json:"iteration"`
	Blocked       bool                  `json:"blocked"`
	Held          string                `json:"held,omitempty"`
	Done          bool                  `json:"done"`
	Slots         map[TaskType]Slot     `json:"slots,omitempty"`
	Items         map[int]*ItemProgress `json:"items,omitempty"`
	FatalItems    []FatalItem           `json:"fatal_items,omitempty"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Issue is a monitor-raised pipeline health condition.
type Issue struct {
	ID              string     `json:"id"`
	Condition       string     `json:"condition"`
	Severity        string     `json:"severity"`
	Message         string     `json:"message"`
	SuggestedAction string     `json:"suggested_action"`
	CreatedAt       time.Time  `json:"created_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	HealTaskID      *string    `json:"heal_task_id,omitempty"`
}

// MetricRecord is appended once per task reaching a terminal status.
type MetricRecord struct {
	ID              int64      `json:"id"`
	TaskID          string     `json:"task_id"`
	TaskType        TaskType   `json:"task_type"`
	Model           string     `json:"model"`
	DurationSeconds float64    `json:"duration_seconds"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
}
