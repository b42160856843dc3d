// Package monitor watches pipeline health. On every pass it evaluates a
// fixed set of named conditions and reconciles them against the open
// issues: new conditions open an issue (and, with auto-fix, a heal task),
// cleared ones are resolved.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imkarma/forge/internal/metrics"
	"github.com/imkarma/forge/internal/service"
	"github.com/imkarma/forge/internal/store"
)

// Condition names.
const (
	CondStuck            = "stuck"
	CondRepeatedFailures = "repeated_failures"
	CondLowSuccessRate   = "low_success_rate"
)

// Conditions lists every condition in evaluation order.
var Conditions = []string{CondStuck, CondRepeatedFailures, CondLowSuccessRate}

// Store is what the monitor reads and the issues it maintains.
type Store interface {
	CountByStatus(ctx context.Context) (map[store.TaskStatus]int, error)
	TasksByStatus(ctx context.Context, status store.TaskStatus, limit int) ([]store.Task, error)
	RecentTerminal(ctx context.Context, limit int) ([]store.Task, error)
	RecentMetrics(ctx context.Context, limit int) ([]store.MetricRecord, error)
	LoadPipelineState(ctx context.Context, name string) (*store.PipelineState, error)

	CreateIssue(ctx context.Context, is store.Issue) (*store.Issue, error)
	OpenIssues(ctx context.Context) ([]store.Issue, error)
	ResolvedIssues(ctx context.Context, limit int) ([]store.Issue, error)
	ResolveIssue(ctx context.Context, id string) error
	SetIssueHealTask(ctx context.Context, issueID, taskID string) error
	PruneIssues(ctx context.Context, keep int) (int, error)
}

// TaskCreator routes and inserts heal tasks.
type TaskCreator interface {
	CreateTask(ctx context.Context, req service.CreateRequest) (*store.Task, error)
}

// Config holds the thresholds.
type Config struct {
	Interval         time.Duration
	StuckThreshold   time.Duration
	RepeatedFailures int
	MinSamples       int
	MinSuccessRate   float64
	Window           int
	AutoFix          bool
	IssueRetention   int
	// ClaimTTL is how long a running task's claim stays live without a
	// heartbeat. It should match the store's.
	ClaimTTL time.Duration
	// Clock overrides time.Now. Used by tests.
	Clock func() time.Time
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		StuckThreshold:   10 * time.Minute,
		RepeatedFailures: 3,
		MinSamples:       10,
		MinSuccessRate:   0.8,
		Window:           metrics.DefaultWindow,
		IssueRetention:   200,
		ClaimTTL:         store.DefaultClaimTTL,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.RepeatedFailures <= 0 {
		c.RepeatedFailures = d.RepeatedFailures
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinSuccessRate <= 0 {
		c.MinSuccessRate = d.MinSuccessRate
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.IssueRetention <= 0 {
		c.IssueRetention = d.IssueRetention
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = d.ClaimTTL
	}
}

// Finding is one active condition with its explanation.
type Finding struct {
	Condition       string `json:"condition"`
	Severity        string `json:"severity"`
	Message         string `json:"message"`
	SuggestedAction string `json:"suggested_action"`
}

// Attention is the evaluated health snapshot.
type Attention struct {
	Stuck            bool      `json:"stuck"`
	RepeatedFailures bool      `json:"repeated_failures"`
	LowSuccessRate   bool      `json:"low_success_rate"`
	Flags            []string  `json:"flags"`
	Findings         []Finding `json:"findings,omitempty"`
}

// Active reports whether a condition is set.
func (a *Attention) Active(cond string) bool {
	switch cond {
	case CondStuck:
		return a.Stuck
	case CondRepeatedFailures:
		return a.RepeatedFailures
	case CondLowSuccessRate:
		return a.LowSuccessRate
	}
	return false
}

func (a *Attention) add(f Finding) {
	switch f.Condition {
	case CondStuck:
		a.Stuck = true
	case CondRepeatedFailures:
		a.RepeatedFailures = true
	case CondLowSuccessRate:
		a.LowSuccessRate = true
	}
	a.Flags = append(a.Flags, f.Condition)
	a.Findings = append(a.Findings, f)
}

// Report is the result of one reconciling pass.
type Report struct {
	Attention *Attention    `json:"attention"`
	Opened    []store.Issue `json:"opened,omitempty"`
	Resolved  []store.Issue `json:"resolved,omitempty"`
	Pruned    int           `json:"pruned,omitempty"`
}

// Monitor evaluates conditions and maintains issues.
type Monitor struct {
	cfg    Config
	store  Store
	tasks  TaskCreator
	agg    *metrics.Aggregator
	gauges *metrics.Gauges
	log    *zap.Logger
	now    func() time.Time
}

// New creates a monitor. tasks is only used with AutoFix; logger and
// gauges may be nil.
func New(cfg Config, st Store, tasks TaskCreator, logger *zap.Logger, gauges *metrics.Gauges) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		cfg:    cfg,
		store:  st,
		tasks:  tasks,
		agg:    metrics.NewAggregator(st, cfg.Window),
		gauges: gauges,
		log:    logger,
		now:    now,
	}
}

// Aggregator returns the metrics aggregator over the monitor's window.
func (m *Monitor) Aggregator() *metrics.Aggregator { return m.agg }

// Run checks on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started", zap.Duration("interval", m.cfg.Interval), zap.Bool("auto_fix", m.cfg.AutoFix))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.log.Error("monitor check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// liveClaims counts the running tasks a worker is still heartbeating. A
// resumed task waiting to be re-claimed, or one whose claim expired, is
// running in name only.
func (m *Monitor) liveClaims(ctx context.Context, running int) (int, error) {
	if running == 0 {
		return 0, nil
	}
	tasks, err := m.store.TasksByStatus(ctx, store.StatusRunning, running)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-m.cfg.ClaimTTL)
	live := 0
	for _, t := range tasks {
		if t.ClaimedBy != nil && t.ClaimedAt != nil && !t.ClaimedAt.Before(cutoff) {
			live++
		}
	}
	return live, nil
}

// Evaluate computes the conditions without changing anything.
func (m *Monitor) Evaluate(ctx context.Context) (*Attention, error) {
	att := &Attention{Flags: []string{}}

	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	m.gauges.ObserveCounts(counts)

	live, err := m.liveClaims(ctx, counts[store.StatusRunning])
	if err != nil {
		return nil, err
	}
	if counts[store.StatusPending] > 0 && live == 0 {
		oldest, err := m.store.TasksByStatus(ctx, store.StatusPending, 1)
		if err != nil {
			return nil, err
		}
		if len(oldest) == 1 {
			wait := m.now().Sub(oldest[0].CreatedAt)
			if wait > m.cfg.StuckThreshold {
				att.add(Finding{
					Condition: CondStuck,
					Severity:  "warning",
					Message: fmt.Sprintf("%d pending task(s), none claimed by a live worker; oldest (%s) has waited %s",
						counts[store.StatusPending], oldest[0].ID, wait.Round(time.Second)),
					SuggestedAction: "Check that workers are running and can reach the store",
				})
			}
		}
	}

	recent, err := m.store.RecentMetrics(ctx, m.cfg.RepeatedFailures)
	if err != nil {
		return nil, err
	}
	if len(recent) == m.cfg.RepeatedFailures && allFailed(recent) {
		att.add(Finding{
			Condition: CondRepeatedFailures,
			Severity:  "critical",
			Message: fmt.Sprintf("the last %d tasks all failed (latest %s, %s)",
				len(recent), recent[0].TaskID, recent[0].TaskType),
			SuggestedAction: "Inspect the failed task output; a heal task can be created to investigate",
		})
	}

	summary, err := m.agg.Summary(ctx)
	if err != nil {
		return nil, err
	}
	m.gauges.ObserveSummary(summary)
	if summary.Count >= m.cfg.MinSamples && summary.SuccessRate < m.cfg.MinSuccessRate {
		att.add(Finding{
			Condition: CondLowSuccessRate,
			Severity:  "warning",
			Message: fmt.Sprintf("success rate %.0f%% over the last %d tasks (threshold %.0f%%)",
				summary.SuccessRate*100, summary.Count, m.cfg.MinSuccessRate*100),
			SuggestedAction: "Review the per-model breakdown; consider escalating the failing task types",
		})
	}

	active := make(map[string]bool, len(Conditions))
	for _, c := range Conditions {
		active[c] = att.Active(c)
	}
	m.gauges.ObserveAttention(active)
	return att, nil
}

// Check evaluates the conditions and reconciles the issue history.
// Running it twice without a state change opens nothing new.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	att, err := m.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{Attention: att}

	open, err := m.store.OpenIssues(ctx)
	if err != nil {
		return nil, err
	}
	openByCond := map[string]store.Issue{}
	for _, is := range open {
		if _, seen := openByCond[is.Condition]; !seen {
			openByCond[is.Condition] = is
		}
	}

	for _, f := range att.Findings {
		if _, exists := openByCond[f.Condition]; exists {
			continue
		}
		is, err := m.store.CreateIssue(ctx, store.Issue{
			Condition:       f.Condition,
			Severity:        f.Severity,
			Message:         f.Message,
			SuggestedAction: f.SuggestedAction,
		})
		if err != nil {
			return nil, err
		}
		m.log.Warn("condition raised", zap.String("condition", f.Condition), zap.String("issue_id", is.ID), zap.String("message", f.Message))

		if m.cfg.AutoFix && m.tasks != nil {
			heal, err := m.createHealTask(ctx, is)
			if err != nil {
				m.log.Error("heal task creation failed", zap.String("condition", f.Condition), zap.Error(err))
			} else {
				is.HealTaskID = &heal.ID
			}
		}
		report.Opened = append(report.Opened, *is)
	}

	for _, is := range open {
		if att.Active(is.Condition) {
			continue
		}
		if err := m.store.ResolveIssue(ctx, is.ID); err != nil {
			return nil, err
		}
		m.log.Info("condition cleared", zap.String("condition", is.Condition), zap.String("issue_id", is.ID))
		report.Resolved = append(report.Resolved, is)
	}

	if report.Pruned, err = m.store.PruneIssues(ctx, m.cfg.IssueRetention); err != nil {
		return nil, err
	}
	return report, nil
}

func (m *Monitor) createHealTask(ctx context.Context, is *store.Issue) (*store.Task, error) {
	heal, err := m.tasks.CreateTask(ctx, service.CreateRequest{
		Direction: fmt.Sprintf("Pipeline condition %q was raised: %s\n\nSuggested action: %s\n\nDiagnose the cause and fix it, or report what an operator must do.",
			is.Condition, is.Message, is.SuggestedAction),
		TaskType: string(store.TypeHeal),
		Context: map[string]any{
			store.CtxHealFor:  is.Condition,
			store.CtxIssueID:  is.ID,
			store.CtxEscalate: true,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.SetIssueHealTask(ctx, is.ID, heal.ID); err != nil {
		return nil, err
	}
	m.log.Info("heal task created", zap.String("condition", is.Condition), zap.String("task_id", heal.ID))
	return heal, nil
}

func allFailed(records []store.MetricRecord) bool {
	for _, r := range records {
		if r.Status != store.StatusFailed {
			return false
		}
	}
	return true
}
