package monitor

import (
	"context"

	"github.com/imkarma/forge/internal/store"
)

// snapshotLimit bounds each task list in a pipeline snapshot.
const snapshotLimit = 20

// PipelineStatus is the read-only pipeline snapshot.
type PipelineStatus struct {
	Counts            map[store.TaskStatus]int `json:"counts"`
	Running           []store.Task             `json:"running"`
	Pending           []store.Task             `json:"pending"`
	NeedsDecision     []store.Task             `json:"needs_decision"`
	RecentlyCompleted []store.Task             `json:"recently_completed"`
	State             *store.PipelineState     `json:"state"`
	Attention         *Attention               `json:"attention"`
}

// Snapshot assembles the pipeline status for the named scheduler state.
func (m *Monitor) Snapshot(ctx context.Context, pipeline string) (*PipelineStatus, error) {
	att, err := m.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	ps := &PipelineStatus{Counts: counts, Attention: att}

	lists := []struct {
		status store.TaskStatus
		dst    *[]store.Task
	}{
		{store.StatusRunning, &ps.Running},
		{store.StatusPending, &ps.Pending},
		{store.StatusNeedsDecision, &ps.NeedsDecision},
	}
	for _, l := range lists {
		tasks, err := m.store.TasksByStatus(ctx, l.status, snapshotLimit)
		if err != nil {
			return nil, err
		}
		*l.dst = nonNil(tasks)
	}
	recent, err := m.store.RecentTerminal(ctx, snapshotLimit)
	if err != nil {
		return nil, err
	}
	ps.RecentlyCompleted = nonNil(recent)

	if ps.State, err = m.store.LoadPipelineState(ctx, pipeline); err != nil {
		return nil, err
	}
	return ps, nil
}

// IssueList is the open issues plus the recently resolved ones.
type IssueList struct {
	Open     []store.Issue `json:"open"`
	Resolved []store.Issue `json:"resolved"`
}

// Issues lists open issues and up to limit recently resolved ones.
func (m *Monitor) Issues(ctx context.Context, limit int) (*IssueList, error) {
	open, err := m.store.OpenIssues(ctx)
	if err != nil {
		return nil, err
	}
	resolved, err := m.store.ResolvedIssues(ctx, limit)
	if err != nil {
		return nil, err
	}
	if open == nil {
		open = []store.Issue{}
	}
	if resolved == nil {
		resolved = []store.Issue{}
	}
	return &IssueList{Open: open, Resolved: resolved}, nil
}

func nonNil(tasks []store.Task) []store.Task {
	if tasks == nil {
		return []store.Task{}
	}
	return tasks
}
