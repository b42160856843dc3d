package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const issueColumns = `id, condition, severity, message, suggested_action, created_at, resolved_at, heal_task_id`

// CreateIssue records a newly raised condition.
func (s *Store) CreateIssue(ctx context.Context, is Issue) (*Issue, error) {
	if is.ID == "" {
		is.ID = uuid.NewString()
	}
	is.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issues (id, condition, severity, message, suggested_action, created_at, heal_task_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		is.ID, is.Condition, is.Severity, is.Message, is.SuggestedAction, formatTime(is.CreatedAt), is.HealTaskID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}
	return &is, nil
}

// SetIssueHealTask links an open issue to the task created to remediate it.
func (s *Store) SetIssueHealTask(ctx context.Context, issueID, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE issues SET heal_task_id = ? WHERE id = ?`, taskID, issueID)
	if err != nil {
		return fmt.Errorf("set heal task: %w", err)
	}
	return nil
}

// ResolveIssue marks an open issue resolved. Its heal_task_id is kept so
// the recovery can be attributed to the remediation task.
func (s *Store) ResolveIssue(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		s.stamp(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve issue: %w", err)
	}
	return nil
}

// OpenIssues returns all unresolved issues, oldest first.
func (s *Store) OpenIssues(ctx context.Context) ([]Issue, error) {
	return s.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE resolved_at IS NULL ORDER BY seq`)
}

// ResolvedIssues returns the most recently resolved issues.
func (s *Store) ResolvedIssues(ctx context.Context, limit int) ([]Issue, error) {
	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE resolved_at IS NOT NULL ORDER BY resolved_at DESC, seq DESC LIMIT ?`,
		limit)
}

// PruneIssues deletes the oldest resolved issues so that at most keep
// issues remain. Open issues are never pruned.
func (s *Store) PruneIssues(ctx context.Context, keep int) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`).Scan(&total); err != nil {
		return 0, fmt.Errorf("count issues: %w", err)
	}
	excess := total - keep
	if excess <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE seq IN (
		   SELECT seq FROM issues WHERE resolved_at IS NOT NULL ORDER BY seq LIMIT ?
		 )`, excess)
	if err != nil {
		return 0, fmt.Errorf("prune issues: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryIssues(ctx context.Context, query string, args ...any) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query issues: %w", err)
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		var is Issue
		var createdAt string
		var resolvedAt, healTask sql.NullString
		if err := rows.Scan(&is.ID, &is.Condition, &is.Severity, &is.Message, &is.SuggestedAction,
			&createdAt, &resolvedAt, &healTask); err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		if is.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse issue created_at: %w", err)
		}
		if is.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
			return nil, fmt.Errorf("parse issue resolved_at: %w", err)
		}
		is.HealTaskID = nullString(healTask)
		issues = append(issues, is)
	}
	return issues, rows.Err()
}
