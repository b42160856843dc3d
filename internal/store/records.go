package store

import (
	"context"
	"fmt"
)

// RecentMetrics returns up to limit metric records, most recent first.
// Records are appended in completion order, so this is also the order in
// which tasks terminated.
func (s *Store) RecentMetrics(ctx context.Context, limit int) ([]MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, task_type, model, duration_seconds, status, created_at
		 FROM metric_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var records []MetricRecord
	for rows.Next() {
		var r MetricRecord
		var taskType, status, createdAt string
		if err := rows.Scan(&r.ID, &r.TaskID, &taskType, &r.Model, &r.DurationSeconds, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		r.TaskType = TaskType(taskType)
		r.Status = TaskStatus(status)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse metric created_at: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
