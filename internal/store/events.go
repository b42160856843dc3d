package store

import (
	"context"
	"fmt"
)

// GetEvents returns all events for a task, oldest first.
func (s *Store) GetEvents(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, actor, event_type, content, timestamp FROM events WHERE task_id = ? ORDER BY id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Actor, &e.Type, &e.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddEvent records an event for a task.
func (s *Store) AddEvent(ctx context.Context, taskID, actor, eventType, content string) {
	s.addEvent(ctx, s.db, taskID, actor, eventType, content)
}

// addEvent is best effort: the audit trail never fails the operation it describes.
func (s *Store) addEvent(ctx context.Context, q querier, taskID, actor, eventType, content string) {
	q.ExecContext(ctx,
		`INSERT INTO events (task_id, actor, event_type, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		taskID, actor, eventType, content, s.stamp(),
	)
}
