package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// LoadPipelineState returns the named scheduler state, or a fresh one if
// the scheduler has never run.
func (s *Store) LoadPipelineState(ctx context.Context, name string) (*PipelineState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM pipeline_state WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return &PipelineState{
			Name:  name,
			Slots: map[TaskType]Slot{},
			Items: map[int]*ItemProgress{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}

	var st PipelineState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode pipeline state: %w", err)
	}
	if st.Slots == nil {
		st.Slots = map[TaskType]Slot{}
	}
	if st.Items == nil {
		st.Items = map[int]*ItemProgress{}
	}
	return &st, nil
}

// SavePipelineState persists the scheduler state, replacing the previous row.
func (s *Store) SavePipelineState(ctx context.Context, st *PipelineState) error {
	st.UpdatedAt = s.now().UTC()
	raw, err := encodeJSON(st)
	if err != nil {
		return fmt.Errorf("encode pipeline state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_state (name, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		st.Name, raw, formatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save pipeline state: %w", err)
	}
	return nil
}
