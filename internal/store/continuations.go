package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rendis/outreach/internal/engine"
)

// --- Continuations ---

// SaveContinuation upserts the suspended state of a run, keyed by execution.
func (s *LibSQLStore) SaveContinuation(ctx context.Context, c *engine.Continuation) error {
	c.CreatedAt = timeOrNow(c.CreatedAt)
	state, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal continuation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO continuations (execution_id, workflow_id, user_id, resume_at, attempt, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   resume_at=excluded.resume_at, attempt=excluded.attempt, state=excluded.state`,
		c.ExecutionID, c.WorkflowID, c.UserID, toMillis(c.ResumeAt), c.Attempt,
		string(state), toMillis(c.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetContinuation(ctx context.Context, executionID string) (*engine.Continuation, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM continuations WHERE execution_id = ?`, executionID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("continuation", executionID)
	}
	if err != nil {
		return nil, err
	}
	return decodeContinuation(state)
}

func (s *LibSQLStore) DeleteContinuation(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE execution_id = ?`, executionID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "continuation", executionID)
}

// ListContinuations returns every suspended run, earliest resume first.
func (s *LibSQLStore) ListContinuations(ctx context.Context) ([]*engine.Continuation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM continuations ORDER BY resume_at, execution_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*engine.Continuation
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		c, err := decodeContinuation(state)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeContinuation(state string) (*engine.Continuation, error) {
	c := &engine.Continuation{}
	if err := json.Unmarshal([]byte(state), c); err != nil {
		return nil, fmt.Errorf("unmarshal continuation: %w", err)
	}
	return c, nil
}
