package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// --- Triggers ---

func (s *LibSQLStore) SaveTrigger(ctx context.Context, t *schema.Trigger) error {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("marshal trigger config: %w", err)
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, user_id, trigger_type, config, enabled, next_run_at, last_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, user_id=excluded.user_id,
		   trigger_type=excluded.trigger_type, config=excluded.config,
		   enabled=excluded.enabled, next_run_at=excluded.next_run_at`,
		t.ID, t.WorkflowID, t.UserID, string(t.Type), string(cfg), boolInt(t.Enabled),
		nullMillis(t.NextRunAt), nullMillis(t.LastRunAt), nullStr(t.LastRunStatus), toMillis(t.CreatedAt),
	)
	return err
}

const triggerColumns = `id, workflow_id, user_id, trigger_type, config, enabled, next_run_at, last_run_at, last_run_status, created_at`

func scanTrigger(row rowScanner) (*schema.Trigger, error) {
	t := &schema.Trigger{}
	var typ, cfg string
	var enabled int
	var next, last sql.NullInt64
	var lastStatus sql.NullString
	var created int64
	if err := row.Scan(&t.ID, &t.WorkflowID, &t.UserID, &typ, &cfg, &enabled,
		&next, &last, &lastStatus, &created); err != nil {
		return nil, err
	}
	t.Type = schema.TriggerType(typ)
	if err := json.Unmarshal([]byte(cfg), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshal trigger config: %w", err)
	}
	t.Enabled = enabled == 1
	t.NextRunAt = millisPtr(next)
	t.LastRunAt = millisPtr(last)
	t.LastRunStatus = lastStatus.String
	t.CreatedAt = fromMillis(created)
	return t, nil
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*schema.Trigger, error) {
	t, err := scanTrigger(s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger", id)
	}
	return t, err
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*schema.Trigger, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		where = append(where, "trigger_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}

	query := `SELECT ` + triggerColumns + ` FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryTriggers(ctx, query, args...)
}

// DueTriggers returns enabled triggers whose next run is at or before now,
// oldest first.
func (s *LibSQLStore) DueTriggers(ctx context.Context, now time.Time, limit int) ([]*schema.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryTriggers(ctx, query, toMillis(now))
}

func (s *LibSQLStore) queryTriggers(ctx context.Context, query string, args ...any) ([]*schema.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimAndReschedule is a compare-and-set on next_run_at. Exactly one caller
// observing the same expected value wins.
func (s *LibSQLStore) ClaimAndReschedule(ctx context.Context, id string, expected time.Time, next *time.Time, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET next_run_at = ?, last_run_at = ?
		 WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		nullMillis(next), toMillis(now), id, toMillis(expected),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *LibSQLStore) RecordTriggerRun(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_run_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) SetTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

// DeleteTrigger removes a trigger on explicit request. The scheduler never calls it.
func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}
