package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// --- Execution logs ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, log *schema.ExecutionLog) error {
	log.StartedAt = timeOrNow(log.StartedAt)
	if log.Status == "" {
		log.Status = schema.ExecutionPending
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, user_id, business_id, trigger_id, status, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.WorkflowID, log.UserID, nullStr(log.BusinessID), nullStr(log.TriggerID),
		string(log.Status), nullStr(log.Error), toMillis(log.StartedAt), nullMillis(log.CompletedAt),
	); err != nil {
		return err
	}
	for i, line := range log.Logs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_lines (execution_id, seq, line) VALUES (?, ?, ?)`,
			log.ID, i+1, line); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendExecutionLine adds a line to an open log. The sequence is computed in
// the same statement so appends never interleave.
func (s *LibSQLStore) AppendExecutionLine(ctx context.Context, id, line string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_lines (execution_id, seq, line)
		 SELECT ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_lines WHERE execution_id = ?), ?
		 WHERE EXISTS (SELECT 1 FROM executions WHERE id = ? AND completed_at IS NULL)`,
		id, id, line, id,
	)
	if err != nil {
		return err
	}
	return s.checkOpen(ctx, res, id)
}

// UpdateExecutionStatus moves an open log from one status to another.
func (s *LibSQLStore) UpdateExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ? AND status = ? AND completed_at IS NULL`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	return s.checkOpen(ctx, res, id)
}

// FinalizeExecution sets the terminal status, error and completion time.
// A log can be finalized once.
func (s *LibSQLStore) FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		string(status), nullStr(errMsg), toMillis(completedAt), id,
	)
	if err != nil {
		return err
	}
	return s.checkOpen(ctx, res, id)
}

// checkOpen turns a zero-row write into NOT_FOUND or CONFLICT.
func (s *LibSQLStore) checkOpen(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	var completed sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT status, completed_at FROM executions WHERE id = ?`, id).Scan(&status, &completed)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	if completed.Valid {
		return storeConflict("execution", id, "is already completed")
	}
	return storeConflict("execution", id, "is in status "+status)
}

const executionColumns = `id, workflow_id, user_id, business_id, trigger_id, status, error, started_at, completed_at`

func scanExecution(row rowScanner) (*schema.ExecutionLog, error) {
	l := &schema.ExecutionLog{}
	var businessID, triggerID, errMsg sql.NullString
	var status string
	var started int64
	var completed sql.NullInt64
	if err := row.Scan(&l.ID, &l.WorkflowID, &l.UserID, &businessID, &triggerID,
		&status, &errMsg, &started, &completed); err != nil {
		return nil, err
	}
	l.BusinessID = businessID.String
	l.TriggerID = triggerID.String
	l.Status = schema.ExecutionStatus(status)
	l.Error = errMsg.String
	l.StartedAt = fromMillis(started)
	l.CompletedAt = millisPtr(completed)
	return l, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionLog, error) {
	l, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if l.Logs, err = s.executionLines(ctx, id); err != nil {
		return nil, err
	}
	return l, nil
}

// executionWhere builds the WHERE clause shared by listing and counting.
func executionWhere(filter schema.ExecutionFilter) (string, []any) {
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
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "started_at < ?")
		args = append(args, toMillis(*filter.Until))
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListExecutions returns logs newest first, lines included.
func (s *LibSQLStore) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.ExecutionLog, error) {
	where, args := executionWhere(filter)
	query := `SELECT ` + executionColumns + ` FROM executions` + where + " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	logs, err := s.queryExecutions(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	// Lines are loaded after the cursor closes: the pool holds one connection.
	for _, l := range logs {
		if l.Logs, err = s.executionLines(ctx, l.ID); err != nil {
			return nil, err
		}
	}
	return logs, nil
}

// CountExecutions counts logs matching filter. Limit is ignored.
func (s *LibSQLStore) CountExecutions(ctx context.Context, filter schema.ExecutionFilter) (int, error) {
	where, args := executionWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&n)
	return n, err
}

func (s *LibSQLStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*schema.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionLog
	for rows.Next() {
		l, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) executionLines(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM execution_lines WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// --- Steps ---

func (s *LibSQLStore) AddStep(ctx context.Context, id string, rec schema.StepRecord) error {
	attempts := rec.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (execution_id, seq, node_id, node_type, outcome, attempts, duration_ms, error)
		 SELECT ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_steps WHERE execution_id = ?), ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM executions WHERE id = ? AND completed_at IS NULL)`,
		id, id, rec.NodeID, string(rec.NodeType), rec.Outcome, attempts,
		rec.Duration.Milliseconds(), nullStr(rec.Error), id,
	)
	if err != nil {
		return err
	}
	return s.checkOpen(ctx, res, id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, id string) ([]schema.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, node_type, outcome, attempts, duration_ms, error
		 FROM execution_steps WHERE execution_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schema.StepRecord
	for rows.Next() {
		var rec schema.StepRecord
		var nodeType string
		var durMS int64
		var errMsg sql.NullString
		if err := rows.Scan(&rec.NodeID, &nodeType, &rec.Outcome, &rec.Attempts, &durMS, &errMsg); err != nil {
			return nil, err
		}
		rec.NodeType = schema.NodeType(nodeType)
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.Error = errMsg.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
