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

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, definition, is_active, target_business_type, timezone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, name=excluded.name, definition=excluded.definition,
		   is_active=excluded.is_active, target_business_type=excluded.target_business_type,
		   timezone=excluded.timezone, updated_at=excluded.updated_at`,
		wf.ID, wf.UserID, wf.Name, string(def), boolInt(wf.IsActive),
		nullStr(wf.TargetBusinessType), nullStr(wf.Timezone),
		toMillis(wf.CreatedAt), toMillis(now),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var defJSON string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, is_active FROM workflows WHERE id = ?`, id,
	).Scan(&defJSON, &active)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeWorkflow(defJSON, active)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT definition, is_active FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		var defJSON string
		var active int
		if err := rows.Scan(&defJSON, &active); err != nil {
			return nil, err
		}
		wf, err := decodeWorkflow(defJSON, active)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET is_active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), toMillis(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// decodeWorkflow reads the stored definition; the is_active column wins over
// the copy embedded in the JSON.
func decodeWorkflow(defJSON string, active int) (*schema.WorkflowDefinition, error) {
	wf := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	wf.IsActive = active == 1
	return wf, nil
}
