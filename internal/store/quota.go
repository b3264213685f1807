package store

import (
	"context"
	"database/sql"
)

// --- Email quota ---

// CheckAndIncrement reserves one send for userID on day. The insert, the
// conditional increment and the read run in one transaction on the store's
// single connection. A non-positive limit never blocks.
func (s *LibSQLStore) CheckAndIncrement(ctx context.Context, userID, day string, limit int) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO email_quota (user_id, day, sent) VALUES (?, ?, 0)
		 ON CONFLICT(user_id, day) DO NOTHING`, userID, day); err != nil {
		return false, 0, err
	}

	var res sql.Result
	if limit > 0 {
		res, err = tx.ExecContext(ctx,
			`UPDATE email_quota SET sent = sent + 1 WHERE user_id = ? AND day = ? AND sent < ?`,
			userID, day, limit)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE email_quota SET sent = sent + 1 WHERE user_id = ? AND day = ?`, userID, day)
	}
	if err != nil {
		return false, 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}

	var used int
	if err := tx.QueryRowContext(ctx,
		`SELECT sent FROM email_quota WHERE user_id = ? AND day = ?`, userID, day).Scan(&used); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return n == 1, used, nil
}

// QuotaUsage returns the number of sends recorded for userID on day.
func (s *LibSQLStore) QuotaUsage(ctx context.Context, userID, day string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT sent FROM email_quota WHERE user_id = ? AND day = ?`, userID, day).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return used, err
}
