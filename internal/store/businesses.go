package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// --- Businesses ---

func (s *LibSQLStore) SaveBusiness(ctx context.Context, b *schema.Business) error {
	meta, err := marshalMapOrDefault(b.Metadata)
	if err != nil {
		return fmt.Errorf("marshal business metadata: %w", err)
	}
	status := b.EmailStatus
	if status == "" {
		status = schema.EmailStatusPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO businesses (id, user_id, name, email, phone, website, address, category, rating,
		   email_status, email_count, last_email_sent_at, last_error, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, name=excluded.name, email=excluded.email, phone=excluded.phone,
		   website=excluded.website, address=excluded.address, category=excluded.category,
		   rating=excluded.rating, email_status=excluded.email_status, email_count=excluded.email_count,
		   last_email_sent_at=excluded.last_email_sent_at, last_error=excluded.last_error,
		   metadata=excluded.metadata`,
		b.ID, b.UserID, b.Name, nullStr(b.Email), nullStr(b.Phone), nullStr(b.Website),
		nullStr(b.Address), nullStr(b.Category), b.Rating, status, b.EmailCount,
		nullMillis(b.LastEmailSentAt), nullStr(b.LastError), meta, toMillis(time.Now()),
	)
	return err
}

const businessColumns = `id, user_id, name, email, phone, website, address, category, rating,
	email_status, email_count, last_email_sent_at, last_error, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBusiness(row rowScanner) (*schema.Business, error) {
	b := &schema.Business{}
	var email, phone, website, address, category, lastError, meta sql.NullString
	var lastSent sql.NullInt64
	if err := row.Scan(&b.ID, &b.UserID, &b.Name, &email, &phone, &website, &address, &category,
		&b.Rating, &b.EmailStatus, &b.EmailCount, &lastSent, &lastError, &meta); err != nil {
		return nil, err
	}
	b.Email = email.String
	b.Phone = phone.String
	b.Website = website.String
	b.Address = address.String
	b.Category = category.String
	b.LastError = lastError.String
	b.LastEmailSentAt = millisPtr(lastSent)
	m, err := unmarshalMap(meta)
	if err != nil {
		return nil, fmt.Errorf("unmarshal business metadata: %w", err)
	}
	b.Metadata = m
	return b, nil
}

func (s *LibSQLStore) GetBusiness(ctx context.Context, id string) (*schema.Business, error) {
	b, err := scanBusiness(s.db.QueryRowContext(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("business", id)
	}
	return b, err
}

// UpdateBusiness applies a partial update. The email counter is incremented in
// SQL so concurrent sends never lose an increment.
func (s *LibSQLStore) UpdateBusiness(ctx context.Context, id string, patch schema.BusinessPatch) error {
	var sets []string
	var args []any
	if patch.EmailStatus != nil {
		sets = append(sets, "email_status = ?")
		args = append(args, *patch.EmailStatus)
	}
	if patch.LastEmailSentAt != nil {
		sets = append(sets, "last_email_sent_at = ?")
		args = append(args, toMillis(*patch.LastEmailSentAt))
	}
	if patch.IncrementEmails {
		sets = append(sets, "email_count = email_count + 1")
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*patch.LastError))
	}
	if len(sets) == 0 {
		_, err := s.GetBusiness(ctx, id)
		return err
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE businesses SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "business", id)
}

func (s *LibSQLStore) ListBusinesses(ctx context.Context, filter schema.BusinessFilter) ([]*schema.Business, error) {
	var where []string
	var args []any

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.EmailStatus != "" {
		where = append(where, "email_status = ?")
		args = append(args, filter.EmailStatus)
	}

	query := `SELECT ` + businessColumns + ` FROM businesses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Users ---

func (s *LibSQLStore) SaveUser(ctx context.Context, u *schema.UserProfile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, company, daily_email_limit, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, email=excluded.email, company=excluded.company,
		   daily_email_limit=excluded.daily_email_limit`,
		u.ID, u.Name, u.Email, nullStr(u.Company), u.DailyEmailLimit, toMillis(time.Now()),
	)
	return err
}

func (s *LibSQLStore) GetUser(ctx context.Context, id string) (*schema.UserProfile, error) {
	u := &schema.UserProfile{}
	var company sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, company, daily_email_limit FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &company, &u.DailyEmailLimit)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	u.Company = company.String
	return u, nil
}

// --- Templates ---

// SaveTemplate upserts a template. Marking it default clears the flag on the
// user's other templates in the same transaction.
func (s *LibSQLStore) SaveTemplate(ctx context.Context, tpl *schema.EmailTemplate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if tpl.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE email_templates SET is_default = 0 WHERE user_id = ? AND id != ?`,
			tpl.UserID, tpl.ID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO email_templates (id, user_id, name, subject, body, is_default, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   user_id=excluded.user_id, name=excluded.name, subject=excluded.subject,
		   body=excluded.body, is_default=excluded.is_default`,
		tpl.ID, tpl.UserID, tpl.Name, tpl.Subject, tpl.Body, boolInt(tpl.IsDefault), toMillis(time.Now()),
	); err != nil {
		return err
	}
	return tx.Commit()
}

const templateColumns = `id, user_id, name, subject, body, is_default`

func scanTemplate(row rowScanner) (*schema.EmailTemplate, error) {
	t := &schema.EmailTemplate{}
	var isDefault int
	if err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body, &isDefault); err != nil {
		return nil, err
	}
	t.IsDefault = isDefault == 1
	return t, nil
}

// GetTemplate returns a template owned by userID.
func (s *LibSQLStore) GetTemplate(ctx context.Context, userID, templateID string) (*schema.EmailTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE id = ? AND user_id = ?`, templateID, userID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", templateID)
	}
	return t, err
}

// GetDefaultTemplate returns the user's default template, falling back to the
// oldest one when none is flagged.
func (s *LibSQLStore) GetDefaultTemplate(ctx context.Context, userID string) (*schema.EmailTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM email_templates WHERE user_id = ?
		 ORDER BY is_default DESC, created_at LIMIT 1`, userID))
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no email template for user %q", userID)
	}
	return t, err
}

// Interpolate renders the template's subject and body against the business
// and user. Unknown placeholders are kept.
func (s *LibSQLStore) Interpolate(tpl *schema.EmailTemplate, business *schema.Business, user *schema.UserProfile) schema.RenderedEmail {
	return RenderTemplate(tpl, business, user)
}

// RenderTemplate fills {variable} placeholders with the same keys a workflow
// context is seeded with, plus {name} for the business name.
func RenderTemplate(tpl *schema.EmailTemplate, business *schema.Business, user *schema.UserProfile) schema.RenderedEmail {
	if tpl == nil {
		return schema.RenderedEmail{}
	}
	vars := nodes.NewContext(nil)
	vars.Seed(business, user)
	data := vars.Data()
	if business != nil {
		data["name"] = business.Name
	}
	return schema.RenderedEmail{
		Subject: expressions.Interpolate(tpl.Subject, data),
		Body:    expressions.Interpolate(tpl.Body, data),
	}
}
