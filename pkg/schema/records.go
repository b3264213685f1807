package schema

import "time"

// Business email status values.
const (
	EmailStatusPending = "pending"
	EmailStatusSent    = "sent"
	EmailStatusFailed  = "failed"
)

// Business is an outreach target record.
type Business struct {
	ID              string         `json:"id"`
	UserID          string         `json:"userId"`
	Name            string         `json:"name"`
	Email           string         `json:"email,omitempty"`
	Phone           string         `json:"phone,omitempty"`
	Website         string         `json:"website,omitempty"`
	Address         string         `json:"address,omitempty"`
	Category        string         `json:"category,omitempty"`
	Rating          float64        `json:"rating,omitempty"`
	EmailStatus     string         `json:"emailStatus,omitempty"`
	EmailCount      int            `json:"emailCount,omitempty"`
	LastEmailSentAt *time.Time     `json:"lastEmailSentAt,omitempty"`
	LastError       string         `json:"lastError,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// BusinessPatch is a partial update. Nil fields are left untouched.
type BusinessPatch struct {
	EmailStatus     *string
	LastEmailSentAt *time.Time
	IncrementEmails bool
	LastError       *string
}

// BusinessFilter selects outreach targets.
type BusinessFilter struct {
	UserID      string
	Category    string
	EmailStatus string
	Limit       int
}

// UserProfile is the workflow owner as seen by the engine.
type UserProfile struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Company         string `json:"company,omitempty"`
	DailyEmailLimit int    `json:"dailyEmailLimit"`
}

// DefaultDailyEmailLimit applies when the user has no explicit limit.
const DefaultDailyEmailLimit = 50

// EmailTemplate is a stored subject/body pair with {variable} placeholders.
type EmailTemplate struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	IsDefault bool   `json:"isDefault"`
}

// RenderedEmail is a template after placeholder substitution.
type RenderedEmail struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SocialAccount identifies the page or profile a post is published to.
type SocialAccount struct {
	Platform    string `json:"platform"`
	AccountID   string `json:"accountId"`
	AccessToken string `json:"-"`
}
