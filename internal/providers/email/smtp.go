// Package email delivers rendered outreach emails over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// Config holds server defaults. Per-user credentials override every field.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender implements nodes.EmailSender.
type Sender struct {
	cfg  Config
	send sendFunc
	now  func() time.Time
}

var _ nodes.EmailSender = (*Sender)(nil)

// New creates an SMTP sender.
func New(cfg Config) *Sender {
	return &Sender{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

// settings merges creds (host, port, username, password, from, fromName) over
// the configured defaults.
func (s *Sender) settings(creds map[string]string) Config {
	c := s.cfg
	pick := func(dst *string, key string) {
		if v := strings.TrimSpace(creds[key]); v != "" {
			*dst = v
		}
	}
	pick(&c.Host, "host")
	pick(&c.Port, "port")
	pick(&c.Username, "username")
	pick(&c.Password, "password")
	pick(&c.From, "from")
	pick(&c.FromName, "fromName")
	if c.Port == "" {
		c.Port = "587"
	}
	if c.From == "" {
		c.From = c.Username
	}
	return c
}

// Send delivers one message and returns its Message-ID. The SMTP call runs in
// its own goroutine so ctx cancellation is honoured.
func (s *Sender) Send(ctx context.Context, business *schema.Business, email schema.RenderedEmail, creds map[string]string) (string, error) {
	if business == nil || business.Email == "" {
		return "", schema.NewError(schema.ErrCodePermanent, "business has no email address")
	}
	to, err := mail.ParseAddress(business.Email)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePermanent, "invalid recipient %q", business.Email)
	}
	c := s.settings(creds)
	if c.Host == "" {
		return "", schema.NewError(schema.ErrCodePermanent, "no SMTP server configured")
	}
	from, err := mail.ParseAddress(c.From)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePermanent, "invalid sender %q", c.From)
	}
	from.Name = c.FromName

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), c.Host)
	msg := buildMessage(from, &mail.Address{Name: business.Name, Address: to.Address}, email, msgID, s.now())

	var auth smtp.Auth
	if c.Username != "" {
		auth = smtp.PlainAuth("", c.Username, c.Password, c.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.send(net.JoinHostPort(c.Host, c.Port), auth, from.Address, []string{to.Address}, msg)
	}()
	select {
	case <-ctx.Done():
		return "", schema.NewError(schema.ErrCodeTimeout, "email send interrupted: "+ctx.Err().Error()).WithCause(ctx.Err())
	case err := <-done:
		if err != nil {
			return "", classify(err)
		}
	}
	return msgID, nil
}

func buildMessage(from, to *mail.Address, email schema.RenderedEmail, msgID string, now time.Time) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", email.Subject))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	contentType := "text/plain; charset=utf-8"
	if looksLikeHTML(email.Body) {
		contentType = "text/html; charset=utf-8"
	}
	header("Content-Type", contentType)
	b.WriteString("\r\n")
	body := strings.ReplaceAll(email.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func looksLikeHTML(body string) bool {
	s := strings.ToLower(strings.TrimSpace(body))
	return strings.HasPrefix(s, "<!doctype html") || strings.HasPrefix(s, "<html") ||
		strings.Contains(s, "<p>") || strings.Contains(s, "<br")
}

// classify maps SMTP replies: 4xx is transient, 5xx permanent. Connection
// failures are transient.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		code := schema.ErrCodePermanent
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			code = schema.ErrCodeTransient
		}
		return schema.NewError(code, err.Error()).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return schema.NewError(schema.ErrCodeTransient, err.Error()).WithCause(err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return schema.NewError(schema.ErrCodeTransient, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodePermanent, err.Error()).WithCause(err)
}
