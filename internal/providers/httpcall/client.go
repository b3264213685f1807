// Package httpcall performs the outbound HTTP calls of webhook nodes and is the
// transport for the HTTP-based providers.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// Config configures the client.
type Config struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	MaxRedirects    int
	UserAgent       string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
	defaultMaxRedirects    = 10
	defaultUserAgent       = "outreach-engine/1.0"
)

// Client implements nodes.HTTPCaller.
type Client struct {
	config Config
	http   *http.Client
}

var _ nodes.HTTPCaller = (*Client)(nil)

// New creates a client with its own transport.
func New(cfg Config) *Client {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	limit := cfg.MaxRedirects
	return &Client{
		config: cfg,
		http: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= limit {
					return fmt.Errorf("stopped after %d redirects", limit)
				}
				return nil
			},
		},
	}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "missing url")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", raw)
	}
	return nil
}

// Call performs req. Any HTTP status is returned as a response; only transport
// failures are errors. Transport failures and timeouts are transient.
func (c *Client) Call(ctx context.Context, req nodes.HTTPRequest) (*nodes.HTTPResponse, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	body, contentType, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "build request: %s", err).WithCause(err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, transportError(err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &nodes.HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       decodeBody(raw, resp.Header.Get("Content-Type")),
	}, nil
}

// DoJSON sends body as JSON (nil for none) and decodes a 2xx JSON reply into
// out. Non-2xx statuses become transient or permanent errors by status code,
// carrying the provider's message.
func (c *Client) DoJSON(ctx context.Context, method, rawURL string, headers map[string]string, body, out any) error {
	resp, err := c.Call(ctx, nodes.HTTPRequest{Method: method, URL: rawURL, Headers: headers, Body: body})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError(resp.StatusCode, ProviderMessage(resp.Body))
	}
	if out == nil || resp.Body == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Body)
	if err != nil {
		return schema.NewError(schema.ErrCodePermanent, "re-encode response").WithCause(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return schema.NewErrorf(schema.ErrCodePermanent, "unexpected response: %s", err).WithCause(err)
	}
	return nil
}

// StatusError classifies a failed provider status.
func StatusError(status int, message string) *schema.EngineError {
	if message == "" {
		message = http.StatusText(status)
	}
	return schema.NewErrorf(schema.ClassifyStatus(status), "%s (status %d)", message, status).WithStatus(status)
}

// ProviderMessage extracts a human-readable message from common error bodies:
// {"error": {"message": ...}}, {"error": "..."} or {"message": ...}.
func ProviderMessage(body any) string {
	switch b := body.(type) {
	case string:
		return strings.TrimSpace(b)
	case map[string]any:
		if e, ok := b["error"].(map[string]any); ok {
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
		if m, ok := b["error"].(string); ok {
			return m
		}
		if m, ok := b["message"].(string); ok {
			return m
		}
	}
	return ""
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	case []byte:
		return bytes.NewReader(b), "application/octet-stream", nil
	case url.Values:
		return strings.NewReader(b.Encode()), "application/x-www-form-urlencoded", nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeValidation, "marshal body as JSON: %s", err).WithCause(err)
		}
		return bytes.NewReader(raw), "application/json", nil
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func transportError(err error) error {
	code := schema.ErrCodeTransient
	if errors.Is(err, context.DeadlineExceeded) {
		code = schema.ErrCodeTimeout
	} else if errors.Is(err, context.Canceled) {
		code = schema.ErrCodeCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		code = schema.ErrCodeTimeout
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
