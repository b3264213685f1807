// Package gemini implements the AI content generator on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-2.0-flash"

// Config configures the generator.
type Config struct {
	// APIKey is the fallback key for users without their own credentials.
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   int32
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Generator implements nodes.AIGenerator. One genai client is kept per API key.
type Generator struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*genai.Client
}

var _ nodes.AIGenerator = (*Generator)(nil)

// New creates a generator. Clients are created lazily.
func New(cfg Config) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Generator{cfg: cfg, clients: make(map[string]*genai.Client)}
}

func (g *Generator) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		apiKey = g.cfg.APIKey
	}
	if apiKey == "" {
		return nil, schema.NewError(schema.ErrCodePermanent, "no Gemini API key configured")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: g.cfg.BaseURL}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePermanent, "create Gemini client: %s", err).WithCause(err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate returns the text of the first candidate for prompt.
func (g *Generator) Generate(ctx context.Context, prompt, apiKey string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "prompt is empty")
	}
	c, err := g.client(ctx, apiKey)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{Temperature: g.cfg.Temperature}
	if g.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = g.cfg.MaxTokens
	}
	result, err := c.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(prompt), config)
	if err != nil {
		return "", classify(err)
	}
	if result == nil || len(result.Candidates) == 0 {
		if result != nil && result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
			return "", schema.NewErrorf(schema.ErrCodePermanent, "prompt blocked: %s", result.PromptFeedback.BlockReason)
		}
		return "", schema.NewError(schema.ErrCodePermanent, "no candidates in response")
	}
	return result.Text(), nil
}

// classify maps API errors onto transient (429, 5xx, timeouts) or permanent.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, err.Error()).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiError(apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiError(*apiErrPtr, err)
	}
	// Anything else failed in transport.
	return schema.NewError(schema.ErrCodeTransient, err.Error()).WithCause(err)
}

func apiError(apiErr genai.APIError, cause error) error {
	msg := apiErr.Message
	if msg == "" {
		msg = cause.Error()
	}
	return schema.NewError(schema.ClassifyStatus(apiErr.Code), msg).
		WithStatus(apiErr.Code).
		WithCause(cause)
}
