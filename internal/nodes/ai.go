package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

const defaultAICredential = "gemini"

type aiExecutor struct {
	deps *Deps
}

func (e *aiExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(AISpec)
	if !ok {
		return Result{}, specMismatch(in)
	}
	if e.deps.AI == nil {
		return Result{}, unavailable(in.Node.Type)
	}

	prompt := expressions.Interpolate(spec.Prompt, in.Vars.Data())

	provider := spec.Credential
	if provider == "" {
		provider = defaultAICredential
	}
	creds, err := e.deps.credentials(ctx, in.UserID, provider)
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	text, err := e.deps.AI.Generate(ctx, prompt, creds["apiKey"])
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, schema.NewError(schema.ErrCodePermanent, "AI provider returned empty content").WithNode(in.Node.ID)
	}

	key := spec.OutputKey
	if key == "" {
		key = KeyAIContent
	}
	if err := in.Vars.Set(key, text); err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{fmt.Sprintf("Generated %d characters into %s", len(text), key)},
	}, nil
}
