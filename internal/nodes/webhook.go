package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

type webhookExecutor struct {
	deps *Deps
}

func (e *webhookExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(WebhookSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}
	if e.deps.HTTP == nil {
		return Result{}, unavailable(in.Node.Type)
	}

	data := in.Vars.Data()
	req := HTTPRequest{
		Method: strings.ToUpper(spec.Method),
		URL:    expressions.Interpolate(spec.URL, data),
	}
	if req.Method == "" {
		req.Method = "POST"
	}
	if len(spec.Headers) > 0 {
		req.Headers = expressions.InterpolateValue(spec.Headers, data).(map[string]string)
	}
	if spec.Body != nil {
		req.Body = expressions.InterpolateValue(spec.Body, data)
	}
	if spec.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}

	resp, err := e.deps.HTTP.Call(ctx, req)
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	if spec.FailOnStatus && resp.StatusCode >= 400 {
		return Result{}, schema.NewErrorf(schema.ClassifyStatus(resp.StatusCode),
			"%s %s returned status %d", req.Method, req.URL, resp.StatusCode).
			WithStatus(resp.StatusCode).
			WithNode(in.Node.ID)
	}

	var stored any = map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    resp.Headers,
		"body":       resp.Body,
	}
	if spec.Extract != "" {
		out, err := e.deps.Evaluator.Transform(ctx, spec.Extract, resp.Body)
		if err != nil {
			return Result{}, withNode(err, in.Node.ID)
		}
		stored = out
	}

	key := spec.OutputKey
	if key == "" {
		key = KeyAPIResponse
	}
	if err := in.Vars.Set(key, stored); err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{fmt.Sprintf("%s %s -> %d, stored in %s", req.Method, req.URL, resp.StatusCode, key)},
	}, nil
}
