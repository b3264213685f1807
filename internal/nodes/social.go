package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

type socialExecutor struct {
	deps *Deps
}

func (e *socialExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(SocialSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}
	if e.deps.Social == nil {
		return Result{}, unavailable(in.Node.Type)
	}

	data := in.Vars.Data()
	var content string
	switch {
	case spec.Content != "":
		content = expressions.Interpolate(spec.Content, data)
	case spec.ContentKey != "":
		content = in.Vars.String(spec.ContentKey)
	default:
		content = in.Vars.String(KeyAIContent)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{}, schema.NewError(schema.ErrCodePermanent, "social post has no content").WithNode(in.Node.ID)
	}

	creds, err := e.deps.credentials(ctx, in.UserID, spec.Platform)
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}
	account := schema.SocialAccount{
		Platform:    spec.Platform,
		AccountID:   creds["accountId"],
		AccessToken: creds["accessToken"],
	}
	if spec.AccountID != "" {
		account.AccountID = spec.AccountID
	}
	if account.AccessToken == "" {
		return Result{}, schema.NewErrorf(schema.ErrCodePermanent,
			"no %s account connected", spec.Platform).WithNode(in.Node.ID)
	}

	media := make([]string, 0, len(spec.Media))
	for _, m := range spec.Media {
		media = append(media, expressions.Interpolate(m, data))
	}

	postID, err := e.deps.Social.Publish(ctx, SocialPost{
		Platform: spec.Platform,
		Account:  account,
		Content:  content,
		Media:    media,
	})
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	if err := in.Vars.Set(KeyLastPostID, postID); err != nil {
		return Result{}, err
	}
	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{fmt.Sprintf("Published to %s (post %s)", spec.Platform, postID)},
	}, nil
}
