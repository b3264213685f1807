package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/pkg/schema"
)

const emailCredential = "email"

type emailExecutor struct {
	deps *Deps
}

// Execute renders the template, reserves one unit of the user's daily quota,
// sends, and records the result on the business. The reservation is kept in
// the context so a retried send does not consume quota twice.
func (e *emailExecutor) Execute(ctx context.Context, in *Input) (Result, error) {
	spec, ok := in.Spec.(EmailSpec)
	if !ok {
		return Result{}, specMismatch(in)
	}
	if e.deps.Email == nil || e.deps.Templates == nil || e.deps.Quota == nil {
		return Result{}, unavailable(in.Node.Type)
	}

	b := in.Business
	if b == nil {
		return Result{}, schema.NewError(schema.ErrCodeNodeExecution, "email node requires a business").WithNode(in.Node.ID)
	}
	if b.Email == "" {
		return Result{}, schema.NewErrorf(schema.ErrCodePermanent,
			"business %q has no email address", b.Name).WithNode(in.Node.ID)
	}

	rendered, err := e.render(ctx, spec, in)
	if err != nil {
		return Result{}, err
	}

	reservedKey := emailReservedPrefix + in.Node.ID
	if !in.Vars.Bool(reservedKey) {
		limit := e.dailyLimit(spec, in.User)
		day := quotaDay(e.deps.now(), in.Timezone)

		allowed, used, err := e.deps.Quota.CheckAndIncrement(ctx, in.UserID, day, limit)
		if err != nil {
			return Result{}, withNode(err, in.Node.ID)
		}
		if !allowed {
			return Result{}, schema.NewError(schema.ErrCodeQuotaExceeded, schema.QuotaExceededMessage).
				WithNode(in.Node.ID).
				WithDetails(map[string]any{"limit": limit, "used": used})
		}
		if err := in.Vars.Set(reservedKey, true); err != nil {
			return Result{}, err
		}
	}

	creds, err := e.deps.credentials(ctx, in.UserID, emailCredential)
	if err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	msgID, sendErr := e.deps.Email.Send(ctx, b, rendered, creds)
	if sendErr != nil {
		msg := schema.UserMessage(sendErr)
		failed := schema.EmailStatusFailed
		e.patch(ctx, in, schema.BusinessPatch{EmailStatus: &failed, LastError: &msg})
		return Result{}, withNode(sendErr, in.Node.ID)
	}
	in.Vars.Delete(reservedKey)

	now := e.deps.now()
	sent := schema.EmailStatusSent
	e.patch(ctx, in, schema.BusinessPatch{EmailStatus: &sent, LastEmailSentAt: &now, IncrementEmails: true})

	if err := in.Vars.Set(KeyLastEmailID, msgID); err != nil {
		return Result{}, err
	}
	if err := in.Vars.Set("emailStatus", sent); err != nil {
		return Result{}, withNode(err, in.Node.ID)
	}

	return Result{
		Outcome: OutcomeDefault,
		Logs:    []string{fmt.Sprintf("Email sent to %s (subject: %q)", b.Email, rendered.Subject)},
	}, nil
}

func (e *emailExecutor) render(ctx context.Context, spec EmailSpec, in *Input) (schema.RenderedEmail, error) {
	var (
		tpl *schema.EmailTemplate
		err error
	)
	if spec.TemplateID != "" {
		tpl, err = e.deps.Templates.GetTemplate(ctx, in.UserID, spec.TemplateID)
	} else {
		tpl, err = e.deps.Templates.GetDefaultTemplate(ctx, in.UserID)
	}
	if err != nil && !(spec.Subject != "" && spec.Body != "" && schema.HasCode(err, schema.ErrCodeNotFound)) {
		return schema.RenderedEmail{}, withNode(err, in.Node.ID)
	}
	if tpl == nil {
		tpl = &schema.EmailTemplate{}
	}
	if spec.Subject != "" {
		tpl = &schema.EmailTemplate{ID: tpl.ID, UserID: tpl.UserID, Name: tpl.Name, Subject: spec.Subject, Body: tpl.Body}
	}
	if spec.Body != "" {
		tpl = &schema.EmailTemplate{ID: tpl.ID, UserID: tpl.UserID, Name: tpl.Name, Subject: tpl.Subject, Body: spec.Body}
	}

	rendered := e.deps.Templates.Interpolate(tpl, in.Business, in.User)

	// Second pass for run variables such as aiContent.
	data := in.Vars.Data()
	rendered.Subject = expressions.Interpolate(rendered.Subject, data)
	rendered.Body = expressions.Interpolate(rendered.Body, data)

	if rendered.Subject == "" || rendered.Body == "" {
		return schema.RenderedEmail{}, schema.NewError(schema.ErrCodeValidation,
			"email template has an empty subject or body").WithNode(in.Node.ID)
	}
	return rendered, nil
}

// quotaDay is the calendar day a send counts against, in the workflow's
// timezone when it has one.
func quotaDay(now time.Time, timezone string) string {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return now.In(loc).Format(time.DateOnly)
}

func (e *emailExecutor) dailyLimit(spec EmailSpec, u *schema.UserProfile) int {
	switch {
	case spec.DailyLimit > 0:
		return spec.DailyLimit
	case u != nil && u.DailyEmailLimit > 0:
		return u.DailyEmailLimit
	case e.deps.DefaultDailyLimit > 0:
		return e.deps.DefaultDailyLimit
	default:
		return schema.DefaultDailyEmailLimit
	}
}

// patch updates the business. Failures are logged; the send outcome stands.
func (e *emailExecutor) patch(ctx context.Context, in *Input, p schema.BusinessPatch) {
	if e.deps.Businesses == nil {
		return
	}
	if err := e.deps.Businesses.UpdateBusiness(ctx, in.Business.ID, p); err != nil {
		e.deps.logger().WarnContext(ctx, "business update failed",
			"business_id", in.Business.ID, "error", err)
	}
}
