package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/outreach/internal/events"
	"github.com/rendis/outreach/internal/service"
	"github.com/rendis/outreach/internal/validation"
	"github.com/rendis/outreach/pkg/schema"
)

var errInvalid = errors.New("validation failed")

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition (YAML or JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readDocument(args[0])
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(nil)
			if err != nil {
				return err
			}
			res := validateRaw(v, raw)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid() {
				return errInvalid
			}
			return nil
		},
	}
}

// validateRaw checks the raw document first so unknown fields are reported,
// then runs the full pipeline on the decoded definition.
func validateRaw(v *validation.WorkflowValidator, raw []byte) *schema.ValidationResult {
	res := &schema.ValidationResult{}
	if err := v.Schema().ValidateDocument(raw); err != nil {
		addIssues(res, err)
		return res
	}
	def, err := decodeWorkflow(raw)
	if err != nil {
		addIssues(res, err)
		return res
	}
	return v.Validate(def)
}

func addIssues(res *schema.ValidationResult, err error) {
	e, ok := schema.AsEngineError(err)
	if !ok {
		res.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	if violations, ok := e.Details["violations"].([]string); ok && len(violations) > 0 {
		for _, msg := range violations {
			res.AddError("/", e.Code, msg)
		}
		return
	}
	res.AddError("/", e.Code, e.Message)
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import users, templates, businesses, workflows and triggers",
		Long: "Import a YAML or JSON bundle with optional users, templates, businesses,\n" +
			"workflows and triggers sections. Everything is validated before anything\n" +
			"is written. Triggers get their first run computed on import.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readBundle(args[0])
			if err != nil {
				return err
			}
			v, err := validation.NewWorkflowValidator(nil)
			if err != nil {
				return err
			}
			if err := checkBundle(cmd, v, b); err != nil {
				return err
			}
			if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
				fmt.Fprintln(cmd.OutOrStdout(), "bundle is valid")
				return nil
			}

			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			summary, err := writeBundle(cmd.Context(), a, b)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().Bool("dry-run", false, "validate only")
	return cmd
}

func checkBundle(cmd *cobra.Command, v *validation.WorkflowValidator, b *bundle) error {
	invalid := map[string]*schema.ValidationResult{}
	for i, raw := range b.Workflows {
		if res := validateRaw(v, raw); !res.Valid() {
			invalid[fmt.Sprintf("workflows[%d] %s", i, b.workflows[i].ID)] = res
		}
	}
	for i, t := range b.Triggers {
		if err := v.Schema().ValidateTrigger(t); err != nil {
			res := &schema.ValidationResult{}
			addIssues(res, err)
			invalid[fmt.Sprintf("triggers[%d] %s", i, t.ID)] = res
		}
	}
	if len(invalid) == 0 {
		return nil
	}
	if err := printJSON(cmd.OutOrStdout(), invalid); err != nil {
		return err
	}
	return errInvalid
}

type importSummary struct {
	Users      int      `json:"users"`
	Templates  int      `json:"templates"`
	Businesses int      `json:"businesses"`
	Workflows  int      `json:"workflows"`
	Triggers   []string `json:"triggers"`
}

func writeBundle(ctx context.Context, a *app, b *bundle) (*importSummary, error) {
	sum := &importSummary{Triggers: []string{}}
	for _, u := range b.Users {
		if err := a.store.SaveUser(ctx, u); err != nil {
			return sum, fmt.Errorf("user %q: %w", u.ID, err)
		}
		sum.Users++
	}
	for _, t := range b.Templates {
		if err := a.store.SaveTemplate(ctx, t); err != nil {
			return sum, fmt.Errorf("template %q: %w", t.ID, err)
		}
		sum.Templates++
	}
	for _, biz := range b.Businesses {
		if err := a.store.SaveBusiness(ctx, biz); err != nil {
			return sum, fmt.Errorf("business %q: %w", biz.ID, err)
		}
		sum.Businesses++
	}

	timezones := map[string]string{}
	for _, wf := range b.workflows {
		if err := a.store.SaveWorkflow(ctx, wf); err != nil {
			return sum, fmt.Errorf("workflow %q: %w", wf.ID, err)
		}
		timezones[wf.ID] = wf.Timezone
		sum.Workflows++
	}

	for _, t := range b.Triggers {
		tz, ok := timezones[t.WorkflowID]
		if !ok {
			wf, err := a.store.GetWorkflow(ctx, t.WorkflowID)
			if err != nil {
				return sum, fmt.Errorf("trigger %q: %w", t.ID, err)
			}
			tz = wf.Timezone
		}
		if err := a.service.Scheduler().Schedule(ctx, t, tz); err != nil {
			return sum, fmt.Errorf("trigger %q: %w", t.ID, err)
		}
		sum.Triggers = append(sum.Triggers, t.ID)
	}
	return sum, nil
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow-id>",
		Short: "Queue one run of a stored workflow",
		Long: "Queue one run. Without --wait the command returns once the run is\n" +
			"queued; a run left pending is picked up by the next `outreach serve`.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFor(cmd)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")
			businessID, _ := cmd.Flags().GetString("business")
			priority, _ := cmd.Flags().GetString("priority")
			wait, _ := cmd.Flags().GetBool("wait")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, os.Stderr, true)
			if err != nil {
				return err
			}
			defer a.close()

			var (
				ch     <-chan schema.ExecutionEvent
				cancel = func() {}
			)
			if wait {
				ch, cancel = a.bus.Subscribe(events.Filter{WorkflowID: args[0]})
			}
			defer cancel()

			if err := a.service.Start(ctx); err != nil {
				return err
			}
			id, err := a.service.StartExecution(ctx, service.StartRequest{
				WorkflowID: args[0],
				UserID:     userID,
				BusinessID: businessID,
				Priority:   priority,
			})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(cmd.OutOrStdout(), map[string]string{"executionId": id, "status": string(schema.ExecutionPending)})
			}

			if timeout > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, timeout)
				defer stop()
			}
			if err := awaitSettled(ctx, ch, id); err != nil {
				return err
			}

			l, err := a.service.GetExecutionStatus(context.WithoutCancel(ctx), id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), l); err != nil {
				return err
			}
			if l.Status == schema.ExecutionFailed {
				return fmt.Errorf("execution %s failed: %s", id, l.Error)
			}
			return nil
		},
	}
	cmd.Flags().String("user", "", "owner of the workflow")
	cmd.Flags().String("business", "", "business the run targets")
	cmd.Flags().String("priority", "", "queue priority: low, medium or high")
	cmd.Flags().Bool("wait", false, "wait until the run finishes or suspends")
	cmd.Flags().Duration("timeout", 0, "give up waiting after this long")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// awaitSettled blocks until the run ends or suspends at a delay node. A
// suspended run resumes under `outreach serve`.
func awaitSettled(ctx context.Context, ch <-chan schema.ExecutionEvent, executionID string) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", executionID, ctx.Err())
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("event stream closed before %s settled", executionID)
			}
			if ev.ExecutionID != executionID {
				continue
			}
			if ev.Status.IsTerminal() || ev.Type == schema.EventExecutionSuspended {
				return nil
			}
		}
	}
}
