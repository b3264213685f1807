package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/pkg/schema"
)

// Defaults applied when WalkerConfig fields are zero.
const (
	DefaultMaxRevisits = 1
	DefaultMaxSteps    = 10000
	DefaultCallTimeout = 60 * time.Second
)

// Reasons recorded for non-error terminal states.
const (
	ReasonFilterStop = "stopped by filter"
	ReasonUserStop   = "stopped by user"
	ReasonCancelled  = "execution cancelled"
)

// WalkerConfig bounds a walk.
type WalkerConfig struct {
	MaxRevisits int
	MaxSteps    int
	CallTimeout time.Duration
	Retry       RetryPolicy
	Breaker     BreakerConfig
}

// RunLogger records per-run progress. The execution logger satisfies it.
type RunLogger interface {
	AppendLine(ctx context.Context, executionID, line string)
	Step(ctx context.Context, executionID string, rec schema.StepRecord)
}

// Run is one walk request: either a fresh start (StartNode empty) or a
// resumption from a continuation.
type Run struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	BusinessID  string
	TriggerID   string

	Graph    *Graph
	Vars     *nodes.Context
	Business *schema.Business
	User     *schema.UserProfile

	StartNode string
	Visits    map[string]int
	Steps     int

	// Stopped is polled at every node boundary.
	Stopped func() bool
}

// Outcome is how a walk ended. Exactly one of Status or Continuation is set.
type Outcome struct {
	Status       schema.ExecutionStatus
	Error        string
	Err          error
	LastNode     string
	Continuation *Continuation
}

// Suspended reports whether the run paused at a delay node.
func (o Outcome) Suspended() bool {
	return o.Continuation != nil
}

// Walker drives a run through its graph one node at a time.
type Walker struct {
	registry *nodes.Registry
	breakers *Breakers
	log      RunLogger
	cfg      WalkerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewWalker creates a walker. log may be nil.
func NewWalker(registry *nodes.Registry, log RunLogger, cfg WalkerConfig, logger *slog.Logger) *Walker {
	if cfg.MaxRevisits <= 0 {
		cfg.MaxRevisits = DefaultMaxRevisits
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		registry: registry,
		breakers: NewBreakers(cfg.Breaker),
		log:      log,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Breakers exposes the provider circuit breakers for diagnostics.
func (w *Walker) Breakers() *Breakers {
	return w.breakers
}

// Walk executes nodes from the run's start node until a terminal outcome or a
// suspension. It never returns an error: failures are folded into Outcome.
func (w *Walker) Walk(ctx context.Context, run *Run) Outcome {
	g := run.Graph
	if run.Visits == nil {
		run.Visits = make(map[string]int)
	}
	ctx = logging.WithRun(ctx, run.ExecutionID, run.WorkflowID, run.UserID)

	maxRevisits, maxSteps := w.limits(g.Def)
	current := run.StartNode
	if current == "" {
		current = g.Entry
	}

	for {
		if run.Stopped != nil && run.Stopped() {
			w.appendLine(ctx, run, "Stop requested, halting before node "+current)
			return Outcome{Status: schema.ExecutionStopped, Error: ReasonUserStop, LastNode: current}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Status: schema.ExecutionStopped, Error: ReasonCancelled, Err: err, LastNode: current}
		}

		run.Steps++
		if run.Steps > maxSteps {
			return w.fail(ctx, run, current, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"run exceeded %d steps", maxSteps))
		}

		run.Visits[current]++
		if limit := w.visitLimit(run, current, maxRevisits); run.Visits[current] > limit {
			return w.fail(ctx, run, current, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"node %s exceeded its visit limit of %d", current, limit).WithNode(current))
		}

		node := g.Nodes[current]
		res, attempts, dur, err := w.executeNode(ctx, run, node)

		rec := schema.StepRecord{
			NodeID:   node.ID,
			NodeType: node.Type,
			Outcome:  string(res.Outcome),
			Attempts: attempts,
			Duration: dur,
		}
		if err != nil {
			rec.Outcome = string(nodes.OutcomeError)
			rec.Error = schema.UserMessage(err)
		}
		w.step(ctx, run, rec, res.Logs)

		if err != nil {
			return w.fail(ctx, run, current, err)
		}

		switch res.Outcome {
		case nodes.OutcomeStop:
			return Outcome{Status: schema.ExecutionStopped, Error: ReasonFilterStop, LastNode: current}
		case nodes.OutcomeError:
			return w.fail(ctx, run, current, schema.NewErrorf(schema.ErrCodeNodeExecution,
				"node %s reported an error", current).WithNode(current))
		}

		next, ok := g.Next(current, res.Outcome)
		if !ok {
			w.appendLine(ctx, run, fmt.Sprintf("No %q edge from %s, run complete", res.Outcome, current))
			return Outcome{Status: schema.ExecutionSuccess, LastNode: current}
		}

		if res.ResumeAt != nil {
			return Outcome{
				LastNode: current,
				Continuation: &Continuation{
					ExecutionID: run.ExecutionID,
					WorkflowID:  run.WorkflowID,
					UserID:      run.UserID,
					BusinessID:  run.BusinessID,
					TriggerID:   run.TriggerID,
					NextNodeID:  next,
					Vars:        run.Vars.Snapshot(),
					Visits:      copyVisits(run.Visits),
					Steps:       run.Steps,
					ResumeAt:    *res.ResumeAt,
					CreatedAt:   w.now(),
				},
			}
		}

		current = next
	}
}

func (w *Walker) limits(def *schema.WorkflowDefinition) (maxRevisits, maxSteps int) {
	maxRevisits, maxSteps = w.cfg.MaxRevisits, w.cfg.MaxSteps
	if def != nil && def.Settings != nil {
		if def.Settings.MaxRevisits > 0 {
			maxRevisits = def.Settings.MaxRevisits
		}
		if def.Settings.MaxSteps > 0 {
			maxSteps = def.Settings.MaxSteps
		}
	}
	return maxRevisits, maxSteps
}

// visitLimit is 1+maxRevisits, raised for batch loops: a body node may run once
// per batch and the batch node once more to finish.
func (w *Walker) visitLimit(run *Run, nodeID string, maxRevisits int) int {
	limit := 1 + maxRevisits

	batchID := nodeID
	if run.Graph.Nodes[nodeID].Type.Canonical() != schema.NodeTypeSplitInBatches {
		owner, ok := run.Graph.LoopOwner(nodeID)
		if !ok {
			return limit
		}
		batchID = owner
	}

	total := w.batchTotal(run, batchID)
	if batchID == nodeID {
		total++
	}
	if total > limit {
		return total
	}
	return limit
}

func (w *Walker) batchTotal(run *Run, batchID string) int {
	v, ok := run.Vars.Get("_loop:" + batchID)
	if !ok {
		return 0
	}
	st, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	switch n := st["total"].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// executeNode runs one node with the per-call timeout, the provider circuit
// breaker and retries of transient failures.
func (w *Walker) executeNode(ctx context.Context, run *Run, node *schema.Node) (nodes.Result, int, time.Duration, error) {
	start := time.Now()
	ctx = logging.WithNodeID(ctx, node.ID)

	exec, err := w.registry.Get(node.Type)
	if err != nil {
		return nodes.Result{}, 0, 0, err
	}

	in := &nodes.Input{
		ExecutionID:  run.ExecutionID,
		WorkflowID:   run.WorkflowID,
		UserID:       run.UserID,
		Node:         *node,
		Spec:         run.Graph.Specs[node.ID],
		Vars:         run.Vars,
		Business:     run.Business,
		User:         run.User,
		Timezone:     run.Graph.Def.Timezone,
		Predecessors: run.Graph.Predecessors(node.ID),
		Visited:      func(id string) bool { return run.Visits[id] > 0 },
	}

	provider := nodes.IsProvider(node.Type)
	breaker := breakerKey(run, node)
	maxAttempts := 1
	if provider {
		maxAttempts = w.cfg.Retry.MaxAttempts
	}

	for attempt := 0; ; attempt++ {
		var (
			res nodes.Result
			err error
		)
		if provider {
			err = w.breakers.Allow(breaker)
			if e, ok := schema.AsEngineError(err); ok {
				e.WithNode(node.ID)
			}
		}
		if err == nil {
			res, err = w.callWithTimeout(ctx, exec, in)
			if err == nil {
				if provider {
					w.breakers.Succeeded(breaker)
				}
				return res, attempt + 1, time.Since(start), nil
			}
			if provider && IsRetryableError(err) {
				w.breakers.Failed(breaker)
			}
		}

		retryable := provider && IsRetryableError(err)
		if !retryable || attempt+1 >= maxAttempts || ctx.Err() != nil {
			return res, attempt + 1, time.Since(start), err
		}

		delay := ComputeBackoff(w.cfg.Retry, attempt)
		w.logger.WarnContext(ctx, "retrying node after transient failure",
			"attempt", attempt+1, "delay", delay, "error", err)
		w.appendLine(ctx, run, fmt.Sprintf("Node %s failed (%s), retrying in %s",
			node.ID, schema.UserMessage(err), delay))
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return res, attempt + 1, time.Since(start), err
		}
	}
}

// breakerKey scopes a provider breaker to one user's integration: the webhook
// host, the social platform or the AI credential.
func breakerKey(run *Run, node *schema.Node) string {
	key := string(node.Type.Canonical()) + "/" + run.UserID
	switch spec := run.Graph.Specs[node.ID].(type) {
	case nodes.WebhookSpec:
		target := expressions.Interpolate(spec.URL, run.Vars.Data())
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			key += "/" + u.Host
		}
	case nodes.SocialSpec:
		key += "/" + spec.Platform
	case nodes.AISpec:
		if spec.Credential != "" {
			key += "/" + spec.Credential
		}
	}
	return key
}

func (w *Walker) callWithTimeout(ctx context.Context, exec nodes.Executor, in *nodes.Input) (res nodes.Result, err error) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			res = nodes.Result{}
			err = schema.NewErrorf(schema.ErrCodeNodeExecution, "node panicked: %v", r).WithNode(in.Node.ID)
		}
	}()

	res, err = exec.Execute(callCtx, in)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", in.Node.ID, w.cfg.CallTimeout).
			WithNode(in.Node.ID).WithCause(err)
	}
	return res, err
}

func (w *Walker) fail(ctx context.Context, run *Run, nodeID string, err error) Outcome {
	msg := schema.UserMessage(err)
	w.logger.WarnContext(logging.WithNodeID(ctx, nodeID), "run failed", "error", err)
	return Outcome{Status: schema.ExecutionFailed, Error: msg, Err: err, LastNode: nodeID}
}

func (w *Walker) step(ctx context.Context, run *Run, rec schema.StepRecord, lines []string) {
	if w.log == nil {
		return
	}
	for _, l := range lines {
		w.log.AppendLine(ctx, run.ExecutionID, l)
	}
	w.log.Step(ctx, run.ExecutionID, rec)
}

func (w *Walker) appendLine(ctx context.Context, run *Run, line string) {
	if w.log != nil {
		w.log.AppendLine(ctx, run.ExecutionID, line)
	}
}

func copyVisits(v map[string]int) map[string]int {
	out := make(map[string]int, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}
