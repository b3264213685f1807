package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/internal/queue"
	"github.com/rendis/outreach/pkg/schema"
)

// runRef identifies a run. It is the payload of execution jobs.
type runRef struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	BusinessID  string
	TriggerID   string
}

// continuationJob is the payload of continuation jobs. The continuation
// itself is reloaded from the store when the job runs.
type continuationJob struct {
	ExecutionID string
}

func refOf(l *schema.ExecutionLog) runRef {
	return runRef{
		ExecutionID: l.ID,
		WorkflowID:  l.WorkflowID,
		UserID:      l.UserID,
		BusinessID:  l.BusinessID,
		TriggerID:   l.TriggerID,
	}
}

func refOfContinuation(c *engine.Continuation) runRef {
	return runRef{
		ExecutionID: c.ExecutionID,
		WorkflowID:  c.WorkflowID,
		UserID:      c.UserID,
		BusinessID:  c.BusinessID,
		TriggerID:   c.TriggerID,
	}
}

// executionKey dedupes queued runs of the same workflow against the same
// target on behalf of the same user.
func executionKey(ref runRef) string {
	return "execution:" + ref.WorkflowID + "/" + ref.UserID + "/" + ref.BusinessID
}

func continuationKey(executionID string) string {
	return "continuation:" + executionID
}

// enqueueExecution queues a pending run and returns the execution that owns
// the queued job: ref's own, or an identical run already waiting.
func (s *Service) enqueueExecution(ref runRef, p queue.Priority) (string, error) {
	jobID, err := s.queue.Enqueue(queue.Request{
		Type:      queue.JobExecution,
		Priority:  p,
		DedupeKey: executionKey(ref),
		Payload:   ref,
	})
	if err != nil {
		return "", err
	}
	if job, ok := s.queue.Get(jobID); ok {
		if owner, ok := job.Payload.(runRef); ok {
			return owner.ExecutionID, nil
		}
	}
	return ref.ExecutionID, nil
}

func (s *Service) enqueueContinuation(c *engine.Continuation) error {
	_, err := s.queue.Enqueue(queue.Request{
		Type:       queue.JobContinuation,
		Priority:   queue.PriorityMedium,
		DedupeKey:  continuationKey(c.ExecutionID),
		Payload:    continuationJob{ExecutionID: c.ExecutionID},
		EligibleAt: c.ResumeAt,
	})
	return err
}

// cancelQueued drops the queued job under key if it belongs to executionID.
func (s *Service) cancelQueued(key, executionID string) {
	job, ok := s.queue.Lookup(key)
	if !ok {
		return
	}
	switch p := job.Payload.(type) {
	case runRef:
		if p.ExecutionID != executionID {
			return
		}
	case continuationJob:
		if p.ExecutionID != executionID {
			return
		}
	}
	if _, err := s.queue.Cancel(job.ID); err != nil {
		s.logger.Debug("queued job not cancelled",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

// runJob is the queue handler.
func (s *Service) runJob(ctx context.Context, job queue.Job) error {
	var id string
	switch p := job.Payload.(type) {
	case runRef:
		id = p.ExecutionID
	case continuationJob:
		id = p.ExecutionID
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown job payload %T", job.Payload)
	}

	h := &activeRun{}
	s.mu.Lock()
	s.running[id] = h
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	if ref, ok := job.Payload.(runRef); ok {
		return s.runExecution(ctx, h, ref)
	}
	return s.runContinuation(ctx, h, job, id)
}

// runExecution walks a fresh run from its entry node.
func (s *Service) runExecution(ctx context.Context, h *activeRun, ref runRef) error {
	ctx = logging.WithRun(ctx, ref.ExecutionID, ref.WorkflowID, ref.UserID)

	l, err := s.logs.Get(ctx, ref.ExecutionID)
	if err != nil {
		return err
	}
	if l.Status != schema.ExecutionPending {
		logging.LogWith(ctx, s.logger).Debug("execution no longer pending",
			slog.String("status", string(l.Status)))
		return nil
	}

	run, err := s.prepare(ctx, ref)
	if err != nil {
		s.finish(ctx, ref, schema.ExecutionPending, schema.ExecutionFailed, schema.UserMessage(err))
		return err
	}

	if err := s.fsm.Transition(ctx, ref.ExecutionID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
		if schema.HasCode(err, schema.ErrCodeConflict) {
			// Stopped while it waited for a worker.
			return nil
		}
		return err
	}
	s.publish(ctx, ref, schema.EventExecutionStarted, schema.ExecutionRunning, "")
	s.logWarnings(ctx, ref, run.Graph)

	return s.walk(ctx, h, ref, run)
}

// logWarnings records soft graph problems (duplicate labels, unreachable
// nodes, unbounded cycles) on the run they affect.
func (s *Service) logWarnings(ctx context.Context, ref runRef, g *engine.Graph) {
	for _, w := range g.Warnings {
		logging.LogWith(ctx, s.logger).Warn("workflow warning",
			slog.String("code", w.Code), slog.String("path", w.Path), slog.String("message", w.Message))
		s.logs.AppendLine(ctx, ref.ExecutionID, fmt.Sprintf("Warning %s at %s: %s", w.Code, w.Path, w.Message))
	}
}

// runContinuation resumes a run suspended by a delay node. Failures before the
// walk starts are returned so the queue can resubmit the job while attempts
// remain; after that the run is failed.
func (s *Service) runContinuation(ctx context.Context, h *activeRun, job queue.Job, id string) error {
	c, err := s.store.GetContinuation(ctx, id)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return storeError("load continuation", err)
	}
	ref := refOfContinuation(c)
	ctx = logging.WithRun(ctx, ref.ExecutionID, ref.WorkflowID, ref.UserID)

	l, err := s.logs.Get(ctx, id)
	if err != nil {
		return storeError("load execution", err)
	}
	if l.CompletedAt != nil {
		return s.dropContinuation(ctx, id)
	}

	run, err := s.prepare(ctx, ref)
	if err != nil {
		if engine.IsRetryableError(err) && job.Attempt < job.MaxAttempts {
			return err
		}
		s.finish(ctx, ref, schema.ExecutionRunning, schema.ExecutionFailed, schema.UserMessage(err))
		_ = s.dropContinuation(ctx, id)
		return schema.NewError(schema.ErrCodeNodeExecution, schema.UserMessage(err)).WithCause(err)
	}
	if err := s.dropContinuation(ctx, id); err != nil {
		return err
	}

	run.Vars.Restore(c.Vars)
	run.StartNode = c.NextNodeID
	run.Visits = c.Visits
	run.Steps = c.Steps
	s.logs.AppendLine(ctx, id, "Resuming at node "+c.NextNodeID)

	return s.walk(ctx, h, ref, run)
}

func (s *Service) dropContinuation(ctx context.Context, id string) error {
	err := s.store.DeleteContinuation(ctx, id)
	if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return storeError("delete continuation", err)
	}
	return nil
}

// prepare loads everything a walk needs. The workflow is re-read on every
// run and resumption so edits apply to the next step taken.
func (s *Service) prepare(ctx context.Context, ref runRef) (*engine.Run, error) {
	wf, err := s.store.GetWorkflow(ctx, ref.WorkflowID)
	if err != nil {
		return nil, storeError("load workflow", err)
	}
	g, err := engine.BuildGraph(wf)
	if err != nil {
		return nil, err
	}

	var business *schema.Business
	if ref.BusinessID != "" {
		if business, err = s.store.GetBusiness(ctx, ref.BusinessID); err != nil {
			return nil, storeError("load business", err)
		}
	}
	user, err := s.store.GetUser(ctx, ref.UserID)
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, storeError("load user", err)
		}
		user = nil
	}

	vars := nodes.NewContext(wf.Variables)
	vars.Seed(business, user)

	return &engine.Run{
		ExecutionID: ref.ExecutionID,
		WorkflowID:  ref.WorkflowID,
		UserID:      ref.UserID,
		BusinessID:  ref.BusinessID,
		TriggerID:   ref.TriggerID,
		Graph:       g,
		Vars:        vars,
		Business:    business,
		User:        user,
	}, nil
}

// walk runs the graph and settles the outcome: a suspension is persisted and
// re-queued, anything else finalizes the log. A failed run fails its job.
func (s *Service) walk(ctx context.Context, h *activeRun, ref runRef, run *engine.Run) error {
	run.Stopped = h.stop.Load

	out := s.walker.Walk(ctx, run)
	if out.Suspended() {
		return s.suspend(ctx, ref, out.Continuation)
	}

	s.finish(ctx, ref, schema.ExecutionRunning, out.Status, out.Error)
	if out.Status == schema.ExecutionFailed {
		// Never retryable: a failed run is not resubmitted.
		return schema.NewError(schema.ErrCodeNodeExecution, out.Error)
	}
	return nil
}

func (s *Service) suspend(ctx context.Context, ref runRef, c *engine.Continuation) error {
	if err := s.store.SaveContinuation(ctx, c); err != nil {
		msg := "persist continuation: " + err.Error()
		s.finish(ctx, ref, schema.ExecutionRunning, schema.ExecutionFailed, msg)
		return schema.NewError(schema.ErrCodeNodeExecution, msg).WithCause(err)
	}
	s.logs.AppendLine(ctx, ref.ExecutionID, fmt.Sprintf("Suspended until %s, next node %s",
		c.ResumeAt.UTC().Format(time.RFC3339), c.NextNodeID))

	if err := s.enqueueContinuation(c); err != nil {
		if schema.HasCode(err, schema.ErrCodeQueueClosed) {
			// Persisted; the next Start picks it up.
			return nil
		}
		return err
	}
	s.publish(ctx, ref, schema.EventExecutionSuspended, schema.ExecutionRunning, "")
	return nil
}

// finish moves a run to a terminal status, closes its log and announces it.
func (s *Service) finish(ctx context.Context, ref runRef, from, to schema.ExecutionStatus, errMsg string) {
	logger := logging.LogWith(logging.WithRun(ctx, ref.ExecutionID, ref.WorkflowID, ref.UserID), s.logger)

	if err := s.fsm.Transition(ctx, ref.ExecutionID, from, to); err != nil {
		logger.Error("execution transition rejected",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()))
		return
	}
	if err := s.logs.Finalize(ctx, ref.ExecutionID, to, errMsg); err != nil {
		logger.Warn("execution log not finalized",
			slog.String("status", string(to)),
			slog.String("error", err.Error()))
		return
	}

	attrs := []any{slog.String("status", string(to))}
	if errMsg != "" {
		attrs = append(attrs, slog.String("error", errMsg))
	}
	logger.Info("execution finished", attrs...)

	s.publish(ctx, ref, schema.EventTypeForStatus(to), to, errMsg)
}

func (s *Service) publish(ctx context.Context, ref runRef, eventType string, status schema.ExecutionStatus, errMsg string) {
	if s.bus == nil || eventType == "" {
		return
	}
	err := s.bus.Publish(ctx, schema.ExecutionEvent{
		Type:        eventType,
		ExecutionID: ref.ExecutionID,
		WorkflowID:  ref.WorkflowID,
		UserID:      ref.UserID,
		TriggerID:   ref.TriggerID,
		Status:      status,
		Error:       errMsg,
		At:          s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("execution event not published",
			slog.String("event_type", eventType),
			slog.String("execution_id", ref.ExecutionID),
			slog.String("error", err.Error()))
	}
}

// storeError keeps structured errors and marks everything else as a store
// failure, which the queue treats as retryable.
func storeError(op string, err error) error {
	if _, ok := schema.AsEngineError(err); ok {
		return err
	}
	return schema.NewError(schema.ErrCodeStore, op+": "+err.Error()).WithCause(err)
}
