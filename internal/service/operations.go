package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/queue"
	"github.com/rendis/outreach/internal/scheduler"
	"github.com/rendis/outreach/pkg/schema"
)

// StartExecution validates the workflow, opens a pending log and queues the
// run. An invalid workflow returns a VALIDATION_ERROR and creates no log.
// While an identical run (same workflow, user and business) is still queued,
// its execution ID is returned instead of a new one.
func (s *Service) StartExecution(ctx context.Context, req StartRequest) (string, error) {
	if req.WorkflowID == "" || req.UserID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflowId and userId are required")
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return "", err
	}

	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}
	if wf.UserID != req.UserID {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", req.WorkflowID)
	}
	if err := s.validator.ValidateDefinition(wf); err != nil {
		return "", err
	}
	if req.BusinessID != "" {
		if _, err := s.store.GetBusiness(ctx, req.BusinessID); err != nil {
			return "", err
		}
	}

	ref := runRef{
		WorkflowID: req.WorkflowID,
		UserID:     req.UserID,
		BusinessID: req.BusinessID,
		TriggerID:  req.TriggerID,
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if job, ok := s.queue.Lookup(executionKey(ref)); ok {
		if owner, ok := job.Payload.(runRef); ok {
			return owner.ExecutionID, nil
		}
	}

	l, err := s.logs.Create(ctx, req.WorkflowID, req.UserID, req.BusinessID, req.TriggerID)
	if err != nil {
		return "", err
	}
	ref.ExecutionID = l.ID

	if _, err := s.enqueueExecution(ref, priority); err != nil {
		s.finish(ctx, ref, schema.ExecutionPending, schema.ExecutionFailed, schema.UserMessage(err))
		return "", err
	}

	logging.LogWith(logging.WithRun(ctx, l.ID, req.WorkflowID, req.UserID), s.logger).Info("execution queued",
		slog.String("business_id", req.BusinessID),
		slog.String("priority", priority.String()))
	return l.ID, nil
}

// StartTriggered starts a run on behalf of the scheduler.
func (s *Service) StartTriggered(ctx context.Context, f scheduler.Firing) (string, error) {
	return s.StartExecution(ctx, StartRequest{
		WorkflowID: f.WorkflowID,
		UserID:     f.UserID,
		BusinessID: f.BusinessID,
		TriggerID:  f.TriggerID,
		Priority:   f.Priority,
	})
}

// FireEvent starts the event triggers of userID listening for eventType and
// returns how many runs were started.
func (s *Service) FireEvent(ctx context.Context, eventType, userID, businessID string) (int, error) {
	if eventType == "" || userID == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "event type and userId are required")
	}
	return s.scheduler.FireEvent(ctx, eventType, userID, businessID)
}

// GetExecutionStatus returns the log of a run with its lines.
func (s *Service) GetExecutionStatus(ctx context.Context, executionID string) (*schema.ExecutionLog, error) {
	return s.logs.Get(ctx, executionID)
}

// ExecutionSteps returns the per-node records of a run.
func (s *Service) ExecutionSteps(ctx context.Context, executionID string) ([]schema.StepRecord, error) {
	if _, err := s.logs.Get(ctx, executionID); err != nil {
		return nil, err
	}
	return s.logs.Steps(ctx, executionID)
}

// ListExecutions lists logs newest first.
func (s *Service) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]*schema.ExecutionLog, error) {
	return s.logs.Query(ctx, filter)
}

// GetQueueStats reports the queue and the number of runs that failed in the
// last 24 hours.
func (s *Service) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	st := s.queue.Stats()
	since := s.now().UTC().Add(-24 * time.Hour)
	failed, err := s.logs.Count(ctx, schema.ExecutionFilter{Status: schema.ExecutionFailed, Since: &since})
	if err != nil {
		return nil, storeError("count failed executions", err)
	}
	return &QueueStats{
		Active:        st.Active,
		Pending:       st.Pending,
		Delayed:       st.Delayed,
		FailedLast24h: failed,
		ByPriority:    st.ByPriority,
		Workers:       st.Workers,
		FreeWorkers:   st.FreeWorkers,
	}, nil
}

// StopExecution stops a run. A queued or suspended run is stopped at once; a
// run held by a worker halts before its next node. Stopping a completed run
// is a CONFLICT.
func (s *Service) StopExecution(ctx context.Context, executionID string) error {
	l, err := s.logs.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if l.CompletedAt != nil || l.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already %s", executionID, l.Status)
	}
	ref := refOf(l)

	if s.signalStop(executionID) {
		s.logs.AppendLine(ctx, executionID, "Stop requested")
		return nil
	}

	switch l.Status {
	case schema.ExecutionPending:
		s.cancelQueued(executionKey(ref), executionID)
		// The status swap races a worker picking the job up; whoever moves
		// the log out of pending first wins.
		err := s.store.UpdateExecutionStatus(ctx, executionID, schema.ExecutionPending, schema.ExecutionStopped)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) && s.signalStop(executionID) {
				s.logs.AppendLine(ctx, executionID, "Stop requested")
				return nil
			}
			return err
		}
		s.finish(ctx, ref, schema.ExecutionPending, schema.ExecutionStopped, engine.ReasonUserStop)

	case schema.ExecutionRunning:
		s.mu.Lock()
		h, active := s.running[executionID]
		if active {
			h.stop.Store(true)
		} else {
			err = s.dropContinuation(ctx, executionID)
		}
		s.mu.Unlock()
		if active {
			s.logs.AppendLine(ctx, executionID, "Stop requested")
			return nil
		}
		if err != nil {
			return err
		}
		s.cancelQueued(continuationKey(executionID), executionID)
		s.finish(ctx, ref, schema.ExecutionRunning, schema.ExecutionStopped, engine.ReasonUserStop)
	}
	return nil
}

// signalStop flags a run held by a worker. It reports whether one was found.
func (s *Service) signalStop(executionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.running[executionID]
	if ok {
		h.stop.Store(true)
	}
	return ok
}

// Validate runs the full validation pipeline on a definition.
func (s *Service) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return s.validator.Validate(def)
}
