package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // workflow timezones must resolve without host zoneinfo

	"github.com/robfig/cron/v3"

	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

// Firing is one execution requested by a trigger.
type Firing struct {
	WorkflowID string
	UserID     string
	BusinessID string
	TriggerID  string
	Priority   string
}

// Runner starts executions on behalf of the scheduler. Satisfied by the
// engine service (avoids import cycle).
type Runner interface {
	StartTriggered(ctx context.Context, f Firing) (string, error)
}

// Store is what the scheduler reads and claims.
type Store interface {
	store.TriggerStore
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListBusinesses(ctx context.Context, filter schema.BusinessFilter) ([]*schema.Business, error)
}

// Config tunes the scheduler.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// PendingLimit caps the "pending" selection when the trigger sets none.
	PendingLimit int
}

const (
	DefaultInterval     = time.Minute
	DefaultBatchSize    = 100
	DefaultPendingLimit = 25
)

// Last run statuses written by the scheduler itself. Execution outcomes
// overwrite them through HandleExecutionEvent.
const (
	RunStatusFired    = "fired"
	RunStatusSkipped  = "skipped"
	RunStatusError    = "error"
	RunStatusInactive = "skipped: workflow inactive"
)

// Scheduler polls the store for due triggers and starts their executions.
type Scheduler struct {
	store  Store
	runner Runner
	parser cron.Parser
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing in this process
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s Store, runner Runner, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = DefaultPendingLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", slog.String("error", err.Error()))
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Tick fires every due trigger once and returns the number of executions
// started. A trigger whose claim is lost to another instance is skipped.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.DueTriggers(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due triggers: %w", err)
	}

	started := 0
	for _, t := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		if !s.tryAcquire(t.ID) {
			continue
		}
		n, err := s.fire(ctx, t, now)
		s.releaseTrigger(t.ID)
		if err != nil {
			s.logger.Error("failed to fire trigger",
				slog.String("trigger_id", t.ID),
				slog.String("workflow_id", t.WorkflowID),
				slog.String("error", err.Error()),
			)
		}
		started += n
	}
	return started, nil
}

// fire claims one due trigger, reschedules it and starts its executions.
func (s *Scheduler) fire(ctx context.Context, t *schema.Trigger, now time.Time) (int, error) {
	if t.NextRunAt == nil {
		return 0, nil
	}
	expected := *t.NextRunAt

	wf, err := s.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			return 0, err
		}
		// Park the trigger: it stays in the store but no longer comes due.
		if _, cerr := s.store.ClaimAndReschedule(ctx, t.ID, expected, nil, now); cerr != nil {
			return 0, cerr
		}
		return 0, s.record(ctx, t.ID, RunStatusError+": workflow not found")
	}

	tz := t.Config.Timezone
	if tz == "" {
		tz = wf.Timezone
	}
	next, nerr := s.NextRun(t, tz, now)
	if nerr != nil {
		next = nil
	}

	won, err := s.store.ClaimAndReschedule(ctx, t.ID, expected, next, now)
	if err != nil {
		return 0, fmt.Errorf("claim trigger: %w", err)
	}
	if !won {
		s.logger.Debug("trigger claimed elsewhere", slog.String("trigger_id", t.ID))
		return 0, nil
	}
	if nerr != nil {
		_ = s.record(ctx, t.ID, RunStatusError+": "+schema.UserMessage(nerr))
		return 0, nerr
	}

	if !wf.IsActive {
		return 0, s.record(ctx, t.ID, RunStatusInactive)
	}

	return s.launch(ctx, t, wf, "")
}

// launch starts one execution per selected target.
func (s *Scheduler) launch(ctx context.Context, t *schema.Trigger, wf *schema.WorkflowDefinition, businessID string) (int, error) {
	targets, err := s.selectTargets(ctx, t, wf, businessID)
	if err != nil {
		_ = s.record(ctx, t.ID, RunStatusError+": "+schema.UserMessage(err))
		return 0, err
	}
	if len(targets) == 0 {
		return 0, s.record(ctx, t.ID, RunStatusSkipped+": no matching businesses")
	}

	started := 0
	var firstErr error
	for _, biz := range targets {
		id, err := s.runner.StartTriggered(ctx, Firing{
			WorkflowID: wf.ID,
			UserID:     wf.UserID,
			BusinessID: biz,
			TriggerID:  t.ID,
			Priority:   t.Config.Priority,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("triggered execution not started",
				slog.String("trigger_id", t.ID),
				slog.String("business_id", biz),
				slog.String("error", err.Error()))
			continue
		}
		started++
		s.logger.Info("trigger fired",
			slog.String("trigger_id", t.ID),
			slog.String("workflow_id", wf.ID),
			slog.String("execution_id", id))
	}

	if started == 0 && firstErr != nil {
		_ = s.record(ctx, t.ID, RunStatusError+": "+schema.UserMessage(firstErr))
		return 0, firstErr
	}
	return started, s.record(ctx, t.ID, RunStatusFired)
}

// selectTargets resolves business IDs for a firing. An empty ID means a run
// without a target business.
func (s *Scheduler) selectTargets(ctx context.Context, t *schema.Trigger, wf *schema.WorkflowDefinition, businessID string) ([]string, error) {
	if businessID != "" {
		return []string{businessID}, nil
	}
	sel := t.Config.Selection
	switch sel.Strategy {
	case "", schema.SelectNone:
		return []string{""}, nil
	case schema.SelectSingle:
		if sel.BusinessID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "single selection requires businessId")
		}
		return []string{sel.BusinessID}, nil
	case schema.SelectPending:
		limit := sel.Limit
		if limit <= 0 {
			limit = s.cfg.PendingLimit
		}
		list, err := s.store.ListBusinesses(ctx, schema.BusinessFilter{
			UserID:      wf.UserID,
			Category:    wf.TargetBusinessType,
			EmailStatus: schema.EmailStatusPending,
			Limit:       limit,
		})
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(list))
		for _, b := range list {
			ids = append(ids, b.ID)
		}
		return ids, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown selection strategy %q", sel.Strategy)
}

func (s *Scheduler) record(ctx context.Context, triggerID, status string) error {
	if err := s.store.RecordTriggerRun(ctx, triggerID, status); err != nil {
		return fmt.Errorf("record trigger run: %w", err)
	}
	return nil
}

// FireEvent starts the enabled event triggers of userID listening for
// eventName. A non-empty businessID overrides each trigger's selection.
func (s *Scheduler) FireEvent(ctx context.Context, eventName, userID, businessID string) (int, error) {
	list, err := s.store.ListTriggers(ctx, store.TriggerFilter{
		UserID:      userID,
		Type:        schema.TriggerEvent,
		EnabledOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list event triggers: %w", err)
	}

	started := 0
	for _, t := range list {
		if !strings.EqualFold(t.Config.Event, eventName) {
			continue
		}
		wf, err := s.store.GetWorkflow(ctx, t.WorkflowID)
		if err != nil {
			s.logger.Warn("event trigger workflow unavailable",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if !wf.IsActive {
			_ = s.record(ctx, t.ID, RunStatusInactive)
			continue
		}
		n, err := s.launch(ctx, t, wf, businessID)
		if err != nil {
			s.logger.Warn("event trigger failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
		started += n
	}
	return started, nil
}

// HandleExecutionEvent records the outcome of triggered runs on their trigger.
func (s *Scheduler) HandleExecutionEvent(ctx context.Context, ev schema.ExecutionEvent) error {
	if ev.TriggerID == "" || !ev.Status.IsTerminal() {
		return nil
	}
	status := string(ev.Status)
	if ev.Error != "" {
		status += ": " + ev.Error
	}
	err := s.store.RecordTriggerRun(ctx, ev.TriggerID, status)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

// Schedule validates a trigger, computes its first run and persists it.
func (s *Scheduler) Schedule(ctx context.Context, t *schema.Trigger, timezone string) error {
	if t.Config.Timezone != "" {
		timezone = t.Config.Timezone
	}
	next, err := s.NextRun(t, timezone, s.now().UTC())
	if err != nil {
		return err
	}
	t.NextRunAt = next
	return s.store.SaveTrigger(ctx, t)
}

// RecoverMissed gives enabled time-based triggers without a next run one, then
// runs a tick so triggers that came due while the process was down fire once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	list, err := s.store.ListTriggers(ctx, store.TriggerFilter{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}

	now := s.now().UTC()
	initialized := 0
	for _, t := range list {
		if t.Type == schema.TriggerEvent || t.NextRunAt != nil {
			continue
		}
		tz := t.Config.Timezone
		if tz == "" {
			if wf, err := s.store.GetWorkflow(ctx, t.WorkflowID); err == nil {
				tz = wf.Timezone
			}
		}
		next, err := s.NextRun(t, tz, now)
		if err != nil {
			s.logger.Warn("cannot schedule trigger",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		t.NextRunAt = next
		if err := s.store.SaveTrigger(ctx, t); err != nil {
			return fmt.Errorf("save trigger %q: %w", t.ID, err)
		}
		initialized++
	}

	fired, err := s.Tick(ctx)
	if err != nil {
		return err
	}
	if initialized > 0 || fired > 0 {
		s.logger.Info("recovered triggers",
			slog.Int("initialized", initialized),
			slog.Int("fired", fired))
	}
	return nil
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// releaseTrigger removes the trigger from the in-flight set.
func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
