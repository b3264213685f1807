// Package service assembles the engine: it validates and queues runs, walks
// them on the worker pool, records their logs and feeds the scheduler.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/events"
	"github.com/rendis/outreach/internal/execlog"
	"github.com/rendis/outreach/internal/expressions"
	"github.com/rendis/outreach/internal/nodes"
	"github.com/rendis/outreach/internal/queue"
	"github.com/rendis/outreach/internal/scheduler"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/internal/validation"
	"github.com/rendis/outreach/pkg/schema"
)

// DefaultWorkers is the worker pool size when Config.Workers is zero.
const DefaultWorkers = 4

// ReasonInterrupted is recorded on runs a previous process left mid-walk.
const ReasonInterrupted = "interrupted by restart"

// Config tunes the service.
type Config struct {
	Workers   int
	Walker    engine.WalkerConfig
	Queue     queue.Config
	Scheduler scheduler.Config
	// DisableScheduler keeps the trigger loop off (one-shot CLI runs).
	DisableScheduler  bool
	DefaultDailyLimit int
}

// Providers are the outbound collaborators of node executors. Any of them
// may be nil; the nodes that need a missing one fail permanently.
type Providers struct {
	Email       nodes.EmailSender
	Social      nodes.SocialPublisher
	AI          nodes.AIGenerator
	HTTP        nodes.HTTPCaller
	Credentials nodes.CredentialSource
	// Quota overrides the store's own counter (e.g. a Redis quota store).
	Quota nodes.QuotaStore
}

// StartRequest asks for one run of a workflow.
type StartRequest struct {
	WorkflowID string `json:"workflowId"`
	UserID     string `json:"userId"`
	BusinessID string `json:"businessId,omitempty"`
	TriggerID  string `json:"triggerId,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// QueueStats is the monitoring snapshot returned by GetQueueStats.
type QueueStats struct {
	Active        int            `json:"active"`
	Pending       int            `json:"pending"`
	Delayed       int            `json:"delayed"`
	FailedLast24h int            `json:"failedLast24h"`
	ByPriority    map[string]int `json:"byPriority"`
	Workers       int            `json:"workers"`
	FreeWorkers   int            `json:"freeWorkers"`
}

// Service is the engine. Construct it with New, then Start it.
type Service struct {
	store     store.Store
	validator *validation.WorkflowValidator
	logs      *execlog.Logger
	fsm       *engine.ExecutionFSM
	walker    *engine.Walker
	registry  *nodes.Registry
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// startMu makes the dedupe lookup, log creation and enqueue one step.
	startMu sync.Mutex

	mu      sync.Mutex
	running map[string]*activeRun

	startOnce sync.Once
	stopOnce  sync.Once
}

// activeRun is a run currently held by a worker of this process. Setting
// stop halts it at the next node boundary.
type activeRun struct {
	stop atomic.Bool
}

// New wires the engine. bus may be nil, in which case no lifecycle events are
// published and trigger run statuses are not updated from outcomes.
func New(st store.Store, providers Providers, bus *events.Bus, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	ev, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewWorkflowValidator(ev)
	if err != nil {
		return nil, err
	}

	var quota nodes.QuotaStore = st
	if providers.Quota != nil {
		quota = providers.Quota
	}

	s := &Service{
		store:     st,
		validator: validator,
		logs:      execlog.New(st, logger),
		bus:       bus,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		running:   make(map[string]*activeRun),
	}

	s.registry = nodes.NewRegistry(&nodes.Deps{
		Businesses:        st,
		Templates:         st,
		Quota:             quota,
		Email:             providers.Email,
		Social:            providers.Social,
		AI:                providers.AI,
		HTTP:              providers.HTTP,
		Credentials:       providers.Credentials,
		Evaluator:         ev,
		Logger:            logger,
		DefaultDailyLimit: cfg.DefaultDailyLimit,
	})
	s.walker = engine.NewWalker(s.registry, s.logs, cfg.Walker, logger)

	s.fsm = engine.NewExecutionFSM(s.logs)
	s.fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, s.logs.PersistTransition)

	pool := engine.NewWorkerPool(cfg.Workers)
	qcfg := cfg.Queue
	if qcfg.Logger == nil {
		qcfg.Logger = logger
	}
	s.queue = queue.New(pool, s.runJob, qcfg)

	s.scheduler = scheduler.NewScheduler(st, s, cfg.Scheduler, logger)
	if bus != nil {
		for _, t := range []string{
			schema.EventExecutionSucceeded,
			schema.EventExecutionFailed,
			schema.EventExecutionStopped,
		} {
			bus.Handle(t, s.scheduler.HandleExecutionEvent)
		}
	}
	return s, nil
}

// Registry exposes the node executors so callers can replace one.
func (s *Service) Registry() *nodes.Registry { return s.registry }

// Scheduler exposes the trigger scheduler (Schedule, FireEvent).
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Validator exposes the workflow validator.
func (s *Service) Validator() *validation.WorkflowValidator { return s.validator }

// Bus returns the event bus, or nil.
func (s *Service) Bus() *events.Bus { return s.bus }

// Start launches the event bus, the queue and the scheduler, then puts runs
// persisted by a previous process back in the queue.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if s.bus != nil {
			if err = s.bus.Start(ctx); err != nil {
				return
			}
		}
		s.queue.Start(ctx)
		if err = s.recover(ctx); err != nil {
			return
		}
		if s.cfg.DisableScheduler {
			return
		}
		if rerr := s.scheduler.RecoverMissed(ctx); rerr != nil {
			s.logger.Error("trigger recovery failed", slog.String("error", rerr.Error()))
		}
		err = s.scheduler.Start(ctx)
	})
	return err
}

// Stop halts the scheduler, waits for in-flight runs and shuts the bus down.
// Queued jobs are dropped; their logs stay pending and are recovered by the
// next Start.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		_ = s.scheduler.Stop()
		s.queue.Close()
		if s.bus != nil {
			if err := s.bus.Close(); err != nil {
				s.logger.Warn("event bus close failed", slog.String("error", err.Error()))
			}
		}
	})
}

// recover re-enqueues pending runs and suspended continuations. A running log
// without a continuation was cut off mid-walk and is failed.
func (s *Service) recover(ctx context.Context) error {
	conts, err := s.store.ListContinuations(ctx)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list continuations").WithCause(err)
	}
	suspended := make(map[string]bool, len(conts))
	for _, c := range conts {
		suspended[c.ExecutionID] = true
		if err := s.enqueueContinuation(c); err != nil {
			return err
		}
	}

	pending, err := s.logs.Query(ctx, schema.ExecutionFilter{Status: schema.ExecutionPending})
	if err != nil {
		return err
	}
	// Oldest first so the queue order matches the original submission order.
	for i := len(pending) - 1; i >= 0; i-- {
		ref := refOf(pending[i])
		owner, err := s.enqueueExecution(ref, queue.PriorityMedium)
		if err != nil {
			return err
		}
		if owner != ref.ExecutionID {
			s.finish(ctx, ref, schema.ExecutionPending, schema.ExecutionStopped, "superseded by execution "+owner)
		}
	}

	running, err := s.logs.Query(ctx, schema.ExecutionFilter{Status: schema.ExecutionRunning})
	if err != nil {
		return err
	}
	interrupted := 0
	for _, l := range running {
		if suspended[l.ID] {
			continue
		}
		s.finish(ctx, refOf(l), schema.ExecutionRunning, schema.ExecutionFailed, ReasonInterrupted)
		interrupted++
	}

	if len(conts)+len(pending)+interrupted > 0 {
		s.logger.Info("recovered executions",
			slog.Int("pending", len(pending)),
			slog.Int("suspended", len(conts)),
			slog.Int("interrupted", interrupted))
	}
	return nil
}
