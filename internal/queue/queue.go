// Package queue is the in-process task queue: priority ordering, dedupe keys,
// delayed eligibility and bounded concurrency on an engine.WorkerPool.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/pkg/schema"
)

// Handler runs one job. A returned error marks the job failed unless it is a
// retryable continuation failure with attempts left.
type Handler func(ctx context.Context, job Job) error

// Config tunes the queue.
type Config struct {
	// ContinuationRetries is the default MaxAttempts of continuation jobs.
	ContinuationRetries int
	// Retry computes the delay before a continuation is resubmitted.
	Retry              engine.RetryPolicy
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	Logger             *slog.Logger
}

// Defaults.
const (
	DefaultContinuationRetries = 3
	DefaultCompletedRetention  = time.Hour
	DefaultFailedRetention     = 24 * time.Hour
)

// Queue dispatches jobs to a worker pool. Only the dispatcher submits to the
// pool, so a free slot observed by it is still free at Submit.
type Queue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	jobs    map[string]*Job
	dedupe  map[string]string
	seq     uint64
	closed  bool

	pool    *engine.WorkerPool
	handler Handler
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	started bool
}

// New creates a queue. Start must be called before jobs are dispatched.
func New(pool *engine.WorkerPool, handler Handler, cfg Config) *Queue {
	if cfg.ContinuationRetries <= 0 {
		cfg.ContinuationRetries = DefaultContinuationRetries
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = engine.DefaultRetryPolicy()
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultCompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = DefaultFailedRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		jobs:    make(map[string]*Job),
		dedupe:  make(map[string]string),
		pool:    pool,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	pool.OnRelease(func(error) { q.signal() })
	return q
}

// Enqueue adds a job and returns its ID. While a job with the same dedupe key
// is still queued, the existing ID is returned and nothing is added.
func (q *Queue) Enqueue(req Request) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", schema.NewError(schema.ErrCodeQueueClosed, "queue is closed")
	}
	if req.Type == "" {
		req.Type = JobExecution
	}
	if req.DedupeKey != "" {
		if id, ok := q.dedupe[req.DedupeKey]; ok {
			return id, nil
		}
	}

	now := q.now()
	maxAttempts := 1
	if req.Type == JobContinuation {
		maxAttempts = req.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = q.cfg.ContinuationRetries
		}
	}
	eligible := req.EligibleAt
	if eligible.IsZero() {
		eligible = now
	}

	q.seq++
	job := &Job{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Priority:    req.Priority,
		Status:      JobQueued,
		DedupeKey:   req.DedupeKey,
		Payload:     req.Payload,
		MaxAttempts: maxAttempts,
		EligibleAt:  eligible,
		CreatedAt:   now,
		seq:         q.seq,
	}
	q.jobs[job.ID] = job
	if job.DedupeKey != "" {
		q.dedupe[job.DedupeKey] = job.ID
	}
	q.pushLocked(job, now)
	q.signal()
	return job.ID, nil
}

func (q *Queue) pushLocked(job *Job, now time.Time) {
	if job.EligibleAt.After(now) {
		job.delayed = true
		heap.Push(&q.delayed, job)
		return
	}
	job.delayed = false
	heap.Push(&q.ready, job)
}

// Lookup returns the queued job holding dedupeKey.
func (q *Queue) Lookup(dedupeKey string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.dedupe[dedupeKey]
	if !ok {
		return Job{}, false
	}
	return q.jobs[id].snapshot(), true
}

// Get returns a job by ID, including retained terminal jobs.
func (q *Queue) Get(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Cancel removes a queued job. Active jobs cannot be cancelled here; their
// handler observes cancellation cooperatively.
func (q *Queue) Cancel(id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return Job{}, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	if j.Status != JobQueued {
		return j.snapshot(), schema.NewErrorf(schema.ErrCodeConflict, "job %q is %s", id, j.Status)
	}
	if j.delayed {
		heap.Remove(&q.delayed, j.index)
	} else {
		heap.Remove(&q.ready, j.index)
	}
	q.clearDedupeLocked(j)
	now := q.now()
	j.Status = JobCancelled
	j.FinishedAt = &now
	return j.snapshot(), nil
}

func (q *Queue) clearDedupeLocked(j *Job) {
	if j.DedupeKey != "" && q.dedupe[j.DedupeKey] == j.ID {
		delete(q.dedupe, j.DedupeKey)
	}
}

// Start launches the dispatcher. It returns immediately.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go q.dispatch(ctx)
}

// Close stops accepting jobs, stops the dispatcher and waits for active jobs.
// Jobs still queued are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	close(q.stop)
	q.mu.Unlock()

	if started {
		<-q.stopped
	}
	q.pool.Shutdown()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	defer close(q.stopped)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		job, wait := q.next()
		if job != nil {
			if err := q.pool.Submit(ctx, func(runCtx context.Context) error {
				return q.run(runCtx, job)
			}); err != nil {
				q.finish(job.ID, fmt.Errorf("dispatch: %w", err))
				if errors.Is(err, engine.ErrPoolShutdown) || ctx.Err() != nil {
					return
				}
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-q.wake:
		case <-timer.C:
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// next promotes due delayed jobs and pops the next ready job when the pool has
// a free slot. Otherwise it returns how long to sleep.
func (q *Queue) next() (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed[0].EligibleAt.After(now) {
		j := heap.Pop(&q.delayed).(*Job)
		j.delayed = false
		heap.Push(&q.ready, j)
	}
	q.evictLocked(now)

	wait := time.Minute
	if q.delayed.Len() > 0 {
		wait = q.delayed[0].EligibleAt.Sub(now)
	}
	if q.ready.Len() == 0 || q.pool.Available() == 0 || q.closed {
		return nil, wait
	}

	j := heap.Pop(&q.ready).(*Job)
	q.clearDedupeLocked(j)
	j.Status = JobActive
	j.Attempt++
	j.StartedAt = &now
	j.Error = ""
	cp := j.snapshot()
	return &cp, 0
}

func (q *Queue) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &engine.PanicError{Value: r}
		}
		q.finish(job.ID, err)
	}()
	return q.handler(ctx, *job)
}

// finish records the result. Retryable continuation failures with attempts
// left go back to the delayed heap with a backoff.
func (q *Queue) finish(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return
	}
	now := q.now()
	if err == nil {
		j.Status = JobCompleted
		j.FinishedAt = &now
		return
	}

	j.Error = schema.UserMessage(err)
	if j.Type == JobContinuation && j.Attempt < j.MaxAttempts && engine.IsRetryableError(err) && !q.closed {
		if holder, taken := q.dedupe[j.DedupeKey]; j.DedupeKey != "" && taken && holder != j.ID {
			// Another job for the same key was queued while this one ran.
			j.Status = JobCancelled
			j.FinishedAt = &now
			return
		}
		delay := engine.ComputeBackoff(q.cfg.Retry, j.Attempt-1)
		j.Status = JobQueued
		j.StartedAt = nil
		j.EligibleAt = now.Add(delay)
		q.seq++
		j.seq = q.seq
		if j.DedupeKey != "" {
			q.dedupe[j.DedupeKey] = j.ID
		}
		q.pushLocked(j, now)
		q.logger.Warn("continuation failed, resubmitting",
			slog.String("job_id", j.ID),
			slog.Int("attempt", j.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", j.Error))
		q.signal()
		return
	}

	j.Status = JobFailed
	j.FinishedAt = &now
	q.logger.Warn("job failed",
		slog.String("job_id", j.ID),
		slog.String("type", string(j.Type)),
		slog.String("error", j.Error))
}

func (q *Queue) evictLocked(now time.Time) {
	for id, j := range q.jobs {
		if !j.Status.IsTerminal() || j.FinishedAt == nil {
			continue
		}
		keep := q.cfg.CompletedRetention
		if j.Status == JobFailed {
			keep = q.cfg.FailedRetention
		}
		if now.Sub(*j.FinishedAt) > keep {
			delete(q.jobs, id)
		}
	}
}
