package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of worker pool counters.
type PoolMetrics struct {
	Size     int   `json:"size"`
	Busy     int64 `json:"busy"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
	Panics   int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicError wraps a value recovered from a panicking run.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("run panicked: %v", e.Value)
}

// WorkerPool bounds how many runs execute at once. Each run holds one slot
// from Submit until its function returns.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}
	once  sync.Once

	mu      sync.Mutex // guards closing and running.Add
	closing bool
	running sync.WaitGroup

	busy, finished, failed, panics atomic.Int64

	onRelease func(err error)
}

// NewWorkerPool creates a pool with size slots; size below 1 means 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// OnRelease installs a hook called with the run's error after its slot is
// freed. A panic is reported as *PanicError. Set it before the first Submit.
func (p *WorkerPool) OnRelease(fn func(err error)) {
	p.onRelease = fn
}

// Submit waits for a free slot, then runs fn on its own goroutine. Waiting
// gives up when ctx ends or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.quit:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.mu.Unlock()

	p.busy.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = &PanicError{Value: r}
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.finished.Add(1)
		}
		p.busy.Add(-1)
		<-p.slots
		if p.onRelease != nil {
			p.onRelease(err)
		}
		p.running.Done()
	}()
	err = fn(ctx)
}

// Available returns the number of free slots.
func (p *WorkerPool) Available() int {
	return cap(p.slots) - len(p.slots)
}

// Wait blocks until every submitted run has returned.
func (p *WorkerPool) Wait() {
	p.running.Wait()
}

// Shutdown rejects new work and waits for running work. Safe to call twice.
func (p *WorkerPool) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closing = true
		close(p.quit)
		p.mu.Unlock()
	})
	p.running.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:     cap(p.slots),
		Busy:     p.busy.Load(),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
		Panics:   p.panics.Load(),
	}
}
