package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/engine"
	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/pkg/schema"
)

func testConfig() Config {
	return Config{
		Retry:  engine.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Logger: logging.Discard(),
	}
}

func newTestQueue(t *testing.T, workers int, h Handler) *Queue {
	t.Helper()
	q := New(engine.NewWorkerPool(workers), h, testConfig())
	t.Cleanup(q.Close)
	return q
}

func waitStatus(t *testing.T, q *Queue, id string, want JobStatus) Job {
	t.Helper()
	var last Job
	require.Eventually(t, func() bool {
		j, ok := q.Get(id)
		last = j
		return ok && j.Status == want
	}, 2*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, last.Status)
	return last
}

func TestEnqueue_DedupeWhileQueued(t *testing.T) {
	q := newTestQueue(t, 1, func(context.Context, Job) error { return nil })

	id1, err := q.Enqueue(Request{DedupeKey: "wf-1:biz-1"})
	require.NoError(t, err)
	id2, err := q.Enqueue(Request{DedupeKey: "wf-1:biz-1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, q.Stats().Pending)

	j, ok := q.Lookup("wf-1:biz-1")
	require.True(t, ok)
	assert.Equal(t, id1, j.ID)

	q.Start(context.Background())
	waitStatus(t, q, id1, JobCompleted)

	// Once started, the key is free again.
	_, ok = q.Lookup("wf-1:biz-1")
	assert.False(t, ok)
	id3, err := q.Enqueue(Request{DedupeKey: "wf-1:biz-1"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestDispatch_PriorityThenFIFO(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := newTestQueue(t, 1, func(_ context.Context, j Job) error {
		mu.Lock()
		order = append(order, j.Payload.(string))
		mu.Unlock()
		return nil
	})

	for _, r := range []struct {
		name string
		p    Priority
	}{
		{"low", PriorityLow}, {"med-1", PriorityMedium}, {"high-1", PriorityHigh},
		{"med-2", PriorityMedium}, {"high-2", PriorityHigh},
	} {
		_, err := q.Enqueue(Request{Priority: r.p, Payload: r.name})
		require.NoError(t, err)
	}

	st := q.Stats()
	assert.Equal(t, 2, st.ByPriority["high"])
	assert.Equal(t, 2, st.ByPriority["medium"])
	assert.Equal(t, 1, st.ByPriority["low"])

	q.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"high-1", "high-2", "med-1", "med-2", "low"}, order)
}

func TestDispatch_DelayedEligibility(t *testing.T) {
	var ran atomic.Int64
	q := newTestQueue(t, 2, func(context.Context, Job) error {
		ran.Store(time.Now().UnixNano())
		return nil
	})
	q.Start(context.Background())

	start := time.Now()
	id, err := q.Enqueue(Request{Type: JobContinuation, EligibleAt: start.Add(80 * time.Millisecond)})
	require.NoError(t, err)

	st := q.Stats()
	assert.Equal(t, 1, st.Delayed)

	waitStatus(t, q, id, JobCompleted)
	assert.GreaterOrEqual(t, time.Duration(ran.Load()-start.UnixNano()), 80*time.Millisecond)
}

func TestContinuation_RetriedOnTransientError(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, 1, func(_ context.Context, j Job) error {
		if calls.Add(1) < 3 {
			return schema.NewError(schema.ErrCodeTransient, "provider unavailable")
		}
		return nil
	})
	q.Start(context.Background())

	id, err := q.Enqueue(Request{Type: JobContinuation})
	require.NoError(t, err)
	j := waitStatus(t, q, id, JobCompleted)
	assert.Equal(t, 3, j.Attempt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestContinuation_ResubmittedJobKeepsDedupeKey(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.Retry.Delay, cfg.Retry.MaxDelay = time.Hour, time.Hour
	q := New(engine.NewWorkerPool(1), func(context.Context, Job) error {
		calls.Add(1)
		return schema.NewError(schema.ErrCodeStore, "database is locked")
	}, cfg)
	t.Cleanup(q.Close)
	q.Start(context.Background())

	id, err := q.Enqueue(Request{Type: JobContinuation, DedupeKey: "continuation:exec-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		j, _ := q.Get(id)
		return calls.Load() == 1 && j.Status == JobQueued
	}, 2*time.Second, 5*time.Millisecond)

	again, err := q.Enqueue(Request{Type: JobContinuation, DedupeKey: "continuation:exec-1"})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	j, ok := q.Lookup("continuation:exec-1")
	require.True(t, ok)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, 1, q.Stats().Pending)
}

func TestContinuation_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, 1, func(context.Context, Job) error {
		calls.Add(1)
		return schema.NewError(schema.ErrCodeTransient, "still down")
	})
	q.Start(context.Background())

	id, err := q.Enqueue(Request{Type: JobContinuation, MaxAttempts: 2})
	require.NoError(t, err)
	j := waitStatus(t, q, id, JobFailed)
	assert.Equal(t, "still down", j.Error)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecution_NeverRetried(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, 1, func(context.Context, Job) error {
		calls.Add(1)
		return schema.NewError(schema.ErrCodeTransient, "boom")
	})
	q.Start(context.Background())

	id, err := q.Enqueue(Request{Type: JobExecution})
	require.NoError(t, err)
	waitStatus(t, q, id, JobFailed)
	assert.Equal(t, int32(1), calls.Load())

	st := q.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.FailedLast24h)
}

func TestHandlerPanic_MarksFailed(t *testing.T) {
	q := newTestQueue(t, 1, func(context.Context, Job) error {
		panic("nil map")
	})
	q.Start(context.Background())

	id, err := q.Enqueue(Request{})
	require.NoError(t, err)
	j := waitStatus(t, q, id, JobFailed)
	assert.True(t, strings.Contains(j.Error, "nil map"))

	// The worker slot is released.
	id2, err := q.Enqueue(Request{})
	require.NoError(t, err)
	waitStatus(t, q, id2, JobFailed)
}

func TestCancel(t *testing.T) {
	q := newTestQueue(t, 1, func(context.Context, Job) error { return nil })

	id, err := q.Enqueue(Request{DedupeKey: "k", EligibleAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	j, err := q.Cancel(id)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, j.Status)
	_, ok := q.Lookup("k")
	assert.False(t, ok)

	_, err = q.Cancel(id)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	_, err = q.Cancel("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	assert.Equal(t, 0, q.Stats().Pending)
}

func TestActive_Snapshot(t *testing.T) {
	release := make(chan struct{})
	q := newTestQueue(t, 2, func(context.Context, Job) error {
		<-release
		return nil
	})
	q.Start(context.Background())

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(Request{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(q.Active()) == 2 }, time.Second, 5*time.Millisecond)

	st := q.Stats()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Pending)
	assert.Equal(t, 0, st.FreeWorkers)
	assert.Len(t, q.Pending(), 1)
	close(release)
}

func TestClosedQueueRejects(t *testing.T) {
	q := New(engine.NewWorkerPool(1), func(context.Context, Job) error { return nil }, testConfig())
	q.Close()
	_, err := q.Enqueue(Request{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeQueueClosed))
}

func TestEviction(t *testing.T) {
	q := newTestQueue(t, 1, func(_ context.Context, j Job) error {
		if j.Payload == "fail" {
			return errors.New("bad")
		}
		return nil
	})
	q.Start(context.Background())

	ok1, _ := q.Enqueue(Request{Payload: "ok"})
	bad, _ := q.Enqueue(Request{Payload: "fail"})
	waitStatus(t, q, ok1, JobCompleted)
	waitStatus(t, q, bad, JobFailed)

	q.mu.Lock()
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	q.mu.Unlock()

	st := q.Stats()
	assert.Equal(t, 0, st.Completed)
	assert.Equal(t, 1, st.Failed)

	q.mu.Lock()
	q.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	q.mu.Unlock()
	assert.Equal(t, 0, q.Stats().Failed)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	_, err = ParsePriority("urgent")
	assert.True(t, schema.IsValidation(err))
}
