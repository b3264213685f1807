package execlog

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/outreach/internal/logging"
	"github.com/rendis/outreach/internal/store"
	"github.com/rendis/outreach/pkg/schema"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	l := New(s, logging.Discard())
	l.now = func() time.Time { return time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC) }
	return l
}

func TestLogger_Lifecycle(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	log, err := l.Create(ctx, "wf-1", "user-1", "biz-1", "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, log.Status)

	require.NoError(t, l.PersistTransition(ctx, log.ID, schema.ExecutionPending, schema.ExecutionRunning))
	l.AppendLine(ctx, log.ID, "hello")
	l.Step(ctx, log.ID, schema.StepRecord{
		NodeID: "send", NodeType: schema.NodeTypeEmail, Outcome: "error",
		Attempts: 2, Duration: 1500 * time.Millisecond, Error: "Daily email limit reached",
	})
	require.NoError(t, l.Finalize(ctx, log.ID, schema.ExecutionFailed, "Daily email limit reached"))

	got, err := l.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "Daily email limit reached", got.Error)
	require.Len(t, got.Logs, 4)
	assert.Equal(t, "[2026-01-05T09:30:00Z] Execution queued", got.Logs[0])
	assert.Equal(t, "[2026-01-05T09:30:00Z] Node send (email) -> error in 1.5s after 2 attempts: Daily email limit reached", got.Logs[2])
	assert.True(t, strings.HasSuffix(got.Logs[3], "Error: Daily email limit reached"))
	assert.Equal(t, time.Duration(0), got.Duration())

	steps, err := l.Steps(ctx, log.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "send", steps[0].NodeID)
}

func TestLogger_FinalizeTwiceConflicts(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	log, err := l.Create(ctx, "wf-1", "user-1", "", "")
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, log.ID, schema.ExecutionStopped, ""))

	err = l.Finalize(ctx, log.ID, schema.ExecutionSuccess, "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	got, err := l.Get(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStopped, got.Status)
}

func TestLogger_FinalizeRejectsNonTerminal(t *testing.T) {
	l := newTestLogger(t)
	err := l.Finalize(context.Background(), "x", schema.ExecutionRunning, "")
	assert.True(t, schema.IsValidation(err))
}

func TestLogger_Query(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	for _, wf := range []string{"wf-1", "wf-1", "wf-2"} {
		_, err := l.Create(ctx, wf, "user-1", "", "")
		require.NoError(t, err)
	}
	got, err := l.Query(ctx, schema.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	since := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)
	got, err = l.Query(ctx, schema.ExecutionFilter{Since: &since, Until: &until})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	_, err = l.Query(ctx, schema.ExecutionFilter{Since: &until, Until: &since})
	assert.True(t, schema.IsValidation(err))
}

// failingStore fails every append; other methods are not used.
type failingStore struct {
	store.ExecutionLogStore
	appends int
}

func (f *failingStore) AppendExecutionLine(context.Context, string, string) error {
	f.appends++
	return errors.New("disk full")
}

func (f *failingStore) AddStep(context.Context, string, schema.StepRecord) error {
	return errors.New("disk full")
}

func TestLogger_AppendIsBestEffort(t *testing.T) {
	fs := &failingStore{}
	l := New(fs, logging.Discard())

	l.AppendLine(context.Background(), "exec-1", "x")
	l.Step(context.Background(), "exec-1", schema.StepRecord{NodeID: "a"})
	assert.Equal(t, 2, fs.appends)
}
