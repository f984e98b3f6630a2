package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/storage"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func settled(farm string, id int64, outcome, errText string, d time.Duration, at time.Time) events.Event {
	return events.Event{
		Kind:     events.CallSettled,
		FarmID:   farm,
		CallID:   id,
		WorkerID: 1,
		Method:   "resize",
		Outcome:  outcome,
		Err:      errText,
		Duration: d,
		At:       at,
	}
}

func TestRecordAndQueryCalls(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, settled("f1", 1, events.OutcomeResolved, "", 10*time.Millisecond, base)))
	require.NoError(t, j.Record(ctx, settled("f1", 2, events.OutcomeRejected, "boom", 30*time.Millisecond, base.Add(time.Second))))
	require.NoError(t, j.Record(ctx, settled("f2", 1, events.OutcomeResolved, "", 20*time.Millisecond, base.Add(2*time.Second))))
	// Kinds the journal doesn't keep are ignored.
	require.NoError(t, j.Record(ctx, events.Event{Kind: events.WorkerSpawned, FarmID: "f1"}))

	all, err := j.Calls(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f2", all[0].FarmID, "newest first")

	rejected, err := j.Calls(ctx, Filter{FarmID: "f1", Outcome: events.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, int64(2), rejected[0].CallID)
	assert.Equal(t, "boom", rejected[0].Error)
	assert.Equal(t, 30*time.Millisecond, rejected[0].Duration)
	assert.True(t, rejected[0].SettledAt.Equal(base.Add(time.Second)))

	limited, err := j.Calls(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()

	empty, err := j.Summarize(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Summary{}, empty)

	require.NoError(t, j.Record(ctx, settled("f1", 1, events.OutcomeResolved, "", 10*time.Millisecond, now)))
	ev := settled("f1", 2, events.OutcomeRejected, "boom", 30*time.Millisecond, now)
	ev.Retries = 2
	require.NoError(t, j.Record(ctx, ev))
	require.NoError(t, j.Record(ctx, settled("f2", 1, events.OutcomeResolved, "", 50*time.Millisecond, now)))

	s, err := j.Summarize(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Resolved)
	assert.Equal(t, 1, s.Rejected)
	assert.Equal(t, 2, s.Retries)
	assert.Equal(t, 20*time.Millisecond, s.MeanDuration)

	total, err := j.Summarize(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total.Resolved)
}

func TestWorkerExits(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, events.Event{Kind: events.WorkerExit, FarmID: "f1", WorkerID: 1, Pid: 100, ExitCode: -1, Signal: "killed", At: now}))
	require.NoError(t, j.Record(ctx, events.Event{Kind: events.WorkerExit, FarmID: "f1", WorkerID: 2, Pid: 101, ExitCode: 3, At: now.Add(time.Second)}))

	exits, err := j.WorkerExits(ctx, "f1", 0)
	require.NoError(t, err)
	require.Len(t, exits, 2)
	assert.Equal(t, 2, exits[0].WorkerID)
	assert.Equal(t, 3, exits[0].ExitCode)
	assert.Equal(t, "killed", exits[1].Signal)
}

func TestRunRecordsFromHub(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	hub := events.NewHub(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, hub) }()

	// Publish until the subscription is in place and the row lands.
	require.Eventually(t, func() bool {
		hub.Publish(settled("f1", 9, events.OutcomeResolved, "", time.Millisecond, time.Time{}))
		calls, err := j.Calls(context.Background(), Filter{FarmID: "f1"})
		return err == nil && len(calls) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunCountsDroppedEvents(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	j.buffer = 1
	hub := events.NewHub(16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx, hub) }()

	require.Eventually(t, func() bool {
		hub.Publish(settled("f1", 1, events.OutcomeResolved, "", time.Millisecond, time.Time{}))
		calls, err := j.Calls(context.Background(), Filter{FarmID: "f1"})
		return err == nil && len(calls) > 0
	}, 5*time.Second, 20*time.Millisecond)

	// A burst beyond the one-slot buffer must be counted rather than lost silently.
	for i := int64(2); i < 200; i++ {
		hub.Publish(settled("f2", i, events.OutcomeResolved, "", time.Millisecond, time.Time{}))
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	calls, err := j.Calls(context.Background(), Filter{FarmID: "f2", Limit: 500})
	require.NoError(t, err)
	assert.Positive(t, j.Dropped())
	// At most one buffered and one in-flight event are abandoned on cancel.
	assert.GreaterOrEqual(t, int64(len(calls))+j.Dropped(), int64(196))
}
