// Package journal keeps a durable log of call outcomes and worker exits.
//
// The journal is fed from a farm's event hub and is best effort: the hub drops
// events for slow subscribers, and write errors are logged rather than surfaced to
// callers. Dropped events are counted and logged. Pending calls are never
// persisted.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/log"
)

// Journal writes farm events to SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	buffer int

	dropped atomic.Int64
}

// defaultBuffer is the journal's subscription size. Only settled calls and
// worker exits are delivered to it.
const defaultBuffer = 16384

// New wraps a database opened with storage.OpenSQLite.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, logger: log.WithComponent("journal"), buffer: defaultBuffer}
}

// Dropped reports how many journal events the hub discarded because Run fell
// behind.
func (j *Journal) Dropped() int64 { return j.dropped.Load() }

// CallRecord is one settled call.
type CallRecord struct {
	FarmID    string        `json:"farm_id"`
	CallID    int64         `json:"call_id"`
	WorkerID  int           `json:"worker_id,omitempty"`
	Method    string        `json:"method,omitempty"`
	Outcome   string        `json:"outcome"`
	Retries   int           `json:"retries"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	SettledAt time.Time     `json:"settled_at"`
}

// WorkerExit is one worker process that ended.
type WorkerExit struct {
	FarmID   string    `json:"farm_id"`
	WorkerID int       `json:"worker_id"`
	Pid      int       `json:"pid"`
	ExitCode int       `json:"exit_code"`
	Signal   string    `json:"signal,omitempty"`
	ExitedAt time.Time `json:"exited_at"`
}

// Run records events from hub until ctx is done.
func (j *Journal) Run(ctx context.Context, hub *events.Hub) error {
	sub := hub.Open(j.buffer, events.CallSettled, events.WorkerExit)
	defer sub.Cancel()

	j.logger.Info("journal started")
	defer func() {
		j.noteDropped(sub.Dropped())
		j.logger.Info("journal stopped", "dropped", j.Dropped())
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			j.noteDropped(sub.Dropped())
			if err := j.Record(ctx, ev); err != nil {
				j.logger.Error("failed to record event", "kind", ev.Kind, "event_id", ev.ID, "error", err)
			}
		}
	}
}

// noteDropped logs any events lost since the last check.
func (j *Journal) noteDropped(total int64) {
	prev := j.dropped.Swap(total)
	if total > prev {
		j.logger.Warn("journal fell behind, events dropped", "dropped", total-prev, "total_dropped", total)
	}
}

// Record stores ev if it is a kind the journal keeps and ignores it otherwise.
func (j *Journal) Record(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.CallSettled:
		return j.recordCall(ctx, ev)
	case events.WorkerExit:
		return j.recordExit(ctx, ev)
	default:
		return nil
	}
}

func (j *Journal) recordCall(ctx context.Context, ev events.Event) error {
	var errText any
	if ev.Err != "" {
		errText = ev.Err
	}
	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO call_log(
  farm_id, call_id, worker_id, method, outcome, retries, error, duration_ms, settled_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, ev.FarmID, ev.CallID, ev.WorkerID, ev.Method, ev.Outcome, ev.Retries, errText,
		ev.Duration.Milliseconds(), ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert call_log: %w", err)
	}
	return nil
}

func (j *Journal) recordExit(ctx context.Context, ev events.Event) error {
	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO worker_log(farm_id, worker_id, pid, exit_code, signal, exited_at)
VALUES(?, ?, ?, ?, ?, ?);
`, ev.FarmID, ev.WorkerID, ev.Pid, ev.ExitCode, ev.Signal, ev.At.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert worker_log: %w", err)
	}
	return nil
}
