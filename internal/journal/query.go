package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Filter narrows Calls. Zero fields match everything.
type Filter struct {
	FarmID  string
	Outcome string
	Method  string
	Limit   int
}

const defaultLimit = 50

// Calls returns settled calls, newest first.
func (j *Journal) Calls(ctx context.Context, f Filter) ([]CallRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.FarmID != "" {
		where = append(where, "farm_id = ?")
		args = append(args, f.FarmID)
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if f.Method != "" {
		where = append(where, "method = ?")
		args = append(args, f.Method)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `
SELECT farm_id, call_id, worker_id, method, outcome, retries, error, duration_ms, settled_at
FROM call_log`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, " AND ")
	}
	query += "\nORDER BY settled_at DESC, call_id DESC\nLIMIT ?;"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query call_log: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var (
			rec        CallRecord
			errText    sql.NullString
			durationMS int64
			settledAt  string
		)
		if err := rows.Scan(&rec.FarmID, &rec.CallID, &rec.WorkerID, &rec.Method, &rec.Outcome,
			&rec.Retries, &errText, &durationMS, &settledAt); err != nil {
			return nil, fmt.Errorf("scan call_log: %w", err)
		}
		rec.Error = errText.String
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if rec.SettledAt, err = time.Parse(time.RFC3339Nano, settledAt); err != nil {
			return nil, fmt.Errorf("parse settled_at %q: %w", settledAt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summary aggregates outcomes for one farm, or all farms when FarmID is empty.
type Summary struct {
	Resolved     int           `json:"resolved"`
	Rejected     int           `json:"rejected"`
	Retries      int           `json:"retries"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
}

// Summarize returns outcome totals.
func (j *Journal) Summarize(ctx context.Context, farmID string) (Summary, error) {
	var (
		s    Summary
		mean sql.NullFloat64
	)
	err := j.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN outcome = 'resolved' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN outcome = 'rejected' THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(retries), 0),
  AVG(duration_ms)
FROM call_log
WHERE ? = '' OR farm_id = ?;
`, farmID, farmID).Scan(&s.Resolved, &s.Rejected, &s.Retries, &mean)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize call_log: %w", err)
	}
	if mean.Valid {
		s.MeanDuration = time.Duration(mean.Float64 * float64(time.Millisecond))
	}
	return s, nil
}

// WorkerExits returns recorded worker exits, newest first.
func (j *Journal) WorkerExits(ctx context.Context, farmID string, limit int) ([]WorkerExit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT farm_id, worker_id, pid, exit_code, signal, exited_at
FROM worker_log
WHERE ? = '' OR farm_id = ?
ORDER BY exited_at DESC, worker_id DESC
LIMIT ?;
`, farmID, farmID, limit)
	if err != nil {
		return nil, fmt.Errorf("query worker_log: %w", err)
	}
	defer rows.Close()

	var out []WorkerExit
	for rows.Next() {
		var (
			rec      WorkerExit
			signal   sql.NullString
			exitedAt string
		)
		if err := rows.Scan(&rec.FarmID, &rec.WorkerID, &rec.Pid, &rec.ExitCode, &signal, &exitedAt); err != nil {
			return nil, fmt.Errorf("scan worker_log: %w", err)
		}
		rec.Signal = signal.String
		if rec.ExitedAt, err = time.Parse(time.RFC3339Nano, exitedAt); err != nil {
			return nil, fmt.Errorf("parse exited_at %q: %w", exitedAt, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
