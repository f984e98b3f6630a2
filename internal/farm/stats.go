package farm

import "time"

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	ID           int       `json:"id"`
	Pid          int       `json:"pid"`
	State        State     `json:"state"`
	PendingCalls int       `json:"pending_calls"`
	TTL          int       `json:"ttl"` // remaining calls, -1 when unbounded
	SpawnedAt    time.Time `json:"spawned_at"`
}

// Stats is a point-in-time view of a farm.
type Stats struct {
	FarmID       string        `json:"farm_id"`
	Running      bool          `json:"running"`
	QueueLength  int           `json:"queue_length"`
	PendingCalls int           `json:"pending_calls"`
	Workers      []WorkerStats `json:"workers"`
}

// Stats snapshots the farm. A killed farm reports Running false and no workers.
func (f *Farm) Stats() Stats {
	st := Stats{FarmID: f.id}
	f.do(func() {
		st.Running = f.running
		st.QueueLength = len(f.queue)
		st.PendingCalls = len(f.pending)
		st.Workers = make([]WorkerStats, 0, len(f.workers))
		for _, w := range f.workers {
			st.Workers = append(st.Workers, w.stats())
		}
	})
	return st
}
