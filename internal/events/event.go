package events

import (
	"time"
)

// Kind tags an Event.
type Kind string

const (
	WorkerSpawned          Kind = "worker.spawned"
	WorkerMessage          Kind = "worker.message"
	WorkerExit             Kind = "worker.exit"
	WorkerClose            Kind = "worker.close"
	WorkerDisconnect       Kind = "worker.disconnect"
	WorkerError            Kind = "worker.error"
	WorkerKilled           Kind = "worker.killed"
	WorkerTTLExceeded      Kind = "worker.ttl_exceeded"
	WorkerIdleExceeded     Kind = "worker.idle_exceeded"
	WorkerModuleLoaded     Kind = "worker.module_loaded"
	WorkerModuleLoadFailed Kind = "worker.module_load_failed"
	CallDispatched         Kind = "call.dispatched"
	CallRetried            Kind = "call.retried"
	CallSettled            Kind = "call.settled"
	FarmKilled             Kind = "farm.killed"
)

// Outcome values for CallSettled events.
const (
	OutcomeResolved = "resolved"
	OutcomeRejected = "rejected"
)

// Event is a farm lifecycle notification. Which fields are meaningful depends on Kind.
type Event struct {
	ID       int64         `json:"id"`
	Kind     Kind          `json:"kind"`
	At       time.Time     `json:"at"`
	FarmID   string        `json:"farm_id"`
	WorkerID int           `json:"worker_id,omitempty"`
	Pid      int           `json:"pid,omitempty"`
	CallID   int64         `json:"call_id,omitempty"`
	Method   string        `json:"method,omitempty"`
	Retries  int           `json:"retries,omitempty"`
	Outcome  string        `json:"outcome,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	Err      string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}
