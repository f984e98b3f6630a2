package farm

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/workfarm/internal/protocol"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("call timed out")

	// ErrMaxConcurrentCalls is returned at admission when the farm is at capacity.
	// The call was not queued; the caller may try again later.
	ErrMaxConcurrentCalls = errors.New("too many concurrent calls")

	// ErrWorkerTerminated matches every *WorkerTerminatedError.
	ErrWorkerTerminated = errors.New("worker terminated")

	// ErrFarmKilled is returned for calls submitted to, or still pending on, a killed farm.
	ErrFarmKilled = errors.New("farm killed")
)

// TimeoutError reports a call that did not complete within its timeout.
type TimeoutError struct {
	CallID  int64
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call %d timed out after %s", e.CallID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CallMaxRetryError reports a call that failed on every allowed attempt.
type CallMaxRetryError struct {
	CallID  int64
	Retries int
	Cause   error
}

func (e *CallMaxRetryError) Error() string {
	return fmt.Sprintf("call %d failed after %d retries: %v", e.CallID, e.Retries, e.Cause)
}

func (e *CallMaxRetryError) Unwrap() error { return e.Cause }

// WorkerTerminatedError reports that the worker running a call exited first.
type WorkerTerminatedError struct {
	WorkerID int
}

func (e *WorkerTerminatedError) Error() string {
	return fmt.Sprintf("worker %d terminated", e.WorkerID)
}

func (e *WorkerTerminatedError) Unwrap() error { return ErrWorkerTerminated }

// RemoteError is an error raised inside a worker module.
type RemoteError struct {
	Kind    string // protocol.Kind*
	Name    string // concrete error type on the worker side
	Message string
	Stack   string
	Fields  map[string]any
}

func (e *RemoteError) Error() string {
	if e.Kind == protocol.KindApplication || e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

func remoteError(p *protocol.ErrorPayload) *RemoteError {
	return &RemoteError{
		Kind:    p.Kind,
		Name:    p.Name,
		Message: p.Message,
		Stack:   p.Stack,
		Fields:  p.Fields,
	}
}

// ErrWorkerNotFound is returned by KillWorker for an id not in the pool.
var ErrWorkerNotFound = errors.New("worker not found")
