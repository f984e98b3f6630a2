package farm

import (
	"context"
	"errors"

	"github.com/mattjoyce/workfarm/internal/serializer"
)

// Result is a call's encoded return value.
type Result struct {
	raw   []byte
	codec serializer.Serializer
}

// Decode unmarshals the result into v.
func (r Result) Decode(v any) error {
	if r.codec == nil {
		return errors.New("empty result")
	}
	return r.codec.Decode(r.raw, v)
}

// Value decodes the result into the serializer's generic representation.
func (r Result) Value() (any, error) {
	var v any
	if err := r.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Raw returns the encoded bytes as produced by the worker.
func (r Result) Raw() []byte { return r.raw }

// Future is the eventual outcome of one call.
type Future struct {
	id   int64
	done chan struct{}
	res  Result
	err  error
}

func newFuture(id int64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture(0)
	f.settle(Result{}, err)
	return f
}

// ID returns the call id, or 0 if the call was never created.
func (f *Future) ID() int64 { return f.id }

// Done is closed once the call has a terminal outcome.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the call settles or ctx ends. Cancelling ctx only stops the
// wait; the call keeps running.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) settle(res Result, err error) {
	f.res, f.err = res, err
	close(f.done)
}

// Outcome is one worker's answer to a broadcast.
type Outcome struct {
	WorkerID int
	Result   Result
	Err      error
}

// Outcomes holds every worker's answer to a broadcast, failures included.
type Outcomes []Outcome

// Partition splits outcomes into successes and failures, preserving order.
func (o Outcomes) Partition() (ok, failed Outcomes) {
	for _, out := range o {
		if out.Err != nil {
			failed = append(failed, out)
		} else {
			ok = append(ok, out)
		}
	}
	return ok, failed
}
