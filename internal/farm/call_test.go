package farm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/protocol"
	"github.com/mattjoyce/workfarm/internal/serializer"
)

func TestCallIDsIncrease(t *testing.T) {
	a := newCall("", nil, 0)
	b := newCall("", nil, 0)
	assert.Greater(t, b.id, a.id)
	assert.Equal(t, a.id, a.future.ID())
}

func TestCallSettlesOnce(t *testing.T) {
	var resolved, rejected int
	c := newCall("", nil, 0)
	c.onResolve = func(Result) { resolved++ }
	c.onReject = func(error) { rejected++ }

	c.resolve(Result{})
	c.resolve(Result{})
	c.reject(errors.New("late"))

	assert.Equal(t, 1, resolved)
	assert.Equal(t, 0, rejected)
	assert.True(t, c.resolved)
	assert.False(t, c.rejected)
}

func TestCallRetryIsTheOnlyBackEdge(t *testing.T) {
	var rejected int
	c := newCall("m", nil, 0)
	c.onReject = func(error) { rejected++ }
	c.workerID = 4

	c.reject(errors.New("first"))
	c.reject(errors.New("ignored"))
	require.Equal(t, 1, rejected)

	c.retry()
	assert.Equal(t, 1, c.retries)
	assert.Zero(t, c.workerID)
	assert.False(t, c.settled())

	c.reject(errors.New("second"))
	assert.Equal(t, 2, rejected)
}

// syncPost runs posted ops inline on a single goroutine.
func syncPost() (func(func()) bool, chan func()) {
	ops := make(chan func(), 8)
	return func(op func()) bool { ops <- op; return true }, ops
}

func TestCallTimeout(t *testing.T) {
	post, ops := syncPost()

	var got error
	timedOut := false
	c := newCall("", nil, 20*time.Millisecond)
	c.onReject = func(err error) { got = err }
	c.attempt = 1
	c.launchTimeout(post, func() { timedOut = true })

	select {
	case op := <-ops:
		op()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}

	require.ErrorIs(t, got, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, got, &te)
	assert.Equal(t, c.id, te.CallID)
	assert.True(t, timedOut)
}

func TestCallTimeoutIgnoresStaleAttempt(t *testing.T) {
	post, ops := syncPost()

	rejected := false
	c := newCall("", nil, 10*time.Millisecond)
	c.onReject = func(error) { rejected = true }
	c.attempt = 1
	c.launchTimeout(post, func() {})
	timer := c.timer

	// The attempt moves on before the firing is processed.
	c.attempt = 2
	c.timer = nil
	op := <-ops
	op()
	timer.Stop()

	assert.False(t, rejected)
}

func TestCallWithoutTimeoutArmsNoTimer(t *testing.T) {
	c := newCall("", nil, 0)
	c.launchTimeout(func(func()) bool { t.Fatal("posted"); return false }, func() {})
	assert.Nil(t, c.timer)
}

// loopless returns a running farm with no loop goroutine and no workers, for
// driving loop-owned methods directly.
func loopless(cfg config.Farm) *Farm {
	return &Farm{
		id:           "test",
		cfg:          cfg,
		codec:        serializer.JSON{},
		hub:          events.NewHub(16),
		logger:       log.WithFarm("test"),
		killSignal:   defaultKillSignal,
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		dead:         make(chan struct{}),
		pending:      make(map[int64]*call),
		nextWorkerID: 1,
		running:      true,
	}
}

func isDone(fut *Future) bool {
	select {
	case <-fut.Done():
		return true
	default:
		return false
	}
}

func TestFailurePolicy(t *testing.T) {
	appErr := &RemoteError{Kind: protocol.KindApplication, Message: "boom"}

	tests := []struct {
		name       string
		maxRetries int
		retries    int
		pinned     int
		err        error
		wantQueued bool
		check      func(t *testing.T, err error)
	}{
		{
			name:       "timeout is terminal",
			maxRetries: config.Unbounded,
			err:        &TimeoutError{CallID: 1, Timeout: time.Second},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
		{
			name:       "pinned worker gone is terminal",
			maxRetries: config.Unbounded,
			pinned:     7,
			err:        &WorkerTerminatedError{WorkerID: 7},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrWorkerTerminated)
			},
		},
		{
			name:       "no retries returns raw error",
			maxRetries: 0,
			err:        appErr,
			check: func(t *testing.T, err error) {
				assert.Same(t, appErr, err)
			},
		},
		{
			name:       "exhausted retries wrap the cause",
			maxRetries: 2,
			retries:    2,
			err:        appErr,
			check: func(t *testing.T, err error) {
				var mr *CallMaxRetryError
				require.ErrorAs(t, err, &mr)
				assert.Equal(t, 2, mr.Retries)
				assert.Same(t, appErr, mr.Cause)
			},
		},
		{
			name:       "retry budget left",
			maxRetries: 2,
			retries:    1,
			err:        appErr,
			wantQueued: true,
		},
		{
			name:       "unbounded retries",
			maxRetries: config.Unbounded,
			retries:    100,
			err:        &WorkerTerminatedError{WorkerID: 1},
			wantQueued: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultFarm()
			cfg.MaxRetries = tt.maxRetries
			f := loopless(cfg)

			queued := f.newCall("", nil, 0)
			f.queue = append(f.queue, queued)

			c := f.newCall("", nil, tt.pinned)
			c.retries = tt.retries
			c.workerID = 1
			f.pending[c.id] = c

			c.reject(tt.err)
			assert.NotContains(t, f.pending, c.id)

			if tt.wantQueued {
				require.Len(t, f.queue, 2)
				assert.Same(t, c, f.queue[0], "retries go to the head of the queue")
				assert.Equal(t, tt.retries+1, c.retries)
				assert.Zero(t, c.workerID)
				assert.False(t, isDone(c.future))
				return
			}

			require.True(t, isDone(c.future))
			assert.Equal(t, []*call{queued}, f.queue)
			tt.check(t, c.future.err)
		})
	}
}

func TestAdmissionAtCapacity(t *testing.T) {
	cfg := config.DefaultFarm()
	cfg.MaxConcurrentCalls = 2
	f := loopless(cfg)

	first, second, third := f.newCall("", nil, 0), f.newCall("", nil, 0), f.newCall("", nil, 0)
	f.admit(first)
	f.admit(second)
	require.Len(t, f.queue, 2)

	f.admit(third)
	assert.Len(t, f.queue, 2)
	assert.Empty(t, f.pending)
	require.True(t, isDone(third.future))
	assert.ErrorIs(t, third.future.err, ErrMaxConcurrentCalls)
}

func TestReceiveUnknownCallIsIgnored(t *testing.T) {
	f := loopless(config.DefaultFarm())
	c := f.newCall("", nil, 0)
	c.workerID = 1
	f.pending[c.id] = c

	w := &worker{id: 2, farm: f, logger: f.logger}
	assert.NotPanics(t, func() {
		f.receive(w, &protocol.Reply{Type: protocol.TypeResult, CallID: 424242})
		// A reply for a call bound to another worker is equally bogus.
		f.receive(w, &protocol.Reply{Type: protocol.TypeResult, CallID: c.id})
	})
	assert.Contains(t, f.pending, c.id)
	assert.False(t, isDone(c.future))
}

func TestReceiveSettlesCall(t *testing.T) {
	f := loopless(config.DefaultFarm())
	w := &worker{id: 1, farm: f, logger: f.logger}

	ok := f.newCall("", nil, 0)
	ok.workerID = 1
	f.pending[ok.id] = ok
	f.receive(w, &protocol.Reply{Type: protocol.TypeResult, CallID: ok.id, Res: []byte(`{"n":1}`)})

	require.True(t, isDone(ok.future))
	require.NoError(t, ok.future.err)
	var out struct{ N int }
	require.NoError(t, ok.future.res.Decode(&out))
	assert.Equal(t, 1, out.N)

	f.cfg.MaxRetries = 0
	bad := f.newCall("", nil, 0)
	bad.workerID = 1
	f.pending[bad.id] = bad
	f.receive(w, &protocol.Reply{Type: protocol.TypeResult, CallID: bad.id, Err: &protocol.ErrorPayload{
		Kind:    protocol.KindPanic,
		Name:    "panic",
		Message: "index out of range",
		Stack:   "goroutine 7 [running]:",
	}})

	require.True(t, isDone(bad.future))
	var remote *RemoteError
	require.ErrorAs(t, bad.future.err, &remote)
	assert.Equal(t, protocol.KindPanic, remote.Kind)
	assert.Equal(t, "goroutine 7 [running]:", remote.Stack)
	assert.Equal(t, "panic: index out of range", remote.Error())
	assert.Empty(t, f.pending)
}

func TestOutcomesPartition(t *testing.T) {
	out := Outcomes{
		{WorkerID: 1},
		{WorkerID: 2, Err: errors.New("x")},
		{WorkerID: 3},
	}
	ok, failed := out.Partition()
	assert.Len(t, ok, 2)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].WorkerID)
}

func TestStateText(t *testing.T) {
	b, err := StateBusy.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "busy", string(b))
	assert.Equal(t, "unknown", State(99).String())
}

func TestStateTextRoundTrip(t *testing.T) {
	for _, s := range []State{StateLoading, StateAvailable, StateBusy, StateKilling, StateKilled} {
		t.Run(s.String(), func(t *testing.T) {
			b, err := s.MarshalText()
			require.NoError(t, err)
			var got State
			require.NoError(t, got.UnmarshalText(b))
			assert.Equal(t, s, got)
		})
	}

	var st State
	assert.Error(t, st.UnmarshalText([]byte("spawning")))

	var ws WorkerStats
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"state":"busy"}`), &ws))
	assert.Equal(t, StateBusy, ws.State)
}
