package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/workfarm/internal/protocol"
	"github.com/mattjoyce/workfarm/internal/serializer"
)

type quotaError struct{ limit int }

func (e *quotaError) Error() string          { return "quota exceeded" }
func (e *quotaError) Fields() map[string]any { return map[string]any{"limit": e.limit} }

func testModule() Module {
	return Module{
		Default: func(_ context.Context, args Args) (any, error) {
			var s string
			if err := args.Decode(0, &s); err != nil {
				return nil, err
			}
			return "echo:" + s, nil
		},
		Methods: map[string]Func{
			"add": func(_ context.Context, args Args) (any, error) {
				sum := 0
				for i := 0; i < args.Len(); i++ {
					var n int
					if err := args.Decode(i, &n); err != nil {
						return nil, err
					}
					sum += n
				}
				return sum, nil
			},
			"fail": func(context.Context, Args) (any, error) {
				return nil, &quotaError{limit: 3}
			},
			"traced": func(context.Context, Args) (any, error) {
				return nil, fmt.Errorf("lookup: %w", WithStack(&quotaError{limit: 5}))
			},
			"boom": func(context.Context, Args) (any, error) {
				panic("kaboom")
			},
		},
	}
}

// serve runs Serve over the given requests and returns replies keyed by call id.
// The load reply is stored under key 0.
func serve(t *testing.T, m Module, reqs ...*protocol.Request) map[int64]*protocol.Reply {
	t.Helper()
	var in bytes.Buffer
	enc := protocol.NewEncoder(&in)
	for _, req := range reqs {
		require.NoError(t, enc.EncodeRequest(req))
	}

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), m, &in, &out))

	replies := make(map[int64]*protocol.Reply)
	dec := protocol.NewDecoder(&out)
	for {
		rep, err := dec.DecodeReply()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		replies[rep.CallID] = rep
	}
	return replies
}

func encodeArgs(t *testing.T, codec serializer.Serializer, args ...any) [][]byte {
	t.Helper()
	out := make([][]byte, len(args))
	for i, a := range args {
		b, err := codec.Encode(a)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestServeCalls(t *testing.T) {
	for _, name := range serializer.Names() {
		t.Run(name, func(t *testing.T) {
			codec, err := serializer.Lookup(name)
			require.NoError(t, err)

			replies := serve(t, testModule(),
				protocol.LoadRequest("/bin/worker", name),
				&protocol.Request{Type: protocol.TypeCall, CallID: 1, WorkerID: 1, Args: encodeArgs(t, codec, "hi")},
				&protocol.Request{Type: protocol.TypeCall, CallID: 2, WorkerID: 1, Method: "add", Args: encodeArgs(t, codec, 1, 2, 3)},
			)
			require.Len(t, replies, 3)

			loaded := replies[0]
			assert.Equal(t, protocol.TypeLoaded, loaded.Type)
			assert.True(t, loaded.OK)

			var s string
			require.Nil(t, replies[1].Err)
			require.NoError(t, codec.Decode(replies[1].Res, &s))
			assert.Equal(t, "echo:hi", s)

			var sum int
			require.Nil(t, replies[2].Err)
			require.NoError(t, codec.Decode(replies[2].Res, &sum))
			assert.Equal(t, 6, sum)
		})
	}
}

func TestServeErrors(t *testing.T) {
	replies := serve(t, testModule(),
		protocol.LoadRequest("/bin/worker", "json"),
		&protocol.Request{Type: protocol.TypeCall, CallID: 1, Method: "fail"},
		&protocol.Request{Type: protocol.TypeCall, CallID: 2, Method: "boom"},
		&protocol.Request{Type: protocol.TypeCall, CallID: 3, Method: "missing"},
		&protocol.Request{Type: protocol.TypeCall, CallID: 4, Method: "add", Args: [][]byte{[]byte(`"x"`)}},
	)

	tests := []struct {
		callID  int64
		kind    string
		message string
	}{
		{1, protocol.KindApplication, "quota exceeded"},
		{2, protocol.KindPanic, "kaboom"},
		{3, protocol.KindMethodNotFound, `method "missing" not found`},
		{4, protocol.KindApplication, "decode argument 0"},
	}
	for _, tt := range tests {
		rep := replies[tt.callID]
		require.NotNil(t, rep, "call %d", tt.callID)
		require.NotNil(t, rep.Err, "call %d", tt.callID)
		assert.Equal(t, tt.kind, rep.Err.Kind, "call %d", tt.callID)
		assert.Contains(t, rep.Err.Message, tt.message, "call %d", tt.callID)
		assert.Nil(t, rep.Res)
	}

	assert.Equal(t, "*executor.quotaError", replies[1].Err.Name)
	assert.Equal(t, map[string]any{"limit": float64(3)}, replies[1].Err.Fields)
	assert.Contains(t, replies[2].Err.Stack, "runtime/debug.Stack")
	assert.Empty(t, replies[1].Err.Stack)
}

func TestServeRelaysErrorStack(t *testing.T) {
	replies := serve(t, testModule(),
		protocol.LoadRequest("/bin/worker", "json"),
		&protocol.Request{Type: protocol.TypeCall, CallID: 1, Method: "traced"},
	)

	rep := replies[1]
	require.NotNil(t, rep.Err)
	assert.Equal(t, protocol.KindApplication, rep.Err.Kind)
	assert.Equal(t, "lookup: quota exceeded", rep.Err.Message)
	assert.Equal(t, map[string]any{"limit": float64(5)}, rep.Err.Fields)
	assert.Contains(t, rep.Err.Stack, "executor.WithStack")
}

func TestWithStackNil(t *testing.T) {
	assert.NoError(t, WithStack(nil))
}

func TestServeCallBeforeLoad(t *testing.T) {
	replies := serve(t, testModule(),
		&protocol.Request{Type: protocol.TypeCall, CallID: 7},
	)
	require.NotNil(t, replies[7].Err)
	assert.Equal(t, protocol.KindModuleNotLoaded, replies[7].Err.Kind)
}

func TestServeLoadFailures(t *testing.T) {
	failing := testModule()
	failing.Init = func(context.Context) error { return errors.New("missing model file") }

	tests := []struct {
		name    string
		module  Module
		req     *protocol.Request
		kind    string
		message string
	}{
		{
			name:    "unknown serializer",
			module:  testModule(),
			req:     protocol.LoadRequest("/bin/worker", "xml"),
			kind:    protocol.KindApplication,
			message: `unknown serializer "xml"`,
		},
		{
			name:    "init error",
			module:  failing,
			req:     protocol.LoadRequest("/bin/worker", "json"),
			kind:    protocol.KindApplication,
			message: "missing model file",
		},
		{
			name:    "protocol mismatch",
			module:  testModule(),
			req:     &protocol.Request{Type: protocol.TypeLoad, Protocol: 99, Module: "/bin/worker"},
			kind:    protocol.KindBadRequest,
			message: "unsupported protocol version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in bytes.Buffer
			// Bypass encoder validation so mismatched requests reach the worker.
			require.NoError(t, writeRaw(&in, tt.req))

			var out bytes.Buffer
			require.NoError(t, Serve(context.Background(), tt.module, &in, &out))

			rep, err := protocol.NewDecoder(&out).DecodeReply()
			require.NoError(t, err)
			assert.Equal(t, protocol.TypeLoaded, rep.Type)
			assert.False(t, rep.OK)
			require.NotNil(t, rep.Err)
			assert.Equal(t, tt.kind, rep.Err.Kind)
			assert.Contains(t, rep.Err.Message, tt.message)
		})
	}
}

func TestArgsDecodeOutOfRange(t *testing.T) {
	args := NewArgs(nil, serializer.JSON{})
	var v any
	assert.Error(t, args.Decode(0, &v))
	assert.Equal(t, 0, args.Len())
}

func writeRaw(w io.Writer, req *protocol.Request) error {
	return json.NewEncoder(w).Encode(req)
}
