// Package executor is the worker side of the farm protocol. A worker module is an
// ordinary Go binary whose main function hands a Module to Main.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/protocol"
	"github.com/mattjoyce/workfarm/internal/serializer"
)

// Func is a callable exported by a worker module.
type Func func(ctx context.Context, args Args) (any, error)

// Module is the set of functions a worker exposes. Default answers calls that
// name no method.
type Module struct {
	Default Func
	Methods map[string]Func

	// Init runs once when the farm asks the worker to load. An error is reported
	// back as a failed load and the worker never receives calls.
	Init func(ctx context.Context) error
}

func (m Module) lookup(method string) (Func, bool) {
	if method == "" {
		return m.Default, m.Default != nil
	}
	fn, ok := m.Methods[method]
	return fn, ok
}

// Args gives typed access to the encoded call arguments.
type Args struct {
	raw   [][]byte
	codec serializer.Serializer
}

// NewArgs wraps already-encoded arguments.
func NewArgs(raw [][]byte, codec serializer.Serializer) Args {
	return Args{raw: raw, codec: codec}
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a.raw) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a.raw) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(a.raw))
	}
	if err := a.codec.Decode(a.raw[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// Fielder is implemented by errors that carry structured data back to the caller.
type Fielder interface {
	Fields() map[string]any
}

// Stacker is implemented by errors that know the stack they were raised from.
type Stacker interface {
	Stack() string
}

// WithStack records the calling goroutine's stack on err so it is relayed to the
// caller along with the message.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stackError{err: err, stack: string(debug.Stack())}
}

type stackError struct {
	err   error
	stack string
}

func (e *stackError) Error() string { return e.err.Error() }
func (e *stackError) Unwrap() error { return e.err }
func (e *stackError) Stack() string { return e.stack }

// Serve answers requests from in until it reaches end of input. Calls run
// concurrently; replies are written to out as they complete. Serve returns after
// every started call has replied.
func Serve(ctx context.Context, m Module, in io.Reader, out io.Writer) error {
	logger := log.WithComponent("executor")
	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	var (
		wg    sync.WaitGroup
		codec serializer.Serializer
	)
	defer wg.Wait()

	for {
		req, err := dec.DecodeRequest()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			logger.Warn("dropping malformed request", "error", err)
			if req != nil && req.Type == protocol.TypeLoad {
				reply(logger, enc, &protocol.Reply{
					Type: protocol.TypeLoaded,
					Err:  payload(protocol.KindBadRequest, malformed.Err),
				})
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}

		switch req.Type {
		case protocol.TypeLoad:
			c, err := load(ctx, m, req)
			if err != nil {
				logger.Error("module load failed", "error", err)
				reply(logger, enc, &protocol.Reply{Type: protocol.TypeLoaded, Err: payload(protocol.KindApplication, err)})
				continue
			}
			codec = c
			logger.Debug("module loaded", "serializer", c.Name())
			reply(logger, enc, &protocol.Reply{Type: protocol.TypeLoaded, OK: true})

		case protocol.TypeCall:
			if codec == nil {
				reply(logger, enc, &protocol.Reply{
					Type:   protocol.TypeResult,
					CallID: req.CallID,
					Err:    payload(protocol.KindModuleNotLoaded, errors.New("call received before module load")),
				})
				continue
			}
			wg.Add(1)
			go func(req *protocol.Request, codec serializer.Serializer) {
				defer wg.Done()
				reply(logger, enc, call(ctx, m, codec, req))
			}(req, codec)
		}
	}
}

func load(ctx context.Context, m Module, req *protocol.Request) (serializer.Serializer, error) {
	codec, err := serializer.Lookup(req.Serializer)
	if err != nil {
		return nil, err
	}
	if m.Init != nil {
		if err := m.Init(ctx); err != nil {
			return nil, err
		}
	}
	return codec, nil
}

func call(ctx context.Context, m Module, codec serializer.Serializer, req *protocol.Request) (rep *protocol.Reply) {
	rep = &protocol.Reply{Type: protocol.TypeResult, CallID: req.CallID}

	fn, ok := m.lookup(req.Method)
	if !ok {
		rep.Err = payload(protocol.KindMethodNotFound, fmt.Errorf("method %q not found", req.Method))
		return rep
	}

	defer func() {
		if r := recover(); r != nil {
			rep.Res = nil
			rep.Err = &protocol.ErrorPayload{
				Kind:    protocol.KindPanic,
				Name:    "panic",
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()

	res, err := fn(ctx, NewArgs(req.Args, codec))
	if err != nil {
		rep.Err = payload(protocol.KindApplication, err)
		return rep
	}

	data, err := codec.Encode(res)
	if err != nil {
		rep.Err = payload(protocol.KindApplication, fmt.Errorf("encode result: %w", err))
		return rep
	}
	rep.Res = data
	return rep
}

func payload(kind string, err error) *protocol.ErrorPayload {
	named := err
	if se, ok := err.(*stackError); ok {
		named = se.err
	}
	p := &protocol.ErrorPayload{
		Kind:    kind,
		Name:    fmt.Sprintf("%T", named),
		Message: err.Error(),
	}
	if p.Message == "" {
		p.Message = p.Name
	}
	var f Fielder
	if errors.As(err, &f) {
		p.Fields = f.Fields()
	}
	var st Stacker
	if errors.As(err, &st) {
		p.Stack = st.Stack()
	}
	return p
}

func reply(logger *slog.Logger, enc *protocol.Encoder, rep *protocol.Reply) {
	if err := enc.EncodeReply(rep); err != nil {
		logger.Error("failed to write reply", "call_id", rep.CallID, "error", err)
	}
}
