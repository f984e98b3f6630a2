package farm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/metrics"
	"github.com/mattjoyce/workfarm/internal/process"
	"github.com/mattjoyce/workfarm/internal/serializer"
)

// Farm dispatches calls to a pool of worker processes.
type Farm struct {
	id         string
	cfg        config.Farm
	codec      serializer.Serializer
	spawner    process.Spawner
	spawnOpts  process.Options
	hub        *events.Hub
	metrics    *metrics.Collector
	logger     *slog.Logger
	killSignal os.Signal

	ctx    context.Context
	cancel context.CancelFunc

	ops      chan func()
	quit     chan struct{}
	dead     chan struct{}
	killOnce sync.Once

	// Owned by the loop goroutine.
	running      bool
	killing      bool
	workers      []*worker
	nextWorkerID int
	queue        []*call
	pending      map[int64]*call
	respawnTimer *time.Timer
}

// Option customizes a Farm.
type Option func(*Farm)

// WithSpawner replaces the os/exec based spawner.
func WithSpawner(s process.Spawner) Option {
	return func(f *Farm) { f.spawner = s }
}

// WithHub publishes farm events to h instead of a private hub.
func WithHub(h *events.Hub) Option {
	return func(f *Farm) { f.hub = h }
}

// WithMetrics records farm activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(f *Farm) { f.metrics = c }
}

// WithKillSignal sets the signal sent to workers before escalating to SIGKILL.
func WithKillSignal(sig os.Signal) Option {
	return func(f *Farm) { f.killSignal = sig }
}

// New validates cfg, starts the farm and spawns its workers. An invalid
// configuration is reported as a *config.ValidationError.
func New(cfg config.Farm, opts ...Option) (*Farm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := serializer.Lookup(cfg.Serializer)
	if err != nil {
		return nil, err
	}

	f := &Farm{
		id:           uuid.NewString(),
		cfg:          cfg,
		codec:        codec,
		spawner:      process.ExecSpawner{},
		killSignal:   defaultKillSignal,
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		dead:         make(chan struct{}),
		nextWorkerID: 1,
		pending:      make(map[int64]*call),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.hub == nil {
		f.hub = events.NewHub(256)
	}
	f.logger = log.WithFarm(f.id)
	f.spawnOpts = process.OptionsFromConfig(cfg, f.logger)
	f.ctx, f.cancel = context.WithCancel(context.Background())

	attrs := []any{"module", cfg.Module, "workers", cfg.NumberOfWorkers, "serializer", codec.Name()}
	if digest, err := config.ModuleDigest(cfg.Module); err == nil {
		attrs = append(attrs, "module_digest", digest)
	}
	f.logger.Info("starting farm", attrs...)

	go f.loop()
	f.do(func() {
		f.running = true
		f.createWorkers()
	})
	return f, nil
}

func (f *Farm) loop() {
	for {
		select {
		case op := <-f.ops:
			op()
			if f.running {
				f.metrics.SetSaturation(f.id, len(f.queue), len(f.pending), len(f.workers))
			}
		case <-f.quit:
			return
		}
	}
}

// post hands op to the loop. It returns false once the loop has stopped.
func (f *Farm) post(op func()) bool {
	select {
	case f.ops <- op:
		return true
	case <-f.quit:
		return false
	}
}

// do runs op on the loop and waits for it to finish.
func (f *Farm) do(op func()) bool {
	done := make(chan struct{})
	if !f.post(func() {
		defer close(done)
		op()
	}) {
		return false
	}
	<-done
	return true
}

func (f *Farm) publish(ev events.Event) {
	ev.FarmID = f.id
	f.hub.Publish(ev)
}

// ID returns the farm's unique id.
func (f *Farm) ID() string { return f.id }

// Config returns the configuration the farm was created with.
func (f *Farm) Config() config.Farm { return f.cfg }

// Events returns the hub the farm publishes lifecycle events to.
func (f *Farm) Events() *events.Hub { return f.hub }

// Done is closed once Kill has fully completed.
func (f *Farm) Done() <-chan struct{} { return f.dead }

// Run calls the module's default function and waits for the outcome.
func (f *Farm) Run(ctx context.Context, args ...any) (Result, error) {
	return f.GoMethod("", args...).Wait(ctx)
}

// RunMethod calls a named module function and waits for the outcome.
func (f *Farm) RunMethod(ctx context.Context, method string, args ...any) (Result, error) {
	return f.GoMethod(method, args...).Wait(ctx)
}

// Go submits a call to the module's default function.
func (f *Farm) Go(args ...any) *Future {
	return f.GoMethod("", args...)
}

// GoMethod submits a call to a named module function. Admission failures such as
// ErrMaxConcurrentCalls are reported through the returned Future.
func (f *Farm) GoMethod(method string, args ...any) *Future {
	encoded, err := f.encodeArgs(args)
	if err != nil {
		return failedFuture(err)
	}
	c := f.newCall(method, encoded, 0)
	if !f.post(func() { f.admit(c) }) {
		c.future.settle(Result{}, ErrFarmKilled)
	}
	return c.future
}

// Broadcast calls the default function once on every current worker.
func (f *Farm) Broadcast(ctx context.Context, args ...any) (Outcomes, error) {
	return f.BroadcastMethod(ctx, "", args...)
}

// BroadcastMethod calls method once on every current worker and waits for all of
// them. Each worker's failure is reported in its Outcome; the returned error is
// only set when the broadcast itself could not complete.
func (f *Farm) BroadcastMethod(ctx context.Context, method string, args ...any) (Outcomes, error) {
	encoded, err := f.encodeArgs(args)
	if err != nil {
		return nil, err
	}

	var (
		calls   []*call
		running bool
	)
	if !f.do(func() {
		running = f.running
		if !running {
			return
		}
		for _, w := range f.workers {
			if w.killing || w.killed {
				continue
			}
			c := f.newCall(method, encoded, w.id)
			calls = append(calls, c)
			f.admit(c)
		}
	}) || !running {
		return nil, ErrFarmKilled
	}

	out := make(Outcomes, len(calls))
	for i, c := range calls {
		select {
		case <-c.future.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		out[i] = Outcome{WorkerID: c.pinned, Result: c.future.res, Err: c.future.err}
	}
	return out, nil
}

// CreateWorkers tops the pool up to NumberOfWorkers. It does nothing on a
// killed farm.
func (f *Farm) CreateWorkers() {
	f.do(f.createWorkers)
}

// KillWorker kills one worker and waits until it is gone. Its pending calls are
// handled as for any other worker exit and a replacement is spawned.
func (f *Farm) KillWorker(ctx context.Context, id int) error {
	var ch <-chan struct{}
	if !f.do(func() {
		if w := f.worker(id); w != nil {
			ch = w.kill(f.killSignal)
		}
	}) {
		return ErrFarmKilled
	}
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrWorkerNotFound, id)
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill stops the farm: queued and pending calls fail with ErrFarmKilled and every
// worker is killed. It is safe to call more than once; every call waits for the
// same shutdown.
func (f *Farm) Kill(ctx context.Context) error {
	f.killOnce.Do(func() {
		var waits []<-chan struct{}
		if f.do(func() { waits = f.beginKill() }) {
			go f.teardown(waits)
		}
	})

	select {
	case <-f.dead:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Farm) beginKill() []<-chan struct{} {
	f.logger.Info("killing farm", "workers", len(f.workers), "queued", len(f.queue), "pending", len(f.pending))
	f.running = false
	f.killing = true
	if f.respawnTimer != nil {
		f.respawnTimer.Stop()
		f.respawnTimer = nil
	}

	queued := f.queue
	f.queue = nil
	for _, c := range queued {
		f.fail(c, ErrFarmKilled)
	}
	for _, c := range f.pendingByID() {
		f.fail(c, ErrFarmKilled)
	}

	waits := make([]<-chan struct{}, 0, len(f.workers))
	for _, w := range f.workers {
		waits = append(waits, w.kill(f.killSignal))
	}
	return waits
}

func (f *Farm) teardown(waits []<-chan struct{}) {
	for _, ch := range waits {
		<-ch
	}
	f.do(func() {
		f.publish(events.Event{Kind: events.FarmKilled})
		f.metrics.Forget(f.id)
		f.logger.Info("farm killed")
		close(f.quit)
	})
	f.cancel()
	close(f.dead)
}

func (f *Farm) encodeArgs(args []any) ([][]byte, error) {
	out := make([][]byte, len(args))
	for i, a := range args {
		b, err := f.codec.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
