package farm

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/metrics"
	"github.com/mattjoyce/workfarm/internal/process"
	"github.com/mattjoyce/workfarm/internal/protocol"
)

// State is a worker's lifecycle stage. Spawning happens synchronously on the
// loop, so a worker is first observed loading its module.
type State int

const (
	StateLoading State = iota
	StateAvailable
	StateBusy
	StateKilling
	StateKilled
)

var stateNames = [...]string{"loading", "available", "busy", "killing", "killed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// worker owns one child process. All fields are owned by the farm loop; the
// reader and writer goroutines only talk to the loop through post and send.
type worker struct {
	id     int
	farm   *Farm
	proc   process.Process
	pid    int
	logger *slog.Logger

	pendingCalls  int
	maxConcurrent int
	ttl           int

	moduleLoaded bool
	connected    bool
	disconnected bool
	exited       bool
	killing      bool
	killed       bool
	exitReason   string

	idleTimer *time.Timer
	idleGen   int
	killTimer *time.Timer
	killCh    chan struct{}

	// send feeds the writer goroutine. Its capacity covers the load request plus
	// one request per concurrent call, so the loop never blocks on it.
	send chan *protocol.Request

	spawnedAt time.Time
}

func newWorker(f *Farm, id int, proc process.Process) *worker {
	w := &worker{
		id:            id,
		farm:          f,
		proc:          proc,
		pid:           proc.Pid(),
		maxConcurrent: f.cfg.MaxConcurrentCallsPerWorker,
		ttl:           f.cfg.TTL,
		connected:     true,
		killCh:        make(chan struct{}),
		send:          make(chan *protocol.Request, f.cfg.MaxConcurrentCallsPerWorker+1),
		spawnedAt:     time.Now(),
	}
	w.logger = log.WithWorker(f.logger, id).With("pid", w.pid)
	return w
}

// start launches the I/O goroutines and sends the load handshake.
func (w *worker) start() {
	go w.writeLoop(w.proc.Stdin())
	go w.readLoop(w.proc.Stdout())
	w.send <- protocol.LoadRequest(w.farm.cfg.Module, w.farm.codec.Name())
}

func (w *worker) state() State {
	switch {
	case w.killed:
		return StateKilled
	case w.killing:
		return StateKilling
	case !w.moduleLoaded:
		return StateLoading
	case w.load() >= 1:
		return StateBusy
	default:
		return StateAvailable
	}
}

func (w *worker) load() float64 {
	return float64(w.pendingCalls) / float64(w.maxConcurrent)
}

func (w *worker) isAvailable() bool {
	return !w.killed && !w.killing && w.connected && w.moduleLoaded && w.ttl != 0 && w.load() < 1
}

// run hands c to the worker. It returns false, leaving c untouched, when the
// worker cannot take more work.
func (w *worker) run(c *call) bool {
	if !w.isAvailable() {
		return false
	}
	c.workerID = w.id
	c.attempt++
	w.pendingCalls++
	if w.ttl > 0 {
		w.ttl--
	}
	w.stopIdle()

	w.send <- &protocol.Request{
		Type:     protocol.TypeCall,
		CallID:   c.id,
		WorkerID: w.id,
		Method:   c.method,
		Args:     c.args,
	}
	return true
}

func (w *worker) writeLoop(stdin io.WriteCloser) {
	enc := protocol.NewEncoder(stdin)
	failed := false
	for req := range w.send {
		if failed {
			continue
		}
		if err := enc.EncodeRequest(req); err != nil {
			// The reader will observe the broken channel; keep draining.
			w.logger.Warn("failed to write to worker", "error", err)
			failed = true
		}
	}
	_ = stdin.Close()
}

func (w *worker) readLoop(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		rep, err := dec.DecodeReply()
		if err == nil {
			w.farm.post(func() { w.onReply(rep) })
			continue
		}
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			w.farm.post(func() { w.onMalformed(malformed) })
			continue
		}
		if !errors.Is(err, io.EOF) {
			w.farm.post(func() { w.onChannelError(err) })
		}
		break
	}

	// Whatever is left is unreadable; drain it so the child can exit.
	_, _ = io.Copy(io.Discard, stdout)
	w.farm.post(w.onDisconnect)

	status, err := w.proc.Wait()
	w.farm.post(func() { w.onExit(status, err) })
}

func (w *worker) onReply(rep *protocol.Reply) {
	w.farm.publish(events.Event{Kind: events.WorkerMessage, WorkerID: w.id, Pid: w.pid, CallID: rep.CallID})

	switch rep.Type {
	case protocol.TypeLoaded:
		w.onLoaded(rep)
	case protocol.TypeResult:
		w.onResult(rep)
	}
}

func (w *worker) onLoaded(rep *protocol.Reply) {
	if w.moduleLoaded || w.killing || w.killed {
		w.logger.Warn("unexpected load reply", "ok", rep.OK)
		return
	}
	if !rep.OK {
		w.logger.Error("worker failed to load module", "error", rep.Err.Message)
		w.farm.publish(events.Event{Kind: events.WorkerModuleLoadFailed, WorkerID: w.id, Pid: w.pid, Err: rep.Err.Message})
		w.retire(metrics.ExitCrash)
		return
	}

	w.moduleLoaded = true
	w.logger.Debug("module loaded")
	w.farm.publish(events.Event{Kind: events.WorkerModuleLoaded, WorkerID: w.id, Pid: w.pid})
	w.armIdle()
	w.farm.processQueue()
}

func (w *worker) onResult(rep *protocol.Reply) {
	if !w.moduleLoaded {
		w.logger.Warn("result before module load", "call_id", rep.CallID)
		return
	}
	if c, ok := w.farm.pending[rep.CallID]; ok && c.workerID == w.id {
		w.pendingCalls--
	}
	w.farm.receive(w, rep)

	if w.killing || w.killed || w.pendingCalls > 0 {
		return
	}
	if w.ttl == 0 {
		w.logger.Info("worker reached its call limit")
		w.farm.publish(events.Event{Kind: events.WorkerTTLExceeded, WorkerID: w.id, Pid: w.pid})
		w.retire(metrics.ExitTTL)
		return
	}
	w.armIdle()
}

func (w *worker) onMalformed(err *protocol.MalformedError) {
	w.logger.Warn("ignoring malformed reply", "error", err)
	w.farm.publish(events.Event{Kind: events.WorkerError, WorkerID: w.id, Pid: w.pid, Err: err.Error()})
}

func (w *worker) onChannelError(err error) {
	w.logger.Error("worker channel failed", "error", err)
	w.farm.publish(events.Event{Kind: events.WorkerError, WorkerID: w.id, Pid: w.pid, Err: err.Error()})
}

func (w *worker) onDisconnect() {
	w.connected = false
	w.disconnected = true
	w.farm.publish(events.Event{Kind: events.WorkerDisconnect, WorkerID: w.id, Pid: w.pid})

	if !w.killing && !w.exited {
		// The child closed its end without being asked. Give it the kill timeout to
		// exit on its own before forcing it.
		w.armKillTimer()
	}
	w.maybeKilled()
}

func (w *worker) onExit(status process.ExitStatus, err error) {
	w.exited = true
	if err != nil {
		w.logger.Error("failed waiting for worker", "error", err)
	}
	if !w.killing {
		w.logger.Warn("worker exited unexpectedly", "exit_code", status.Code, "signal", status.Signal)
	} else {
		w.logger.Debug("worker exited", "exit_code", status.Code, "signal", status.Signal)
	}
	w.farm.publish(events.Event{
		Kind:     events.WorkerExit,
		WorkerID: w.id,
		Pid:      w.pid,
		ExitCode: status.Code,
		Signal:   status.Signal,
	})
	w.maybeKilled()
}

// maybeKilled completes the lifecycle once the child has both exited and
// closed its channel.
func (w *worker) maybeKilled() {
	if w.killed || !w.exited || !w.disconnected {
		return
	}
	w.killed = true
	w.stopIdle()
	if w.killTimer != nil {
		w.killTimer.Stop()
		w.killTimer = nil
	}
	close(w.send)
	close(w.killCh)

	w.farm.publish(events.Event{Kind: events.WorkerClose, WorkerID: w.id, Pid: w.pid})
	if w.killing {
		w.farm.publish(events.Event{Kind: events.WorkerKilled, WorkerID: w.id, Pid: w.pid, Duration: time.Since(w.spawnedAt)})
	}
	if w.exitReason == "" {
		w.exitReason = metrics.ExitCrash
	}
	w.farm.rotateWorker(w)
}

// kill sends sig and escalates to SIGKILL after the farm's KillTimeout. The
// returned channel is closed once the worker is fully gone.
func (w *worker) kill(sig os.Signal) <-chan struct{} {
	if w.killing || w.killed {
		return w.killCh
	}
	w.killing = true
	w.connected = false
	w.stopIdle()
	if w.exitReason == "" {
		w.exitReason = metrics.ExitKilled
	}

	w.logger.Debug("killing worker", "signal", sig.String())
	if err := w.proc.Signal(sig); err != nil {
		w.logger.Warn("failed to signal worker", "signal", sig.String(), "error", err)
	}
	w.armKillTimer()
	return w.killCh
}

// retire kills the worker for a lifecycle reason rather than a failure.
func (w *worker) retire(reason string) {
	w.exitReason = reason
	w.kill(w.farm.killSignal)
}

func (w *worker) armKillTimer() {
	if w.killTimer != nil {
		return
	}
	w.killTimer = time.AfterFunc(w.farm.cfg.KillTimeout, func() {
		w.farm.post(w.forceKill)
	})
}

func (w *worker) forceKill() {
	w.killTimer = nil
	if w.exited || w.killed {
		return
	}
	w.logger.Warn("worker did not exit in time, sending SIGKILL", "kill_timeout", w.farm.cfg.KillTimeout)
	w.killing = true
	if err := w.proc.Kill(); err != nil {
		w.logger.Error("failed to kill worker", "error", err)
	}
}

func (w *worker) armIdle() {
	if w.farm.cfg.MaxIdleTime <= 0 || w.killing || w.killed {
		return
	}
	w.stopIdle()
	gen := w.idleGen
	w.idleTimer = time.AfterFunc(w.farm.cfg.MaxIdleTime, func() {
		w.farm.post(func() {
			if gen != w.idleGen || w.pendingCalls > 0 || w.killing || w.killed {
				return
			}
			w.logger.Info("worker idle for too long", "max_idle_time", w.farm.cfg.MaxIdleTime)
			w.farm.publish(events.Event{Kind: events.WorkerIdleExceeded, WorkerID: w.id, Pid: w.pid})
			w.retire(metrics.ExitIdle)
		})
	})
}

func (w *worker) stopIdle() {
	w.idleGen++
	if w.idleTimer != nil {
		w.idleTimer.Stop()
		w.idleTimer = nil
	}
}

func (w *worker) stats() WorkerStats {
	return WorkerStats{
		ID:           w.id,
		Pid:          w.pid,
		State:        w.state(),
		PendingCalls: w.pendingCalls,
		TTL:          w.ttl,
		SpawnedAt:    w.spawnedAt,
	}
}

var defaultKillSignal os.Signal = syscall.SIGTERM
