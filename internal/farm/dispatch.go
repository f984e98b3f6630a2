package farm

import (
	"cmp"
	"errors"
	"slices"
	"time"

	"github.com/mattjoyce/workfarm/internal/config"
	"github.com/mattjoyce/workfarm/internal/events"
	"github.com/mattjoyce/workfarm/internal/log"
	"github.com/mattjoyce/workfarm/internal/protocol"
)

// Everything in this file runs on the loop goroutine.

func (f *Farm) newCall(method string, args [][]byte, pinned int) *call {
	c := newCall(method, args, f.cfg.Timeout)
	c.pinned = pinned
	c.onResolve = func(res Result) { f.finish(c, res, nil) }
	c.onReject = func(err error) { f.handleFailure(c, err) }
	return c
}

// admit queues c unless the farm is stopped or at capacity. A refused call is
// failed without touching the queue or the pending set.
func (f *Farm) admit(c *call) {
	if !f.running {
		f.fail(c, ErrFarmKilled)
		return
	}
	if f.cfg.MaxConcurrentCalls != config.Unbounded && len(f.queue)+len(f.pending) >= f.cfg.MaxConcurrentCalls {
		f.metrics.RecordReject(f.id, "max_concurrent_calls")
		f.fail(c, ErrMaxConcurrentCalls)
		return
	}
	f.queue = append(f.queue, c)
	f.metrics.RecordSubmit(f.id)
	f.processQueue()
}

// processQueue places queued calls on workers in FIFO order. Pinned calls wait
// for their own worker; the rest go to the least-loaded available worker.
func (f *Farm) processQueue() {
	if !f.running {
		return
	}
	exhausted := false
	for i := 0; i < len(f.queue); {
		c := f.queue[i]

		var w *worker
		if c.pinned != 0 {
			w = f.worker(c.pinned)
			if w == nil || w.killing || w.killed {
				f.queue = slices.Delete(f.queue, i, i+1)
				f.fail(c, &WorkerTerminatedError{WorkerID: c.pinned})
				continue
			}
		} else if !exhausted {
			if w = f.leastLoaded(); w == nil {
				exhausted = true
				if !hasPinned(f.queue[i:]) {
					return
				}
			}
		}

		if w == nil || !w.run(c) {
			i++
			continue
		}
		f.queue = slices.Delete(f.queue, i, i+1)
		f.dispatched(w, c)
	}
}

func hasPinned(calls []*call) bool {
	return slices.ContainsFunc(calls, func(c *call) bool { return c.pinned != 0 })
}

func (f *Farm) leastLoaded() *worker {
	var best *worker
	for _, w := range f.workers {
		if !w.isAvailable() {
			continue
		}
		if best == nil || w.load() < best.load() {
			best = w
		}
	}
	return best
}

func (f *Farm) dispatched(w *worker, c *call) {
	f.pending[c.id] = c
	workerID := w.id
	c.launchTimeout(f.post, func() { f.onCallTimeout(workerID) })

	f.metrics.RecordDispatch(f.id)
	f.publish(events.Event{
		Kind:     events.CallDispatched,
		WorkerID: w.id,
		Pid:      w.pid,
		CallID:   c.id,
		Method:   c.method,
		Retries:  c.retries,
	})
}

// onCallTimeout kills the worker that let a call time out. The call itself has
// already been rejected.
func (f *Farm) onCallTimeout(workerID int) {
	w := f.worker(workerID)
	if w == nil {
		return
	}
	w.logger.Warn("call timed out, killing worker")
	w.kill(f.killSignal)
}

// receive settles the pending call a worker replied to.
func (f *Farm) receive(w *worker, rep *protocol.Reply) {
	c, ok := f.pending[rep.CallID]
	if !ok || c.workerID != w.id {
		if f.killing {
			w.logger.Debug("discarding reply after kill", "call_id", rep.CallID)
		} else {
			w.logger.Warn("reply for unknown call", "call_id", rep.CallID)
		}
		return
	}
	delete(f.pending, c.id)

	if rep.Err != nil {
		c.reject(remoteError(rep.Err))
	} else {
		c.resolve(Result{raw: rep.Res, codec: f.codec})
	}
	f.processQueue()
}

// handleFailure decides between retrying c and failing it for good.
func (f *Farm) handleFailure(c *call, err error) {
	delete(f.pending, c.id)
	logger := log.WithCall(f.logger, c.id)

	var timeout *TimeoutError
	switch {
	case errors.As(err, &timeout):
		logger.Warn("call timed out", "timeout", timeout.Timeout, "worker_id", c.workerID)
		f.finish(c, Result{}, err)
	case c.pinned != 0 && f.worker(c.pinned) == nil:
		f.finish(c, Result{}, err)
	case !f.running:
		f.finish(c, Result{}, err)
	case f.cfg.MaxRetries == 0:
		f.finish(c, Result{}, err)
	case f.cfg.MaxRetries != config.Unbounded && c.retries >= f.cfg.MaxRetries:
		logger.Info("call exhausted its retries", "retries", c.retries, "error", err)
		f.finish(c, Result{}, &CallMaxRetryError{CallID: c.id, Retries: c.retries, Cause: err})
	default:
		logger.Debug("retrying call", "attempt", c.retries+2, "error", err)
		c.retry()
		f.queue = slices.Insert(f.queue, 0, c)
		f.metrics.RecordRetry(f.id)
		f.publish(events.Event{
			Kind:    events.CallRetried,
			CallID:  c.id,
			Method:  c.method,
			Retries: c.retries,
			Err:     err.Error(),
		})
		f.processQueue()
	}
}

// fail settles c with err without consulting the retry policy.
func (f *Farm) fail(c *call, err error) {
	delete(f.pending, c.id)
	c.onReject = nil
	c.reject(err)
	f.finish(c, Result{}, err)
}

// finish delivers the terminal outcome of c to its future.
func (f *Farm) finish(c *call, res Result, err error) {
	select {
	case <-c.future.done:
		return
	default:
	}

	d := time.Since(c.submitted)
	ev := events.Event{
		Kind:     events.CallSettled,
		WorkerID: c.workerID,
		CallID:   c.id,
		Method:   c.method,
		Retries:  c.retries,
		Outcome:  events.OutcomeResolved,
		Duration: d,
	}
	if err != nil {
		ev.Outcome = events.OutcomeRejected
		ev.Err = err.Error()
	}
	f.publish(ev)
	f.metrics.RecordSettled(f.id, ev.Outcome, d)
	c.future.settle(res, err)
}

// rotateWorker drops a dead worker, fails the calls it was running and restores
// the pool size.
func (f *Farm) rotateWorker(w *worker) {
	if i := slices.Index(f.workers, w); i >= 0 {
		f.workers = slices.Delete(f.workers, i, i+1)
	}
	f.metrics.RecordWorkerExit(f.id, w.exitReason)

	var orphans []*call
	for _, c := range f.pendingByID() {
		if c.workerID == w.id {
			orphans = append(orphans, c)
		}
	}
	if len(orphans) > 0 {
		w.logger.Info("failing calls of terminated worker", "calls", len(orphans))
	}
	// Retries go to the queue head, so reject newest first to keep submission order.
	for i := len(orphans) - 1; i >= 0; i-- {
		c := orphans[i]
		delete(f.pending, c.id)
		c.reject(&WorkerTerminatedError{WorkerID: w.id})
	}

	if f.running {
		if w.moduleLoaded {
			f.createWorkers()
		} else {
			f.scheduleRespawn()
		}
	}
	f.processQueue()
}

func (f *Farm) createWorkers() {
	for f.running && len(f.workers) < f.cfg.NumberOfWorkers {
		if !f.spawnWorker() {
			f.scheduleRespawn()
			return
		}
	}
}

func (f *Farm) spawnWorker() bool {
	id := f.nextWorkerID
	f.nextWorkerID++

	proc, err := f.spawner.Spawn(f.ctx, f.spawnOpts)
	if err != nil {
		f.logger.Error("failed to spawn worker", "worker_id", id, "error", err)
		f.publish(events.Event{Kind: events.WorkerError, WorkerID: id, Err: err.Error()})
		return false
	}

	w := newWorker(f, id, proc)
	f.workers = append(f.workers, w)
	f.metrics.RecordSpawn(f.id)
	w.logger.Debug("worker spawned")
	f.publish(events.Event{Kind: events.WorkerSpawned, WorkerID: id, Pid: w.pid})
	w.start()
	return true
}

// scheduleRespawn retries createWorkers after RespawnDelay.
func (f *Farm) scheduleRespawn() {
	if f.respawnTimer != nil || !f.running {
		return
	}
	f.respawnTimer = time.AfterFunc(f.cfg.RespawnDelay, func() {
		f.post(func() {
			f.respawnTimer = nil
			f.createWorkers()
		})
	})
}

func (f *Farm) worker(id int) *worker {
	for _, w := range f.workers {
		if w.id == id {
			return w
		}
	}
	return nil
}

func (f *Farm) pendingByID() []*call {
	calls := make([]*call, 0, len(f.pending))
	for _, c := range f.pending {
		calls = append(calls, c)
	}
	slices.SortFunc(calls, func(a, b *call) int { return cmp.Compare(a.id, b.id) })
	return calls
}
