// Package farm runs calls on a pool of worker processes.
//
// A Farm spawns NumberOfWorkers copies of a worker module, routes calls to the
// least-loaded worker, and keeps the pool healthy while workers crash, hang, or
// age out.
//
// Key features:
//   - One loop goroutine owns all farm and worker state; everything else posts to it
//   - FIFO queue with retried calls placed back at the head
//   - Backpressure: admission fails fast with ErrMaxConcurrentCalls
//   - Per-call timeout that kills the wedged worker
//   - Worker recycling after TTL calls or MaxIdleTime without work
//   - Kill escalation: kill signal, then SIGKILL after KillTimeout
//   - Broadcast: one call pinned to each current worker
//
// Failure policy, applied when a call attempt fails:
//   - Timeout → terminal, never retried
//   - Pinned call whose worker is gone → terminal
//   - MaxRetries == 0 → terminal with the raw error
//   - Retries exhausted → terminal *CallMaxRetryError wrapping the last error
//   - Otherwise → retried at the head of the queue
//
// A call orphaned by a worker exit fails with *WorkerTerminatedError and goes
// through the same policy, so it consumes one retry.
package farm
