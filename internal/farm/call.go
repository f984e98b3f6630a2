package farm

import (
	"sync/atomic"
	"time"
)

var lastCallID atomic.Int64

// call is one request travelling through the farm. Only the farm loop touches it.
type call struct {
	id      int64
	method  string
	args    [][]byte
	timeout time.Duration

	retries  int
	resolved bool
	rejected bool
	workerID int // worker running the current attempt, 0 when unbound
	pinned   int // broadcast target, 0 when load balanced
	attempt  int

	submitted time.Time
	timer     *time.Timer

	onResolve func(Result)
	onReject  func(error)

	future *Future
}

func newCall(method string, args [][]byte, timeout time.Duration) *call {
	id := lastCallID.Add(1)
	return &call{
		id:        id,
		method:    method,
		args:      args,
		timeout:   timeout,
		submitted: time.Now(),
		future:    newFuture(id),
	}
}

func (c *call) settled() bool { return c.resolved || c.rejected }

func (c *call) resolve(res Result) {
	if c.settled() {
		return
	}
	c.resolved = true
	c.stopTimer()
	if c.onResolve != nil {
		c.onResolve(res)
	}
}

func (c *call) reject(err error) {
	if c.settled() {
		return
	}
	c.rejected = true
	c.stopTimer()
	if c.onReject != nil {
		c.onReject(err)
	}
}

// retry returns a rejected call to the pending state for another attempt.
func (c *call) retry() {
	c.retries++
	c.workerID = 0
	c.resolved = false
	c.rejected = false
}

// launchTimeout arms the deadline for the current attempt. The firing is
// delivered through post and ignored if the attempt has moved on.
func (c *call) launchTimeout(post func(func()) bool, onTimeout func()) {
	if c.timeout <= 0 {
		return
	}
	attempt := c.attempt
	c.timer = time.AfterFunc(c.timeout, func() {
		post(func() {
			if c.settled() || c.attempt != attempt {
				return
			}
			c.reject(&TimeoutError{CallID: c.id, Timeout: c.timeout})
			onTimeout()
		})
	})
}

func (c *call) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
