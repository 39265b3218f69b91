package coalesce

import (
	"sync"
	"sync/atomic"

	"github.com/loykin/plugind/internal/metrics"
	"github.com/loykin/plugind/internal/workerpool"
)

// Submitter is the part of the worker pool the coalescer needs.
type Submitter interface {
	Submit(fn func()) *workerpool.Job
	Revoke(j *workerpool.Job) bool
}

// Coalescer collapses bursts of Signal calls into a single job on the pool.
// At most one job is pending at any time; a Signal that arrives after the
// pending job started schedules a fresh one.
type Coalescer struct {
	pool    Submitter
	fn      func()
	name    string
	pending atomic.Bool
	closed  atomic.Bool

	mu  sync.Mutex
	job *workerpool.Job
}

// New returns a coalescer that runs fn on pool. name labels metrics.
func New(name string, pool Submitter, fn func()) *Coalescer {
	return &Coalescer{pool: pool, fn: fn, name: name}
}

// Signal requests an evaluation. Safe from any goroutine; never runs fn inline.
func (c *Coalescer) Signal() {
	if c.closed.Load() {
		return
	}
	metrics.IncSignal(c.name)
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	if c.closed.Load() {
		c.pending.Store(false)
		c.mu.Unlock()
		return
	}
	c.job = c.pool.Submit(c.run)
	c.mu.Unlock()
}

func (c *Coalescer) run() {
	// clear first so signals raised during fn schedule another pass
	c.pending.Store(false)
	if c.closed.Load() {
		return
	}
	metrics.IncCoalescedRun(c.name)
	c.fn()
}

// Pending reports whether a job is scheduled but not yet started.
func (c *Coalescer) Pending() bool { return c.pending.Load() }

// Close revokes a pending job. A job that already started is allowed to finish.
// After Close, Signal is a no-op.
func (c *Coalescer) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	j := c.job
	c.job = nil
	c.mu.Unlock()
	if j != nil && c.pool.Revoke(j) {
		c.pending.Store(false)
	}
}
