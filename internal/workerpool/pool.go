package workerpool

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultWorkers is used when New is given a non-positive worker count.
const DefaultWorkers = 4

const (
	jobQueued int32 = iota
	jobRunning
	jobDone
	jobRevoked
)

// Job is a handle for a unit of work submitted to a Pool.
// A job runs at most once. Revoke prevents a queued job from ever running.
type Job struct {
	fn    func()
	state atomic.Int32
	done  chan struct{}
}

// Done is closed once the job finished running or was revoked.
func (j *Job) Done() <-chan struct{} { return j.done }

// Revoked reports whether the job was revoked before it started.
func (j *Job) Revoked() bool { return j.state.Load() == jobRevoked }

func (j *Job) finish(final int32) {
	j.state.Store(final)
	close(j.done)
}

// Pool executes submitted jobs on a fixed set of goroutines.
// Jobs submitted concurrently carry no ordering guarantee.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Job
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
	workers int
}

// New starts a pool with n workers.
func New(n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger, workers: n}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.workers }

// Submit queues fn and returns its handle. Submit never blocks on job execution.
// After Close the returned job is already revoked.
func (p *Pool) Submit(fn func()) *Job {
	j := &Job{fn: fn, done: make(chan struct{})}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		j.finish(jobRevoked)
		return j
	}
	p.queue = append(p.queue, j)
	p.mu.Unlock()
	p.cond.Signal()
	return j
}

// Revoke cancels j if it has not started yet and reports whether it did.
// A job already running is left to finish.
func (p *Pool) Revoke(j *Job) bool {
	if j == nil {
		return false
	}
	if !j.state.CompareAndSwap(jobQueued, jobRevoked) {
		return false
	}
	p.mu.Lock()
	for i, q := range p.queue {
		if q == j {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	close(j.done)
	return true
}

// Pending returns the number of queued jobs that have not started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close revokes queued jobs and waits for running jobs to finish or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
	for _, j := range queued {
		if j.state.CompareAndSwap(jobQueued, jobRevoked) {
			close(j.done)
		}
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		if !j.state.CompareAndSwap(jobQueued, jobRunning) {
			continue // revoked between dequeue and start
		}
		p.run(j)
	}
}

func (p *Pool) run(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker job panicked", "panic", r, "stack", string(debug.Stack()))
		}
		j.finish(jobDone)
	}()
	j.fn()
}
