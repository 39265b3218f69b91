package coalesce

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/plugind/internal/workerpool"
)

func newPool(t *testing.T, n int) *workerpool.Pool {
	t.Helper()
	p := workerpool.New(n, nil)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

// blockPool occupies the only worker so that submitted jobs stay queued.
func blockPool(p *workerpool.Pool) (release func()) {
	gate := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		<-gate
	})
	<-started
	return func() { close(gate) }
}

func TestBurstCollapsesToSingleRun(t *testing.T) {
	p := newPool(t, 1)
	var runs atomic.Int32
	c := New("test", p, func() { runs.Add(1) })

	release := blockPool(p)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Signal()
			}
		}()
	}
	wg.Wait()
	if p.Pending() != 1 {
		t.Fatalf("expected exactly one queued job, got %d", p.Pending())
	}
	release()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected exactly one evaluation, got %d", got)
	}
}

func TestSignalDuringRunSchedulesAnother(t *testing.T) {
	p := newPool(t, 2)
	var runs atomic.Int32
	inRun := make(chan struct{}, 1)
	proceed := make(chan struct{})
	c := New("test", p, func() {
		if runs.Add(1) == 1 {
			inRun <- struct{}{}
			<-proceed
		}
	})

	c.Signal()
	<-inRun
	c.Signal() // first job already started: must schedule a new one
	close(proceed)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got != 2 {
		t.Fatalf("expected 2 evaluations, got %d", got)
	}
}

func TestRunsOffCallerGoroutine(t *testing.T) {
	p := newPool(t, 1)
	done := make(chan struct{})
	var inline atomic.Bool
	calling := atomic.Bool{}
	c := New("test", p, func() {
		if calling.Load() {
			inline.Store(true)
		}
		close(done)
	})
	release := blockPool(p)
	calling.Store(true)
	c.Signal()
	calling.Store(false)
	release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("evaluation never ran")
	}
	if inline.Load() {
		t.Fatalf("evaluation ran on the signaling goroutine")
	}
}

func TestCloseRevokesPending(t *testing.T) {
	p := newPool(t, 1)
	var runs atomic.Int32
	c := New("test", p, func() { runs.Add(1) })

	release := blockPool(p)
	c.Signal()
	if !c.Pending() {
		t.Fatalf("expected pending job")
	}
	c.Close()
	if c.Pending() {
		t.Fatalf("pending flag should clear after revoke")
	}
	release()
	c.Signal() // no-op after close
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("revoked evaluation executed %d times", runs.Load())
	}
}
