package events

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/loykin/plugind/internal/metrics"
)

// Handler receives events on the bus delivery goroutine. It must return promptly.
type Handler func(Event)

// Bus broadcasts events to subscribers in publish order.
// Publish only enqueues, so it never blocks the caller on subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[string]Handler
	order []string

	qmu    sync.Mutex
	qcond  *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}

	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{subs: make(map[string]Handler), done: make(chan struct{}), logger: logger}
	b.qcond = sync.NewCond(&b.qmu)
	go b.deliver()
	return b
}

// Subscribe registers h and returns its token.
func (b *Bus) Subscribe(h Handler) string {
	tok := uuid.NewString()
	b.mu.Lock()
	b.subs[tok] = h
	b.order = append(b.order, tok)
	b.mu.Unlock()
	return tok
}

// Unsubscribe removes the subscription for tok. Unknown tokens are ignored.
func (b *Bus) Unsubscribe(tok string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[tok]; !ok {
		return
	}
	delete(b.subs, tok)
	for i, t := range b.order {
		if t == tok {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish enqueues e for delivery. Events published after Close are dropped.
func (b *Bus) Publish(e Event) {
	b.qmu.Lock()
	if b.closed {
		b.qmu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.qmu.Unlock()
	b.qcond.Signal()
}

// Close stops accepting events and waits until queued ones are delivered or ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.qmu.Lock()
	if !b.closed {
		b.closed = true
		b.qcond.Broadcast()
	}
	b.qmu.Unlock()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) deliver() {
	defer close(b.done)
	for {
		b.qmu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.qcond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.qmu.Unlock()
			return
		}
		batch := b.queue
		b.queue = nil
		b.qmu.Unlock()

		for _, e := range batch {
			b.broadcast(e)
		}
	}
}

func (b *Bus) broadcast(e Event) {
	b.mu.Lock()
	hs := make([]Handler, 0, len(b.order))
	for _, t := range b.order {
		hs = append(hs, b.subs[t])
	}
	b.mu.Unlock()

	metrics.IncEventPublished(e.Name)
	for _, h := range hs {
		b.invoke(h, e)
	}
}

func (b *Bus) invoke(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", e.Name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(e)
}

// Subscription is a channel-backed subscriber. Events are dropped when the buffer is full.
type Subscription struct {
	bus  *Bus
	tok  string
	ch   chan Event
	once sync.Once
	mu   sync.RWMutex
	shut bool
}

// Channel subscribes a buffered channel to the bus.
func (b *Bus) Channel(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}
	s.tok = b.Subscribe(s.push)
	return s
}

func (s *Subscription) push(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shut {
		return
	}
	select {
	case s.ch <- e:
	default:
		metrics.IncEventDropped(e.Name)
	}
}

// C returns the receive side of the subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.Unsubscribe(s.tok)
		s.mu.Lock()
		s.shut = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}
