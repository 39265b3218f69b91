package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/plugind/internal/events"
)

const sendTimeout = 5 * time.Second

// Forwarder copies bus events to sinks on its own goroutine so a slow sink
// never holds up other subscribers. Events are dropped when its buffer is full.
type Forwarder struct {
	sub    *events.Subscription
	sinks  []Sink
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewForwarder(bus *events.Bus, buffer int, logger *slog.Logger, sinks ...Sink) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{sub: bus.Channel(buffer), sinks: sinks, logger: logger}
	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *Forwarder) loop() {
	defer f.wg.Done()
	for e := range f.sub.C() {
		rec := FromEvent(e)
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, rec); err != nil {
				f.logger.Warn("History sink failed", "event", rec.Event, "sink", sinkName(s), "error", err)
			}
			cancel()
		}
	}
}

// Close unsubscribes, waits for in-flight sends and closes closable sinks.
func (f *Forwarder) Close() error {
	_ = f.sub.Close()
	f.wg.Wait()
	var first error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func sinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return "sink"
}
