package subsystem

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/plugind/internal/metrics"
)

// Change describes one published transition of the satisfied subsystem set.
type Change struct {
	Added   Set       `json:"added"`
	Removed Set       `json:"removed"`
	Current Set       `json:"current"`
	At      time.Time `json:"at"`
}

// Observer receives published changes. It runs on the evaluating goroutine and must not block.
type Observer func(Change)

// Token identifies an observer registration.
type Token string

// Aggregator folds all sources into one satisfied set and publishes diffs.
//
// Lock order: evalMu, then mu. Observers run outside mu; evalMu only serializes
// evaluations so published diffs stay consistent.
type Aggregator struct {
	evalMu sync.Mutex

	mu        sync.Mutex
	sources   []Source
	observers map[Token]Observer
	order     []Token
	published Set
	publishAt time.Time
	evaluated bool

	logger *slog.Logger
}

func NewAggregator(logger *slog.Logger, sources ...Source) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		sources:   append([]Source(nil), sources...),
		observers: make(map[Token]Observer),
		logger:    logger,
	}
}

// AddSource adds a source; it is picked up on the next evaluation.
func (a *Aggregator) AddSource(s Source) {
	a.mu.Lock()
	a.sources = append(a.sources, s)
	a.mu.Unlock()
}

// Register adds an observer. Safe while Evaluate runs concurrently.
func (a *Aggregator) Register(o Observer) Token {
	t := Token(uuid.NewString())
	a.mu.Lock()
	a.observers[t] = o
	a.order = append(a.order, t)
	a.mu.Unlock()
	return t
}

// Unregister removes an observer. Unknown tokens are ignored.
func (a *Aggregator) Unregister(t Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.observers[t]; !ok {
		return
	}
	delete(a.observers, t)
	for i, x := range a.order {
		if x == t {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// Current returns the last published set.
func (a *Aggregator) Current() Set {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

// Published returns the last published set and when it was published.
func (a *Aggregator) Published() (Set, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published, a.publishAt
}

// Evaluate recomputes the satisfied set and publishes a Change when it differs from
// the last published one. The first evaluation always publishes.
func (a *Aggregator) Evaluate() {
	a.evalMu.Lock()
	defer a.evalMu.Unlock()

	a.mu.Lock()
	sources := append([]Source(nil), a.sources...)
	a.mu.Unlock()

	var next Set
	for _, s := range sources {
		next |= s.Satisfied()
	}
	metrics.IncSubsystemEvaluation()

	a.mu.Lock()
	if a.evaluated && next == a.published {
		a.mu.Unlock()
		return
	}
	added, removed := a.published.Diff(next)
	now := time.Now().UTC()
	a.published = next
	a.publishAt = now
	a.evaluated = true
	obs := make([]Observer, 0, len(a.order))
	for _, t := range a.order {
		obs = append(obs, a.observers[t])
	}
	a.mu.Unlock()

	for _, x := range All() {
		metrics.SetSubsystem(x.String(), next.Has(x))
	}
	a.logger.Info("subsystems changed", "added", added.String(), "removed", removed.String(), "current", next.String())
	ch := Change{Added: added, Removed: removed, Current: next, At: now}
	for _, o := range obs {
		o(ch)
	}
}
