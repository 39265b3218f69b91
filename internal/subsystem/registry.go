package subsystem

import (
	"sync"

	"github.com/google/uuid"
)

// Source reports the subsystems it currently considers satisfied.
type Source interface {
	Satisfied() Set
}

// Registry is a mutable Source fed by health checks and the API.
// Every effective flip fires the registered change hooks.
type Registry struct {
	mu    sync.Mutex
	set   Set
	hooks map[string]func()
}

func NewRegistry(initial Set) *Registry {
	return &Registry{set: initial, hooks: make(map[string]func())}
}

func (r *Registry) Satisfied() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set
}

// Set marks x satisfied or not. It reports whether the registry changed.
func (r *Registry) Set(x Subsystem, satisfied bool) bool {
	r.mu.Lock()
	next := r.set.Without(x)
	if satisfied {
		next = r.set.With(x)
	}
	changed := next != r.set
	r.set = next
	hooks := r.snapshotHooks()
	r.mu.Unlock()
	if changed {
		for _, h := range hooks {
			h()
		}
	}
	return changed
}

// OnChange registers fn and returns a token for RemoveHook.
func (r *Registry) OnChange(fn func()) string {
	tok := uuid.NewString()
	r.mu.Lock()
	r.hooks[tok] = fn
	r.mu.Unlock()
	return tok
}

func (r *Registry) RemoveHook(tok string) {
	r.mu.Lock()
	delete(r.hooks, tok)
	r.mu.Unlock()
}

func (r *Registry) snapshotHooks() []func() {
	out := make([]func(), 0, len(r.hooks))
	for _, h := range r.hooks {
		out = append(out, h)
	}
	return out
}
