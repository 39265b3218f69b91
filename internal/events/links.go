package events

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Link describes a connected event channel.
type Link struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	Principal   string    `json:"principal,omitempty"`
	Events      []string  `json:"events,omitempty"` // empty means every event
	ConnectedAt time.Time `json:"connected_at"`
	Delivered   uint64    `json:"delivered"`
}

type link struct {
	Link
	delivered atomic.Uint64
}

// Links tracks the event channels currently connected to the daemon.
type Links struct {
	mu    sync.Mutex
	links map[string]*link
}

func NewLinks() *Links {
	return &Links{links: make(map[string]*link)}
}

// Add registers a channel and returns its id.
func (l *Links) Add(remote, principal string, filter []string) string {
	id := uuid.NewString()
	lk := &link{Link: Link{
		ID:          id,
		Remote:      remote,
		Principal:   principal,
		Events:      append([]string(nil), filter...),
		ConnectedAt: time.Now().UTC(),
	}}
	l.mu.Lock()
	l.links[id] = lk
	l.mu.Unlock()
	return id
}

func (l *Links) Remove(id string) {
	l.mu.Lock()
	delete(l.links, id)
	l.mu.Unlock()
}

// Delivered counts one event pushed over channel id.
func (l *Links) Delivered(id string) {
	l.mu.Lock()
	lk := l.links[id]
	l.mu.Unlock()
	if lk != nil {
		lk.delivered.Add(1)
	}
}

// List returns the connected channels, oldest first.
func (l *Links) List() []Link {
	l.mu.Lock()
	out := make([]Link, 0, len(l.links))
	for _, lk := range l.links {
		v := lk.Link
		v.Events = append([]string(nil), lk.Events...)
		v.Delivered = lk.delivered.Load()
		out = append(out, v)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
