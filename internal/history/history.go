package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loykin/plugind/internal/events"
)

// Record is the flattened, sink-friendly form of a control-plane event.
// Fields not relevant to the event kind are left empty.
type Record struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	OccurredAt  time.Time `json:"occurred_at"`
	Callsign    string    `json:"callsign,omitempty"`
	State       string    `json:"state,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Result      uint32    `json:"result"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	// Params is the raw JSON payload.
	Params string `json:"params"`
}

// FromEvent flattens e into a Record.
func FromEvent(e events.Event) Record {
	r := Record{ID: e.ID, Event: e.Name, OccurredAt: e.OccurredAt.UTC()}
	switch p := e.Payload.(type) {
	case events.StateChangePayload:
		r.Callsign, r.State, r.Reason = p.Callsign, p.State, p.Reason
	case events.DownloadCompletedPayload:
		r.Result, r.Source, r.Destination = p.Result, p.Source, p.Destination
	}
	if b, err := json.Marshal(e.Payload); err == nil {
		r.Params = string(b)
	}
	return r
}

// Sink is a destination for history records (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}
