package events

import (
	"time"

	"github.com/google/uuid"
)

// Event names broadcast on the control-plane channel.
const (
	StateChange       = "statechange"
	DownloadCompleted = "downloadcompleted"
	SubsystemChange   = "subsystemchange"
	// All carries messages plugins forward to every listener.
	All = "all"
)

// Event is one broadcast notification.
type Event struct {
	ID         string    `json:"id"`
	Name       string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"params"`
}

// New stamps a fresh event.
func New(name string, payload any) Event {
	return Event{ID: uuid.NewString(), Name: name, OccurredAt: time.Now().UTC(), Payload: payload}
}

// StateChangePayload is carried by statechange events.
type StateChangePayload struct {
	Callsign string `json:"callsign"`
	State    string `json:"state"`
	Reason   string `json:"reason"`
}

// DownloadCompletedPayload is carried by downloadcompleted events.
type DownloadCompletedPayload struct {
	Result      uint32 `json:"result"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SubsystemChangePayload is carried by subsystemchange events.
type SubsystemChangePayload struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Current []string `json:"current"`
}

// AllPayload is carried by all events.
type AllPayload struct {
	Callsign string `json:"callsign"`
	Data     string `json:"data"`
}

// Publisher is what components need to emit events.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }
