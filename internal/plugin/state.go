package plugin

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/plugind/internal/subsystem"
)

// State is the lifecycle state of a hosted plugin.
//
// Deactivated -> Activating -> Activated -> Deactivating -> Deactivated.
// Precondition is entered from Activating while a required subsystem is
// missing. Destroyed is terminal and only reached through Delete.
type State int32

const (
	StateDeactivated State = iota
	StateActivating
	StateActivated
	StateDeactivating
	StatePrecondition
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateDeactivated:
		return "deactivated"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	case StatePrecondition:
		return "precondition"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "deactivated":
		return StateDeactivated, nil
	case "activating":
		return StateActivating, nil
	case "activated":
		return StateActivated, nil
	case "deactivating":
		return StateDeactivating, nil
	case "precondition":
		return StatePrecondition, nil
	case "destroyed":
		return StateDestroyed, nil
	}
	return 0, fmt.Errorf("unknown plugin state %q", s)
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// active reports whether a new activation must be refused.
func (s State) active() bool {
	return s == StateActivated || s == StateActivating || s == StatePrecondition
}

// inactive reports whether a new deactivation must be refused.
func (s State) inactive() bool {
	return s == StateDeactivated || s == StateDeactivating
}

// Reason explains the most recent transition.
type Reason string

const (
	ReasonRequested     Reason = "requested"
	ReasonAutomatic     Reason = "automatic"
	ReasonFailure       Reason = "failure"
	ReasonConditions    Reason = "conditions"
	ReasonStartup       Reason = "startup"
	ReasonShutdown      Reason = "shutdown"
	ReasonCrash         Reason = "crash"
	ReasonConfiguration Reason = "configuration"
	ReasonDeleted       Reason = "deleted"
)

// Record is the control plane's view of one plugin.
type Record struct {
	Callsign      string        `json:"callsign"`
	State         State         `json:"state"`
	Reason        Reason        `json:"reason,omitempty"`
	Configuration string        `json:"configuration,omitempty"`
	Preconditions subsystem.Set `json:"preconditions"`
	AutoStart     bool          `json:"autostart"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
