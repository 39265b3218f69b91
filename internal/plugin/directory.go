package plugin

import "github.com/loykin/plugind/internal/subsystem"

// Descriptor is what a directory declares about one plugin.
type Descriptor struct {
	Callsign      string
	Preconditions subsystem.Set
	AutoStart     bool
	LiveConfig    bool
	Configuration string
}

// StateFunc receives asynchronous state reports from a directory.
type StateFunc func(callsign string, state State, reason Reason)

// Directory owns the plugin instances. Request* calls must return once the
// request is accepted; completion is reported through the StateFunc
// registered with Watch, carrying the same reason.
type Directory interface {
	Lookup(callsign string) (Descriptor, bool)
	Callsigns() []string
	RequestActivate(callsign string, reason Reason) error
	RequestDeactivate(callsign string, reason Reason) error
	Reconfigure(callsign, blob string) error
	Watch(fn StateFunc) string
	Unwatch(token string)
}

// Conditions is the subsystem view the controller gates activation on.
type Conditions interface {
	Current() subsystem.Set
	Register(o subsystem.Observer) subsystem.Token
	Unregister(t subsystem.Token)
}
