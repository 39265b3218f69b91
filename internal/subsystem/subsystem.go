package subsystem

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Subsystem is a named readiness condition tracked by the host.
type Subsystem uint8

const (
	Platform Subsystem = iota
	Network
	Security
	Identifier
	Internet
	Location
	Time
	Provisioning
	Decryption
	Graphics
	WebSource
	Streaming
	Bluetooth
	Storage

	count
)

var names = [count]string{
	Platform:     "platform",
	Network:      "network",
	Security:     "security",
	Identifier:   "identifier",
	Internet:     "internet",
	Location:     "location",
	Time:         "time",
	Provisioning: "provisioning",
	Decryption:   "decryption",
	Graphics:     "graphics",
	WebSource:    "websource",
	Streaming:    "streaming",
	Bluetooth:    "bluetooth",
	Storage:      "storage",
}

func (s Subsystem) String() string {
	if s < count {
		return names[s]
	}
	return fmt.Sprintf("subsystem(%d)", uint8(s))
}

// Valid reports whether s is a known subsystem.
func (s Subsystem) Valid() bool { return s < count }

// Parse resolves a subsystem by name, case-insensitively.
func Parse(name string) (Subsystem, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, v := range names {
		if v == n {
			return Subsystem(i), nil
		}
	}
	return 0, fmt.Errorf("unknown subsystem %q", name)
}

// All returns every known subsystem in declaration order.
func All() []Subsystem {
	out := make([]Subsystem, 0, count)
	for i := Subsystem(0); i < count; i++ {
		out = append(out, i)
	}
	return out
}

// Set is an immutable set of subsystems.
type Set uint32

// Of builds a set from the given subsystems.
func Of(ss ...Subsystem) Set {
	var s Set
	for _, x := range ss {
		s = s.With(x)
	}
	return s
}

// ParseSet builds a set from names.
func ParseSet(ns []string) (Set, error) {
	var s Set
	for _, n := range ns {
		x, err := Parse(n)
		if err != nil {
			return 0, err
		}
		s = s.With(x)
	}
	return s, nil
}

func (s Set) With(x Subsystem) Set    { return s | 1<<x }
func (s Set) Without(x Subsystem) Set { return s &^ (1 << x) }
func (s Set) Has(x Subsystem) bool    { return s&(1<<x) != 0 }
func (s Set) Empty() bool             { return s == 0 }
func (s Set) Len() int                { return bits.OnesCount32(uint32(s)) }

// Contains reports whether every member of o is in s.
func (s Set) Contains(o Set) bool { return s&o == o }

// Diff returns members added in next and removed from s.
func (s Set) Diff(next Set) (added, removed Set) {
	return next &^ s, s &^ next
}

// Members lists the set's subsystems in declaration order.
func (s Set) Members() []Subsystem {
	out := make([]Subsystem, 0, s.Len())
	for i := Subsystem(0); i < count; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Names lists member names in declaration order.
func (s Set) Names() []string {
	ms := s.Members()
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.String()
	}
	return out
}

func (s Set) String() string { return "[" + strings.Join(s.Names(), ",") + "]" }

func (s Set) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

func (s *Set) UnmarshalJSON(b []byte) error {
	var ns []string
	if err := json.Unmarshal(b, &ns); err != nil {
		return err
	}
	sort.Strings(ns)
	v, err := ParseSet(ns)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
