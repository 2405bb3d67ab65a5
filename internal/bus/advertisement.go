// Package bus implements the fabric's single shared Advertisement topic: a
// durable, content-filterable publish/subscribe channel every
// capability-bearing participant (agent, function service) announces itself
// on, and every discoverer (interface, agent, observer) subscribes to.
//
// It is grounded on the teacher's content-filtered discovery endpoint
// (pkg/transport/discovery.go, which filters agent cards by visibility) and
// its generic registry (pkg/registry/registry.go), generalized from an
// HTTP/gRPC agent-card listing into the durable pub/sub topic spec.md §4.1
// describes: the wire transport itself is out of scope (spec.md §1 assumes
// "a structured pub/sub transport with typed topics, content filtering,
// durability policies, and per-instance liveness"), so this package models
// that contract directly in Go rather than binding to a specific bus
// product.
package bus

import (
	"time"
)

// Kind is the content-filter discriminant for the Advertisement topic.
// Values match spec.md §4.1 exactly so a Kind can be logged or compared
// against the wire-level filter expression without translation.
type Kind int

const (
	KindAgent    Kind = 1
	KindService  Kind = 2
	KindFunction Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "AGENT"
	case KindService:
		return "SERVICE"
	case KindFunction:
		return "FUNCTION"
	default:
		return "UNKNOWN"
	}
}

// InstanceState mirrors DDS-style instance liveliness states: an
// Advertisement is ALIVE from publish until it is explicitly disposed or its
// owning participant disappears (NOT_ALIVE_NO_WRITERS).
type InstanceState int

const (
	StateAlive InstanceState = iota
	StateNotAliveDisposed
	StateNotAliveNoWriters
)

func (s InstanceState) String() string {
	switch s {
	case StateAlive:
		return "ALIVE"
	case StateNotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case StateNotAliveNoWriters:
		return "NOT_ALIVE_NO_WRITERS"
	default:
		return "UNKNOWN"
	}
}

// Advertisement is the single unified record every capability-bearing
// participant publishes, per spec.md §3.
type Advertisement struct {
	AdvertisementID    string
	Kind               Kind
	Name               string
	ServiceName        string
	ProviderID         string // owning participant GUID
	SchemaJSON         string
	Capabilities       []string
	ClassificationTags []string
	Specializations    []string
	Timestamp          time.Time
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// racing the bus's internal cache.
func (a Advertisement) Clone() Advertisement {
	out := a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.ClassificationTags = append([]string(nil), a.ClassificationTags...)
	out.Specializations = append([]string(nil), a.Specializations...)
	return out
}

// Event is one notification delivered to a subscriber: an Advertisement
// transitioning to State.
type Event struct {
	State         InstanceState
	Advertisement Advertisement
}
