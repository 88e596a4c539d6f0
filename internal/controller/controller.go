// Package controller defines the Controller Abstraction (component H):
// the uniform southbound interface spec.md §4.7 requires, plus the
// closed variant set of concrete back-ends (faucet, bcf, none) behind
// it. Per spec.md §9 design notes, dynamic dispatch over controllers is
// a closed set implemented as a tagged union rather than open-ended
// plugin registration.
package controller

import (
	"context"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// Type names the SDN controller family, a closed set per spec.md §9.
type Type string

const (
	TypeFaucet Type = "faucet"
	TypeBCF    Type = "bcf"
	TypeNone   Type = "none"
)

// ACLAction is one rule application reported back by UpdateACLs.
type ACLAction struct {
	Action  string
	MAC     string
	Segment string
	Port    string
	ACLID   string
	Rule    string
}

// Controller is the southbound contract shared by every back-end.
// Implementations must be safe for concurrent use by at most one caller
// at a time per spec.md §5 (side effects are issued synchronously, one
// at a time, from within a single Reconciler tick or Scheduler sweep).
type Controller interface {
	// Poll returns the current endpoint table. pushEvents carries any
	// push-event payloads accumulated since the last tick and may be
	// nil; back-ends that support it use them to refine the result.
	Poll(ctx context.Context, pushEvents []PushEvent) ([]endpoint.Observation, error)

	// Mirror installs a traffic mirror for e's current location.
	Mirror(ctx context.Context, e *endpoint.Endpoint) (bool, error)

	// Unmirror removes a previously installed mirror. It is safe to
	// call even if no mirror is believed to be installed.
	Unmirror(ctx context.Context, e *endpoint.Endpoint) (bool, error)

	// ClearFilters removes every mirror/filter rule owned by this
	// process, used on graceful shutdown.
	ClearFilters(ctx context.Context) error

	// UpdateACLs pushes the rules file's ACLs for the given endpoints.
	// ok is false if the update could not be applied at all.
	UpdateACLs(ctx context.Context, rulesFile string, endpoints []*endpoint.Endpoint) (ok bool, actions []ACLAction, err error)
}

// PushEvent is an opaque asynchronous switch-originated notification
// accumulated by the Event Dispatcher between Reconciler ticks.
type PushEvent struct {
	RoutingKey string
	Payload    []byte
}

// Descriptor configures one SDN controller (spec.md §3 Controller
// descriptor).
type Descriptor struct {
	Type                         Type
	URI                          string
	Credentials                  string
	ConfigFile                   string
	RulesFile                    string
	ScanFrequencySeconds         int
	ReinvestigationFrequencySec  int
	MaxConcurrentReinvestigations int
	AutomatedACLs                bool
}

// New constructs the Controller back-end named by d.Type.
func New(d Descriptor) Controller {
	switch d.Type {
	case TypeFaucet:
		return NewFaucet(d)
	case TypeBCF:
		return NewBCF(d)
	default:
		return NewNone()
	}
}

// IsNone reports whether c is the no-op back-end, used to drive the
// "No-SDN fallback" rule of spec.md §4.4.
func IsNone(c Controller) bool {
	_, ok := c.(noneController)
	return ok
}
