// Package endpoint implements the per-endpoint state machine described in
// the Poseidon endpoint lifecycle design: the set of states a station
// (MAC address) attached to one switch port can occupy, and the legal
// transitions between them.
package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is one of the eight symbols an Endpoint may occupy.
type State string

const (
	StateUnknown         State = "unknown"
	StateMirroring       State = "mirroring"
	StateInactive        State = "inactive"
	StateAbnormal        State = "abnormal"
	StateShutdown        State = "shutdown"
	StateReinvestigating State = "reinvestigating"
	StateKnown           State = "known"
	StateQueued          State = "queued"
)

// NoData is the sentinel carried by observation fields that were not
// reported by the controller, distinct from an empty string meaning
// "explicitly blank". Ported from the original poseidon.constants.NO_DATA.
const NoData = "NO_DATA"

// Event is the verb that drives a state transition.
type Event string

const (
	EventQueue         Event = "queue"
	EventMirror        Event = "mirror"
	EventReinvestigate Event = "reinvestigate"
	EventKnown         Event = "known"
	EventAbnormal      Event = "abnormal"
	EventUnknown       Event = "unknown"
	EventInactive      Event = "inactive"
	EventShutdown      Event = "shutdown"
)

// mirroringClass holds the states in which a traffic mirror is believed
// to be installed on the controller (invariant 4 of spec.md §3).
var mirroringClass = map[State]bool{
	StateMirroring:       true,
	StateReinvestigating: true,
}

// IsMirroringClass reports whether s is a state in which a mirror should
// be installed on the switch.
func IsMirroringClass(s State) bool { return mirroringClass[s] }

// transitions enumerates the legal (from, event) -> to table of spec.md §4.1.
var transitions = map[State]map[Event]State{
	StateUnknown: {
		EventQueue:    StateQueued,
		EventInactive: StateInactive,
		EventShutdown: StateShutdown,
	},
	StateQueued: {
		EventReinvestigate: StateReinvestigating,
		EventMirror:        StateMirroring,
		EventInactive:      StateInactive,
		EventShutdown:      StateShutdown,
	},
	StateMirroring: {
		EventKnown:    StateKnown,
		EventAbnormal: StateAbnormal,
		EventUnknown:  StateUnknown,
		EventInactive: StateInactive,
		EventShutdown: StateShutdown,
	},
	StateReinvestigating: {
		EventKnown:    StateKnown,
		EventAbnormal: StateAbnormal,
		EventUnknown:  StateUnknown,
		EventInactive: StateInactive,
		EventShutdown: StateShutdown,
	},
	StateKnown: {
		EventReinvestigate: StateQueued,
		EventInactive:      StateInactive,
		EventShutdown:      StateShutdown,
		EventUnknown:       StateUnknown,
	},
	StateAbnormal: {
		EventReinvestigate: StateQueued,
		EventInactive:      StateInactive,
		EventShutdown:      StateShutdown,
		EventUnknown:       StateUnknown,
	},
	StateInactive: {
		// Reappearance hints: each event maps to the state it names, so a
		// stored hint verb resumes the endpoint there, see Trigger.
		EventQueue:         StateQueued,
		EventMirror:        StateMirroring,
		EventReinvestigate: StateReinvestigating,
		EventKnown:         StateKnown,
		EventAbnormal:      StateAbnormal,
		EventUnknown:       StateUnknown,
		EventShutdown:      StateShutdown,
	},
	StateShutdown: {
		// shutdown is sticky; no events leave it.
	},
}

// HistoryEntry is one append-only (state, timestamp) record.
type HistoryEntry struct {
	State State `json:"state"`
	At    int64 `json:"at"`
}

// ACLEntry is one applied-ACL record keyed by time.
type ACLEntry struct {
	Action    string `json:"action"`
	ACLID     string `json:"acl_id"`
	Rule      string `json:"rule"`
	AppliedAt int64  `json:"applied_at"`
}

// Observation is the semantic field mapping reported by the controller
// for one station, enriched by the reconciler with derived fields.
type Observation struct {
	MAC             string `json:"mac"`
	Segment         string `json:"segment"`
	Port            string `json:"port"`
	Tenant          string `json:"tenant"`
	VLAN            string `json:"vlan"`
	Active          int    `json:"active"`
	IPv4            string `json:"ipv4"`
	IPv4Subnet      string `json:"ipv4_subnet"`
	IPv4RDNS        string `json:"ipv4_rdns"`
	IPv6            string `json:"ipv6"`
	IPv6Subnet      string `json:"ipv6_subnet"`
	IPv6RDNS        string `json:"ipv6_rdns"`
	EtherVendor     string `json:"ether_vendor"`
	Controller      string `json:"controller"`
	ControllerType  string `json:"controller_type"`
}

// blank returns a copy of o with the unset segment, port, tenant, vlan,
// vendor and controller fields replaced by NoData, matching the
// original's NO_DATA convention. MAC, IP, subnet and rDNS fields are
// left as they are.
func (o Observation) blank() Observation {
	fill := func(s string) string {
		if s == "" {
			return NoData
		}
		return s
	}
	o.Segment = fill(o.Segment)
	o.Port = fill(o.Port)
	o.Tenant = fill(o.Tenant)
	o.VLAN = fill(o.VLAN)
	o.EtherVendor = fill(o.EtherVendor)
	o.Controller = fill(o.Controller)
	o.ControllerType = fill(o.ControllerType)
	return o
}

// MLSample is one timestamped ML classification result for a MAC.
type MLSample struct {
	Labels      []string `json:"labels"`
	Confidences []float64 `json:"confidences"`
	Behavior    string    `json:"behavior"`
}

// MetadataCache mirrors the read-only ML metadata loaded from the
// Persistence Adapter for one endpoint. It is never authoritative in
// memory; the store is.
type MetadataCache struct {
	MACSamples map[string]map[string]MLSample `json:"mac_samples"` // mac -> ts -> sample
	IPv4OS     map[string]string               `json:"ipv4_os"`     // ip -> short os string
	IPv6OS     map[string]string               `json:"ipv6_os"`
}

// Endpoint is a station observed on one (switch, port) location of the
// SDN fabric. See spec.md §3 for the invariants this type must uphold.
type Endpoint struct {
	mu sync.Mutex

	name          string
	observation   Observation
	state         State
	ignore        bool
	nextStateHint Event
	history       []HistoryEntry
	aclHistory    []ACLEntry
	metadata      MetadataCache
}

// New constructs an endpoint in its initial state. now is injected so
// callers (and tests) control the wall clock.
func New(name string, obs Observation, now time.Time) *Endpoint {
	e := &Endpoint{
		name:        name,
		observation: obs.blank(),
		state:       StateUnknown,
	}
	e.appendHistoryLocked(StateUnknown, now)
	return e
}

func (e *Endpoint) appendHistoryLocked(s State, now time.Time) {
	ts := now.Unix()
	if n := len(e.history); n > 0 && e.history[n-1].At > ts {
		ts = e.history[n-1].At
	}
	e.history = append(e.history, HistoryEntry{State: s, At: ts})
}

// Name returns the endpoint's stable opaque identifier.
func (e *Endpoint) Name() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

// State returns the endpoint's current state.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Observation returns a copy of the endpoint's last observed fields.
func (e *Endpoint) Observation() Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observation
}

// SetObservation overwrites the stored observation (the registry applies
// the IP-merge rule before calling this).
func (e *Endpoint) SetObservation(o Observation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observation = o.blank()
}

// Ignore reports the operator-set ignore flag.
func (e *Endpoint) Ignore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ignore
}

// SetIgnore sets the operator-set ignore flag.
func (e *Endpoint) SetIgnore(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignore = v
}

// NextStateHint returns the remembered desired transition verb used to
// resume an inactive endpoint on reappearance, or "" if none is set.
func (e *Endpoint) NextStateHint() Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextStateHint
}

// SetNextStateHint records the transition verb to resume with.
func (e *Endpoint) SetNextStateHint(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextStateHint = ev
}

// History returns a copy of the append-only transition log.
func (e *Endpoint) History() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// LastTransitionAt returns the timestamp of the most recent history entry.
func (e *Endpoint) LastTransitionAt() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return 0
	}
	return e.history[len(e.history)-1].At
}

// ACLHistory returns a copy of the applied-ACL log.
func (e *Endpoint) ACLHistory() []ACLEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ACLEntry, len(e.aclHistory))
	copy(out, e.aclHistory)
	return out
}

// AppendACL appends one applied-ACL record.
func (e *Endpoint) AppendACL(a ACLEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aclHistory = append(e.aclHistory, a)
}

// Metadata returns the cached ML metadata most recently loaded from
// persistence.
func (e *Endpoint) Metadata() MetadataCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata
}

// SetMetadata replaces the cached ML metadata.
func (e *Endpoint) SetMetadata(m MetadataCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadata = m
}

// ErrIllegalTransition is returned by Trigger when the requested event is
// not legal from the endpoint's current state.
type ErrIllegalTransition struct {
	From  State
	Event Event
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: event %q from state %q", e.Event, e.From)
}

// Trigger attempts the transition named by ev from the endpoint's
// current state, appending exactly one history entry on success. It
// returns the resulting state and whether a mirror/unmirror side effect
// is owed to the caller (the caller — the Reconciler, Scheduler or
// Dispatcher — is responsible for actually talking to the controller;
// Trigger only updates in-memory state, per the ownership rule in
// spec.md §3).
//
// If from==inactive, the table's inactive row maps each destination
// hint (queue/mirror/reinvestigate/known/abnormal/unknown) to the state
// it names, matching the reappearance rule in spec.md §4.1.
func (e *Endpoint) Trigger(ev Event, now time.Time) (to State, mirrorWasOn bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	to, ok := transitions[from][ev]
	if !ok {
		return from, false, &ErrIllegalTransition{From: from, Event: ev}
	}
	mirrorWasOn = mirroringClass[from] && !mirroringClass[to]
	e.state = to
	e.appendHistoryLocked(to, now)
	return to, mirrorWasOn, nil
}

// ForceUnknown recovers from an illegal-transition error (spec.md §7
// error kind 4): it forces the endpoint into StateUnknown regardless of
// the current state and appends a history entry.
func (e *Endpoint) ForceUnknown(now time.Time) (mirrorWasOn bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mirrorWasOn = mirroringClass[e.state]
	e.state = StateUnknown
	e.appendHistoryLocked(StateUnknown, now)
	return mirrorWasOn
}

// Clone returns a deep, lock-free snapshot intended for serialization by
// the Persistence Adapter.
func (e *Endpoint) Clone() Encoded {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc := Encoded{
		Name:          e.name,
		Observation:   e.observation,
		State:         e.state,
		Ignore:        e.ignore,
		NextStateHint: e.nextStateHint,
		Metadata:      e.metadata,
	}
	enc.History = append(enc.History, e.history...)
	enc.ACLHistory = append(enc.ACLHistory, e.aclHistory...)
	return enc
}

// Encoded is the structured encoding written by the Persistence Adapter;
// it replaces the original's stringified-Python-literal persistence
// format (spec.md §9 REDESIGN FLAGS) with a well-defined JSON shape.
type Encoded struct {
	Name          string         `json:"name"`
	Observation   Observation    `json:"observation"`
	State         State          `json:"state"`
	Ignore        bool           `json:"ignore"`
	NextStateHint Event          `json:"next_state_hint"`
	History       []HistoryEntry `json:"history"`
	ACLHistory    []ACLEntry     `json:"acl_history"`
	Metadata      MetadataCache  `json:"metadata"`
}

// FromEncoded reconstructs an Endpoint from a persisted encoding. The
// caller (Persistence Adapter, on load) is responsible for applying the
// startup recovery rule of spec.md §4.6 (forcing inactive with a hint).
func FromEncoded(enc Encoded) *Endpoint {
	e := &Endpoint{
		name:          enc.Name,
		observation:   enc.Observation,
		state:         enc.State,
		ignore:        enc.Ignore,
		nextStateHint: enc.NextStateHint,
		metadata:      enc.Metadata,
	}
	e.history = append(e.history, enc.History...)
	e.aclHistory = append(e.aclHistory, enc.ACLHistory...)
	return e
}

// RecoverAtStartup forces a loaded endpoint to inactive, recording the
// transition verb needed to resume its pre-shutdown intent, as required
// by spec.md §4.6.
func (e *Endpoint) RecoverAtStartup(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateMirroring:
		e.nextStateHint = EventMirror
	case StateReinvestigating:
		e.nextStateHint = EventReinvestigate
	case StateQueued:
		e.nextStateHint = EventQueue
	case StateKnown:
		e.nextStateHint = EventKnown
	case StateAbnormal:
		e.nextStateHint = EventAbnormal
	case StateInactive:
		// Already inactive; keep whatever hint was persisted.
	case StateShutdown:
		// sticky, no hint to resume.
	default:
		e.nextStateHint = EventUnknown
	}
	if e.state != StateInactive {
		e.state = StateInactive
		e.appendHistoryLocked(StateInactive, now)
	}
}

// ValidateEvent wraps ErrIllegalTransition with additional context for
// callers that want a plain error to log, per spec.md §7 error kind 4.
func ValidateEvent(err error) error {
	if err == nil {
		return nil
	}
	var illegal *ErrIllegalTransition
	if errors.As(err, &illegal) {
		return errors.Wrapf(err, "programming error: endpoint forced to %s", StateUnknown)
	}
	return err
}
