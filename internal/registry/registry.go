// Package registry implements the Endpoint Registry (component B of
// SPEC_FULL.md): the keyed collection of endpoints, the location-hash
// naming scheme, and the observation merge rule. The hashing approach —
// an FNV-1a digest over a fixed-order, separator-delimited field sequence —
// is ported from the teacher's series cache hashing in
// pkg/export/series_cache.go (hashSeries/hashLabels).
package registry

import (
	"encoding/hex"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// TrunkPort identifies an uplink (mac, port) on a given segment that
// must never be treated as an endpoint location.
type TrunkPort struct {
	Segment string
	MAC     string
	Port    string
}

// trunkMarker replaces the port field when hashing an observation that
// matches a trunk-port entry, per spec.md §4.2 Hash rule.
const trunkMarker = "__trunk__"

// Name computes the stable opaque identifier for an observation: a
// hexadecimal FNV-1a digest over (mac, segment, port, tenant, vlan),
// with the port field replaced by trunkMarker when the observation
// matches a configured trunk port.
func Name(o endpoint.Observation, trunks []TrunkPort) string {
	port := o.Port
	for _, t := range trunks {
		if t.Segment == o.Segment && t.Port == o.Port && t.MAC == o.MAC {
			port = trunkMarker
			break
		}
	}
	h := fnv.New128a()
	writeField(h, o.MAC)
	writeField(h, o.Segment)
	writeField(h, port)
	writeField(h, o.Tenant)
	writeField(h, o.VLAN)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	h.Write([]byte{0xff})
	h.Write([]byte(s))
}

// Registry is the exclusive owner of all Endpoint objects. It is safe
// for concurrent use; the Reconciler, Event Dispatcher and Scheduler
// share one instance per spec.md §5.
type Registry struct {
	trunks []TrunkPort

	mu        sync.RWMutex
	byName    map[string]*endpoint.Endpoint
	byMACIdx  map[string]map[string]struct{} // mac -> set of names
	byIPv4Idx map[string]map[string]struct{}
	byIPv6Idx map[string]map[string]struct{}
}

// New constructs an empty registry bound to a fixed trunk-port set.
func New(trunks []TrunkPort) *Registry {
	return &Registry{
		trunks:    trunks,
		byName:    map[string]*endpoint.Endpoint{},
		byMACIdx:  map[string]map[string]struct{}{},
		byIPv4Idx: map[string]map[string]struct{}{},
		byIPv6Idx: map[string]map[string]struct{}{},
	}
}

// ByName returns the endpoint for an exact name, if present.
func (r *Registry) ByName(name string) (*endpoint.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// ByMAC returns every endpoint currently observed with the given MAC.
func (r *Registry) ByMAC(mac string) []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(r.byMACIdx, mac)
}

// ByIP returns every endpoint currently observed with the given IPv4 or
// IPv6 address.
func (r *Registry) ByIP(ip string) []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.lookupLocked(r.byIPv4Idx, ip)
	out = append(out, r.lookupLocked(r.byIPv6Idx, ip)...)
	return out
}

func (r *Registry) lookupLocked(idx map[string]map[string]struct{}, key string) []*endpoint.Endpoint {
	names := idx[key]
	out := make([]*endpoint.Endpoint, 0, len(names))
	for n := range names {
		if e, ok := r.byName[n]; ok {
			out = append(out, e)
		}
	}
	return out
}

// All returns every endpoint currently registered, in no particular order.
func (r *Registry) All() []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	return out
}

// IterFiltered returns every endpoint matching pred, for operator
// queries by state, label, OS or behavior.
func (r *Registry) IterFiltered(pred func(*endpoint.Endpoint) bool) []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*endpoint.Endpoint
	for _, e := range r.byName {
		if pred(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// mergeIPFields implements the observation merge rule of spec.md §4.2:
// IP fields (and their derived subnet/rDNS fields) are preserved from
// the stored observation when the new observation omits them; every
// other field is overwritten.
func mergeIPFields(stored, incoming endpoint.Observation) endpoint.Observation {
	merged := incoming
	if merged.IPv4 == "" && stored.IPv4 != "" {
		merged.IPv4 = stored.IPv4
		merged.IPv4Subnet = stored.IPv4Subnet
		merged.IPv4RDNS = stored.IPv4RDNS
	}
	if merged.IPv6 == "" && stored.IPv6 != "" {
		merged.IPv6 = stored.IPv6
		merged.IPv6Subnet = stored.IPv6Subnet
		merged.IPv6RDNS = stored.IPv6RDNS
	}
	return merged
}

// UpsertResult reports what Upsert did, including the pre-merge
// observation so the Reconciler can compare active-flag transitions
// without racing a second read.
type UpsertResult struct {
	Endpoint *endpoint.Endpoint
	Created  bool
	Changed  bool
	Previous endpoint.Observation // only meaningful when !Created
}

// Upsert computes the observation's name and either constructs a new
// endpoint or merges the observation into the existing one, per
// spec.md §4.2. now is used as the creation timestamp for new endpoints.
func (r *Registry) Upsert(o endpoint.Observation, now time.Time) UpsertResult {
	name := Name(o, r.trunks)

	r.mu.Lock()
	existing, ok := r.byName[name]
	r.mu.Unlock()

	if !ok {
		e := endpoint.New(name, o, now)
		r.mu.Lock()
		r.byName[name] = e
		r.indexLocked(e)
		r.mu.Unlock()
		return UpsertResult{Endpoint: e, Created: true, Changed: true}
	}

	stored := existing.Observation()
	merged := mergeIPFields(stored, o)
	existing.SetObservation(merged)
	// Compare in stored form: SetObservation fills unset fields with NoData.
	changed := existing.Observation() != stored

	r.mu.Lock()
	r.deindexLocked(existing.Name(), stored)
	r.indexLocked(existing)
	r.mu.Unlock()

	return UpsertResult{Endpoint: existing, Created: false, Changed: changed, Previous: stored}
}

func (r *Registry) indexLocked(e *endpoint.Endpoint) {
	obs := e.Observation()
	name := e.Name()
	addIdx(r.byMACIdx, obs.MAC, name)
	if obs.IPv4 != "" {
		addIdx(r.byIPv4Idx, obs.IPv4, name)
	}
	if obs.IPv6 != "" {
		addIdx(r.byIPv6Idx, obs.IPv6, name)
	}
}

func (r *Registry) deindexLocked(name string, obs endpoint.Observation) {
	delIdx(r.byMACIdx, obs.MAC, name)
	if obs.IPv4 != "" {
		delIdx(r.byIPv4Idx, obs.IPv4, name)
	}
	if obs.IPv6 != "" {
		delIdx(r.byIPv6Idx, obs.IPv6, name)
	}
}

func addIdx(idx map[string]map[string]struct{}, key, name string) {
	if key == "" {
		return
	}
	set, ok := idx[key]
	if !ok {
		set = map[string]struct{}{}
		idx[key] = set
	}
	set[name] = struct{}{}
}

func delIdx(idx map[string]map[string]struct{}, key, name string) {
	if key == "" {
		return
	}
	if set, ok := idx[key]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// Remove drops the named endpoint from the registry and its indexes.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	r.deindexLocked(name, e.Observation())
	delete(r.byName, name)
}

// Insert adds a fully-formed endpoint (used when restoring from
// persistence, where the name is already fixed).
func (r *Registry) Insert(e *endpoint.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[e.Name()] = e
	r.indexLocked(e)
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// CountByState returns the number of endpoints currently in s.
func (r *Registry) CountByState(s endpoint.State) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.byName {
		if e.State() == s {
			n++
		}
	}
	return n
}
