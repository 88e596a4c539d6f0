// Package dispatcher implements the Event Dispatcher (component E): it
// consumes bus deliveries routed by key, applies operator commands and
// ML classification decisions to the registry, and accumulates
// switch-originated push events for the next Reconciler tick. The
// routing-key switch and decider-batch reconciliation are ported from
// the original implementation's `format_rabbit_message` dispatch and
// `SDNConnect.reinvestigate`, re-expressed as one method per key family
// in the teacher's handler-table style (`pkg/export/exporter.go`'s
// per-signal-type switch).
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/enrich"
	"github.com/iqtlabs/poseidon/internal/registry"
)

// Clock is injected so tests can control wall-clock time.
type Clock func() time.Time

// Delivery is one consumed bus message.
type Delivery struct {
	RoutingKey string
	Payload    []byte
}

// Dispatcher applies Delivery messages to the registry per spec.md §4.5.
type Dispatcher struct {
	reg      *registry.Registry
	ctl      controller.Controller
	enricher enrich.Enricher
	logger   log.Logger
	now      Clock

	pushEventKey string
	pushEvents   []controller.PushEvent
	rulesFile    string

	onMalformed      func()
	onUnmirrorResult func(ok bool)
}

// Option configures optional collaborators on New.
type Option func(*Dispatcher)

// WithPushEventKey names the routing key treated as an opaque push
// event to accumulate for the next Reconciler tick, per spec.md §4.5's
// `<faucet_event_key>` row.
func WithPushEventKey(key string) Option {
	return func(d *Dispatcher) { d.pushEventKey = key }
}

// WithMalformedHook wires a counter incremented on every dropped
// malformed message (spec.md §7 error kind 3).
func WithMalformedHook(f func()) Option {
	return func(d *Dispatcher) { d.onMalformed = f }
}

// WithUnmirrorHook wires a counter incremented on every unmirror call
// the Dispatcher issues while handling a decider batch or applying
// action.change.
func WithUnmirrorHook(f func(ok bool)) Option {
	return func(d *Dispatcher) { d.onUnmirrorResult = f }
}

// WithRulesFile names the tenant-keyed ACL rules file pushed to the
// controller on an operator-issued `action.update_acls`, matching the
// `rules_file` config the Reconciler's automated refresh also uses.
func WithRulesFile(path string) Option {
	return func(d *Dispatcher) { d.rulesFile = path }
}

// New constructs a Dispatcher bound to a registry, controller and enricher.
func New(reg *registry.Registry, ctl controller.Controller, enricher enrich.Enricher, logger log.Logger, now Clock, opts ...Option) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{reg: reg, ctl: ctl, enricher: enricher, logger: logger, now: now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// TakePushEvents returns and clears the accumulated push-event batch,
// for the Tick Loop to hand to the next Reconciler.Tick call.
func (d *Dispatcher) TakePushEvents() []controller.PushEvent {
	out := d.pushEvents
	d.pushEvents = nil
	return out
}

// deciderEntry is one element of an algos.decider payload.
type deciderEntry struct {
	Plugin    string `json:"plugin"`
	Valid     bool   `json:"valid"`
	SourceMAC string `json:"source_mac"`
	SourceIP  string `json:"source_ip"`
	Decisions struct {
		Behavior string `json:"behavior"`
	} `json:"decisions"`
}

// Handle routes one delivery per the spec.md §4.5 table.
func (d *Dispatcher) Handle(ctx context.Context, msg Delivery) error {
	switch msg.RoutingKey {
	case "algos.decider":
		return d.handleDecider(ctx, msg.Payload)
	case "action.ignore":
		return d.handleIgnore(msg.Payload, true)
	case "action.clear.ignored":
		return d.handleIgnore(msg.Payload, false)
	case "action.change":
		return d.handleChange(ctx, msg.Payload)
	case "action.update_acls":
		return d.handleUpdateACLs(ctx, msg.Payload)
	case "action.remove":
		return d.handleRemove(msg.Payload)
	case "action.remove.ignored":
		d.removeWhere(func(e *endpoint.Endpoint) bool { return e.Ignore() })
		return nil
	case "action.remove.inactives":
		d.removeWhere(func(e *endpoint.Endpoint) bool { return e.State() == endpoint.StateInactive })
		return nil
	default:
		if d.pushEventKey != "" && msg.RoutingKey == d.pushEventKey {
			d.pushEvents = append(d.pushEvents, controller.PushEvent{RoutingKey: msg.RoutingKey, Payload: msg.Payload})
			return nil
		}
		level.Debug(d.logger).Log("msg", "ignoring message with unrecognized routing key", "key", msg.RoutingKey)
		return nil
	}
}

// handleDecider implements the two-phase decider handling of spec.md
// §4.5: first an immediate "unknown" transition for every ncapture
// entry, then — once the whole batch is validated — the final
// classification reconciliation.
func (d *Dispatcher) handleDecider(ctx context.Context, payload []byte) error {
	var batch map[string]deciderEntry
	if err := json.Unmarshal(payload, &batch); err != nil {
		d.malformed("decoding algos.decider payload", err)
		return nil
	}

	for name, entry := range batch {
		if entry.Plugin != "ncapture" {
			continue
		}
		if e, ok := d.reg.ByName(name); ok {
			_, mirrorWasOn, err := e.Trigger(endpoint.EventUnknown, d.now())
			if err != nil {
				level.Error(d.logger).Log("msg", "illegal transition in decider handling, forcing unknown", "name", name, "err", endpoint.ValidateEvent(err))
				e.ForceUnknown(d.now())
			}
			if mirrorWasOn {
				ok, uerr := d.ctl.Unmirror(ctx, e)
				if uerr != nil {
					level.Warn(d.logger).Log("msg", "unmirror failed in decider handling", "name", name, "err", uerr)
				}
				if d.onUnmirrorResult != nil {
					d.onUnmirrorResult(ok && uerr == nil)
				}
			}
		}
	}

	for _, entry := range batch {
		if !entry.Valid {
			level.Warn(d.logger).Log("msg", "discarding decider batch, contains an invalid entry")
			return nil
		}
	}

	d.reconcileDeciderBatch(ctx, batch)
	return nil
}

func (d *Dispatcher) reconcileDeciderBatch(ctx context.Context, batch map[string]deciderEntry) {
	now := d.now()
	for name, entry := range batch {
		e, ok := d.reg.ByName(name)
		if !ok {
			e = d.synthesize(ctx, entry, now)
			if e == nil {
				continue
			}
		}
		if e.Ignore() {
			continue
		}

		ev := endpoint.EventAbnormal
		if !entry.Valid {
			ev = endpoint.EventUnknown
		} else if entry.Decisions.Behavior == "normal" {
			ev = endpoint.EventKnown
		}

		wasMirroringClass := endpoint.IsMirroringClass(e.State())
		if wasMirroringClass {
			ok, err := d.ctl.Unmirror(ctx, e)
			if err != nil {
				level.Warn(d.logger).Log("msg", "unmirror failed reconciling decider result", "name", name, "err", err)
			}
			if d.onUnmirrorResult != nil {
				d.onUnmirrorResult(ok && err == nil)
			}
		}
		if _, _, err := e.Trigger(ev, now); err != nil {
			level.Error(d.logger).Log("msg", "illegal transition reconciling decider result, forcing unknown", "name", name, "err", endpoint.ValidateEvent(err))
			e.ForceUnknown(now)
			continue
		}
	}
}

// synthesize creates a registry entry for a MAC seen only by the ML
// pipeline, per spec.md §4.5's "ML-only discovery" rule.
func (d *Dispatcher) synthesize(ctx context.Context, entry deciderEntry, now time.Time) *endpoint.Endpoint {
	if entry.SourceMAC == "" {
		return nil
	}
	obs := endpoint.Observation{
		MAC:    entry.SourceMAC,
		IPv4:   entry.SourceIP,
		Active: 0,
	}
	obs = d.enricher.Enrich(ctx, obs)
	result := d.reg.Upsert(obs, now)
	return result.Endpoint
}

func (d *Dispatcher) handleIgnore(payload []byte, ignore bool) error {
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		d.malformed("decoding ignore payload", err)
		return nil
	}
	for _, n := range names {
		if e, ok := d.reg.ByName(n); ok {
			e.SetIgnore(ignore)
		}
	}
	return nil
}

func (d *Dispatcher) handleChange(ctx context.Context, payload []byte) error {
	var pairs [][2]string
	if err := json.Unmarshal(payload, &pairs); err != nil {
		d.malformed("decoding action.change payload", err)
		return nil
	}
	// last-wins per name, per spec.md §9 open question resolution.
	last := map[string]string{}
	var order []string
	for _, p := range pairs {
		if _, seen := last[p[0]]; !seen {
			order = append(order, p[0])
		}
		last[p[0]] = p[1]
	}
	now := d.now()
	for _, name := range order {
		e, ok := d.reg.ByName(name)
		if !ok {
			continue
		}
		to, mirrorWasOn, err := e.Trigger(endpoint.Event(last[name]), now)
		if err != nil {
			level.Error(d.logger).Log("msg", "illegal transition in action.change, forcing unknown", "name", name, "err", endpoint.ValidateEvent(err))
			e.ForceUnknown(now)
			continue
		}
		// Forced transitions install or uninstall the mirror exactly like
		// any other transition: leaving the mirroring class uninstalls,
		// entering it installs.
		if mirrorWasOn {
			ok, uerr := d.ctl.Unmirror(ctx, e)
			if uerr != nil {
				level.Warn(d.logger).Log("msg", "unmirror failed applying action.change", "name", name, "err", uerr)
			}
			if d.onUnmirrorResult != nil {
				d.onUnmirrorResult(ok && uerr == nil)
			}
		} else if endpoint.IsMirroringClass(to) {
			if _, merr := d.ctl.Mirror(ctx, e); merr != nil {
				level.Warn(d.logger).Log("msg", "mirror failed applying action.change", "name", name, "err", merr)
			}
		}
	}
	return nil
}

// handleUpdateACLs forces an immediate per-endpoint ACL push for an
// operator-named IP, per spec.md §4.5 ("Push per-endpoint ACL
// override"), mirroring the original's `force_apply_rules` call: the
// controller is asked to apply the configured rules file to exactly
// the named endpoints right now, rather than waiting for the next
// automated refresh cycle.
func (d *Dispatcher) handleUpdateACLs(ctx context.Context, payload []byte) error {
	var overrides map[string][]string
	if err := json.Unmarshal(payload, &overrides); err != nil {
		d.malformed("decoding action.update_acls payload", err)
		return nil
	}
	now := d.now().Unix()
	for ip, rules := range overrides {
		endpoints := d.reg.ByIP(ip)
		if len(endpoints) == 0 {
			continue
		}
		ok, _, err := d.ctl.UpdateACLs(ctx, d.rulesFile, endpoints)
		if err != nil {
			level.Warn(d.logger).Log("msg", "pushing action.update_acls override failed", "ip", ip, "err", err)
			continue
		}
		if !ok {
			level.Warn(d.logger).Log("msg", "controller rejected action.update_acls override", "ip", ip)
			continue
		}
		for _, e := range endpoints {
			for _, rule := range rules {
				e.AppendACL(endpoint.ACLEntry{Action: "override", Rule: rule, ACLID: rule, AppliedAt: now})
			}
		}
	}
	return nil
}

func (d *Dispatcher) handleRemove(payload []byte) error {
	var names []string
	if err := json.Unmarshal(payload, &names); err != nil {
		d.malformed("decoding action.remove payload", err)
		return nil
	}
	for _, n := range names {
		d.reg.Remove(n)
	}
	return nil
}

func (d *Dispatcher) removeWhere(pred func(*endpoint.Endpoint) bool) {
	for _, e := range d.reg.IterFiltered(pred) {
		d.reg.Remove(e.Name())
	}
}

func (d *Dispatcher) malformed(context string, err error) {
	level.Error(d.logger).Log("msg", "dropping malformed bus message", "context", context, "err", errors.Wrap(err, context))
	if d.onMalformed != nil {
		d.onMalformed()
	}
}
