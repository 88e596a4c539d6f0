// Package reconciler implements the Reconciler (component C): it takes
// one SDN snapshot plus any push events accumulated since the previous
// tick, enriches and upserts each observation into the registry, drives
// the active-flag state transitions, and triggers an ACL refresh when
// anything changed. The diff-log/upsert/transition sequencing is
// grounded on the teacher's `pkg/export/series_cache.go` gather loop,
// which walks a batch of series applying the same "lookup, diff,
// mutate, log" shape this package applies per observation.
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/enrich"
	"github.com/iqtlabs/poseidon/internal/registry"
)

// Clock is injected so tests can control wall-clock time.
type Clock func() time.Time

// Reconciler owns one tick of diff-and-transition logic.
type Reconciler struct {
	reg          *registry.Registry
	ctl          controller.Controller
	enricher     enrich.Enricher
	logger       log.Logger
	now          Clock
	automatedACL bool
	rulesFile    string

	// pendingACL is set whenever any observation in the current batch was
	// created or changed, per spec.md §4.3 step 3/4.
	pendingACL bool

	onIllegalTransition func()
	onMirrorResult      func(ok bool)
	onUnmirrorResult    func(ok bool)
	onACLResult         func(ok bool)
}

// Option configures optional collaborators on New.
type Option func(*Reconciler)

// WithMetricsHooks wires counters the caller wants incremented on the
// named outcomes; any hook may be nil.
func WithMetricsHooks(onIllegal func(), onMirror, onUnmirror, onACL func(bool)) Option {
	return func(r *Reconciler) {
		r.onIllegalTransition = onIllegal
		r.onMirrorResult = onMirror
		r.onUnmirrorResult = onUnmirror
		r.onACLResult = onACL
	}
}

// New constructs a Reconciler bound to a registry, a Controller back-end
// and an Enricher. automatedACL and rulesFile gate the §4.3 ACL refresh.
func New(reg *registry.Registry, ctl controller.Controller, enricher enrich.Enricher, logger log.Logger, now Clock, automatedACL bool, rulesFile string, opts ...Option) *Reconciler {
	if now == nil {
		now = time.Now
	}
	r := &Reconciler{
		reg:          reg,
		ctl:          ctl,
		enricher:     enricher,
		logger:       logger,
		now:          now,
		automatedACL: automatedACL,
		rulesFile:    rulesFile,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tick processes one SDN snapshot plus any accumulated push events and
// persists a snapshot via persist when done. persist is injected rather
// than held as a field so the Reconciler does not need to import the
// storage package directly.
func (r *Reconciler) Tick(ctx context.Context, pushEvents []controller.PushEvent, persist func(context.Context) error) error {
	r.pendingACL = false

	snapshot, err := r.ctl.Poll(ctx, pushEvents)
	if err != nil {
		level.Debug(r.logger).Log("msg", "polling controller failed, will retry next tick", "err", err)
	}

	for _, obs := range snapshot {
		r.reconcileOne(ctx, obs)
	}

	if r.pendingACL && r.automatedACL {
		r.refreshACLs(ctx)
	}

	if persist != nil {
		if err := persist(ctx); err != nil {
			level.Warn(r.logger).Log("msg", "snapshot persistence failed, registry remains authoritative", "err", err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, obs endpoint.Observation) {
	now := r.now()
	obs = r.enricher.Enrich(ctx, obs)

	result := r.reg.Upsert(obs, now)
	r.pendingACL = r.pendingACL || result.Created || result.Changed

	if result.Created {
		level.Info(r.logger).Log("msg", "endpoint created", "name", result.Endpoint.Name(), "mac", obs.MAC)
		return
	}
	if !result.Changed {
		return
	}

	level.Debug(r.logger).Log("msg", "observation changed", "name", result.Endpoint.Name(), "diff", diffJSON(result.Previous, obs))
	r.applyActiveTransition(ctx, result.Endpoint, result.Previous.Active, obs.Active, now)
}

// applyActiveTransition implements spec.md §4.3 steps 4a/4b.
func (r *Reconciler) applyActiveTransition(ctx context.Context, e *endpoint.Endpoint, prevActive, active int, now time.Time) {
	if prevActive == active {
		return
	}
	if e.State() == endpoint.StateShutdown {
		// shutdown is sticky until removal; no active-flag flip may move
		// it, illegally or otherwise.
		return
	}

	if prevActive == 0 && active == 1 {
		// e is in inactive; Trigger interprets the event as the literal
		// destination hint per the reappearance rule, carrying forward
		// whatever mirroring intent RecoverAtStartup or a prior 1->0
		// transition recorded.
		hint := e.NextStateHint()
		if hint == "" {
			hint = endpoint.EventUnknown
		}
		r.trigger(ctx, e, hint, now)
		return
	}

	// active 1 -> 0
	wasOnwardMirroring := endpoint.IsMirroringClass(e.State())
	hint := e.NextStateHint()
	if hint == "" {
		switch e.State() {
		case endpoint.StateMirroring:
			hint = endpoint.EventMirror
		case endpoint.StateReinvestigating:
			hint = endpoint.EventReinvestigate
		case endpoint.StateQueued:
			hint = endpoint.EventQueue
		default:
			hint = endpoint.Event(e.State())
		}
	}
	if wasOnwardMirroring {
		ok, err := r.ctl.Unmirror(ctx, e)
		r.reportUnmirror(ok, err)
	}
	e.SetNextStateHint(hint)
	if _, _, err := e.Trigger(endpoint.EventInactive, now); err != nil {
		r.reportIllegal(e, endpoint.EventInactive, now, err)
	}
}

func (r *Reconciler) trigger(ctx context.Context, e *endpoint.Endpoint, ev endpoint.Event, now time.Time) {
	to, mirrorWasOn, err := e.Trigger(ev, now)
	if err != nil {
		r.reportIllegal(e, ev, now, err)
		return
	}
	if mirrorWasOn {
		ok, uerr := r.ctl.Unmirror(ctx, e)
		r.reportUnmirror(ok, uerr)
	} else if endpoint.IsMirroringClass(to) {
		ok, merr := r.ctl.Mirror(ctx, e)
		r.reportMirror(ok, merr)
	}
}

func (r *Reconciler) reportIllegal(e *endpoint.Endpoint, ev endpoint.Event, now time.Time, err error) {
	level.Error(r.logger).Log("msg", "illegal transition, forcing unknown", "name", e.Name(), "event", ev, "err", endpoint.ValidateEvent(err))
	e.ForceUnknown(now)
	if r.onIllegalTransition != nil {
		r.onIllegalTransition()
	}
}

func (r *Reconciler) reportMirror(ok bool, err error) {
	if err != nil {
		level.Warn(r.logger).Log("msg", "mirror install failed", "err", err)
	}
	if r.onMirrorResult != nil {
		r.onMirrorResult(ok && err == nil)
	}
}

func (r *Reconciler) reportUnmirror(ok bool, err error) {
	if err != nil {
		level.Warn(r.logger).Log("msg", "unmirror failed", "err", err)
	}
	if r.onUnmirrorResult != nil {
		r.onUnmirrorResult(ok && err == nil)
	}
}

// refreshACLs implements the end of spec.md §4.3: push the rules file
// to every non-ignored endpoint and append each applied rule to its
// acl_history.
func (r *Reconciler) refreshACLs(ctx context.Context) {
	all := r.reg.IterFiltered(func(e *endpoint.Endpoint) bool { return !e.Ignore() })
	ok, actions, err := r.ctl.UpdateACLs(ctx, r.rulesFile, all)
	if err != nil {
		level.Warn(r.logger).Log("msg", "acl update failed", "err", err)
	}
	if r.onACLResult != nil {
		r.onACLResult(ok && err == nil)
	}
	if !ok {
		return
	}

	byName := map[string]*endpoint.Endpoint{}
	for _, e := range all {
		byName[e.Name()] = e
	}
	now := r.now().Unix()
	for _, a := range actions {
		for _, e := range all {
			obs := e.Observation()
			if obs.MAC == a.MAC && obs.Segment == a.Segment && obs.Port == a.Port {
				e.AppendACL(endpoint.ACLEntry{
					Action:    a.Action,
					ACLID:     a.ACLID,
					Rule:      a.Rule,
					AppliedAt: now,
				})
			}
		}
	}
}

// diffJSON renders an informational before/after view of two
// observations for the debug log: the two JSON encodings joined by
// " -> ". It does not compute a line-by-line unified diff.
func diffJSON(before, after endpoint.Observation) string {
	b, errB := json.Marshal(before)
	a, errA := json.Marshal(after)
	if errB != nil || errA != nil {
		return "<unavailable>"
	}
	return string(b) + " -> " + string(a)
}
