// Package scheduler implements the Investigation Scheduler (component
// D): it enforces the global mirror concurrency budget and decides,
// on each scheduling opportunity, which queued or fallback endpoints
// get promoted into an active investigation. The bounded-candidate,
// take-up-to-budget shape is ported from the teacher's ring-buffer
// backpressure handling in `pkg/export/shard.go`, generalized here from
// "drop the oldest over capacity" to "admit up to the remaining budget".
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/registry"
)

// Clock is injected so tests can control wall-clock time.
type Clock func() time.Time

// Scheduler enforces spec.md §4.4's global investigation budget.
type Scheduler struct {
	reg    *registry.Registry
	ctl    controller.Controller
	logger log.Logger
	now    Clock
	rng    *rand.Rand

	maxConcurrent       int
	reinvestigationFreq time.Duration

	onMirrorInstall func(ok bool)
}

// Option configures optional collaborators on New.
type Option func(*Scheduler)

// WithMetricsHook wires a counter incremented on every mirror install
// attempt made by the Scheduler.
func WithMetricsHook(onMirrorInstall func(ok bool)) Option {
	return func(s *Scheduler) { s.onMirrorInstall = onMirrorInstall }
}

// WithRand overrides the fallback-group shuffle source (tests only).
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// New constructs a Scheduler bound to a registry and controller.
func New(reg *registry.Registry, ctl controller.Controller, logger log.Logger, now Clock, maxConcurrent int, reinvestigationFreq time.Duration, opts ...Option) *Scheduler {
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		reg:                 reg,
		ctl:                 ctl,
		logger:              logger,
		now:                 now,
		maxConcurrent:       maxConcurrent,
		reinvestigationFreq: reinvestigationFreq,
		rng:                 rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Investigations returns the current count of endpoints in the
// mirroring-class states.
func (s *Scheduler) Investigations() int {
	return s.reg.CountByState(endpoint.StateMirroring) + s.reg.CountByState(endpoint.StateReinvestigating)
}

// Sweep runs one scheduling opportunity: budget computation, candidate
// selection, and promotion. It is safe to call after every event batch
// and on every periodic tick, per spec.md §4.4.
func (s *Scheduler) Sweep(ctx context.Context) {
	budget := s.maxConcurrent - s.Investigations()
	if budget <= 0 {
		return
	}

	candidates, fallback := s.candidates()
	promoted := 0
	for _, e := range candidates {
		if promoted >= budget {
			break
		}
		s.promote(ctx, e, e.NextStateHint())
		promoted++
	}
	for _, e := range fallback {
		if promoted >= budget {
			break
		}
		s.promote(ctx, e, endpoint.EventReinvestigate)
		promoted++
	}
}

// candidates returns the queued group, FIFO by last-history timestamp,
// and the fallback group ({known, abnormal}) in a fresh random order.
func (s *Scheduler) candidates() (queued, fallback []*endpoint.Endpoint) {
	queued = s.reg.IterFiltered(func(e *endpoint.Endpoint) bool {
		return !e.Ignore() && e.State() == endpoint.StateQueued
	})
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].LastTransitionAt() < queued[j].LastTransitionAt()
	})

	if len(queued) > 0 {
		return queued, nil
	}

	fallback = s.reg.IterFiltered(func(e *endpoint.Endpoint) bool {
		if e.Ignore() {
			return false
		}
		st := e.State()
		return st == endpoint.StateKnown || st == endpoint.StateAbnormal
	})
	s.rng.Shuffle(len(fallback), func(i, j int) { fallback[i], fallback[j] = fallback[j], fallback[i] })
	return nil, fallback
}

func (s *Scheduler) promote(ctx context.Context, e *endpoint.Endpoint, ev endpoint.Event) {
	if ev == "" {
		ev = endpoint.EventMirror
	}
	now := s.now()
	to, _, err := e.Trigger(ev, now)
	if err == nil && to == endpoint.StateQueued {
		// known/abnormal --reinvestigate--> queued; a second reinvestigate
		// takes a fallback candidate on into an active investigation.
		to, _, err = e.Trigger(endpoint.EventReinvestigate, now)
	}
	if err != nil {
		level.Error(s.logger).Log("msg", "illegal transition during scheduling, forcing unknown", "name", e.Name(), "event", ev, "err", endpoint.ValidateEvent(err))
		e.ForceUnknown(now)
		return
	}
	if !endpoint.IsMirroringClass(to) {
		return
	}
	ok, err := s.ctl.Mirror(ctx, e)
	if err != nil {
		level.Warn(s.logger).Log("msg", "mirror install failed", "name", e.Name(), "err", err)
	} else {
		level.Info(s.logger).Log("msg", "mirror installed", "name", e.Name(), "state", to)
	}
	if s.onMirrorInstall != nil {
		s.onMirrorInstall(ok && err == nil)
	}
}

// EnforceStaleness implements spec.md §4.4's staleness timeout: any
// endpoint stuck in a mirroring-class state for more than 2x the
// reinvestigation frequency since its last transition is assumed
// abandoned by the ML pipeline and returned to unknown.
func (s *Scheduler) EnforceStaleness(ctx context.Context) {
	if s.reinvestigationFreq <= 0 {
		return
	}
	threshold := 2 * s.reinvestigationFreq
	now := s.now()

	stale := s.reg.IterFiltered(func(e *endpoint.Endpoint) bool {
		st := e.State()
		if st != endpoint.StateMirroring && st != endpoint.StateReinvestigating {
			return false
		}
		last := time.Unix(e.LastTransitionAt(), 0)
		return now.Sub(last) > threshold
	})

	for _, e := range stale {
		if _, err := s.ctl.Unmirror(ctx, e); err != nil {
			level.Warn(s.logger).Log("msg", "unmirror failed during staleness sweep", "name", e.Name(), "err", err)
		}
		if _, _, err := e.Trigger(endpoint.EventUnknown, now); err != nil {
			level.Error(s.logger).Log("msg", "illegal transition during staleness sweep, forcing unknown", "name", e.Name(), "err", endpoint.ValidateEvent(err))
			e.ForceUnknown(now)
		}
	}
}

// NoSDNFallback implements spec.md §4.4's "No-SDN fallback": with no
// controller configured, every non-ignored endpoint goes straight to
// known and the Scheduler otherwise does nothing. Each endpoint is
// driven to known through the shortest legal sequence of transitions
// from its current state; endpoints with no such path (inactive,
// shutdown) are left alone.
func NoSDNFallback(reg *registry.Registry, now Clock) {
	if now == nil {
		now = time.Now
	}
	t := now()
	for _, e := range reg.IterFiltered(func(e *endpoint.Endpoint) bool { return !e.Ignore() }) {
		driveToKnown(e, t)
	}
}

func driveToKnown(e *endpoint.Endpoint, t time.Time) {
	var path []endpoint.Event
	switch e.State() {
	case endpoint.StateKnown, endpoint.StateShutdown, endpoint.StateInactive:
		return
	case endpoint.StateUnknown:
		path = []endpoint.Event{endpoint.EventQueue, endpoint.EventMirror, endpoint.EventKnown}
	case endpoint.StateQueued:
		path = []endpoint.Event{endpoint.EventMirror, endpoint.EventKnown}
	case endpoint.StateAbnormal:
		path = []endpoint.Event{endpoint.EventReinvestigate, endpoint.EventMirror, endpoint.EventKnown}
	case endpoint.StateMirroring, endpoint.StateReinvestigating:
		path = []endpoint.Event{endpoint.EventKnown}
	default:
		return
	}
	for _, ev := range path {
		if _, _, err := e.Trigger(ev, t); err != nil {
			return
		}
	}
}
