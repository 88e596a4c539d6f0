// Package metrics implements the Metrics Registry (component J):
// every Prometheus collector named in SPEC_FULL.md §4.9. Registration
// against a private `prometheus.Registry` plus the Go/process
// collectors is ported from the teacher's `cmd/operator/main.go`,
// which registers the same pair ahead of its own counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	Registry *prometheus.Registry

	Endpoints          *prometheus.GaugeVec
	InvestigationUsed  prometheus.Gauge
	InvestigationTotal prometheus.Gauge
	MirrorInstalls     *prometheus.CounterVec
	Unmirrors          *prometheus.CounterVec
	EventQueueDepth    prometheus.Gauge
	EventQueueDropped  prometheus.Counter
	IllegalTransitions prometheus.Counter
	ACLUpdates         *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	NetworkFullHosts   prometheus.Gauge
}

// New constructs and registers every collector against a fresh private
// registry, plus the standard Go/process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		Endpoints: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "poseidon_endpoints",
			Help: "Current number of tracked endpoints by state.",
		}, []string{"state"}),
		InvestigationUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poseidon_investigation_budget_used",
			Help: "Endpoints currently in a mirroring-class state.",
		}),
		InvestigationTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poseidon_investigation_budget_total",
			Help: "Configured maximum concurrent investigations.",
		}),
		MirrorInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poseidon_mirror_installs_total",
			Help: "Mirror install attempts by result.",
		}, []string{"result"}),
		Unmirrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poseidon_unmirror_total",
			Help: "Unmirror attempts by result.",
		}, []string{"result"}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poseidon_event_queue_depth",
			Help: "Number of bus deliveries currently queued.",
		}),
		EventQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poseidon_event_queue_dropped_total",
			Help: "Bus deliveries dropped due to a full event queue.",
		}),
		IllegalTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "poseidon_illegal_transitions_total",
			Help: "Illegal state transition attempts, forced to unknown.",
		}),
		ACLUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poseidon_acl_updates_total",
			Help: "ACL update attempts by result.",
		}, []string{"result"}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "poseidon_reconcile_duration_seconds",
			Help:    "Duration of one Reconciler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		NetworkFullHosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "poseidon_network_full_hosts",
			Help: "Number of hosts reported in the last network_full dataset fetch.",
		}),
	}

	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.Endpoints,
		m.InvestigationUsed,
		m.InvestigationTotal,
		m.MirrorInstalls,
		m.Unmirrors,
		m.EventQueueDepth,
		m.EventQueueDropped,
		m.IllegalTransitions,
		m.ACLUpdates,
		m.ReconcileDuration,
		m.NetworkFullHosts,
	)
	return m
}

// resultLabel maps a boolean outcome to the "success"/"failure" label
// value used across every *_total{result=...} counter.
func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveMirror records one mirror install attempt.
func (m *Metrics) ObserveMirror(ok bool) { m.MirrorInstalls.WithLabelValues(resultLabel(ok)).Inc() }

// ObserveUnmirror records one unmirror attempt.
func (m *Metrics) ObserveUnmirror(ok bool) { m.Unmirrors.WithLabelValues(resultLabel(ok)).Inc() }

// ObserveACL records one ACL update attempt.
func (m *Metrics) ObserveACL(ok bool) { m.ACLUpdates.WithLabelValues(resultLabel(ok)).Inc() }

// IncIllegalTransition increments the illegal-transition counter.
func (m *Metrics) IncIllegalTransition() { m.IllegalTransitions.Inc() }

// IncEventQueueDropped increments the dropped-delivery counter.
func (m *Metrics) IncEventQueueDropped() { m.EventQueueDropped.Inc() }

// SetEventQueueDepth sets the current queue depth gauge.
func (m *Metrics) SetEventQueueDepth(n int) { m.EventQueueDepth.Set(float64(n)) }

// SetNetworkFullHosts records how many hosts the last network_full
// dataset fetch reported, per spec.md §6 ("forwards the dataset field
// to the metrics exporter").
func (m *Metrics) SetNetworkFullHosts(n int) { m.NetworkFullHosts.Set(float64(n)) }

// SetInvestigationBudget sets the used/total budget gauges.
func (m *Metrics) SetInvestigationBudget(used, total int) {
	m.InvestigationUsed.Set(float64(used))
	m.InvestigationTotal.Set(float64(total))
}

// states lists every symbol the endpoint state machine can occupy, in
// the order the gauge should report them.
var states = []endpoint.State{
	endpoint.StateUnknown,
	endpoint.StateMirroring,
	endpoint.StateInactive,
	endpoint.StateAbnormal,
	endpoint.StateShutdown,
	endpoint.StateReinvestigating,
	endpoint.StateKnown,
	endpoint.StateQueued,
}

// SetEndpointCounts resets the per-state endpoint gauge to counts, a
// map produced by the caller via registry.CountByState.
func (m *Metrics) SetEndpointCounts(counts map[endpoint.State]int) {
	for _, s := range states {
		m.Endpoints.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
