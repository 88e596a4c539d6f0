// Package daemon implements the Periodic Tick Loop (component G): the
// three cooperating workers of spec.md §5 (event consumer, scheduler
// worker, main loop) coordinated with `github.com/oklog/run`, matching
// the `run.Group` wiring in the teacher's `cmd/operator/main.go`
// (termination handler, metrics server, main loop each as one Add
// pair). The auxiliary `network_full_url` fetch runs inside the
// scheduler worker's tick rather than as an Add of its own.
package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"

	"github.com/iqtlabs/poseidon/internal/bus"
	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/dispatcher"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/metrics"
	"github.com/iqtlabs/poseidon/internal/reconciler"
	"github.com/iqtlabs/poseidon/internal/registry"
	"github.com/iqtlabs/poseidon/internal/scheduler"
)

// Daemon wires the Reconciler, Scheduler and Dispatcher into the three
// concurrent activities named in spec.md §5 and runs them until
// cancelled.
type Daemon struct {
	Logger     log.Logger
	Registry   *registry.Registry
	Ctl        controller.Controller
	Reconciler *reconciler.Reconciler
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatcher.Dispatcher
	Bus        *bus.Bus
	Metrics    *metrics.Metrics
	Store      Persister

	ScanFrequency                 time.Duration
	ReinvestigationFrequency      time.Duration
	MaxConcurrentReinvestigations int
	NetworkFullURL                string

	HTTPClient *http.Client
}

// Persister is the subset of the Persistence Adapter the daemon needs,
// kept as an interface so the daemon package does not depend on the
// concrete etcd-backed storage package.
type Persister interface {
	StoreEndpoints(ctx context.Context, reg *registry.Registry) error
}

// Run blocks until ctx is cancelled, running the event consumer,
// scheduler worker and main loop as an oklog/run group so a stop on
// any one of them interrupts the others within the 1-second
// cooperative-checkpoint bound required by spec.md §5.
func (d *Daemon) Run(ctx context.Context) error {
	var g run.Group

	// Event consumer: drains the bus into the bounded queue continuously
	// (the queue itself lives in d.Bus; this goroutine only needs to stay
	// alive for the duration of the run, since bus.Dial already started
	// its own delivery goroutine).
	{
		stop := make(chan struct{})
		g.Add(func() error {
			<-stop
			return nil
		}, func(error) {
			close(stop)
		})
	}

	// Scheduler worker: reconciler ticks at scan_frequency, scheduler
	// sweeps and staleness checks at reinvestigation_frequency.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.runScheduleWorker(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Main loop: drains the event queue at 1 Hz, applies dispatcher
	// logic, then runs a Scheduler budget sweep after each batch.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.runMainLoop(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		level.Info(d.Logger).Log("msg", "daemon stopped", "err", err)
	}

	if err := d.Ctl.ClearFilters(context.Background()); err != nil {
		level.Warn(d.Logger).Log("msg", "clear_filters on shutdown failed", "err", err)
	}
	if d.Bus != nil {
		if err := d.Bus.Close(); err != nil {
			level.Warn(d.Logger).Log("msg", "closing bus failed", "err", err)
		}
	}
	return nil
}

func (d *Daemon) runScheduleWorker(ctx context.Context) error {
	scanTicker := time.NewTicker(d.ScanFrequency)
	defer scanTicker.Stop()
	reinvestigateTicker := time.NewTicker(d.ReinvestigationFrequency)
	defer reinvestigateTicker.Stop()

	if d.Ctl == nil || controller.IsNone(d.Ctl) {
		scheduler.NoSDNFallback(d.Registry, time.Now)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scanTicker.C:
			d.tick(ctx)
		case <-reinvestigateTicker.C:
			d.Scheduler.EnforceStaleness(ctx)
			d.Scheduler.Sweep(ctx)
		}
	}
}

func (d *Daemon) runMainLoop(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drainEvents(ctx)
		}
	}
}

func (d *Daemon) drainEvents(ctx context.Context) {
	if d.Bus == nil {
		return
	}
	deliveries := d.Bus.Drain()
	if d.Metrics != nil {
		d.Metrics.SetEventQueueDepth(d.Bus.Depth())
	}
	for _, msg := range deliveries {
		if err := d.Dispatcher.Handle(ctx, dispatcher.Delivery{RoutingKey: msg.RoutingKey, Payload: msg.Payload}); err != nil {
			level.Error(d.Logger).Log("msg", "dispatcher handling failed", "routing_key", msg.RoutingKey, "err", err)
		}
	}
	if len(deliveries) > 0 {
		d.Scheduler.Sweep(ctx)
	}
	d.reportMetrics()
}

func (d *Daemon) tick(ctx context.Context) {
	start := time.Now()
	pushEvents := d.Dispatcher.TakePushEvents()
	if err := d.Reconciler.Tick(ctx, pushEvents, d.persist); err != nil {
		level.Error(d.Logger).Log("msg", "reconciler tick failed", "err", err)
	}
	d.fetchNetworkFull(ctx)
	d.Scheduler.Sweep(ctx)
	d.reportMetrics()
	if d.Metrics != nil {
		d.Metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}
}

func (d *Daemon) persist(ctx context.Context) error {
	if d.Store == nil {
		return nil
	}
	return d.Store.StoreEndpoints(ctx, d.Registry)
}

func (d *Daemon) reportMetrics() {
	if d.Metrics == nil {
		return
	}
	counts := map[endpoint.State]int{}
	for _, s := range endpointStates {
		counts[s] = d.Registry.CountByState(s)
	}
	d.Metrics.SetEndpointCounts(counts)
	d.Metrics.SetInvestigationBudget(d.Scheduler.Investigations(), d.MaxConcurrentReinvestigations)
}

var endpointStates = []endpoint.State{
	endpoint.StateUnknown,
	endpoint.StateMirroring,
	endpoint.StateInactive,
	endpoint.StateAbnormal,
	endpoint.StateShutdown,
	endpoint.StateReinvestigating,
	endpoint.StateKnown,
	endpoint.StateQueued,
}

// networkFullDoc is the auxiliary HTTP document fetched each tick, per
// SPEC_FULL.md §6 (ported from the original `schedule_job_kickurl`).
// dataset is keyed by host, matching the `hosts = req.json()['dataset']`
// shape the original passed straight into its Prometheus updater.
type networkFullDoc struct {
	Dataset map[string]json.RawMessage `json:"dataset"`
}

func (d *Daemon) fetchNetworkFull(ctx context.Context) {
	if d.NetworkFullURL == "" || d.HTTPClient == nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.NetworkFullURL, nil)
	if err != nil {
		return
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		level.Debug(d.Logger).Log("msg", "network_full fetch failed, will retry next tick", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		level.Debug(d.Logger).Log("msg", "network_full fetch returned non-200", "status", resp.StatusCode)
		return
	}
	var doc networkFullDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		level.Debug(d.Logger).Log("msg", "decoding network_full failed", "err", errors.Wrap(err, "decode"))
		return
	}
	if d.Metrics != nil {
		d.Metrics.SetNetworkFullHosts(len(doc.Dataset))
	}
	level.Debug(d.Logger).Log("msg", "fetched network_full dataset", "hosts", len(doc.Dataset))
}

