package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/iqtlabs/poseidon/internal/controller"
	"github.com/iqtlabs/poseidon/internal/dispatcher"
	"github.com/iqtlabs/poseidon/internal/endpoint"
	"github.com/iqtlabs/poseidon/internal/enrich"
	"github.com/iqtlabs/poseidon/internal/metrics"
	"github.com/iqtlabs/poseidon/internal/reconciler"
	"github.com/iqtlabs/poseidon/internal/registry"
	"github.com/iqtlabs/poseidon/internal/scheduler"
)

type fakeController struct {
	clearFiltersCalls int32
}

func (f *fakeController) Poll(context.Context, []controller.PushEvent) ([]endpoint.Observation, error) {
	return nil, nil
}
func (f *fakeController) Mirror(context.Context, *endpoint.Endpoint) (bool, error)   { return true, nil }
func (f *fakeController) Unmirror(context.Context, *endpoint.Endpoint) (bool, error) { return true, nil }
func (f *fakeController) ClearFilters(context.Context) error {
	atomic.AddInt32(&f.clearFiltersCalls, 1)
	return nil
}
func (f *fakeController) UpdateACLs(context.Context, string, []*endpoint.Endpoint) (bool, []controller.ACLAction, error) {
	return false, nil, nil
}

func newTestDaemon(t *testing.T, networkFullURL string) (*Daemon, *fakeController) {
	reg := registry.New(nil)
	ctl := &fakeController{}
	enricher := enrich.New(nil, 24, 64)
	now := time.Now
	logger := log.NewNopLogger()

	rec := reconciler.New(reg, ctl, enricher, logger, now, false, "")
	sched := scheduler.New(reg, ctl, logger, now, 2, 50*time.Millisecond)
	disp := dispatcher.New(reg, ctl, enricher, logger, now)

	d := &Daemon{
		Logger:                        logger,
		Registry:                      reg,
		Ctl:                           ctl,
		Reconciler:                    rec,
		Scheduler:                     sched,
		Dispatcher:                    disp,
		Metrics:                       metrics.New(),
		ScanFrequency:                 10 * time.Millisecond,
		ReinvestigationFrequency:      10 * time.Millisecond,
		MaxConcurrentReinvestigations: 2,
		NetworkFullURL:                networkFullURL,
		HTTPClient:                    http.DefaultClient,
	}
	return d, ctl
}

func TestRunStopsCleanlyOnContextCancel(t *testing.T) {
	d, ctl := newTestDaemon(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&ctl.clearFiltersCalls))
}

func TestRunFetchesNetworkFullEachTick(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`{"dataset":{"host-a":{},"host-b":{}}}`))
	}))
	defer srv.Close()

	d, _ := newTestDaemon(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}
	require.True(t, atomic.LoadInt32(&hits) > 0)
	require.Equal(t, float64(2), testutil.ToFloat64(d.Metrics.NetworkFullHosts))
}

func TestReportMetricsCoversEveryEndpointState(t *testing.T) {
	d, _ := newTestDaemon(t, "")
	d.reportMetrics()
	// Reaching here without panicking shows reportMetrics can walk every
	// state in endpointStates and set the gauges for them.
}
