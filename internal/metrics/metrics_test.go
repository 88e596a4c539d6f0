package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

func TestObserveMirrorSetsResultLabel(t *testing.T) {
	m := New()
	m.ObserveMirror(true)
	m.ObserveMirror(false)

	require.Equal(t, float64(1), testutil.ToFloat64(m.MirrorInstalls.WithLabelValues("success")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MirrorInstalls.WithLabelValues("failure")))
}

func TestSetEndpointCountsCoversEveryState(t *testing.T) {
	m := New()
	m.SetEndpointCounts(map[endpoint.State]int{
		endpoint.StateKnown:   3,
		endpoint.StateUnknown: 1,
	})

	require.Equal(t, float64(3), testutil.ToFloat64(m.Endpoints.WithLabelValues(string(endpoint.StateKnown))))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Endpoints.WithLabelValues(string(endpoint.StateUnknown))))
	require.Equal(t, float64(0), testutil.ToFloat64(m.Endpoints.WithLabelValues(string(endpoint.StateAbnormal))))
}

func TestSetInvestigationBudget(t *testing.T) {
	m := New()
	m.SetInvestigationBudget(2, 5)
	require.Equal(t, float64(2), testutil.ToFloat64(m.InvestigationUsed))
	require.Equal(t, float64(5), testutil.ToFloat64(m.InvestigationTotal))
}

func TestSetNetworkFullHosts(t *testing.T) {
	m := New()
	m.SetNetworkFullHosts(7)
	require.Equal(t, float64(7), testutil.ToFloat64(m.NetworkFullHosts))
}
