package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

func TestFilterMetadataNarrowsToOwnMACAndIPs(t *testing.T) {
	cache := endpoint.MetadataCache{
		MACSamples: map[string]map[string]endpoint.MLSample{
			"aa:bb:cc:dd:ee:01": {"1700000000": {Behavior: "normal"}},
			"aa:bb:cc:dd:ee:02": {"1700000001": {Behavior: "suspicious"}},
		},
		IPv4OS: map[string]string{"10.0.0.1": "linux", "10.0.0.2": "windows"},
		IPv6OS: map[string]string{"2001:db8::1": "linux"},
	}

	out := filterMetadata(cache, endpoint.Observation{MAC: "aa:bb:cc:dd:ee:01", IPv4: "10.0.0.1"})

	require.Contains(t, out.MACSamples, "aa:bb:cc:dd:ee:01")
	require.NotContains(t, out.MACSamples, "aa:bb:cc:dd:ee:02")
	require.Equal(t, "linux", out.IPv4OS["10.0.0.1"])
	require.NotContains(t, out.IPv4OS, "10.0.0.2")
	require.Empty(t, out.IPv6OS)
}

func TestFilterMetadataEmptyWhenNothingMatches(t *testing.T) {
	cache := endpoint.MetadataCache{
		MACSamples: map[string]map[string]endpoint.MLSample{"aa:bb:cc:dd:ee:01": {}},
		IPv4OS:     map[string]string{"10.0.0.1": "linux"},
		IPv6OS:     map[string]string{},
	}

	out := filterMetadata(cache, endpoint.Observation{MAC: "ff:ff:ff:ff:ff:ff", IPv4: "10.0.0.9"})

	require.Empty(t, out.MACSamples)
	require.Empty(t, out.IPv4OS)
	require.Empty(t, out.IPv6OS)
}
