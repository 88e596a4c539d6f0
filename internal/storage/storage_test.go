package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLastSegmentReturnsTrailingComponent(t *testing.T) {
	require.Equal(t, "1700000000", lastSegment("/poseidon/ml/aa:bb:cc:dd:ee:ff/1700000000"))
	require.Equal(t, "bare", lastSegment("bare"))
	require.Equal(t, "", lastSegment("/poseidon/ml/"))
}

func TestIsIPv6DetectsColon(t *testing.T) {
	require.True(t, isIPv6("2001:db8::1"))
	require.False(t, isIPv6("10.1.2.3"))
}

func TestKeyNamingIsStableAndPrefixed(t *testing.T) {
	require.Equal(t, "/poseidon/p_endpoints", endpointsKey())
	require.Equal(t, "/poseidon/mac/aa:bb:cc:dd:ee:ff", macKey("aa:bb:cc:dd:ee:ff"))
	require.Equal(t, "/poseidon/ip/10.1.2.3", ipKey("10.1.2.3"))
	require.Equal(t, "/poseidon/endpoint/sw1-1", endpointKey("sw1-1"))
}
