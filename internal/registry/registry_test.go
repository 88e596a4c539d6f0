package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iqtlabs/poseidon/internal/endpoint"
)

func obs(mac, segment, port string) endpoint.Observation {
	return endpoint.Observation{MAC: mac, Segment: segment, Port: port, Active: 1}
}

func TestNameStableAndSensitiveToFields(t *testing.T) {
	a := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	b := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	c := obs("aa:bb:cc:dd:ee:ff", "sw1", "2")

	require.Equal(t, Name(a, nil), Name(b, nil))
	require.NotEqual(t, Name(a, nil), Name(c, nil))
}

func TestNameTrunkPortExclusion(t *testing.T) {
	trunks := []TrunkPort{{Segment: "sw1", MAC: "aa:bb:cc:dd:ee:ff", Port: "1"}}
	a := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	b := obs("aa:bb:cc:dd:ee:ff", "sw1", "2")

	// Only a matches the trunk entry, so only a's port is replaced by the
	// trunk marker: b keeps port 2 and hashes differently, and a's name
	// differs from the name it gets without the trunk mapping.
	require.Equal(t, Name(a, trunks), Name(a, trunks))
	require.NotEqual(t, Name(a, trunks), Name(b, trunks))
	require.NotEqual(t, Name(a, nil), Name(a, trunks))
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	r := New(nil)
	now := time.Unix(100, 0)

	res := r.Upsert(obs("aa:bb:cc:dd:ee:ff", "sw1", "1"), now)
	require.True(t, res.Created)
	require.True(t, res.Changed)
	require.Equal(t, 1, r.Len())

	o2 := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	o2.Tenant = "tenant-a"
	res2 := r.Upsert(o2, now)
	require.False(t, res2.Created)
	require.True(t, res2.Changed)
	require.Equal(t, res.Endpoint, res2.Endpoint)
	require.Equal(t, 1, r.Len())
}

func TestUpsertNoChangeWhenIdentical(t *testing.T) {
	r := New(nil)
	now := time.Unix(100, 0)
	o := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")

	r.Upsert(o, now)
	res := r.Upsert(o, now)
	require.False(t, res.Created)
	require.False(t, res.Changed)
}

func TestUpsertPreservesIPFieldsWhenOmitted(t *testing.T) {
	r := New(nil)
	now := time.Unix(100, 0)

	withIP := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	withIP.IPv4 = "10.0.0.5"
	withIP.IPv4Subnet = "10.0.0.0/24"
	r.Upsert(withIP, now)

	withoutIP := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	withoutIP.Tenant = "tenant-b"
	res := r.Upsert(withoutIP, now)

	require.True(t, res.Changed)
	merged := res.Endpoint.Observation()
	require.Equal(t, "10.0.0.5", merged.IPv4)
	require.Equal(t, "10.0.0.0/24", merged.IPv4Subnet)
	require.Equal(t, "tenant-b", merged.Tenant)
}

func TestByMACAndByIPIndexes(t *testing.T) {
	r := New(nil)
	now := time.Unix(0, 0)

	o := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	o.IPv4 = "10.0.0.5"
	r.Upsert(o, now)

	require.Len(t, r.ByMAC("aa:bb:cc:dd:ee:ff"), 1)
	require.Len(t, r.ByIP("10.0.0.5"), 1)
	require.Empty(t, r.ByMAC("00:00:00:00:00:00"))
}

func TestDeindexOnIPChange(t *testing.T) {
	r := New(nil)
	now := time.Unix(0, 0)

	o := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	o.IPv4 = "10.0.0.5"
	r.Upsert(o, now)
	require.Len(t, r.ByIP("10.0.0.5"), 1)

	o2 := obs("aa:bb:cc:dd:ee:ff", "sw1", "1")
	o2.IPv4 = "10.0.0.6"
	r.Upsert(o2, now)

	require.Empty(t, r.ByIP("10.0.0.5"))
	require.Len(t, r.ByIP("10.0.0.6"), 1)
}

func TestRemove(t *testing.T) {
	r := New(nil)
	now := time.Unix(0, 0)
	res := r.Upsert(obs("aa:bb:cc:dd:ee:ff", "sw1", "1"), now)

	r.Remove(res.Endpoint.Name())
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.ByMAC("aa:bb:cc:dd:ee:ff"))
}

func TestCountByState(t *testing.T) {
	r := New(nil)
	now := time.Unix(0, 0)
	res1 := r.Upsert(obs("aa:bb:cc:dd:ee:01", "sw1", "1"), now)
	r.Upsert(obs("aa:bb:cc:dd:ee:02", "sw1", "2"), now)

	require.Equal(t, 2, r.CountByState(endpoint.StateUnknown))

	_, _, err := res1.Endpoint.Trigger(endpoint.EventQueue, now)
	require.NoError(t, err)
	require.Equal(t, 1, r.CountByState(endpoint.StateUnknown))
	require.Equal(t, 1, r.CountByState(endpoint.StateQueued))
}

func TestIterFilteredIsSortedByName(t *testing.T) {
	r := New(nil)
	now := time.Unix(0, 0)
	r.Upsert(obs("aa:bb:cc:dd:ee:01", "sw1", "1"), now)
	r.Upsert(obs("aa:bb:cc:dd:ee:02", "sw1", "2"), now)

	all := r.IterFiltered(func(*endpoint.Endpoint) bool { return true })
	require.Len(t, all, 2)
	require.True(t, all[0].Name() < all[1].Name())
}
