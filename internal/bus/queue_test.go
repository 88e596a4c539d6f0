package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingFIFOOrder(t *testing.T) {
	q := newRing(3)
	_, dropped := q.add(Delivery{RoutingKey: "a"})
	require.False(t, dropped)
	_, dropped = q.add(Delivery{RoutingKey: "b"})
	require.False(t, dropped)

	e, ok := q.remove()
	require.True(t, ok)
	require.Equal(t, "a", e.RoutingKey)

	e, ok = q.remove()
	require.True(t, ok)
	require.Equal(t, "b", e.RoutingKey)

	_, ok = q.remove()
	require.False(t, ok)
}

func TestRingDropsOldestOnOverflow(t *testing.T) {
	q := newRing(2)
	q.add(Delivery{RoutingKey: "a"})
	q.add(Delivery{RoutingKey: "b"})

	dropped, didDrop := q.add(Delivery{RoutingKey: "c"})
	require.True(t, didDrop)
	require.Equal(t, "a", dropped.RoutingKey)
	require.Equal(t, 2, q.length())

	e, ok := q.remove()
	require.True(t, ok)
	require.Equal(t, "b", e.RoutingKey)

	e, ok = q.remove()
	require.True(t, ok)
	require.Equal(t, "c", e.RoutingKey)
}

func TestRingWrapsAroundBuffer(t *testing.T) {
	q := newRing(2)
	q.add(Delivery{RoutingKey: "a"})
	q.remove()
	q.add(Delivery{RoutingKey: "b"})
	q.add(Delivery{RoutingKey: "c"})

	require.Equal(t, 2, q.length())
	e, _ := q.remove()
	require.Equal(t, "b", e.RoutingKey)
	e, _ = q.remove()
	require.Equal(t, "c", e.RoutingKey)
}
