package synapse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectorClockIncrementGet(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("r1")
	vc.Increment("r1")
	vc.Increment("r2")

	require.Equal(t, uint64(2), vc.Get("r1"))
	require.Equal(t, uint64(1), vc.Get("r2"))
	require.Equal(t, uint64(0), vc.Get("r3"))
}

func TestVectorClockMergeTakesComponentwiseMax(t *testing.T) {
	a := NewVectorClock()
	a.Increment("r1")
	a.Increment("r1")

	b := NewVectorClock()
	b.Increment("r1")
	b.Increment("r2")
	b.Increment("r2")
	b.Increment("r2")

	a.Merge(b)

	require.Equal(t, uint64(2), a.Get("r1"))
	require.Equal(t, uint64(3), a.Get("r2"))
}

func TestVectorClockCompare(t *testing.T) {
	a := NewVectorClock()
	a.Increment("r1")

	b := a.Clone()
	b.Increment("r1")

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestVectorClockConcurrentIsZero(t *testing.T) {
	a := NewVectorClock()
	a.Increment("r1")
	a.Increment("r1")

	b := NewVectorClock()
	b.Increment("r2")

	require.Equal(t, 0, a.Compare(b))
}

func TestVectorClockHasObserved(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("r1")
	vc.Increment("r1")

	require.True(t, vc.HasObserved("r1", 1))
	require.True(t, vc.HasObserved("r1", 2))
	require.False(t, vc.HasObserved("r1", 3))
	require.False(t, vc.HasObserved("r2", 1))
}

func TestVectorClockCloneIsIndependent(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("r1")

	clone := vc.Clone()
	clone.Increment("r1")

	require.Equal(t, uint64(1), vc.Get("r1"))
	require.Equal(t, uint64(2), clone.Get("r1"))
}

func TestVectorClockJSONRoundTrip(t *testing.T) {
	vc := NewVectorClock()
	vc.Increment("r1")
	vc.Increment("r2")
	vc.Increment("r2")

	data, err := vc.MarshalJSON()
	require.NoError(t, err)

	restored := NewVectorClock()
	require.NoError(t, restored.UnmarshalJSON(data))
	require.Equal(t, vc.Get("r1"), restored.Get("r1"))
	require.Equal(t, vc.Get("r2"), restored.Get("r2"))
}
