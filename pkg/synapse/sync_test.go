package synapse

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine() (*SyncEngine, *Graph, *VectorClock) {
	g := NewGraph()
	clock := NewVectorClock()
	return NewSyncEngine("local", g, clock, nil, ConflictLastWriterWins, nil), g, clock
}

func TestSyncEngineDeliversInOrder(t *testing.T) {
	e, g, clock := newTestEngine()
	n := NewNode(NodeKindState, "agent-1")

	ev := NewSyncEvent("peer-1", 1, n, nil)
	require.NoError(t, e.Deliver(ev))

	_, ok := g.GetNode(n.ID)
	require.True(t, ok)
	require.Equal(t, uint64(1), clock.Get("peer-1"))
}

func TestSyncEngineBuffersOutOfOrderEvent(t *testing.T) {
	e, g, _ := newTestEngine()
	n2 := NewNode(NodeKindState, "agent-1")

	// Seq 2 arrives before seq 1.
	require.NoError(t, e.Deliver(NewSyncEvent("peer-1", 2, n2, nil)))
	_, ok := g.GetNode(n2.ID)
	require.False(t, ok, "out-of-order event must not be applied yet")
	require.Equal(t, 1, e.PendingCount("peer-1"))

	n1 := NewNode(NodeKindState, "agent-1")
	require.NoError(t, e.Deliver(NewSyncEvent("peer-1", 1, n1, nil)))

	_, ok = g.GetNode(n1.ID)
	require.True(t, ok)
	_, ok = g.GetNode(n2.ID)
	require.True(t, ok, "buffered event must be drained once its predecessor arrives")
	require.Zero(t, e.PendingCount("peer-1"))
}

func TestSyncEngineDuplicateDeliveryIsNoOp(t *testing.T) {
	e, g, _ := newTestEngine()
	n := NewNode(NodeKindMemory, "agent-1")
	n.SetPayload(json.RawMessage(`{"v":1}`), time.Now(), "peer-1")

	ev := NewSyncEvent("peer-1", 1, n, nil)
	require.NoError(t, e.Deliver(ev))
	require.NoError(t, e.Deliver(ev))
	require.NoError(t, e.Deliver(ev))

	got, ok := g.GetNode(n.ID)
	require.True(t, ok)
	require.JSONEq(t, `{"v":1}`, string(got.Payload()))
}

func TestSyncEngineCorruptEventIsDroppedNotFatal(t *testing.T) {
	e, g, _ := newTestEngine()
	n := NewNode(NodeKindState, "agent-1")

	ev := NewSyncEvent("peer-1", 1, n, nil)
	ev.Checksum[0] ^= 0xFF // corrupt it

	err := e.Deliver(ev)
	require.ErrorIs(t, err, ErrCorruptEvent)

	_, ok := g.GetNode(n.ID)
	require.False(t, ok)

	// The stream is not blocked: a subsequent valid event still applies.
	valid := NewSyncEvent("peer-1", 1, n, nil)
	require.NoError(t, e.Deliver(valid))
	_, ok = g.GetNode(n.ID)
	require.True(t, ok)
}

func TestSyncEngineEdgeDeltaGoesThroughGraphBuffering(t *testing.T) {
	e, g, _ := newTestEngine()
	src := NewNode(NodeKindState, "agent-1")
	dst := NewNode(NodeKindIntent, "agent-1")
	g.PutNode(src)
	g.PutNode(dst)

	edge := &Edge{Kind: EdgeKindRelates, SourceID: src.ID, TargetID: dst.ID}
	require.NoError(t, e.Deliver(NewSyncEvent("peer-1", 1, nil, edge)))

	require.Len(t, g.EdgesFrom(src.ID), 1)
}

func TestSyncEngineBackoffGrowsWithConsecutiveFailures(t *testing.T) {
	e, _, _ := newTestEngine()

	first := e.NextRetryDelay("peer-1")
	second := e.NextRetryDelay("peer-1")

	require.Greater(t, second, first-first/2, "backoff should not shrink across consecutive failures")
	e.RecoverPeer("peer-1")
	require.Zero(t, e.PendingCount("peer-1"))
}

func TestSyncEngineNeedsAntiEntropyWhenBufferSaturated(t *testing.T) {
	e, _, _ := newTestEngine()
	e.bufferCap = 2

	// Seq starts at 10 so nothing drains; the first two fill the buffer
	// and the third is dropped at the cap.
	e.Deliver(NewSyncEvent("peer-1", 10, NewNode(NodeKindState, "a"), nil))
	e.Deliver(NewSyncEvent("peer-1", 11, NewNode(NodeKindState, "a"), nil))
	e.Deliver(NewSyncEvent("peer-1", 12, NewNode(NodeKindState, "a"), nil))

	require.True(t, e.NeedsAntiEntropy("peer-1"))
}

func TestGeoFenceCheckBlocksAndNamesJurisdiction(t *testing.T) {
	policy := NewProfileGeoFence("eu-west-1", nil, GeoFenceBlock)
	e := NewSyncEngine("local", NewGraph(), NewVectorClock(), policy, ConflictLastWriterWins, nil)

	_, err := e.GeoFenceCheck("eu", "state/1", "antarctica-1")
	require.Error(t, err)

	var blocked *ErrGeoFenceBlocked
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, "eu", blocked.Jurisdiction)
}

func TestGeoFenceCheckAllowsWithoutPolicyConfigured(t *testing.T) {
	e := NewSyncEngine("local", NewGraph(), NewVectorClock(), nil, ConflictLastWriterWins, nil)
	decision, err := e.GeoFenceCheck("eu", "state/1", "anywhere")
	require.NoError(t, err)
	require.Equal(t, GeoFenceAllow, decision)
}

func TestApplyNode_FirstWriterWinsRejectsUpdateToExistingNode(t *testing.T) {
	g := NewGraph()
	clock := NewVectorClock()
	e := NewSyncEngine("local", g, clock, nil, ConflictFirstWriterWins, nil)

	original := NewNode(NodeKindState, "agent-1")
	original.SetPayload(json.RawMessage(`{"v":1}`), time.Now().UTC(), "peer-1")
	require.NoError(t, e.Deliver(NewSyncEvent("peer-1", 1, original, nil)))

	update := NewNode(NodeKindState, "agent-1")
	update.ID = original.ID
	update.SetPayload(json.RawMessage(`{"v":2}`), time.Now().UTC(), "peer-2")
	require.NoError(t, e.Deliver(NewSyncEvent("peer-2", 1, update, nil)))

	stored, ok := g.GetNode(original.ID)
	require.True(t, ok)
	require.Equal(t, json.RawMessage(`{"v":1}`), stored.Payload(), "first write must stay immutable")
}
