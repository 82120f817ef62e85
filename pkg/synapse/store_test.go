package synapse

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotStore_SaveAndRestoreRoundTrips(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteSnapshotStore(filepath.Join(t.TempDir(), "synapse.db"))
	require.NoError(t, err)
	defer store.Close()

	n := NewNode(NodeKindMemory, "agent-1")
	n.SetPayload(json.RawMessage(`{"note":"hello"}`), time.Now().UTC(), "r1")
	n.AddTag("important", "t1")
	n.IncrementUsage("r1", 3)

	require.NoError(t, store.SaveNode(ctx, n))

	rows, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, n.ID, rows[0].NodeID)
	require.Equal(t, "agent-1", rows[0].AgentID)
	require.Equal(t, []string{"important"}, rows[0].Tags)
	require.EqualValues(t, 3, rows[0].UsageCount)

	g := NewGraph()
	RestoreInto(g, rows, "restore-replica")
	restored, ok := g.GetNode(n.ID)
	require.True(t, ok)
	require.JSONEq(t, `{"note":"hello"}`, string(restored.Payload()))
	require.Equal(t, []string{"important"}, restored.Tags())
	require.EqualValues(t, 3, restored.UsageCount())
}

func TestSnapshotStore_SaveNodeUpserts(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteSnapshotStore(filepath.Join(t.TempDir(), "synapse.db"))
	require.NoError(t, err)
	defer store.Close()

	n := NewNode(NodeKindState, "agent-2")
	require.NoError(t, store.SaveNode(ctx, n))
	n.SetPayload(json.RawMessage(`{"v":2}`), time.Now().UTC(), "r1")
	require.NoError(t, store.SaveNode(ctx, n))

	rows, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.JSONEq(t, `{"v":2}`, string(rows[0].Payload))
}
