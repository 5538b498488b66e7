package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seoharvest/webminer/internal/mining"
)

func TestNodeStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewNodeStore()
	ctx := context.Background()

	node := &mining.StorageNode{
		ID:        "n1",
		Status:    mining.NodeStatusActive,
		Capacity:  500,
		Used:      50,
		Available: 450,
		Targets: []*mining.MiningTarget{
			{ID: "t1", NodeID: "n1", URL: "https://example.com", Status: mining.TargetStatusPending},
		},
	}
	require.NoError(t, store.SaveNode(ctx, node))

	loaded, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, node.ID, loaded[0].ID)
	require.Len(t, loaded[0].Targets, 1)

	// The store holds a copy: mutating the original must not leak through.
	node.Used = 400
	loaded, err = store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, 50.0, loaded[0].Used)
}

func TestNodeStore_SaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store := NewNodeStore()
	ctx := context.Background()

	node := &mining.StorageNode{ID: "n1", Capacity: 100}
	require.NoError(t, store.SaveNode(ctx, node))
	before, err := store.LoadNodes(ctx)
	require.NoError(t, err)

	require.NoError(t, store.SaveNode(ctx, node))
	after, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 1, store.Len())
}

func TestNodeStore_SaveNodesUpsertsAll(t *testing.T) {
	t.Parallel()

	store := NewNodeStore()
	ctx := context.Background()

	nodes := []*mining.StorageNode{
		{ID: "a", Capacity: 10},
		{ID: "b", Capacity: 20},
	}
	require.NoError(t, store.SaveNodes(ctx, nodes))
	loaded, err := store.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "a", loaded[0].ID)
	require.Equal(t, "b", loaded[1].ID)
}
