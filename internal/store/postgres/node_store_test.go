package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/seoharvest/webminer/internal/mining"
)

func sampleNode() *mining.StorageNode {
	now := time.Unix(1700000000, 0).UTC()
	return &mining.StorageNode{
		ID:        "node-1",
		Name:      "alpha",
		Type:      "mining",
		Status:    mining.NodeStatusActive,
		Capacity:  1000,
		Used:      120,
		Available: 880,
		Priority:  mining.PriorityHigh,
		CreatedAt: now,
		Targets: []*mining.MiningTarget{{
			ID:     "target-1",
			NodeID: "node-1",
			URL:    "https://example.com",
			Domain: "example.com",
			Status: mining.TargetStatusCompleted,
		}},
	}
}

func TestSaveNodeUpsertsDocument(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewNodeStoreWithPool(mock)
	require.NoError(t, err)

	node := sampleNode()
	doc, err := json.Marshal(node)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO storage_nodes").
		WithArgs(node.ID, string(node.Status), node.Capacity, node.Used, doc).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveNode(context.Background(), node))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveNodeRequiresID(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewNodeStoreWithPool(mock)
	require.NoError(t, err)

	require.Error(t, store.SaveNode(context.Background(), &mining.StorageNode{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadNodesDecodesDocuments(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewNodeStoreWithPool(mock)
	require.NoError(t, err)

	node := sampleNode()
	doc, err := json.Marshal(node)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT document FROM storage_nodes").
		WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

	nodes, err := store.LoadNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, node.ID, nodes[0].ID)
	require.Len(t, nodes[0].Targets, 1)
	require.Equal(t, mining.TargetStatusCompleted, nodes[0].Targets[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveNodesIsIdempotent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewNodeStoreWithPool(mock)
	require.NoError(t, err)

	node := sampleNode()
	doc, err := json.Marshal(node)
	require.NoError(t, err)

	// Two saves with no intervening mutation issue the same upsert.
	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO storage_nodes").
			WithArgs(node.ID, string(node.Status), node.Capacity, node.Used, doc).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	require.NoError(t, store.SaveNodes(context.Background(), []*mining.StorageNode{node}))
	require.NoError(t, store.SaveNodes(context.Background(), []*mining.StorageNode{node}))
	require.NoError(t, mock.ExpectationsWereMet())
}
