// Package memory provides an in-memory NodeStore for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seoharvest/webminer/internal/mining"
)

// NodeStore keeps serialized node state in a map. Nodes are stored as JSON
// copies so callers can never alias the persisted state.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string][]byte
	order []string
}

// NewNodeStore constructs an empty store.
func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string][]byte)}
}

// LoadNodes returns all persisted nodes in insertion order.
func (s *NodeStore) LoadNodes(_ context.Context) ([]*mining.StorageNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mining.StorageNode, 0, len(s.order))
	for _, id := range s.order {
		var node mining.StorageNode
		if err := json.Unmarshal(s.nodes[id], &node); err != nil {
			return nil, fmt.Errorf("decode node %s: %w", id, err)
		}
		out = append(out, &node)
	}
	return out, nil
}

// SaveNode upserts one node.
func (s *NodeStore) SaveNode(_ context.Context, node *mining.StorageNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.ID]; !exists {
		s.order = append(s.order, node.ID)
	}
	s.nodes[node.ID] = data
	return nil
}

// SaveNodes upserts the full node set.
func (s *NodeStore) SaveNodes(ctx context.Context, nodes []*mining.StorageNode) error {
	for _, node := range nodes {
		if err := s.SaveNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of persisted nodes.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}
