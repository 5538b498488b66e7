// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seoharvest/webminer/internal/mining"
)

// NodeStoreConfig controls the Postgres connection pool for node rows.
type NodeStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// NodeStore persists the node set in a `storage_nodes` table keyed by node id
// with a JSONB blob for the full node document (target list included).
type NodeStore struct {
	pool queryExecCloser
}

const (
	upsertNodeSQL = `
INSERT INTO storage_nodes (id, status, capacity_mb, used_mb, document, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    capacity_mb = EXCLUDED.capacity_mb,
    used_mb = EXCLUDED.used_mb,
    document = EXCLUDED.document,
    updated_at = now();
`
	selectNodesSQL = `SELECT document FROM storage_nodes ORDER BY created_at, id;`
)

// NewNodeStore creates a Postgres-backed NodeStore.
func NewNodeStore(ctx context.Context, cfg NodeStoreConfig) (*NodeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &NodeStore{pool: pool}, nil
}

// NewNodeStoreWithPool constructs a store from an existing pool (primarily
// for testing with pgxmock).
func NewNodeStoreWithPool(pool queryExecCloser) (*NodeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &NodeStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *NodeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// LoadNodes reads the full node set ordered by creation.
func (s *NodeStore) LoadNodes(ctx context.Context) ([]*mining.StorageNode, error) {
	rows, err := s.pool.Query(ctx, selectNodesSQL)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*mining.StorageNode
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		var node mining.StorageNode
		if err := json.Unmarshal(doc, &node); err != nil {
			return nil, fmt.Errorf("decode node document: %w", err)
		}
		nodes = append(nodes, &node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node rows: %w", err)
	}
	return nodes, nil
}

// SaveNode upserts one node document.
func (s *NodeStore) SaveNode(ctx context.Context, node *mining.StorageNode) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	if _, err := s.pool.Exec(ctx, upsertNodeSQL,
		node.ID, string(node.Status), node.Capacity, node.Used, doc,
	); err != nil {
		return fmt.Errorf("upsert node %s: %w", node.ID, err)
	}
	return nil
}

// SaveNodes upserts the full node set, one statement per node.
func (s *NodeStore) SaveNodes(ctx context.Context, nodes []*mining.StorageNode) error {
	for _, node := range nodes {
		if err := s.SaveNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}
