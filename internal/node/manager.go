// Package node implements the storage node registry: node creation, mining
// target admission, the dispatch loop that drives targets through analysis,
// and the health check loop.
package node

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
)

// Config controls Manager behavior. Zero values fall back to defaults.
type Config struct {
	DispatchInterval time.Duration
	HealthInterval   time.Duration
	// ActivityWindow is the dead-man's-switch: a node with no activity for
	// longer than this is marked error until activity resumes.
	ActivityWindow time.Duration
	// BaseLatency scales simulated per-target processing time with the
	// target's complexity metadata.
	BaseLatency time.Duration
	// NodeDefaults is merged under any node-specific configuration override.
	NodeDefaults mining.NodeConfiguration
}

const (
	defaultDispatchInterval = 5 * time.Second
	defaultHealthInterval   = 30 * time.Second
	defaultActivityWindow   = 5 * time.Minute
	defaultBaseLatency      = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = defaultDispatchInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = defaultActivityWindow
	}
	if c.BaseLatency <= 0 {
		c.BaseLatency = defaultBaseLatency
	}
	if c.NodeDefaults.MaxConcurrentMining <= 0 {
		c.NodeDefaults.MaxConcurrentMining = 3
	}
	if c.NodeDefaults.CleanupThreshold <= 0 {
		c.NodeDefaults.CleanupThreshold = 80
	}
	if c.NodeDefaults.RetryAttempts <= 0 {
		c.NodeDefaults.RetryAttempts = 3
	}
	if c.NodeDefaults.Timeout <= 0 {
		c.NodeDefaults.Timeout = 30 * time.Second
	}
	return c
}

// handle pairs a node with the mutex that serializes every mutation of it.
// The dispatch loop, the miner and the optimizer all funnel through it, so
// concurrent passes can never lose updates to used/available.
type handle struct {
	mu   sync.Mutex
	node *mining.StorageNode
}

// Manager owns the set of storage nodes and the global mining queue.
type Manager struct {
	store    mining.NodeStore
	analyzer analyzer.PageAnalyzer
	emitter  events.Emitter
	clock    mining.Clock
	idGen    mining.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu      sync.RWMutex
	nodes   map[string]*handle
	ordered []string // creation order, for stable listings
	queue   []*mining.MiningTarget
}

// NewManager constructs a Manager. All collaborators are injected; there are
// no package-level singletons.
func NewManager(
	store mining.NodeStore,
	pageAnalyzer analyzer.PageAnalyzer,
	emitter events.Emitter,
	clock mining.Clock,
	idGen mining.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:    store,
		analyzer: pageAnalyzer,
		emitter:  emitter,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		nodes:    make(map[string]*handle),
	}
}

// Load restores the persisted node set. Pending targets are re-queued;
// targets stuck in mining from a previous run are reset to pending.
func (m *Manager) Load(ctx context.Context) error {
	nodes, err := m.store.LoadNodes(ctx)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nodes {
		m.nodes[n.ID] = &handle{node: n}
		m.ordered = append(m.ordered, n.ID)
		for _, t := range n.Targets {
			if t.Status == mining.TargetStatusMining {
				t.Status = mining.TargetStatusPending
			}
			if t.Status == mining.TargetStatusPending {
				m.queue = append(m.queue, t)
			}
		}
	}
	m.sortQueueLocked()
	m.logger.Info("node set restored", zap.Int("nodes", len(nodes)))
	return nil
}

// CreateNodeRequest carries the parameters for a new mining node.
type CreateNodeRequest struct {
	Name          string
	CapacityMB    float64
	Priority      mining.Priority
	Configuration *mining.NodeConfiguration
}

// CreateMiningNode allocates a storage node with used=0 and the manager
// defaults merged with any node-specific override, persists it, and emits
// NODE_CREATED.
func (m *Manager) CreateMiningNode(ctx context.Context, req CreateNodeRequest) (*mining.StorageNode, error) {
	if req.CapacityMB <= 0 {
		return nil, fmt.Errorf("node capacity must be > 0, got %v", req.CapacityMB)
	}
	id, err := m.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate node id: %w", err)
	}
	now := m.clock.Now()
	priority := req.Priority
	if priority == "" {
		priority = mining.PriorityMedium
	}
	node := &mining.StorageNode{
		ID:            id,
		Name:          req.Name,
		Type:          "mining",
		Status:        mining.NodeStatusActive,
		Capacity:      req.CapacityMB,
		Available:     req.CapacityMB,
		Priority:      priority,
		Configuration: m.mergeConfiguration(req.Configuration),
		CreatedAt:     now,
		LastActivity:  now,
		Performance:   mining.NodePerformance{LastHealthCheck: now},
	}

	m.mu.Lock()
	m.nodes[id] = &handle{node: node}
	m.ordered = append(m.ordered, id)
	m.mu.Unlock()

	if err := m.store.SaveNode(ctx, node); err != nil {
		return nil, fmt.Errorf("persist node: %w", err)
	}
	m.emitter.Emit(events.Event{
		Type:   events.TypeNodeCreated,
		TS:     now,
		NodeID: id,
		Note:   req.Name,
	})
	m.logger.Info("mining node created",
		zap.String("node_id", id),
		zap.Float64("capacity_mb", req.CapacityMB),
	)
	return snapshotNode(node), nil
}

func (m *Manager) mergeConfiguration(override *mining.NodeConfiguration) mining.NodeConfiguration {
	cfg := m.cfg.NodeDefaults
	if override == nil {
		return cfg
	}
	if override.MaxConcurrentMining > 0 {
		cfg.MaxConcurrentMining = override.MaxConcurrentMining
	}
	if override.MaxStorageUsage > 0 {
		cfg.MaxStorageUsage = override.MaxStorageUsage
	}
	if override.CleanupThreshold > 0 {
		cfg.CleanupThreshold = override.CleanupThreshold
	}
	if override.RetryAttempts > 0 {
		cfg.RetryAttempts = override.RetryAttempts
	}
	if override.Timeout > 0 {
		cfg.Timeout = override.Timeout
	}
	return cfg
}

// TargetRequest carries the parameters for a new mining target.
type TargetRequest struct {
	URL           string
	Priority      mining.Priority
	EstimatedSize float64
	Metadata      mining.TargetMetadata
}

// AddMiningTarget validates node existence and status, constructs the target,
// appends it to both the node's list and the global queue, and re-sorts the
// queue by priority (stable). On InvalidState the node's target list is left
// untouched.
func (m *Manager) AddMiningTarget(ctx context.Context, nodeID string, req TargetRequest) (*mining.MiningTarget, error) {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return nil, err
	}
	id, err := m.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate target id: %w", err)
	}
	priority := req.Priority
	if priority == "" {
		priority = mining.PriorityMedium
	}
	now := m.clock.Now()

	h.mu.Lock()
	if h.node.Status != mining.NodeStatusActive {
		status := h.node.Status
		h.mu.Unlock()
		return nil, &mining.InvalidStateError{
			Kind:   "node",
			ID:     nodeID,
			Status: string(status),
			Want:   string(mining.NodeStatusActive),
		}
	}
	target := &mining.MiningTarget{
		ID:            id,
		NodeID:        nodeID,
		URL:           req.URL,
		Domain:        domainOf(req.URL),
		Priority:      priority,
		Status:        mining.TargetStatusPending,
		EstimatedSize: req.EstimatedSize,
		Metadata:      req.Metadata,
		CreatedAt:     now,
	}
	h.node.Targets = append(h.node.Targets, target)
	h.node.LastActivity = now
	node := snapshotNode(h.node)
	h.mu.Unlock()

	m.mu.Lock()
	m.queue = append(m.queue, target)
	m.sortQueueLocked()
	m.mu.Unlock()

	if err := m.store.SaveNode(ctx, node); err != nil {
		m.logger.Warn("persist node after target add failed",
			zap.String("node_id", nodeID), zap.Error(err))
	}
	m.emitter.Emit(events.Event{
		Type:     events.TypeTargetAdded,
		TS:       now,
		NodeID:   nodeID,
		TargetID: id,
		URL:      req.URL,
	})
	return snapshotTarget(target), nil
}

// Node returns a deep copy of the node, so callers can read it without
// holding any lock.
func (m *Manager) Node(nodeID string) (*mining.StorageNode, error) {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return snapshotNode(h.node), nil
}

// Nodes returns deep copies of all nodes in creation order.
func (m *Manager) Nodes() []*mining.StorageNode {
	m.mu.RLock()
	ids := append([]string(nil), m.ordered...)
	m.mu.RUnlock()

	out := make([]*mining.StorageNode, 0, len(ids))
	for _, id := range ids {
		if n, err := m.Node(id); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// FindAvailableNode returns the first active node whose in-flight mining
// count is below its concurrency limit.
func (m *Manager) FindAvailableNode() (string, error) {
	m.mu.RLock()
	ids := append([]string(nil), m.ordered...)
	m.mu.RUnlock()

	for _, id := range ids {
		h, err := m.handleFor(id)
		if err != nil {
			continue
		}
		h.mu.Lock()
		ok := h.node.Status == mining.NodeStatusActive &&
			h.node.ActiveMiningCount() < h.node.Configuration.MaxConcurrentMining
		h.mu.Unlock()
		if ok {
			return id, nil
		}
	}
	return "", &mining.NoAvailableNodesError{}
}

// WithNode runs fn with exclusive access to the live node. Every external
// mutation of node state (the optimizer's passes in particular) must go
// through here so writes serialize with the dispatch loop.
func (m *Manager) WithNode(nodeID string, fn func(*mining.StorageNode) error) error {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := fn(h.node); err != nil {
		return err
	}
	reconcile(h.node)
	return nil
}

// Persist saves the node's current state. Usually called after WithNode.
func (m *Manager) Persist(ctx context.Context, nodeID string) error {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	node := snapshotNode(h.node)
	h.mu.Unlock()
	if err := m.store.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("persist node: %w", err)
	}
	return nil
}

// Emitter exposes the manager's event emitter to collaborators constructed
// around it.
func (m *Manager) Emitter() events.Emitter {
	return m.emitter
}

func (m *Manager) handleFor(nodeID string) (*handle, error) {
	m.mu.RLock()
	h, ok := m.nodes[nodeID]
	m.mu.RUnlock()
	if !ok {
		return nil, &mining.NotFoundError{Kind: "node", ID: nodeID}
	}
	return h, nil
}

// sortQueueLocked keeps the global queue ordered high > medium > low; stable
// otherwise so equal-priority targets dispatch in arrival order.
func (m *Manager) sortQueueLocked() {
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].Priority.Rank() > m.queue[j].Priority.Rank()
	})
}

// reconcile restores the capacity invariant after arbitrary mutation:
// used >= 0 and used + available == capacity.
func reconcile(n *mining.StorageNode) {
	if n.Used < 0 {
		n.Used = 0
	}
	if n.Used > n.Capacity {
		n.Used = n.Capacity
	}
	n.Available = n.Capacity - n.Used
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Hostname())
}

func snapshotNode(n *mining.StorageNode) *mining.StorageNode {
	cp := *n
	cp.Targets = make([]*mining.MiningTarget, len(n.Targets))
	for i, t := range n.Targets {
		cp.Targets[i] = snapshotTarget(t)
	}
	return &cp
}

func snapshotTarget(t *mining.MiningTarget) *mining.MiningTarget {
	cp := *t
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	cp.Metadata.Technologies = append([]string(nil), t.Metadata.Technologies...)
	return &cp
}
