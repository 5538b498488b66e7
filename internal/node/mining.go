package node

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
)

// Run drives the dispatch and health loops until the context finishes. Both
// loops are self-rescheduling: a pass runs to completion, then the loop waits
// the full interval, so two passes of the same loop never overlap.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, m.cfg.DispatchInterval, m.dispatchOnce)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, m.cfg.HealthInterval, m.healthCheckOnce)
	}()
	wg.Wait()
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			pass(ctx)
			timer.Reset(interval)
		}
	}
}

// dispatchOnce assigns queued targets to nodes with spare mining concurrency
// and processes them. Targets on the same node run sequentially; nodes run
// concurrently. The pass blocks until every started target finishes, which is
// what makes the self-rescheduling loop overlap-free.
func (m *Manager) dispatchOnce(ctx context.Context) {
	batches := m.takeDispatchable()
	if len(batches) == 0 {
		return
	}
	var wg sync.WaitGroup
	for nodeID, targets := range batches {
		wg.Add(1)
		go func(nodeID string, targets []*mining.MiningTarget) {
			defer wg.Done()
			for _, t := range targets {
				if ctx.Err() != nil {
					return
				}
				m.processMiningTarget(ctx, nodeID, t)
			}
		}(nodeID, targets)
	}
	wg.Wait()
}

// takeDispatchable removes up to each active node's spare concurrency of
// pending targets from the global queue, preserving priority order.
func (m *Manager) takeDispatchable() map[string][]*mining.MiningTarget {
	spare := map[string]int{}
	m.mu.RLock()
	handles := make(map[string]*handle, len(m.nodes))
	for id, h := range m.nodes {
		handles[id] = h
	}
	m.mu.RUnlock()

	for id, h := range handles {
		h.mu.Lock()
		if h.node.Status == mining.NodeStatusActive {
			if n := h.node.Configuration.MaxConcurrentMining - h.node.ActiveMiningCount(); n > 0 {
				spare[id] = n
			}
		}
		h.mu.Unlock()
	}

	batches := map[string][]*mining.MiningTarget{}
	m.mu.Lock()
	remaining := m.queue[:0]
	for _, t := range m.queue {
		if t.Status == mining.TargetStatusPending && spare[t.NodeID] > 0 {
			spare[t.NodeID]--
			batches[t.NodeID] = append(batches[t.NodeID], t)
			continue
		}
		if t.Status == mining.TargetStatusPending {
			remaining = append(remaining, t)
		}
	}
	m.queue = remaining
	m.mu.Unlock()
	return batches
}

// StartMiningForNode immediately dispatches the node's queued targets instead
// of waiting for the next loop pass. NotFound and InvalidState conditions are
// returned synchronously to the caller.
func (m *Manager) StartMiningForNode(ctx context.Context, nodeID string) error {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.node.Status != mining.NodeStatusActive {
		status := h.node.Status
		h.mu.Unlock()
		return &mining.InvalidStateError{
			Kind:   "node",
			ID:     nodeID,
			Status: string(status),
			Want:   string(mining.NodeStatusActive),
		}
	}
	spare := h.node.Configuration.MaxConcurrentMining - h.node.ActiveMiningCount()
	h.mu.Unlock()
	if spare <= 0 {
		return nil
	}

	var batch []*mining.MiningTarget
	m.mu.Lock()
	remaining := m.queue[:0]
	for _, t := range m.queue {
		if t.NodeID == nodeID && t.Status == mining.TargetStatusPending && len(batch) < spare {
			batch = append(batch, t)
			continue
		}
		remaining = append(remaining, t)
	}
	m.queue = remaining
	m.mu.Unlock()

	for _, t := range batch {
		m.processMiningTarget(ctx, nodeID, t)
	}
	return nil
}

// processMiningTarget drives one target end to end: mark mining, analyze the
// page (latency scaled by the target's complexity), derive space savings and
// tokens, and fold the result into node usage. Failures mark the target
// failed and never abort the dispatch pass.
func (m *Manager) processMiningTarget(ctx context.Context, nodeID string, target *mining.MiningTarget) {
	if err := m.StartTarget(ctx, nodeID, target.ID); err != nil {
		m.logger.Warn("start target failed",
			zap.String("node_id", nodeID),
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
		return
	}

	latency := time.Duration(float64(m.cfg.BaseLatency) * (1 + target.Metadata.Complexity))
	select {
	case <-ctx.Done():
		_ = m.FailTarget(ctx, nodeID, target.ID, "canceled")
		return
	case <-time.After(latency):
	}

	report, err := m.analyzer.Analyze(ctx, analyzer.Page{URL: target.URL})
	if err != nil {
		_ = m.FailTarget(ctx, nodeID, target.ID, err.Error())
		return
	}

	actualKB := float64(report.Performance.PageBytes) / 1024
	savedKB := math.Floor(actualKB * 0.3)
	tokens := savedKB * 0.001
	if err := m.CompleteTarget(ctx, nodeID, target.ID, actualKB, savedKB, tokens); err != nil {
		m.logger.Warn("complete target failed",
			zap.String("node_id", nodeID),
			zap.String("target_id", target.ID),
			zap.Error(err),
		)
	}
}

// StartTarget transitions a pending target to mining and emits MINING_STARTED.
func (m *Manager) StartTarget(ctx context.Context, nodeID, targetID string) error {
	now := m.clock.Now()
	err := m.withTarget(nodeID, targetID, func(n *mining.StorageNode, t *mining.MiningTarget) error {
		if t.Status != mining.TargetStatusPending {
			return &mining.InvalidStateError{
				Kind:   "target",
				ID:     targetID,
				Status: string(t.Status),
				Want:   string(mining.TargetStatusPending),
			}
		}
		t.Status = mining.TargetStatusMining
		n.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}
	m.emitter.Emit(events.Event{
		Type:     events.TypeMiningStarted,
		TS:       now,
		NodeID:   nodeID,
		TargetID: targetID,
	})
	return nil
}

// CompleteTarget records a mining result: sizes in KB, tokens earned, node
// usage updated KB->MB, cleanup triggered when utilization crosses the
// node's threshold. Emits MINING_COMPLETED and persists the node.
func (m *Manager) CompleteTarget(ctx context.Context, nodeID, targetID string, actualKB, savedKB, tokens float64) error {
	now := m.clock.Now()
	var cleanedKB float64
	err := m.withTarget(nodeID, targetID, func(n *mining.StorageNode, t *mining.MiningTarget) error {
		t.Status = mining.TargetStatusCompleted
		t.ActualSize = actualKB
		t.SpaceSaved = savedKB
		t.TokensEarned = tokens
		t.CompletedAt = &now

		n.Used += savedKB / 1024
		reconcile(n)
		n.LastActivity = now
		n.Performance.TotalSpaceHarvested += savedKB
		n.Performance.TotalTokensEarned += tokens

		if n.Utilization() >= n.Configuration.CleanupThreshold {
			cleanedKB = cleanupNodeStorage(n)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.emitter.Emit(events.Event{
		Type:     events.TypeMiningCompleted,
		TS:       now,
		NodeID:   nodeID,
		TargetID: targetID,
		Bytes:    int64(savedKB * 1024),
	})
	if cleanedKB > 0 {
		m.emitter.Emit(events.Event{
			Type:   events.TypeStorageCleanup,
			TS:     now,
			NodeID: nodeID,
			Bytes:  int64(cleanedKB * 1024),
		})
	}
	if err := m.Persist(ctx, nodeID); err != nil {
		m.logger.Warn("persist after mining completion failed",
			zap.String("node_id", nodeID), zap.Error(err))
	}
	return nil
}

// FailTarget transitions a target to failed with the given error text.
func (m *Manager) FailTarget(ctx context.Context, nodeID, targetID, errText string) error {
	now := m.clock.Now()
	err := m.withTarget(nodeID, targetID, func(n *mining.StorageNode, t *mining.MiningTarget) error {
		t.Status = mining.TargetStatusFailed
		t.ErrorText = errText
		t.CompletedAt = &now
		n.LastActivity = now
		return nil
	})
	if err != nil {
		return err
	}
	m.emitter.Emit(events.Event{
		Type:     events.TypeMiningFailed,
		TS:       now,
		NodeID:   nodeID,
		TargetID: targetID,
		Note:     errText,
	})
	if err := m.Persist(ctx, nodeID); err != nil {
		m.logger.Warn("persist after mining failure failed",
			zap.String("node_id", nodeID), zap.Error(err))
	}
	return nil
}

func (m *Manager) withTarget(nodeID, targetID string, fn func(*mining.StorageNode, *mining.MiningTarget) error) error {
	h, err := m.handleFor(nodeID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.node.Targets {
		if t.ID == targetID {
			return fn(h.node, t)
		}
	}
	return &mining.NotFoundError{Kind: "target", ID: targetID}
}

// cleanupNodeStorage drops the oldest completed targets until utilization is
// back under the threshold, reclaiming their space. Caller holds the node
// lock. Returns the reclaimed KB.
func cleanupNodeStorage(n *mining.StorageNode) float64 {
	var reclaimedKB float64
	kept := n.Targets[:0]
	for _, t := range n.Targets {
		if n.Utilization() >= n.Configuration.CleanupThreshold &&
			t.Status == mining.TargetStatusCompleted && t.CompletedAt != nil {
			reclaimedKB += t.SpaceSaved
			n.Used -= t.SpaceSaved / 1024
			reconcile(n)
			continue
		}
		kept = append(kept, t)
	}
	n.Targets = kept
	return reclaimedKB
}

// TargetSummary is a queue introspection row for operators.
type TargetSummary struct {
	TargetID string
	NodeID   string
	URL      string
	Priority mining.Priority
}

// QueueSnapshot lists queued targets in dispatch order.
func (m *Manager) QueueSnapshot() []TargetSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TargetSummary, 0, len(m.queue))
	for _, t := range m.queue {
		out = append(out, TargetSummary{
			TargetID: t.ID,
			NodeID:   t.NodeID,
			URL:      t.URL,
			Priority: t.Priority,
		})
	}
	return out
}
