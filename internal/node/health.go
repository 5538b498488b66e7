package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
)

// healthCheckOnce applies the dead-man's-switch to every node: active nodes
// with no recent activity go to error, error nodes with recent activity
// recover. Inactive nodes are operator-controlled and untouched.
func (m *Manager) healthCheckOnce(ctx context.Context) {
	now := m.clock.Now()

	m.mu.RLock()
	ids := append([]string(nil), m.ordered...)
	m.mu.RUnlock()

	for _, id := range ids {
		h, err := m.handleFor(id)
		if err != nil {
			continue
		}
		h.mu.Lock()
		stale := now.Sub(h.node.LastActivity) > m.cfg.ActivityWindow
		var transition events.Type
		switch {
		case h.node.Status == mining.NodeStatusActive && stale:
			h.node.Status = mining.NodeStatusError
			transition = events.TypeNodeError
		case h.node.Status == mining.NodeStatusError && !stale:
			h.node.Status = mining.NodeStatusActive
			transition = events.TypeNodeRecovered
		}
		h.node.Performance.LastHealthCheck = now
		h.node.Performance.Uptime = now.Sub(h.node.CreatedAt).Seconds()
		h.node.Performance.MiningRate = miningRate(h.node, now)
		h.node.Performance.SuccessRate = successRate(h.node)
		h.mu.Unlock()

		if transition != "" {
			m.emitter.Emit(events.Event{Type: transition, TS: now, NodeID: id})
			m.logger.Info("node status transition",
				zap.String("node_id", id),
				zap.String("event", string(transition)),
			)
			if err := m.Persist(ctx, id); err != nil {
				m.logger.Warn("persist after health transition failed",
					zap.String("node_id", id), zap.Error(err))
			}
		}
	}
}

// miningRate derives harvested KB per hour since node creation. Rates are
// derived on read, not maintained incrementally.
func miningRate(n *mining.StorageNode, now time.Time) float64 {
	hours := now.Sub(n.CreatedAt).Hours()
	if hours <= 0 {
		return 0
	}
	return n.Performance.TotalSpaceHarvested / hours
}

// successRate scans the target list and returns completed/(completed+failed)
// as a percentage. O(targets) per call.
func successRate(n *mining.StorageNode) float64 {
	var completed, failed int
	for _, t := range n.Targets {
		switch t.Status {
		case mining.TargetStatusCompleted:
			completed++
		case mining.TargetStatusFailed:
			failed++
		}
	}
	if completed+failed == 0 {
		return 0
	}
	return float64(completed) / float64(completed+failed) * 100
}
