package optimizer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
	"github.com/seoharvest/webminer/internal/node"
	"github.com/seoharvest/webminer/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("opt-%03d", g.n), nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(ev events.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureEmitter) typed(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	manager   *node.Manager
	optimizer *Optimizer
	clock     *fakeClock
	emitter   *captureEmitter
	nodeID    string
}

// newFixture builds a manager with one node and an optimizer over it. usedMB
// is set directly; completed targets carry the per-target saved space that
// the passes reclaim from.
func newFixture(t *testing.T, policy Policy, capacityMB, usedMB float64, targets []*mining.MiningTarget) *fixture {
	t.Helper()
	clock := newFakeClock()
	emitter := &captureEmitter{}
	ids := &seqIDs{}
	manager := node.NewManager(memory.NewNodeStore(), analyzer.NewFake(), emitter, clock, ids,
		node.Config{BaseLatency: time.Millisecond}, nil)

	created, err := manager.CreateMiningNode(context.Background(), node.CreateNodeRequest{
		Name: "opt-node", CapacityMB: capacityMB,
	})
	require.NoError(t, err)
	require.NoError(t, manager.WithNode(created.ID, func(n *mining.StorageNode) error {
		n.Used = usedMB
		n.Targets = targets
		return nil
	}))

	policy.Seed = 42
	return &fixture{
		manager:   manager,
		optimizer: New(manager, emitter, clock, ids, policy, nil),
		clock:     clock,
		emitter:   emitter,
		nodeID:    created.ID,
	}
}

func completedTarget(id string, completedDaysAgo int, savedKB float64, clock *fakeClock) *mining.MiningTarget {
	done := clock.Now().AddDate(0, 0, -completedDaysAgo)
	return &mining.MiningTarget{
		ID:          id,
		URL:         "https://" + id + ".example.com",
		Domain:      id + ".example.com",
		Status:      mining.TargetStatusCompleted,
		SpaceSaved:  savedKB,
		CompletedAt: &done,
	}
}

func TestMonitorRunsArchivalAtHighUtilization(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := newFixture(t, Policy{
		CleanupThreshold:  60,
		ArchivalThreshold: 80,
		EnableArchival:    true,
	}, 100, 80, []*mining.MiningTarget{
		completedTarget("old", 10, 2048, clock),
		completedTarget("fresh", 2, 2048, clock),
	})

	f.optimizer.MonitorOnce(context.Background())

	history := f.optimizer.History()
	require.Len(t, history, 1)
	record := history[0]
	assert.Equal(t, mining.OptimizationArchival, record.Type)
	assert.Equal(t, mining.OptimizationStatusCompleted, record.Status)
	assert.Greater(t, record.SpaceSaved, 0.0, "an old completed target exists, so archival reclaims space")
	assert.Equal(t, 1, record.Details.TargetsProcessed)
	assert.Equal(t, 1, record.Details.ArchivesCreated)

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 2, "archival keeps targets")
	assert.Equal(t, "archived", after.Targets[0].BiomeType)
	assert.Empty(t, after.Targets[1].BiomeType, "fresh targets are not archived")
	assert.InDelta(t, after.Capacity, after.Used+after.Available, 1e-9)
	assert.Less(t, after.Used, 80.0)

	require.Len(t, f.emitter.typed(events.TypeOptStarted), 1)
	require.Len(t, f.emitter.typed(events.TypeOptCompleted), 1)
}

func TestMonitorArchivalWithoutOldTargetsSavesNothing(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := newFixture(t, Policy{
		CleanupThreshold:  60,
		ArchivalThreshold: 80,
		EnableArchival:    true,
	}, 100, 80, []*mining.MiningTarget{
		completedTarget("fresh", 1, 2048, clock),
	})

	f.optimizer.MonitorOnce(context.Background())

	history := f.optimizer.History()
	require.Len(t, history, 1)
	assert.Equal(t, mining.OptimizationStatusCompleted, history[0].Status)
	assert.Equal(t, 0.0, history[0].SpaceSaved)
}

func TestMonitorSkipsNodesUnderThreshold(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Policy{CleanupThreshold: 75}, 100, 40, nil)

	f.optimizer.MonitorOnce(context.Background())

	assert.Empty(t, f.optimizer.History())
	assert.Empty(t, f.emitter.typed(events.TypeOptStarted))
}

func TestCleanupRemovesExpiredCompletedTargets(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	pending := &mining.MiningTarget{ID: "pending", Status: mining.TargetStatusPending}
	f := newFixture(t, Policy{
		CleanupThreshold: 75,
		RetentionDays:    30,
	}, 100, 80, []*mining.MiningTarget{
		completedTarget("expired", 40, 10240, clock),
		completedTarget("recent", 5, 10240, clock),
		pending,
	})

	record, err := f.optimizer.RunPass(context.Background(), f.nodeID, mining.OptimizationCleanup)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Details.TargetsProcessed)
	assert.InDelta(t, 10.0, record.SpaceSaved, 1e-9, "10240 KB reclaimed is 10 MB")

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 2)
	assert.Equal(t, "recent", after.Targets[0].ID)
	assert.Equal(t, "pending", after.Targets[1].ID)
	assert.InDelta(t, 70.0, after.Used, 1e-9)
	assert.InDelta(t, after.Capacity, after.Used+after.Available, 1e-9)
}

func TestCompressionShrinksWithoutRemoving(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := newFixture(t, Policy{
		CleanupThreshold:  60,
		EnableCompression: true,
	}, 100, 80, []*mining.MiningTarget{
		completedTarget("a", 3, 10240, clock),
		completedTarget("b", 3, 10240, clock),
	})

	record, err := f.optimizer.RunPass(context.Background(), f.nodeID, mining.OptimizationCompression)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Details.FilesCompressed)

	// Each target gives back 20-40% of its 10 MB, so 4-8 MB total.
	assert.GreaterOrEqual(t, record.SpaceSaved, 4.0)
	assert.LessOrEqual(t, record.SpaceSaved, 8.0)

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	assert.Len(t, after.Targets, 2, "compression never removes targets")
	for _, target := range after.Targets {
		assert.Less(t, target.SpaceSaved, 10240.0)
	}
	assert.InDelta(t, after.Capacity, after.Used+after.Available, 1e-9)
}

func TestDeduplicationKeepsNewestPerDomain(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	older := completedTarget("dup-old", 9, 5120, clock)
	newer := completedTarget("dup-new", 2, 5120, clock)
	older.Domain = "shop.example.com"
	newer.Domain = "shop.example.com"
	other := completedTarget("solo", 4, 5120, clock)

	f := newFixture(t, Policy{
		CleanupThreshold:    60,
		EnableDeduplication: true,
	}, 100, 80, []*mining.MiningTarget{older, newer, other})

	record, err := f.optimizer.RunPass(context.Background(), f.nodeID, mining.OptimizationDeduplication)
	require.NoError(t, err)
	assert.Equal(t, 1, record.Details.DuplicatesRemoved)
	assert.InDelta(t, 5.0, record.SpaceSaved, 1e-9)

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 2)
	ids := []string{after.Targets[0].ID, after.Targets[1].ID}
	assert.Contains(t, ids, "dup-new")
	assert.Contains(t, ids, "solo")
}

func TestDeduplicationDisabledByPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Policy{CleanupThreshold: 60}, 100, 80, nil)

	_, err := f.optimizer.RunPass(context.Background(), f.nodeID, mining.OptimizationDeduplication)
	require.Error(t, err)
	assert.Empty(t, f.optimizer.History(), "disabled passes leave no record")
}

func TestMigrationReclaimsWithoutTouchingTargets(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	f := newFixture(t, Policy{
		CleanupThreshold: 60,
		EnableMigration:  true,
	}, 100, 80, []*mining.MiningTarget{
		completedTarget("keep", 3, 10240, clock),
	})

	record, err := f.optimizer.RunPass(context.Background(), f.nodeID, mining.OptimizationMigration)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, record.SpaceSaved, 1e-9, "flat 5% of 80 MB")

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 1)
	assert.Equal(t, 10240.0, after.Targets[0].SpaceSaved, "migration touches no targets")
}

func TestFailedPassLeavesNodeUntouchedAndRecordsFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Policy{CleanupThreshold: 60}, 100, 80, nil)

	_, err := f.optimizer.RunPass(context.Background(), "no-such-node", mining.OptimizationCleanup)
	require.Error(t, err)

	history := f.optimizer.History()
	require.Len(t, history, 1)
	assert.Equal(t, mining.OptimizationStatusFailed, history[0].Status)
	assert.NotEmpty(t, history[0].ErrorText)
	require.Len(t, f.emitter.typed(events.TypeOptFailed), 1)

	after, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	assert.Equal(t, 80.0, after.Used)
}

func TestSelectTypeEscalatesAndRespectsPolicy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Policy{
		CleanupThreshold:     70,
		CompressionThreshold: 85,
		ArchivalThreshold:    95,
		EnableCompression:    true,
		EnableArchival:       true,
	}, 100, 0, nil)

	assert.Equal(t, mining.OptimizationCleanup, f.optimizer.selectType(75))
	assert.Equal(t, mining.OptimizationCompression, f.optimizer.selectType(88))
	assert.Equal(t, mining.OptimizationArchival, f.optimizer.selectType(97))

	disabled := New(f.manager, nil, f.clock, &seqIDs{}, Policy{
		CleanupThreshold:     70,
		CompressionThreshold: 85,
		ArchivalThreshold:    95,
	}, nil)
	assert.Equal(t, mining.OptimizationCleanup, disabled.selectType(97),
		"disabled strategies fall through to cleanup")
}
