package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
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

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
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

type errAnalyzer struct{}

func (errAnalyzer) Analyze(ctx context.Context, page analyzer.Page) (analyzer.Report, error) {
	return analyzer.Report{}, errors.New("fetch refused")
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock, *captureEmitter) {
	t.Helper()
	clock := newFakeClock()
	emitter := &captureEmitter{}
	if cfg.BaseLatency == 0 {
		cfg.BaseLatency = time.Millisecond
	}
	m := NewManager(memory.NewNodeStore(), analyzer.NewFake(), emitter, clock, &seqIDs{}, cfg, nil)
	return m, clock, emitter
}

func TestCreateMiningNode(t *testing.T) {
	t.Parallel()
	m, clock, emitter := newTestManager(t, Config{})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "alpha", CapacityMB: 1000})
	require.NoError(t, err)

	assert.Equal(t, mining.NodeStatusActive, node.Status)
	assert.Equal(t, 1000.0, node.Capacity)
	assert.Equal(t, 0.0, node.Used)
	assert.Equal(t, 1000.0, node.Available)
	assert.Equal(t, mining.PriorityMedium, node.Priority)
	assert.Equal(t, 3, node.Configuration.MaxConcurrentMining)
	assert.Equal(t, 80.0, node.Configuration.CleanupThreshold)
	assert.Equal(t, clock.Now(), node.CreatedAt)

	created := emitter.typed(events.TypeNodeCreated)
	require.Len(t, created, 1)
	assert.Equal(t, node.ID, created[0].NodeID)
}

func TestCreateMiningNodeRejectsNonPositiveCapacity(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})

	_, err := m.CreateMiningNode(context.Background(), CreateNodeRequest{Name: "bad", CapacityMB: 0})
	require.Error(t, err)
}

func TestCreateMiningNodeMergesConfigurationOverride(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})

	node, err := m.CreateMiningNode(context.Background(), CreateNodeRequest{
		Name:       "custom",
		CapacityMB: 100,
		Configuration: &mining.NodeConfiguration{
			MaxConcurrentMining: 7,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, node.Configuration.MaxConcurrentMining)
	// Unset override fields keep the defaults.
	assert.Equal(t, 80.0, node.Configuration.CleanupThreshold)
	assert.Equal(t, 3, node.Configuration.RetryAttempts)
}

func TestAddMiningTargetUnknownNode(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})

	_, err := m.AddMiningTarget(context.Background(), "nope", TargetRequest{URL: "https://example.com"})
	var notFound *mining.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "node", notFound.Kind)
}

func TestAddMiningTargetInactiveNodeLeavesTargetsUntouched(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 100})
	require.NoError(t, err)
	require.NoError(t, m.WithNode(node.ID, func(n *mining.StorageNode) error {
		n.Status = mining.NodeStatusInactive
		return nil
	}))

	_, err = m.AddMiningTarget(ctx, node.ID, TargetRequest{URL: "https://example.com"})
	var invalid *mining.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, string(mining.NodeStatusInactive), invalid.Status)

	after, err := m.Node(node.ID)
	require.NoError(t, err)
	assert.Empty(t, after.Targets)
	assert.Empty(t, m.QueueSnapshot())
}

func TestQueueOrdersByPriorityStable(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 100})
	require.NoError(t, err)

	urls := []struct {
		url string
		pri mining.Priority
	}{
		{"https://low-1.example.com", mining.PriorityLow},
		{"https://high-1.example.com", mining.PriorityHigh},
		{"https://med-1.example.com", mining.PriorityMedium},
		{"https://high-2.example.com", mining.PriorityHigh},
		{"https://med-2.example.com", mining.PriorityMedium},
	}
	for _, u := range urls {
		_, err := m.AddMiningTarget(ctx, node.ID, TargetRequest{URL: u.url, Priority: u.pri})
		require.NoError(t, err)
	}

	queue := m.QueueSnapshot()
	require.Len(t, queue, 5)
	got := make([]string, len(queue))
	for i, row := range queue {
		got[i] = row.URL
	}
	// High before medium before low, arrival order within a tier.
	assert.Equal(t, []string{
		"https://high-1.example.com",
		"https://high-2.example.com",
		"https://med-1.example.com",
		"https://med-2.example.com",
		"https://low-1.example.com",
	}, got)
}

func TestDispatchCompletesTargetAndUpdatesUsage(t *testing.T) {
	t.Parallel()
	m, _, emitter := newTestManager(t, Config{})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 1000})
	require.NoError(t, err)
	target, err := m.AddMiningTarget(ctx, node.ID, TargetRequest{
		URL:      "https://shop.example.com/catalog",
		Priority: mining.PriorityHigh,
	})
	require.NoError(t, err)

	m.dispatchOnce(ctx)

	after, err := m.Node(node.ID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 1)
	done := after.Targets[0]
	assert.Equal(t, mining.TargetStatusCompleted, done.Status)
	assert.Greater(t, done.ActualSize, 0.0)
	// Saved space is floor(actual * 0.3), tokens are a fixed fraction of it.
	assert.LessOrEqual(t, done.SpaceSaved, done.ActualSize*0.3)
	assert.Greater(t, done.SpaceSaved, done.ActualSize*0.3-1)
	assert.InDelta(t, done.SpaceSaved*0.001, done.TokensEarned, 1e-9)
	require.NotNil(t, done.CompletedAt)

	assert.Greater(t, after.Used, 0.0)
	assert.InDelta(t, after.Capacity, after.Used+after.Available, 1e-9)
	assert.Equal(t, done.SpaceSaved, after.Performance.TotalSpaceHarvested)

	started := emitter.typed(events.TypeMiningStarted)
	require.Len(t, started, 1)
	assert.Equal(t, target.ID, started[0].TargetID)
	completed := emitter.typed(events.TypeMiningCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, int64(done.SpaceSaved*1024), completed[0].Bytes)

	assert.Empty(t, m.QueueSnapshot(), "dispatched targets leave the queue")
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{
		NodeDefaults: mining.NodeConfiguration{MaxConcurrentMining: 2},
	})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 1000})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m.AddMiningTarget(ctx, node.ID, TargetRequest{
			URL: fmt.Sprintf("https://site-%d.example.com", i),
		})
		require.NoError(t, err)
	}

	batches := m.takeDispatchable()
	require.Len(t, batches[node.ID], 2)
	assert.Len(t, m.QueueSnapshot(), 3)
}

func TestDispatchFailureMarksTargetFailed(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	emitter := &captureEmitter{}
	m := NewManager(memory.NewNodeStore(), errAnalyzer{}, emitter, clock, &seqIDs{},
		Config{BaseLatency: time.Millisecond}, nil)
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 100})
	require.NoError(t, err)
	_, err = m.AddMiningTarget(ctx, node.ID, TargetRequest{URL: "https://down.example.com"})
	require.NoError(t, err)

	m.dispatchOnce(ctx)

	after, err := m.Node(node.ID)
	require.NoError(t, err)
	require.Len(t, after.Targets, 1)
	assert.Equal(t, mining.TargetStatusFailed, after.Targets[0].Status)
	assert.Equal(t, "fetch refused", after.Targets[0].ErrorText)
	assert.Equal(t, 0.0, after.Used, "failed targets never consume capacity")

	failed := emitter.typed(events.TypeMiningFailed)
	require.Len(t, failed, 1)
}

func TestStartMiningForNodeInvalidState(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	err := m.StartMiningForNode(ctx, "ghost")
	var notFound *mining.NotFoundError
	require.ErrorAs(t, err, &notFound)

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 100})
	require.NoError(t, err)
	require.NoError(t, m.WithNode(node.ID, func(n *mining.StorageNode) error {
		n.Status = mining.NodeStatusError
		return nil
	}))

	err = m.StartMiningForNode(ctx, node.ID)
	var invalid *mining.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCompleteTargetTriggersCleanupPastThreshold(t *testing.T) {
	t.Parallel()
	m, _, emitter := newTestManager(t, Config{})
	ctx := context.Background()

	// Tiny node so a single completion crosses the 80% threshold.
	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 1})
	require.NoError(t, err)
	target, err := m.AddMiningTarget(ctx, node.ID, TargetRequest{URL: "https://example.com"})
	require.NoError(t, err)

	require.NoError(t, m.StartTarget(ctx, node.ID, target.ID))
	// 900 KB saved on a 1 MB node: utilization hits ~88%.
	require.NoError(t, m.CompleteTarget(ctx, node.ID, target.ID, 3000, 900, 0.9))

	after, err := m.Node(node.ID)
	require.NoError(t, err)
	assert.Less(t, after.Utilization(), after.Configuration.CleanupThreshold)
	assert.InDelta(t, after.Capacity, after.Used+after.Available, 1e-9)
	assert.Empty(t, after.Targets, "cleanup reclaims completed targets")

	cleanups := emitter.typed(events.TypeStorageCleanup)
	require.Len(t, cleanups, 1)
	assert.Equal(t, int64(900*1024), cleanups[0].Bytes)
}

func TestHealthCheckDeadManSwitch(t *testing.T) {
	t.Parallel()
	m, clock, emitter := newTestManager(t, Config{ActivityWindow: 5 * time.Minute})
	ctx := context.Background()

	node, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "n", CapacityMB: 100})
	require.NoError(t, err)

	// Recent activity: stays active.
	m.healthCheckOnce(ctx)
	after, err := m.Node(node.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.NodeStatusActive, after.Status)

	// Silent past the window: flips to error.
	clock.Advance(6 * time.Minute)
	m.healthCheckOnce(ctx)
	after, err = m.Node(node.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.NodeStatusError, after.Status)
	require.Len(t, emitter.typed(events.TypeNodeError), 1)

	// Fresh activity: recovers.
	require.NoError(t, m.WithNode(node.ID, func(n *mining.StorageNode) error {
		n.LastActivity = clock.Now()
		return nil
	}))
	m.healthCheckOnce(ctx)
	after, err = m.Node(node.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.NodeStatusActive, after.Status)
	require.Len(t, emitter.typed(events.TypeNodeRecovered), 1)
	assert.Equal(t, clock.Now(), after.Performance.LastHealthCheck)
}

func TestFindAvailableNode(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t, Config{
		NodeDefaults: mining.NodeConfiguration{MaxConcurrentMining: 1},
	})
	ctx := context.Background()

	_, err := m.FindAvailableNode()
	var none *mining.NoAvailableNodesError
	require.ErrorAs(t, err, &none)

	first, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "first", CapacityMB: 100})
	require.NoError(t, err)
	second, err := m.CreateMiningNode(ctx, CreateNodeRequest{Name: "second", CapacityMB: 100})
	require.NoError(t, err)

	got, err := m.FindAvailableNode()
	require.NoError(t, err)
	assert.Equal(t, first.ID, got)

	// Saturate the first node; selection moves to the second.
	target, err := m.AddMiningTarget(ctx, first.ID, TargetRequest{URL: "https://example.com"})
	require.NoError(t, err)
	require.NoError(t, m.StartTarget(ctx, first.ID, target.ID))

	got, err = m.FindAvailableNode()
	require.NoError(t, err)
	assert.Equal(t, second.ID, got)
}

func TestLoadRequeuesPendingAndResetsStuckMining(t *testing.T) {
	t.Parallel()
	store := memory.NewNodeStore()
	ctx := context.Background()

	seed := &mining.StorageNode{
		ID:       "n1",
		Status:   mining.NodeStatusActive,
		Capacity: 100, Available: 100,
		Configuration: mining.NodeConfiguration{MaxConcurrentMining: 3, CleanupThreshold: 80},
		Targets: []*mining.MiningTarget{
			{ID: "t1", NodeID: "n1", URL: "https://a.example.com", Status: mining.TargetStatusPending, Priority: mining.PriorityLow},
			{ID: "t2", NodeID: "n1", URL: "https://b.example.com", Status: mining.TargetStatusMining, Priority: mining.PriorityHigh},
			{ID: "t3", NodeID: "n1", URL: "https://c.example.com", Status: mining.TargetStatusCompleted, Priority: mining.PriorityHigh},
		},
	}
	require.NoError(t, store.SaveNode(ctx, seed))

	m := NewManager(store, analyzer.NewFake(), nil, newFakeClock(), &seqIDs{}, Config{}, nil)
	require.NoError(t, m.Load(ctx))

	queue := m.QueueSnapshot()
	require.Len(t, queue, 2, "pending and reset targets are queued, completed is not")
	assert.Equal(t, "t2", queue[0].TargetID, "reset mining target keeps its high priority")

	node, err := m.Node("n1")
	require.NoError(t, err)
	for _, target := range node.Targets {
		assert.NotEqual(t, mining.TargetStatusMining, target.Status)
	}
}
