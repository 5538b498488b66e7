package miner

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
	return analyzer.Report{}, errors.New("navigation timeout")
}

// stubAnalyzer returns a fixed report so savings-dependent assertions are
// deterministic.
type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, page analyzer.Page) (analyzer.Report, error) {
	return analyzer.Report{
		URL: page.URL,
		Performance: analyzer.Performance{
			PageBytes: 102400,
		},
		Optimizations: []analyzer.Optimization{
			{Category: "unused-css", Description: "remove 8 unused style selectors", EstimatedBytes: 10240},
			{Category: "comments", Description: "strip HTML comments", EstimatedBytes: 10240},
		},
		SpaceSavedBytes: 20480,
	}, nil
}

type fixture struct {
	manager *node.Manager
	miner   *Miner
	emitter *captureEmitter
	nodeID  string
}

func newFixture(t *testing.T, pageAnalyzer analyzer.PageAnalyzer, cfg Config, withNode bool) *fixture {
	t.Helper()
	clock := newFakeClock()
	emitter := &captureEmitter{}
	ids := &seqIDs{}
	manager := node.NewManager(memory.NewNodeStore(), pageAnalyzer, emitter, clock, ids,
		node.Config{BaseLatency: time.Millisecond}, nil)

	f := &fixture{
		manager: manager,
		miner:   New(manager, pageAnalyzer, emitter, clock, ids, cfg, nil),
		emitter: emitter,
	}
	if withNode {
		created, err := manager.CreateMiningNode(context.Background(), node.CreateNodeRequest{
			Name: "worker", CapacityMB: 1000,
		})
		require.NoError(t, err)
		f.nodeID = created.ID
	}
	return f
}

func TestAddMiningJobQueues(t *testing.T) {
	t.Parallel()
	f := newFixture(t, analyzer.NewFake(), Config{}, true)

	job, err := f.miner.AddMiningJob("https://example.com", "")
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusQueued, job.Status)
	assert.Equal(t, mining.PriorityMedium, job.Priority)
	require.Len(t, f.emitter.typed(events.TypeJobQueued), 1)

	_, err = f.miner.AddMiningJob("", mining.PriorityHigh)
	require.Error(t, err)
}

func TestJobUnknownID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, analyzer.NewFake(), Config{}, true)

	_, err := f.miner.Job("missing")
	var notFound *mining.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "job", notFound.Kind)
}

func TestJobRunsToCompletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, stubAnalyzer{}, Config{
		OptimizationThresholdKB: 0.001,
		ApplyDelay:              time.Millisecond,
	}, true)

	job, err := f.miner.AddMiningJob("https://shop.example.com/catalog", mining.PriorityHigh)
	require.NoError(t, err)

	f.miner.TickOnce(context.Background())

	done, err := f.miner.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusCompleted, done.Status)
	assert.Equal(t, f.nodeID, done.NodeID)
	assert.NotEmpty(t, done.TargetID)
	assert.Greater(t, done.Results.SpaceSaved, 0.0)
	assert.Greater(t, done.Results.TokensEarned, 0.0)
	assert.NotEmpty(t, done.Results.Optimizations)
	require.NotNil(t, done.Finished)

	nodeState, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, nodeState.Targets, 1)
	assert.Equal(t, mining.TargetStatusCompleted, nodeState.Targets[0].Status)
	assert.InDelta(t, nodeState.Capacity, nodeState.Used+nodeState.Available, 1e-9)

	require.Len(t, f.emitter.typed(events.TypeJobStarted), 1)
	require.Len(t, f.emitter.typed(events.TypeJobCompleted), 1)
	assert.Equal(t, 0, f.miner.ActiveJobs())
}

func TestHighPriorityJobDispatchesFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, stubAnalyzer{}, Config{
		MaxConcurrentJobs:       1,
		OptimizationThresholdKB: 0.001,
		ApplyDelay:              time.Millisecond,
	}, true)

	low, err := f.miner.AddMiningJob("https://low.example.com", mining.PriorityLow)
	require.NoError(t, err)
	high, err := f.miner.AddMiningJob("https://high.example.com", mining.PriorityHigh)
	require.NoError(t, err)

	f.miner.TickOnce(context.Background())

	gotHigh, err := f.miner.Job(high.ID)
	require.NoError(t, err)
	assert.True(t, gotHigh.Status.IsTerminal(), "high-priority job ran in the first tick")

	gotLow, err := f.miner.Job(low.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusQueued, gotLow.Status, "low-priority job waits for the next tick")

	f.miner.TickOnce(context.Background())
	gotLow, err = f.miner.Job(low.ID)
	require.NoError(t, err)
	assert.True(t, gotLow.Status.IsTerminal())
}

func TestJobFailsWithoutAvailableNodes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, analyzer.NewFake(), Config{}, false)

	job, err := f.miner.AddMiningJob("https://example.com", mining.PriorityMedium)
	require.NoError(t, err)

	f.miner.TickOnce(context.Background())

	done, err := f.miner.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusFailed, done.Status)
	assert.Contains(t, done.ErrorText, "no available nodes")
	require.Len(t, f.emitter.typed(events.TypeJobFailed), 1)
}

func TestBelowThresholdShortCircuits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, stubAnalyzer{}, Config{
		// Threshold far above anything the analyzer can estimate.
		OptimizationThresholdKB: 1 << 30,
	}, true)

	job, err := f.miner.AddMiningJob("https://tiny.example.com", mining.PriorityMedium)
	require.NoError(t, err)

	f.miner.TickOnce(context.Background())

	done, err := f.miner.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusCompleted, done.Status)
	assert.Equal(t, 0.0, done.Results.SpaceSaved)
	assert.Empty(t, done.Results.Optimizations, "nothing is applied below threshold")

	nodeState, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, nodeState.Targets, 1)
	assert.Equal(t, mining.TargetStatusCompleted, nodeState.Targets[0].Status)
	assert.Equal(t, 0.0, nodeState.Used, "no space is claimed below threshold")
}

func TestAnalyzerFailureFailsJobAndTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, errAnalyzer{}, Config{}, true)

	job, err := f.miner.AddMiningJob("https://down.example.com", mining.PriorityMedium)
	require.NoError(t, err)

	f.miner.TickOnce(context.Background())

	done, err := f.miner.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, mining.JobStatusFailed, done.Status)
	assert.Contains(t, done.ErrorText, "navigation timeout")

	nodeState, err := f.manager.Node(f.nodeID)
	require.NoError(t, err)
	require.Len(t, nodeState.Targets, 1)
	assert.Equal(t, mining.TargetStatusFailed, nodeState.Targets[0].Status)
}

func TestTickRespectsSlotCount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, stubAnalyzer{}, Config{
		MaxConcurrentJobs:       2,
		OptimizationThresholdKB: 0.001,
		ApplyDelay:              time.Millisecond,
	}, true)

	for i := 0; i < 5; i++ {
		_, err := f.miner.AddMiningJob(fmt.Sprintf("https://site-%d.example.com", i), mining.PriorityMedium)
		require.NoError(t, err)
	}

	f.miner.TickOnce(context.Background())

	var terminal int
	for _, job := range f.miner.Jobs() {
		if job.Status.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 2, terminal, "one tick starts at most the free slot count")
}
