// Package miner is the job-queue front end of the mining pipeline. It accepts
// URLs, assigns each to an available storage node, drives deep page analysis
// end to end and records the outcome on the node's mining target.
package miner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/mining"
	"github.com/seoharvest/webminer/internal/node"
)

// Config controls the job scheduler.
type Config struct {
	// MaxConcurrentJobs caps how many jobs run at once across all nodes.
	MaxConcurrentJobs int
	// Tick is the scheduler interval.
	Tick time.Duration
	// OptimizationThresholdKB is the below-threshold policy cutoff: pages
	// whose estimated saving lands under it complete without any
	// optimization being applied.
	OptimizationThresholdKB float64
	// ApplyDelay simulates applying one optimization against the live page.
	ApplyDelay time.Duration
}

const (
	defaultMaxConcurrentJobs = 5
	defaultTick              = 2 * time.Second
	defaultThresholdKB       = 10
	defaultApplyDelay        = 10 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	if c.OptimizationThresholdKB <= 0 {
		c.OptimizationThresholdKB = defaultThresholdKB
	}
	if c.ApplyDelay <= 0 {
		c.ApplyDelay = defaultApplyDelay
	}
	return c
}

// Miner owns the job queue and the scheduler loop.
type Miner struct {
	manager  *node.Manager
	analyzer analyzer.PageAnalyzer
	emitter  events.Emitter
	clock    mining.Clock
	idGen    mining.IDGenerator
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*mining.Job
	order  []string // submission order, for stable listings
	active int
}

// New constructs a Miner around an existing node manager.
func New(
	manager *node.Manager,
	pageAnalyzer analyzer.PageAnalyzer,
	emitter events.Emitter,
	clock mining.Clock,
	idGen mining.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Miner {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Miner{
		manager:  manager,
		analyzer: pageAnalyzer,
		emitter:  emitter,
		clock:    clock,
		idGen:    idGen,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		jobs:     make(map[string]*mining.Job),
	}
}

// AddMiningJob queues a URL for processing and emits JOB_QUEUED.
func (m *Miner) AddMiningJob(url string, priority mining.Priority) (*mining.Job, error) {
	if url == "" {
		return nil, fmt.Errorf("job url must not be empty")
	}
	id, err := m.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	if priority == "" {
		priority = mining.PriorityMedium
	}
	now := m.clock.Now()
	job := &mining.Job{
		ID:        id,
		URL:       url,
		Priority:  priority,
		Status:    mining.JobStatusQueued,
		Submitted: now,
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.emitter.Emit(events.Event{
		Type:  events.TypeJobQueued,
		TS:    now,
		JobID: id,
		URL:   url,
	})
	m.logger.Info("mining job queued",
		zap.String("job_id", id),
		zap.String("url", url),
		zap.String("priority", string(priority)),
	)
	return snapshotJob(job), nil
}

// Job returns a copy of the job with the given id.
func (m *Miner) Job(id string) (*mining.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, &mining.NotFoundError{Kind: "job", ID: id}
	}
	return snapshotJob(job), nil
}

// Jobs returns copies of all jobs in submission order.
func (m *Miner) Jobs() []*mining.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mining.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshotJob(m.jobs[id]))
	}
	return out
}

// ActiveJobs reports how many jobs are currently being processed.
func (m *Miner) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Run drives the scheduler loop until the context finishes. The loop is
// self-rescheduling: the next tick is armed only after the previous one
// returns, so two ticks never overlap.
func (m *Miner) Run(ctx context.Context) {
	timer := time.NewTimer(m.cfg.Tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.TickOnce(ctx)
			timer.Reset(m.cfg.Tick)
		}
	}
}

// TickOnce runs one scheduler pass: compute free slots, start that many of
// the highest-priority queued jobs concurrently, and wait for them to finish.
func (m *Miner) TickOnce(ctx context.Context) {
	batch := m.takeRunnable()
	if len(batch) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, job := range batch {
		wg.Add(1)
		go func(job *mining.Job) {
			defer wg.Done()
			defer m.release()
			m.processMiningJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// takeRunnable marks up to the free slot count of queued jobs as claimed,
// highest priority first, earliest submission within a tier.
func (m *Miner) takeRunnable() []*mining.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots := m.cfg.MaxConcurrentJobs - m.active
	if slots <= 0 {
		return nil
	}
	var queued []*mining.Job
	for _, id := range m.order {
		if job := m.jobs[id]; job.Status == mining.JobStatusQueued {
			queued = append(queued, job)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queued[i].Priority.Rank() > queued[j].Priority.Rank()
	})
	if len(queued) > slots {
		queued = queued[:slots]
	}
	m.active += len(queued)
	return queued
}

func (m *Miner) release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// processMiningJob drives one job through mining, analysis and optimization.
// Any failure transitions the job (and its target, once one exists) to failed;
// failures never propagate out of the scheduler pass.
func (m *Miner) processMiningJob(ctx context.Context, job *mining.Job) {
	started := m.clock.Now()
	m.transition(job, mining.JobStatusMining, func(j *mining.Job) {
		j.Started = &started
	})
	m.emitter.Emit(events.Event{
		Type:  events.TypeJobStarted,
		TS:    started,
		JobID: job.ID,
		URL:   job.URL,
	})

	nodeID, err := m.manager.FindAvailableNode()
	if err != nil {
		m.failJob(job, fmt.Sprintf("no available nodes: %v", err))
		return
	}
	m.transition(job, mining.JobStatusMining, func(j *mining.Job) {
		j.NodeID = nodeID
	})

	target, err := m.manager.AddMiningTarget(ctx, nodeID, node.TargetRequest{
		URL:      job.URL,
		Priority: job.Priority,
	})
	if err != nil {
		m.failJob(job, fmt.Sprintf("register target: %v", err))
		return
	}
	m.transition(job, mining.JobStatusMining, func(j *mining.Job) {
		j.TargetID = target.ID
	})
	if err := m.manager.StartTarget(ctx, nodeID, target.ID); err != nil {
		m.failJob(job, fmt.Sprintf("start target: %v", err))
		return
	}

	m.transition(job, mining.JobStatusAnalyzing, nil)
	report, err := m.analyzer.Analyze(ctx, analyzer.Page{URL: job.URL})
	if err != nil {
		_ = m.manager.FailTarget(ctx, nodeID, target.ID, err.Error())
		m.failJob(job, fmt.Sprintf("analyze: %v", err))
		return
	}

	actualKB := float64(report.Performance.PageBytes) / 1024
	savedKB := float64(report.SpaceSavedBytes) / 1024

	// Below-threshold policy: the page is not worth optimizing, so the job
	// completes without applying anything and no space is claimed.
	if savedKB < m.cfg.OptimizationThresholdKB {
		if err := m.manager.CompleteTarget(ctx, nodeID, target.ID, actualKB, 0, 0); err != nil {
			m.failJob(job, fmt.Sprintf("complete target: %v", err))
			return
		}
		m.completeJob(job, mining.JobResults{})
		return
	}

	m.transition(job, mining.JobStatusOptimizing, nil)
	applied, err := m.applyOptimizations(ctx, report.Optimizations)
	if err != nil {
		_ = m.manager.FailTarget(ctx, nodeID, target.ID, err.Error())
		m.failJob(job, fmt.Sprintf("apply optimizations: %v", err))
		return
	}
	if err := verifyOptimizations(report, savedKB); err != nil {
		_ = m.manager.FailTarget(ctx, nodeID, target.ID, err.Error())
		m.failJob(job, fmt.Sprintf("verify: %v", err))
		return
	}

	tokens := savedKB * 0.001
	if err := m.manager.CompleteTarget(ctx, nodeID, target.ID, actualKB, savedKB, tokens); err != nil {
		m.failJob(job, fmt.Sprintf("complete target: %v", err))
		return
	}

	results := mining.JobResults{
		SpaceSaved:    savedKB,
		TokensEarned:  tokens,
		Optimizations: applied,
	}
	if actualKB > 0 {
		results.OptimizationRate = savedKB / actualKB * 100
	}
	m.completeJob(job, results)
}

// applyOptimizations replays each suggestion against the live page in order.
// The per-step delay stands in for the real DOM mutation round trip.
func (m *Miner) applyOptimizations(ctx context.Context, opts []analyzer.Optimization) ([]string, error) {
	applied := make([]string, 0, len(opts))
	for _, opt := range opts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.ApplyDelay):
		}
		applied = append(applied, opt.Description)
	}
	return applied, nil
}

// verifyOptimizations sanity-checks the claimed saving against the report.
func verifyOptimizations(report analyzer.Report, savedKB float64) error {
	if savedKB <= 0 {
		return fmt.Errorf("optimization produced no measurable saving")
	}
	if report.Performance.PageBytes > 0 && savedKB*1024 > float64(report.Performance.PageBytes) {
		return fmt.Errorf("claimed saving %.0f KB exceeds page size", savedKB)
	}
	return nil
}

func (m *Miner) transition(job *mining.Job, status mining.JobStatus, mutate func(*mining.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.Status.IsTerminal() {
		return
	}
	job.Status = status
	if mutate != nil {
		mutate(job)
	}
}

func (m *Miner) completeJob(job *mining.Job, results mining.JobResults) {
	now := m.clock.Now()
	m.mu.Lock()
	job.Status = mining.JobStatusCompleted
	job.Results = results
	job.Finished = &now
	m.mu.Unlock()

	m.emitter.Emit(events.Event{
		Type:  events.TypeJobCompleted,
		TS:    now,
		JobID: job.ID,
		URL:   job.URL,
		Bytes: int64(results.SpaceSaved * 1024),
	})
	m.logger.Info("mining job completed",
		zap.String("job_id", job.ID),
		zap.Float64("space_saved_kb", results.SpaceSaved),
	)
}

func (m *Miner) failJob(job *mining.Job, reason string) {
	now := m.clock.Now()
	m.mu.Lock()
	job.Status = mining.JobStatusFailed
	job.ErrorText = reason
	job.Finished = &now
	m.mu.Unlock()

	m.emitter.Emit(events.Event{
		Type:  events.TypeJobFailed,
		TS:    now,
		JobID: job.ID,
		URL:   job.URL,
		Note:  reason,
	})
	m.logger.Warn("mining job failed",
		zap.String("job_id", job.ID),
		zap.String("reason", reason),
	)
}

func snapshotJob(j *mining.Job) *mining.Job {
	cp := *j
	if j.Started != nil {
		ts := *j.Started
		cp.Started = &ts
	}
	if j.Finished != nil {
		ts := *j.Finished
		cp.Finished = &ts
	}
	cp.Results.Optimizations = append([]string(nil), j.Results.Optimizations...)
	return &cp
}
