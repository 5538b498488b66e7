package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/crawler"
	"github.com/seoharvest/webminer/internal/mining"
)

// SystemFactory builds a fresh crawl engine for one crawl request.
type SystemFactory func(maxDepth, maxPages int) (*crawler.System, error)

// CrawlStatus is the external view of a tracked crawl.
type CrawlStatus struct {
	ID         string        `json:"id"`
	Status     string        `json:"status"`
	Seeds      []string      `json:"seeds"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Error      string        `json:"error,omitempty"`
	Stats      crawler.Stats `json:"stats"`
}

type crawlEntry struct {
	id       string
	seeds    []string
	system   *crawler.System
	status   string
	started  time.Time
	finished *time.Time
	errText  string
}

// CrawlRegistry launches crawls in the background and tracks their lifecycle.
// Crawls run detached from the submitting request; Shutdown cancels them all.
type CrawlRegistry struct {
	factory SystemFactory
	idGen   mining.IDGenerator
	clock   mining.Clock
	logger  *zap.Logger

	runCtx context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	crawls map[string]*crawlEntry
	wg     sync.WaitGroup
}

// NewCrawlRegistry creates a registry whose crawls stop when Shutdown is
// called.
func NewCrawlRegistry(factory SystemFactory, idGen mining.IDGenerator, clock mining.Clock, logger *zap.Logger) *CrawlRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CrawlRegistry{
		factory: factory,
		idGen:   idGen,
		clock:   clock,
		logger:  logger,
		runCtx:  ctx,
		cancel:  cancel,
		crawls:  make(map[string]*crawlEntry),
	}
}

// Start builds a crawl system, registers it and runs it in the background.
func (r *CrawlRegistry) Start(seeds []string, maxDepth, maxPages int) (CrawlStatus, error) {
	id, err := r.idGen.NewID()
	if err != nil {
		return CrawlStatus{}, fmt.Errorf("generate crawl id: %w", err)
	}
	system, err := r.factory(maxDepth, maxPages)
	if err != nil {
		return CrawlStatus{}, fmt.Errorf("build crawl system: %w", err)
	}
	entry := &crawlEntry{
		id:      id,
		seeds:   append([]string(nil), seeds...),
		system:  system,
		status:  "running",
		started: r.clock.Now(),
	}
	r.mu.Lock()
	r.crawls[id] = entry
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runErr := system.StartWithID(r.runCtx, id, entry.seeds)
		now := r.clock.Now()
		r.mu.Lock()
		entry.finished = &now
		if runErr != nil {
			entry.status = "failed"
			entry.errText = runErr.Error()
		} else {
			entry.status = "completed"
		}
		r.mu.Unlock()
		if runErr != nil {
			r.logger.Warn("crawl failed", zap.String("crawl_id", id), zap.Error(runErr))
		}
	}()

	return r.statusOf(entry), nil
}

// Get returns the status of a tracked crawl.
func (r *CrawlRegistry) Get(id string) (CrawlStatus, bool) {
	r.mu.Lock()
	entry, ok := r.crawls[id]
	r.mu.Unlock()
	if !ok {
		return CrawlStatus{}, false
	}
	return r.statusOf(entry), true
}

// Pages returns crawl results so far.
func (r *CrawlRegistry) Pages(id string) ([]crawler.CrawlResult, bool) {
	r.mu.Lock()
	entry, ok := r.crawls[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return entry.system.Results(), true
}

// Shutdown cancels all running crawls and waits for them to wind down.
func (r *CrawlRegistry) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *CrawlRegistry) statusOf(entry *crawlEntry) CrawlStatus {
	r.mu.Lock()
	status := CrawlStatus{
		ID:        entry.id,
		Status:    entry.status,
		Seeds:     append([]string(nil), entry.seeds...),
		StartedAt: entry.started,
		Error:     entry.errText,
	}
	if entry.finished != nil {
		at := *entry.finished
		status.FinishedAt = &at
	}
	r.mu.Unlock()
	status.Stats = entry.system.Stats()
	return status
}
