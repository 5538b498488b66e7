package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/events"
	"github.com/seoharvest/webminer/internal/merkle"
	"github.com/seoharvest/webminer/internal/mining"
)

// Config controls the crawl system.
type Config struct {
	// MaxConcurrency is the worker count; Start launches exactly this many.
	MaxConcurrency int
	// RequestDelay is the politeness pause after each successful page.
	RequestDelay time.Duration
	// FailureBackoff is how long a worker sleeps after a failed page before
	// attempting the next queue item.
	FailureBackoff time.Duration
	// MaxDepth bounds link discovery; links found at MaxDepth are dropped.
	MaxDepth int
	// MaxPages stops the crawl after this many successful pages. Zero means
	// unbounded.
	MaxPages int
	// RespectRobots is passed through to the probe fetcher.
	RespectRobots bool
	// IdlePoll is how long a worker waits when the frontier is empty.
	IdlePoll time.Duration
	// SubmitProofs enables best-effort proof-of-optimization submission.
	SubmitProofs bool
	// BlobPrefix namespaces crawl artifacts in the blob store.
	BlobPrefix string
}

const (
	defaultMaxConcurrency = 3
	defaultRequestDelay   = time.Second
	defaultFailureBackoff = 5 * time.Second
	defaultMaxDepth       = 3
	defaultIdlePoll       = 250 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.RequestDelay <= 0 {
		c.RequestDelay = defaultRequestDelay
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = defaultFailureBackoff
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = defaultMaxDepth
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = defaultIdlePoll
	}
	return c
}

// System is the crawl engine: a frontier shared by MaxConcurrency workers,
// each fetching, analyzing and proving pages until the context ends or the
// frontier stays empty.
type System struct {
	probe     Fetcher
	headless  Fetcher
	detector  HeadlessDetector
	analyzer  analyzer.PageAnalyzer
	submitter ProofSubmitter
	blobs     mining.BlobStore
	hasher    mining.Hasher
	clock     mining.Clock
	idGen     mining.IDGenerator
	emitter   events.Emitter
	cfg       Config
	logger    *zap.Logger

	frontier    *frontier
	authorities *authorityCache
	crawlID     string

	mu       sync.Mutex
	results  []CrawlResult
	stats    Stats
	inFlight int
}

// New constructs a System. The probe fetcher and analyzer are required;
// headless fetcher, detector, submitter and blob store are optional and
// disable their feature when nil.
func New(
	probe Fetcher,
	headless Fetcher,
	detector HeadlessDetector,
	pageAnalyzer analyzer.PageAnalyzer,
	submitter ProofSubmitter,
	blobs mining.BlobStore,
	hasher mining.Hasher,
	clock mining.Clock,
	idGen mining.IDGenerator,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*System, error) {
	if probe == nil {
		return nil, fmt.Errorf("probe fetcher is required")
	}
	if pageAnalyzer == nil {
		return nil, fmt.Errorf("page analyzer is required")
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		probe:       probe,
		headless:    headless,
		detector:    detector,
		analyzer:    pageAnalyzer,
		submitter:   submitter,
		blobs:       blobs,
		hasher:      hasher,
		clock:       clock,
		idGen:       idGen,
		emitter:     emitter,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		frontier:    newFrontier(),
		authorities: newAuthorityCache(),
	}, nil
}

// Start seeds the frontier and runs the worker pool until the context ends
// or every worker goes idle with an empty frontier.
func (s *System) Start(ctx context.Context, seeds []string) error {
	crawlID, err := s.idGen.NewID()
	if err != nil {
		return fmt.Errorf("generate crawl id: %w", err)
	}
	return s.StartWithID(ctx, crawlID, seeds)
}

// StartWithID runs the crawl under a caller-assigned ID. The ID scopes
// artifact paths and proof submissions.
func (s *System) StartWithID(ctx context.Context, crawlID string, seeds []string) error {
	if len(seeds) == 0 {
		return fmt.Errorf("at least one seed url is required")
	}
	s.mu.Lock()
	s.crawlID = crawlID
	s.mu.Unlock()
	for _, seed := range seeds {
		s.frontier.Seed(seed)
	}
	s.logger.Info("crawl started",
		zap.String("crawl_id", crawlID),
		zap.Int("seeds", len(seeds)),
		zap.Int("workers", s.cfg.MaxConcurrency),
	)

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.workerLoop(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.logger.Info("crawl finished",
		zap.String("crawl_id", crawlID),
		zap.Int("pages", s.Stats().PagesCrawled),
	)
	return nil
}

// workerLoop pulls from the frontier until the crawl is done. A page failure
// backs the worker off and moves on to the next item; it never kills the
// loop.
func (s *System) workerLoop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil || s.pageBudgetExhausted() {
			return
		}
		item, ok := s.next()
		if !ok {
			if s.idleDone(ctx) {
				return
			}
			continue
		}

		err := s.processURL(ctx, item)
		s.markDone()
		if err != nil {
			s.recordFailure(item.URL, err)
			s.logger.Warn("page crawl failed",
				zap.Int("worker", workerID),
				zap.String("url", item.URL),
				zap.Error(err),
			)
			if !sleepCtx(ctx, s.cfg.FailureBackoff) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, s.cfg.RequestDelay) {
			return
		}
	}
}

func (s *System) next() (frontierItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.frontier.Next()
	if ok {
		s.inFlight++
	}
	return item, ok
}

func (s *System) markDone() {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
}

// idleDone waits one poll interval and reports whether the crawl is over:
// frontier still empty and no worker holds an in-flight page that could
// discover more links.
func (s *System) idleDone(ctx context.Context) bool {
	if !sleepCtx(ctx, s.cfg.IdlePoll) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontier.Len() == 0 && s.inFlight == 0
}

func (s *System) pageBudgetExhausted() bool {
	if s.cfg.MaxPages <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.PagesCrawled >= s.cfg.MaxPages
}

// processURL drives one page end to end: probe fetch, optional headless
// promotion, analysis, schema/backlink/link extraction, proof construction
// and link discovery.
func (s *System) processURL(ctx context.Context, item frontierItem) error {
	resp, err := s.fetch(ctx, item)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", item.URL, err)
	}

	report, err := s.analyzer.Analyze(ctx, analyzer.Page{
		URL:        resp.URL,
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		LoadTime:   resp.Duration,
	})
	if err != nil {
		return fmt.Errorf("analyze %s: %w", item.URL, err)
	}

	ex, err := extractPage(resp.URL, resp.Body)
	if err != nil {
		return fmt.Errorf("extract %s: %w", item.URL, err)
	}

	proof := merkle.BuildPageProof(merkle.PageFacts{
		URL:               resp.URL,
		SpaceSavedBytes:   report.SpaceSavedBytes,
		OptimizationCount: len(report.Optimizations),
		DOMStats:          report.DOMStats,
		Performance:       report.Performance,
	})

	var contentHash string
	if s.hasher != nil {
		if contentHash, err = s.hasher.Hash(resp.Body); err != nil {
			return fmt.Errorf("hash %s: %w", item.URL, err)
		}
	}

	result := CrawlResult{
		URL:           resp.URL,
		Depth:         item.Depth,
		StatusCode:    resp.StatusCode,
		UsedHeadless:  resp.UsedHeadless,
		FetchedAt:     s.clock.Now(),
		DurationMs:    resp.Duration.Milliseconds(),
		ContentHash:   contentHash,
		Report:        report,
		SchemaRecords: ex.Schemas,
		Backlinks:     ex.Backlinks,
		Links:         ex.Links,
		Proof:         proof,
	}
	s.recordResult(result, resp.UsedHeadless)

	s.emitter.Emit(events.Event{
		Type:  events.TypeCrawlPage,
		TS:    result.FetchedAt,
		URL:   resp.URL,
		Bytes: report.SpaceSavedBytes,
		Dur:   resp.Duration,
	})

	s.discoverLinks(item, ex)
	s.submitProof(ctx, result)
	return nil
}

// fetch runs the probe and promotes to the headless fetcher when the
// detector flags a JS-dependent page. A failed promotion falls back to the
// probe response.
func (s *System) fetch(ctx context.Context, item frontierItem) (FetchResponse, error) {
	req := FetchRequest{
		URL:           item.URL,
		Depth:         item.Depth,
		RespectRobots: s.cfg.RespectRobots,
	}
	resp, err := s.probe.Fetch(ctx, req)
	if err != nil {
		return FetchResponse{}, err
	}
	if s.headless == nil || s.detector == nil || !s.detector.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := s.headless.Fetch(ctx, req)
	if err != nil {
		s.logger.Warn("headless promotion failed",
			zap.String("url", item.URL), zap.Error(err))
		return resp, nil
	}
	rendered.UsedHeadless = true
	return rendered, nil
}

// discoverLinks scores and enqueues unseen same-site links. Every offered
// URL is marked visited immediately, so concurrent workers cannot double-
// enqueue it.
func (s *System) discoverLinks(item frontierItem, ex extraction) {
	depth := item.Depth + 1
	if depth >= s.cfg.MaxDepth {
		return
	}
	for _, link := range ex.Links {
		priority := calculateURLPriority(link, priorityInputs{
			Depth:         depth,
			Backlinks:     len(ex.Backlinks),
			HasSchema:     len(ex.Schemas) > 0,
			DiscoveredNow: true,
		}, s.authorities)
		s.frontier.Offer(link, depth, priority)
	}
}

// submitProof stores the result artifact and posts the proof. Both steps are
// best-effort: failures are logged and counted, never returned.
func (s *System) submitProof(ctx context.Context, result CrawlResult) {
	if !s.cfg.SubmitProofs || s.submitter == nil {
		return
	}
	var artifactCID string
	if s.blobs != nil {
		path := fmt.Sprintf("%s/%s/%s.json", s.cfg.BlobPrefix, s.crawlID, result.ContentHash)
		payload, err := json.Marshal(result)
		if err == nil {
			artifactCID, err = s.blobs.PutObject(ctx, path, "application/json", payload)
		}
		if err != nil {
			s.logger.Warn("artifact store failed",
				zap.String("url", result.URL), zap.Error(err))
		}
	}

	submission := ProofSubmission{
		CrawlID:        s.crawlID,
		MerkleRoot:     result.Proof.RootHex(),
		BytesSaved:     result.Report.SpaceSavedBytes,
		BacklinksCount: len(result.Backlinks),
		ArtifactCID:    artifactCID,
	}
	now := s.clock.Now()
	if err := s.submitter.Submit(ctx, submission); err != nil {
		s.emitter.Emit(events.Event{
			Type: events.TypeProofSubmitError,
			TS:   now,
			URL:  result.URL,
			Note: err.Error(),
		})
		s.logger.Warn("proof submission failed",
			zap.String("url", result.URL), zap.Error(err))
		return
	}
	s.emitter.Emit(events.Event{
		Type: events.TypeProofSubmitted,
		TS:   now,
		URL:  result.URL,
		Note: submission.MerkleRoot,
	})
}

func (s *System) recordResult(result CrawlResult, promoted bool) {
	s.mu.Lock()
	s.results = append(s.results, result)
	s.stats.PagesCrawled++
	if promoted {
		s.stats.Promotions++
	}
	s.mu.Unlock()
}

func (s *System) recordFailure(url string, err error) {
	now := s.clock.Now()
	s.mu.Lock()
	s.stats.PagesFailed++
	s.mu.Unlock()
	s.emitter.Emit(events.Event{
		Type: events.TypeCrawlError,
		TS:   now,
		URL:  url,
		Note: err.Error(),
	})
}

// CrawlID returns the generated crawl ID, or "" before Start.
func (s *System) CrawlID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crawlID
}

// Results returns a copy of all crawl results so far.
func (s *System) Results() []CrawlResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CrawlResult(nil), s.results...)
}

// Stats returns the current progress counters.
func (s *System) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.QueueDepth = s.frontier.Len()
	return stats
}

// sleepCtx sleeps for d unless the context ends first; reports whether the
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
