package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/config"
	"github.com/seoharvest/webminer/internal/crawler"
	"github.com/seoharvest/webminer/internal/metrics"
	"github.com/seoharvest/webminer/internal/node"
	"github.com/seoharvest/webminer/internal/store/memory"
)

type stubFetcher struct{}

func (stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Body:       []byte("<html><body><p>hello</p></body></html>"),
		Duration:   time.Millisecond,
	}, nil
}

func newCrawlFixture(t *testing.T) (*Server, *CrawlRegistry) {
	t.Helper()
	clock := newFakeClock()
	ids := &seqIDs{}
	factory := func(maxDepth, maxPages int) (*crawler.System, error) {
		return crawler.New(stubFetcher{}, nil, nil, analyzer.NewFake(), nil, nil, nil,
			clock, ids, nil, crawler.Config{
				MaxConcurrency: 1,
				MaxDepth:       maxDepth,
				MaxPages:       maxPages,
				RequestDelay:   time.Millisecond,
				FailureBackoff: time.Millisecond,
				IdlePoll:       time.Millisecond,
			}, nil)
	}
	registry := NewCrawlRegistry(factory, ids, clock, nil)
	t.Cleanup(registry.Shutdown)

	manager := node.NewManager(memory.NewNodeStore(), analyzer.NewFake(), nil, clock, ids,
		node.Config{BaseLatency: time.Millisecond}, nil)
	reg := prometheus.NewRegistry()
	httpMetrics, err := metrics.NewHTTP(reg)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.Crawler.MaxDepthDefault = 1
	cfg.Crawler.MaxPagesDefault = 5
	srv := NewServer(manager, nil, nil, registry, httpMetrics, reg, ids, nil, cfg)
	return srv, registry
}

func waitForCrawl(t *testing.T, registry *CrawlRegistry, id string) CrawlStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := registry.Get(id)
		require.True(t, ok)
		if status.Status != "running" {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("crawl did not finish in time")
	return CrawlStatus{}
}

func TestCreateCrawlRunsToCompletion(t *testing.T) {
	t.Parallel()
	srv, registry := newCrawlFixture(t)

	rec, payload := doJSON(t, srv.Handler(), http.MethodPost, "/v1/crawls", map[string]any{
		"seeds": []string{"https://example.com"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	crawl := payload["crawl"].(map[string]any)
	crawlID := crawl["id"].(string)
	require.NotEmpty(t, crawlID)

	final := waitForCrawl(t, registry, crawlID)
	assert.Equal(t, "completed", final.Status)
	assert.Equal(t, 1, final.Stats.PagesCrawled)
	require.NotNil(t, final.FinishedAt)

	rec, payload = doJSON(t, srv.Handler(), http.MethodGet, "/v1/crawls/"+crawlID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", payload["crawl"].(map[string]any)["status"])

	rec, payload = doJSON(t, srv.Handler(), http.MethodGet, "/v1/crawls/"+crawlID+"/pages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, payload["pages"], 1)
}

func TestCreateCrawlRequiresSeeds(t *testing.T) {
	t.Parallel()
	srv, _ := newCrawlFixture(t)

	rec, _ := doJSON(t, srv.Handler(), http.MethodPost, "/v1/crawls", map[string]any{
		"seeds": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCrawlNotFound(t *testing.T) {
	t.Parallel()
	srv, _ := newCrawlFixture(t)

	rec, _ := doJSON(t, srv.Handler(), http.MethodGet, "/v1/crawls/no-such-crawl", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
