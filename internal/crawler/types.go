// Package crawler implements the crawl system: a pool of workers pulling from
// a shared priority frontier, fetching pages (with headless promotion for
// JS-heavy sites), analyzing them and building an optimization proof per page.
package crawler

import (
	"net/http"
	"time"

	"github.com/seoharvest/webminer/internal/analyzer"
	"github.com/seoharvest/webminer/internal/merkle"
)

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL           string
	Depth         int
	Headers       http.Header
	RespectRobots bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// SchemaRecord is one schema.org entity extracted from a page.
type SchemaRecord struct {
	Type   string `json:"type"`
	Format string `json:"format"` // json-ld or microdata
	Raw    string `json:"raw,omitempty"`
}

// CrawlResult is the full outcome for one crawled page.
type CrawlResult struct {
	URL           string           `json:"url"`
	Depth         int              `json:"depth"`
	StatusCode    int              `json:"status_code"`
	UsedHeadless  bool             `json:"used_headless"`
	FetchedAt     time.Time        `json:"fetched_at"`
	DurationMs    int64            `json:"duration_ms"`
	ContentHash   string           `json:"content_hash"`
	Report        analyzer.Report  `json:"report"`
	SchemaRecords []SchemaRecord   `json:"schema_records,omitempty"`
	Backlinks     []string         `json:"backlinks,omitempty"`
	Links         []string         `json:"links,omitempty"`
	Proof         merkle.PageProof `json:"proof"`
}

// Stats aggregates crawl progress counters.
type Stats struct {
	PagesCrawled int `json:"pages_crawled"`
	PagesFailed  int `json:"pages_failed"`
	Promotions   int `json:"headless_promotions"`
	QueueDepth   int `json:"queue_depth"`
}
