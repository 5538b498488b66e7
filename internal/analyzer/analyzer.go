// Package analyzer extracts DOM statistics and optimization suggestions from
// fetched pages. Analysis is stateless per call; callers own the page bytes.
package analyzer

import (
	"context"
	"net/http"
	"time"
)

// Page is a loaded page handle: rendered HTML plus fetch metadata.
type Page struct {
	URL        string
	Body       []byte
	StatusCode int
	Headers    http.Header
	LoadTime   time.Duration
}

// DOMStats summarizes the parsed document structure.
type DOMStats struct {
	TotalElements  int `json:"total_elements"`
	MaxDepth       int `json:"max_depth"`
	TextBytes      int `json:"text_bytes"`
	CommentBytes   int `json:"comment_bytes"`
	Images         int `json:"images"`
	Scripts        int `json:"scripts"`
	InlineScripts  int `json:"inline_scripts"`
	Stylesheets    int `json:"stylesheets"`
	InlineStyles   int `json:"inline_styles"`
	Links          int `json:"links"`
	HiddenElements int `json:"hidden_elements"`
	EmptyElements  int `json:"empty_elements"`
}

// Performance captures load-side measurements for the page.
type Performance struct {
	LoadTimeMs int64 `json:"load_time_ms"`
	PageBytes  int64 `json:"page_bytes"`
	Requests   int   `json:"requests"`
}

// Optimization is a single applicable suggestion with its estimated saving.
type Optimization struct {
	Category       string  `json:"category"`
	Description    string  `json:"description"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	Confidence     float64 `json:"confidence"`
}

// Report is the full analysis outcome for one page.
type Report struct {
	URL             string         `json:"url"`
	DOMStats        DOMStats       `json:"dom_stats"`
	Performance     Performance    `json:"performance"`
	UnusedSelectors []string       `json:"unused_selectors,omitempty"`
	OrphanedScripts []string       `json:"orphaned_scripts,omitempty"`
	Optimizations   []Optimization `json:"optimizations"`
	// SpaceSavedBytes is the total estimated reclaim across optimizations.
	SpaceSavedBytes int64 `json:"space_saved_bytes"`
	// SiteType and Technologies feed target metadata.
	SiteType     string   `json:"site_type"`
	Technologies []string `json:"technologies"`
	// Complexity in [0,1] scales downstream processing cost.
	Complexity float64 `json:"complexity"`
}

// PageAnalyzer produces a Report for a loaded page.
type PageAnalyzer interface {
	Analyze(ctx context.Context, page Page) (Report, error)
}
