package analyzer

import (
	"context"
	"hash/fnv"
	"net/url"
	"strings"
	"time"
)

// Fake is a deterministic PageAnalyzer for tests and demo nodes. All values
// derive from an FNV hash of the URL, so repeated calls agree and fixtures
// never depend on network access or real parsing.
type Fake struct {
	// Latency is returned as the simulated load time.
	Latency time.Duration
}

// NewFake returns a deterministic analyzer.
func NewFake() *Fake {
	return &Fake{Latency: 50 * time.Millisecond}
}

// Analyze derives a synthetic but stable report from the URL alone.
func (f *Fake) Analyze(ctx context.Context, page Page) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	seed := fnvSeed(page.URL)

	elements := 200 + int(seed%1800)
	depth := 5 + int(seed%25)
	pageBytes := int64(20_000 + seed%180_000)
	unused := int(seed % 12)
	orphaned := int(seed % 4)
	hidden := int(seed % 20)

	stats := DOMStats{
		TotalElements:  elements,
		MaxDepth:       depth,
		TextBytes:      int(pageBytes / 4),
		CommentBytes:   int(seed % 2_000),
		Images:         int(seed % 40),
		Scripts:        int(seed % 25),
		InlineScripts:  orphaned + 1,
		Stylesheets:    int(seed % 8),
		InlineStyles:   1 + int(seed%3),
		Links:          int(seed % 120),
		HiddenElements: hidden,
		EmptyElements:  int(seed % 15),
	}

	report := Report{
		URL:      page.URL,
		DOMStats: stats,
		Performance: Performance{
			LoadTimeMs: f.Latency.Milliseconds(),
			PageBytes:  pageBytes,
			Requests:   1 + int(seed%30),
		},
		SiteType:     fakeSiteType(seed),
		Technologies: fakeTechnologies(seed),
		Complexity:   float64(seed%100) / 100,
	}
	for i := 0; i < unused; i++ {
		report.UnusedSelectors = append(report.UnusedSelectors, ".unused-"+page.URL[max(0, len(page.URL)-4):])
	}
	for i := 0; i < orphaned; i++ {
		report.OrphanedScripts = append(report.OrphanedScripts, "inline-script-"+string(rune('0'+i)))
	}
	report.Optimizations = buildOptimizations(report)
	for _, opt := range report.Optimizations {
		report.SpaceSavedBytes += opt.EstimatedBytes
	}
	return report, nil
}

func fnvSeed(raw string) uint64 {
	h := fnv.New64a()
	if u, err := url.Parse(raw); err == nil {
		raw = u.Host + u.Path
	}
	_, _ = h.Write([]byte(strings.ToLower(raw)))
	return h.Sum64()
}

func fakeSiteType(seed uint64) string {
	types := []string{"content", "blog", "ecommerce", "application"}
	return types[seed%uint64(len(types))]
}

func fakeTechnologies(seed uint64) []string {
	all := []string{"react", "jquery", "wordpress", "vue", "angular"}
	count := int(seed % 3)
	techs := make([]string, 0, count)
	for i := 0; i < count; i++ {
		techs = append(techs, all[(int(seed)+i)%len(all)])
	}
	return techs
}
