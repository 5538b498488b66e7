package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Heuristic implements PageAnalyzer with static DOM analysis. It never
// executes scripts; everything is derived from the parsed document.
type Heuristic struct{}

// NewHeuristic returns the production analyzer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

var (
	classSelectorRe = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_-]*)`)
	idSelectorRe    = regexp.MustCompile(`#([A-Za-z_][A-Za-z0-9_-]*)`)
	hiddenStyleRe   = regexp.MustCompile(`display\s*:\s*none|visibility\s*:\s*hidden`)
)

// Analyze parses the page and derives stats, unused-selector and
// orphaned-script sets, and a space-savings estimate.
func (h *Heuristic) Analyze(ctx context.Context, page Page) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, fmt.Errorf("analyze canceled: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return Report{}, fmt.Errorf("parse document: %w", err)
	}

	report := Report{
		URL: page.URL,
		Performance: Performance{
			LoadTimeMs: page.LoadTime.Milliseconds(),
			PageBytes:  int64(len(page.Body)),
			Requests:   1,
		},
	}

	report.DOMStats = collectDOMStats(doc)
	report.UnusedSelectors = findUnusedSelectors(doc)
	report.OrphanedScripts = findOrphanedScripts(doc)
	report.SiteType = classifySite(doc)
	report.Technologies = detectTechnologies(doc, page.Headers)
	report.Complexity = complexityScore(report.DOMStats)
	report.Optimizations = buildOptimizations(report)
	for _, opt := range report.Optimizations {
		report.SpaceSavedBytes += opt.EstimatedBytes
	}
	return report, nil
}

func collectDOMStats(doc *goquery.Document) DOMStats {
	stats := DOMStats{}
	var walk func(n *html.Node, depth int)
	walk = func(n *html.Node, depth int) {
		switch n.Type {
		case html.ElementNode:
			stats.TotalElements++
			if depth > stats.MaxDepth {
				stats.MaxDepth = depth
			}
		case html.TextNode:
			stats.TextBytes += len(strings.TrimSpace(n.Data))
		case html.CommentNode:
			stats.CommentBytes += len(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	for _, root := range doc.Nodes {
		walk(root, 0)
	}

	stats.Images = doc.Find("img").Length()
	stats.Scripts = doc.Find("script").Length()
	stats.Stylesheets = doc.Find(`link[rel="stylesheet"]`).Length()
	stats.InlineStyles = doc.Find("style").Length()
	stats.Links = doc.Find("a[href]").Length()

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, ok := s.Attr("src"); !ok {
			stats.InlineScripts++
		}
	})
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if style, ok := s.Attr("style"); ok && hiddenStyleRe.MatchString(strings.ToLower(style)) {
			stats.HiddenElements++
		}
		if _, ok := s.Attr("hidden"); ok {
			stats.HiddenElements++
		}
	})
	doc.Find("div, span, p, section").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" && s.Children().Length() == 0 {
			stats.EmptyElements++
		}
	})
	return stats
}

// findUnusedSelectors scans <style> blocks for class/id selectors with no
// matching element in the document.
func findUnusedSelectors(doc *goquery.Document) []string {
	defined := map[string]struct{}{}
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		for _, m := range classSelectorRe.FindAllStringSubmatch(css, -1) {
			defined["."+m[1]] = struct{}{}
		}
		for _, m := range idSelectorRe.FindAllStringSubmatch(css, -1) {
			defined["#"+m[1]] = struct{}{}
		}
	})

	used := map[string]struct{}{}
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		if class, ok := s.Attr("class"); ok {
			for _, c := range strings.Fields(class) {
				used["."+c] = struct{}{}
			}
		}
		if id, ok := s.Attr("id"); ok {
			used["#"+id] = struct{}{}
		}
	})

	var unused []string
	for sel := range defined {
		if _, ok := used[sel]; !ok {
			unused = append(unused, sel)
		}
	}
	sort.Strings(unused)
	return unused
}

// findOrphanedScripts reports inline scripts that define functions never
// referenced elsewhere in the document. A script is flagged only when none
// of its function names appear outside the script itself.
func findOrphanedScripts(doc *goquery.Document) []string {
	funcRe := regexp.MustCompile(`function\s+([A-Za-z_][A-Za-z0-9_]*)`)
	fullText, _ := doc.Html()

	var orphaned []string
	doc.Find("script").Each(func(i int, s *goquery.Selection) {
		if _, external := s.Attr("src"); external {
			return
		}
		body := s.Text()
		names := funcRe.FindAllStringSubmatch(body, -1)
		if len(names) == 0 {
			return
		}
		rest := strings.Replace(fullText, body, "", 1)
		for _, m := range names {
			if strings.Contains(rest, m[1]) {
				return
			}
		}
		orphaned = append(orphaned, fmt.Sprintf("inline-script-%d", i))
	})
	return orphaned
}

func classifySite(doc *goquery.Document) string {
	switch {
	case doc.Find(`[class*="product"], [class*="cart"], [id*="checkout"]`).Length() > 0:
		return "ecommerce"
	case doc.Find("article, [class*='post'], [class*='blog']").Length() > 0:
		return "blog"
	case doc.Find("form").Length() > 2:
		return "application"
	default:
		return "content"
	}
}

func detectTechnologies(doc *goquery.Document, headers map[string][]string) []string {
	var techs []string
	add := func(name string) {
		for _, t := range techs {
			if t == name {
				return
			}
		}
		techs = append(techs, name)
	}
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		lower := strings.ToLower(src)
		switch {
		case strings.Contains(lower, "react"):
			add("react")
		case strings.Contains(lower, "jquery"):
			add("jquery")
		case strings.Contains(lower, "angular"):
			add("angular")
		case strings.Contains(lower, "vue"):
			add("vue")
		}
	})
	if doc.Find(`meta[name="generator"][content*="WordPress"]`).Length() > 0 {
		add("wordpress")
	}
	for k, vals := range headers {
		if strings.EqualFold(k, "X-Powered-By") {
			for _, v := range vals {
				add(strings.ToLower(v))
			}
		}
	}
	return techs
}

func complexityScore(stats DOMStats) float64 {
	score := float64(stats.TotalElements)/2000 + float64(stats.MaxDepth)/40 + float64(stats.Scripts)/50
	if score > 1 {
		score = 1
	}
	return score
}

const (
	approxBytesPerSelector  = 120
	approxBytesPerElement   = 60
	inlineScriptSampleBytes = 400
)

func buildOptimizations(report Report) []Optimization {
	var opts []Optimization
	stats := report.DOMStats

	if n := len(report.UnusedSelectors); n > 0 {
		opts = append(opts, Optimization{
			Category:       "unused-css",
			Description:    fmt.Sprintf("remove %d unused style selectors", n),
			EstimatedBytes: int64(n * approxBytesPerSelector),
			Confidence:     0.7,
		})
	}
	if n := len(report.OrphanedScripts); n > 0 {
		opts = append(opts, Optimization{
			Category:       "orphaned-js",
			Description:    fmt.Sprintf("remove %d orphaned inline scripts", n),
			EstimatedBytes: int64(n * inlineScriptSampleBytes),
			Confidence:     0.5,
		})
	}
	if n := stats.HiddenElements + stats.EmptyElements; n > 0 {
		opts = append(opts, Optimization{
			Category:       "unused-elements",
			Description:    fmt.Sprintf("remove %d hidden or empty elements", n),
			EstimatedBytes: int64(n * approxBytesPerElement),
			Confidence:     0.6,
		})
	}
	if stats.CommentBytes > 0 {
		opts = append(opts, Optimization{
			Category:       "comments",
			Description:    "strip HTML comments",
			EstimatedBytes: int64(stats.CommentBytes),
			Confidence:     0.95,
		})
	}
	return opts
}
