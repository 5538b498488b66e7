package crawler

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extraction is everything pulled out of one page's DOM beyond the analyzer
// report.
type extraction struct {
	Links     []string
	Backlinks []string
	Schemas   []SchemaRecord
}

// extractPage parses the body once and collects outgoing links, external
// backlink references and schema.org records (JSON-LD and microdata).
func extractPage(pageURL string, body []byte) (extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return extraction{}, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return extraction{}, err
	}

	var ex extraction
	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		resolved, ok := resolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}

		target, _ := url.Parse(resolved)
		if target != nil && !sameSite(base.Hostname(), target.Hostname()) {
			ex.Backlinks = append(ex.Backlinks, resolved)
			return
		}
		ex.Links = append(ex.Links, resolved)
	})

	ex.Schemas = extractSchemas(doc)
	return ex, nil
}

// resolveLink turns an href into an absolute crawlable URL, dropping
// fragments, mailto/javascript pseudo-links and anything non-HTTP.
func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}

// sameSite treats www and the bare domain as the same site; any other host is
// external.
func sameSite(a, b string) bool {
	trim := func(h string) string {
		return strings.TrimPrefix(strings.ToLower(h), "www.")
	}
	return trim(a) == trim(b)
}

func extractSchemas(doc *goquery.Document) []SchemaRecord {
	var records []SchemaRecord

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}
		records = append(records, SchemaRecord{
			Type:   jsonLDType(raw),
			Format: "json-ld",
			Raw:    raw,
		})
	})

	doc.Find("[itemscope]").Each(func(_ int, sel *goquery.Selection) {
		itemType, _ := sel.Attr("itemtype")
		itemType = strings.TrimPrefix(itemType, "https://schema.org/")
		itemType = strings.TrimPrefix(itemType, "http://schema.org/")
		records = append(records, SchemaRecord{
			Type:   itemType,
			Format: "microdata",
		})
	})
	return records
}

// jsonLDType pulls @type out of a JSON-LD block; malformed JSON yields an
// empty type, not an error, since schema extraction is best-effort.
func jsonLDType(raw string) string {
	var payload struct {
		Type any `json:"@type"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ""
	}
	switch v := payload.Type.(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
