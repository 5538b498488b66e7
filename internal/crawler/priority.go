package crawler

import (
	"net/url"
	"strings"
	"sync"
)

const (
	minPriority = 0.1
	maxPriority = 10.0
)

// priorityInputs carries the per-link signals feeding the score.
type priorityInputs struct {
	Depth         int
	Backlinks     int
	HasSchema     bool
	DiscoveredNow bool
}

// authorityCache memoizes the per-domain authority estimate; the score for a
// domain never changes within one crawl.
type authorityCache struct {
	mu     sync.Mutex
	scores map[string]float64
}

func newAuthorityCache() *authorityCache {
	return &authorityCache{scores: make(map[string]float64)}
}

func (c *authorityCache) Score(host string) float64 {
	host = strings.ToLower(host)
	c.mu.Lock()
	defer c.mu.Unlock()
	if score, ok := c.scores[host]; ok {
		return score
	}
	score := domainAuthority(host)
	c.scores[host] = score
	return score
}

// domainAuthority estimates authority in [0,100] from structural signals:
// the TLD class, a penalty for deep subdomains and a bonus for short hosts.
func domainAuthority(host string) float64 {
	if host == "" {
		return 0
	}
	score := 20.0

	switch tldOf(host) {
	case "gov", "edu":
		score += 40
	case "com":
		score += 30
	case "org", "net":
		score += 25
	default:
		score += 10
	}

	labels := strings.Split(host, ".")
	if len(labels) > 2 && labels[0] != "www" {
		score -= 10
	}

	if bonus := 20 - float64(len(host)); bonus > 0 {
		score += bonus
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func tldOf(host string) string {
	idx := strings.LastIndexByte(host, '.')
	if idx < 0 || idx == len(host)-1 {
		return ""
	}
	return host[idx+1:]
}

// calculateURLPriority scores a discovered link. The score is non-increasing
// in depth and always lands in [minPriority, maxPriority].
func calculateURLPriority(rawURL string, in priorityInputs, authorities *authorityCache) float64 {
	base := float64(10 - in.Depth)
	if base < 0 {
		base = 0
	}
	score := base

	parsed, err := url.Parse(rawURL)
	if err == nil {
		score += authorities.Score(parsed.Hostname()) * 0.1
		if parsed.Scheme == "https" {
			score += 0.2
		}
	}

	if in.DiscoveredNow {
		score += 1.0
	}
	if in.HasSchema {
		score += 0.5
	}
	backlinkBoost := float64(in.Backlinks) * 0.1
	if backlinkBoost > 2 {
		backlinkBoost = 2
	}
	score += backlinkBoost

	if score < minPriority {
		return minPriority
	}
	if score > maxPriority {
		return maxPriority
	}
	return score
}
