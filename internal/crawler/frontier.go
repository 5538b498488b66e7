package crawler

import (
	"sort"
	"strings"
	"sync"
)

// frontierItem is one URL waiting to be crawled.
type frontierItem struct {
	URL      string
	Depth    int
	Priority float64
}

// frontier is the shared crawl queue: a priority list kept sorted descending,
// with the seed FIFO as fallback when no scored links are waiting. A URL is
// marked visited at discovery time, so it can never be enqueued twice even if
// many pages link to it.
type frontier struct {
	mu      sync.Mutex
	seeds   []frontierItem // FIFO, dequeued only when scored is empty
	scored  []frontierItem // sorted by priority descending
	visited map[string]struct{}
}

func newFrontier() *frontier {
	return &frontier{visited: make(map[string]struct{})}
}

// Seed adds a start URL to the FIFO tail. Returns false if already seen.
func (f *frontier) Seed(url string) bool {
	key := canonicalKey(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	f.seeds = append(f.seeds, frontierItem{URL: url, Depth: 0})
	return true
}

// Offer adds a discovered link with its computed priority and keeps the
// scored list ordered. Returns false for URLs already seen.
func (f *frontier) Offer(url string, depth int, priority float64) bool {
	key := canonicalKey(url)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, seen := f.visited[key]; seen {
		return false
	}
	f.visited[key] = struct{}{}
	f.scored = append(f.scored, frontierItem{URL: url, Depth: depth, Priority: priority})
	sort.SliceStable(f.scored, func(i, j int) bool {
		return f.scored[i].Priority > f.scored[j].Priority
	})
	return true
}

// Next pops the highest-priority scored item, falling back to the oldest
// seed. The second return is false when the frontier is empty.
func (f *frontier) Next() (frontierItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.scored) > 0 {
		item := f.scored[0]
		f.scored = f.scored[1:]
		return item, true
	}
	if len(f.seeds) > 0 {
		item := f.seeds[0]
		f.seeds = f.seeds[1:]
		return item, true
	}
	return frontierItem{}, false
}

// Len reports how many URLs are waiting.
func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scored) + len(f.seeds)
}

// Seen reports whether a URL was ever discovered.
func (f *frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.visited[canonicalKey(url)]
	return ok
}

// canonicalKey normalizes a URL for dedup: lowercased, fragment and trailing
// slash stripped.
func canonicalKey(url string) string {
	key := strings.ToLower(strings.TrimSpace(url))
	if idx := strings.IndexByte(key, '#'); idx >= 0 {
		key = key[:idx]
	}
	return strings.TrimSuffix(key, "/")
}
