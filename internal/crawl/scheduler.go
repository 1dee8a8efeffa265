package crawl

import (
	"net/url"
	"sort"
	"strings"

	"github.com/hazelfield/linkrot/internal/sitemap"
)

// Scheduler modes for ordering the full-crawl worklist.
const (
	SchedulerFIFO     = "fifo"
	SchedulerPriority = "priority"
)

// OrderEntries returns the worklist in crawl order. FIFO keeps sitemap order;
// priority puts cheap, shallow pages first so early results are broad. The
// sort is stable, so equal scores keep their sitemap order.
func OrderEntries(entries []sitemap.Entry, mode string) []sitemap.Entry {
	ordered := make([]sitemap.Entry, len(entries))
	copy(ordered, entries)

	if mode != SchedulerPriority {
		return ordered
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityScore(ordered[i].URL) < priorityScore(ordered[j].URL)
	})
	return ordered
}

// priorityScore ranks a URL for crawling. Lower scores crawl first: each path
// segment costs one point and a query string costs two.
func priorityScore(rawURL string) int {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return strings.Count(rawURL, "/")
	}

	score := strings.Count(parsed.Path, "/")
	if parsed.RawQuery != "" {
		score += 2
	}
	return score
}
