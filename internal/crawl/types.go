// Package crawl drives the scan pipeline. The Orchestrator walks one sample
// page through sitemap → fetch → extract → report; the Engine fans the whole
// sitemap out over a worker pool and checks every extracted link.
package crawl

import (
	"time"

	"github.com/hazelfield/linkrot/internal/cache"
)

// State names the orchestrator's position in its linear pipeline.
type State string

const (
	StateInit           State = "init"
	StateSitemapLoaded  State = "sitemap_loaded"
	StateSampleFetched  State = "sample_fetched"
	StateLinksExtracted State = "links_extracted"
	StateReported       State = "reported"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Violation types found during a full crawl.
const (
	ViolationBrokenLink = "broken_link"
	ViolationLoginLeak  = "cms_login_leak"
)

// Violation is one flagged link on a crawled page.
type Violation struct {
	PageURL  string
	LinkURL  string
	Type     string
	Status   int // 0 when no probe was made or no response arrived
	FinalURL string
	Note     string
}

// PageResult is the outcome of crawling one page.
type PageResult struct {
	URL          string
	Status       int // folded to 301 when the page answered from elsewhere
	ElapsedMS    float64
	Worker       int
	Start        time.Time
	End          time.Time
	Error        string
	LinksFound   int
	LinksChecked int
	LinksBroken  int
	FinalURL     string
	ContentType  string
	Technologies []string
	Violations   []Violation
}

// Metrics aggregates a whole run. All mutation happens on a single goroutine:
// the orchestrator for sample runs, the collector for full crawls.
type Metrics struct {
	RunID string
	State State

	// Sitemap stage.
	URLCount      int
	MalformedURLs int

	// Sample stage.
	SampleURL      string
	FetchOutcome   string
	FetchError     string
	FetchElapsedMS float64
	InternalLinks  int
	ExternalLinks  int
	Degraded       bool

	// Full-crawl stage.
	PagesCrawled        int
	LinksChecked        int
	BrokenLinks         int
	LoginLeaks          int
	PagesWithViolations int
	CacheStats          cache.Stats

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock run time.
func (m *Metrics) Duration() time.Duration {
	if m.FinishedAt.IsZero() {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}
