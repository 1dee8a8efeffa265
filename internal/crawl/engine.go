package crawl

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hazelfield/linkrot/internal/check"
	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/fetcher"
	"github.com/hazelfield/linkrot/internal/observability"
	"github.com/hazelfield/linkrot/internal/robots"
	"github.com/hazelfield/linkrot/internal/sitemap"
	"github.com/hazelfield/linkrot/internal/techdetect"
	"github.com/hazelfield/linkrot/internal/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultWorkers is the worker pool size used when none is configured.
const DefaultWorkers = 12

// progressInterval controls how often the collector logs crawl progress.
const progressInterval = 100

// Error messages written to reports are truncated to this length.
const errorMaxLen = 120

// EngineConfig holds the configuration for an Engine.
type EngineConfig struct {
	// RunID tags spans and log lines so concurrent runs stay separable.
	RunID string
	// Workers is the number of concurrent page workers.
	Workers int
	// Delay is the minimum politeness delay between requests to one host.
	// A larger robots.txt crawl-delay takes precedence.
	Delay time.Duration
	// Scheduler orders the worklist: SchedulerFIFO or SchedulerPriority.
	Scheduler string
	// MaxURLs caps how many sitemap entries are crawled. Zero means all.
	MaxURLs int
	// CheckExternal enables probing external link targets. Internal targets
	// are always probed.
	CheckExternal bool
	// LoginPatterns are lower-cased substrings that mark a link target as a
	// leaked CMS login URL. Empty disables the check.
	LoginPatterns []string
}

// Engine fans the whole sitemap out over a worker pool, fetching every page
// and probing every link it carries. Results funnel through a single
// collector goroutine, so aggregation needs no locks.
type Engine struct {
	config    EngineConfig
	fetcher   fetcher.Fetcher
	extractor *extract.Extractor
	checker   *check.Checker
	robots    *robots.Manager
	detector  *techdetect.Detector

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine creates an engine. The robots manager and detector may be nil,
// which disables robots.txt handling and technology fingerprinting.
func NewEngine(config EngineConfig, f fetcher.Fetcher, extractor *extract.Extractor, checker *check.Checker, robots *robots.Manager, detector *techdetect.Detector) *Engine {
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.Scheduler == "" {
		config.Scheduler = SchedulerFIFO
	}
	return &Engine{
		config:    config,
		fetcher:   f,
		extractor: extractor,
		checker:   checker,
		robots:    robots,
		detector:  detector,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Outcome aggregates one full crawl.
type Outcome struct {
	Pages               []PageResult
	Violations          []Violation
	LinksFound          int
	LinksChecked        int
	BrokenLinks         int
	LoginLeaks          int
	PagesWithViolations int
	TotalFetchMS        float64
}

// AvgFetchMS returns the mean page fetch time across the run.
func (o *Outcome) AvgFetchMS() float64 {
	if len(o.Pages) == 0 {
		return 0
	}
	return o.TotalFetchMS / float64(len(o.Pages))
}

// Crawl processes every entry and returns the aggregated outcome. On context
// cancellation the pages finished so far are still returned, along with the
// context's error so the caller knows the run was cut short.
func (e *Engine) Crawl(ctx context.Context, entries []sitemap.Entry) (*Outcome, error) {
	ordered := OrderEntries(entries, e.config.Scheduler)
	if e.config.MaxURLs > 0 && len(ordered) > e.config.MaxURLs {
		ordered = ordered[:e.config.MaxURLs]
	}
	total := len(ordered)

	log.Info().
		Str("run_id", e.config.RunID).
		Str("scheduler", e.config.Scheduler).
		Int("workers", e.config.Workers).
		Dur("delay", e.config.Delay).
		Int("total", total).
		Msg("Starting full crawl")

	work := make(chan sitemap.Entry)
	results := make(chan PageResult)

	// The collector is the only goroutine that touches the outcome.
	outcome := &Outcome{}
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for page := range results {
			outcome.Pages = append(outcome.Pages, page)
			outcome.LinksFound += page.LinksFound
			outcome.LinksChecked += page.LinksChecked
			outcome.BrokenLinks += page.LinksBroken
			outcome.TotalFetchMS += page.ElapsedMS
			if len(page.Violations) > 0 {
				outcome.PagesWithViolations++
				outcome.Violations = append(outcome.Violations, page.Violations...)
				for _, v := range page.Violations {
					if v.Type == ViolationLoginLeak {
						outcome.LoginLeaks++
					}
				}
			}
			if done := len(outcome.Pages); done%progressInterval == 0 || done == total {
				log.Info().Int("done", done).Int("total", total).Msg("Crawl progress")
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		seen := make(map[string]bool, total)
		for _, entry := range ordered {
			if seen[entry.URL] {
				continue
			}
			seen[entry.URL] = true
			select {
			case work <- entry:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	for i := 0; i < e.config.Workers; i++ {
		worker := i + 1
		g.Go(func() error {
			for entry := range work {
				page := e.crawlPage(gctx, worker, entry)
				// A page cut short by cancellation is a partial result
				// and is dropped; pages that finished earlier stay in.
				if gctx.Err() != nil {
					return nil
				}
				select {
				case results <- page:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	// Workers never return errors; cancellation surfaces via ctx below.
	_ = g.Wait()
	close(results)
	<-collectorDone

	log.Info().
		Str("run_id", e.config.RunID).
		Int("pages", len(outcome.Pages)).
		Int("links_checked", outcome.LinksChecked).
		Int("broken_links", outcome.BrokenLinks).
		Int("login_leaks", outcome.LoginLeaks).
		Msg("Crawl finished")

	return outcome, ctx.Err()
}

func (e *Engine) crawlPage(ctx context.Context, worker int, entry sitemap.Entry) PageResult {
	ctx, span := observability.StartPageSpan(ctx, observability.PageSpanInfo{
		RunID:  e.config.RunID,
		URL:    entry.URL,
		Worker: worker,
	})
	defer span.End()

	page := PageResult{URL: entry.URL, Worker: worker, Start: time.Now().UTC()}
	started := time.Now()
	outcome := e.processPage(ctx, &page)
	page.End = time.Now().UTC()

	observability.RecordPage(ctx, outcome, time.Since(started))
	return page
}

// processPage runs one page through robots, fetch, extraction and link
// checking, filling page as it goes. The returned label classifies the page
// for metrics.
func (e *Engine) processPage(ctx context.Context, page *PageResult) string {
	if e.robots != nil && !e.robots.Allowed(ctx, page.URL) {
		page.Error = "disallowed by robots.txt"
		log.Debug().Str("url", page.URL).Msg("Skipping page disallowed by robots.txt")
		return "robots_denied"
	}

	if err := e.limiterFor(ctx, page.URL).Wait(ctx); err != nil {
		page.Error = truncateErrorMsg(err.Error())
		return "cancelled"
	}

	res, err := e.fetcher.Fetch(ctx, page.URL)
	if res == nil {
		if err != nil {
			page.Error = truncateErrorMsg(err.Error())
		}
		return "network_error"
	}

	page.ElapsedMS = float64(res.ElapsedMS)
	page.FinalURL = res.FinalURL
	page.ContentType = res.ContentType

	if res.Outcome == fetcher.OutcomeNetworkError {
		if res.Err != nil {
			page.Error = truncateErrorMsg(res.Err.Error())
		}
		return "network_error"
	}

	if res.Outcome == fetcher.OutcomeHTTPError {
		page.Status = res.StatusCode
		return "http_error"
	}

	page.Status = foldRedirectStatus(page.URL, res.FinalURL, res.StatusCode)

	cms := ""
	if e.detector != nil {
		detected := e.detector.Detect(res.Headers, []byte(res.Body))
		page.Technologies = detected.Names()
		cms = detected.CMS()
	}

	// Links live in HTML only. Assets reachable from the sitemap (PDFs and
	// the like) are recorded but not parsed.
	if !strings.Contains(strings.ToLower(res.ContentType), "text/html") {
		return "success"
	}

	links := e.extractor.Extract(res.Body, page.URL)
	page.LinksFound = links.InternalCount()

	e.checkLinks(ctx, page, links.Links, cms)

	if page.Status == http.StatusMovedPermanently && res.StatusCode != http.StatusMovedPermanently {
		return "redirect"
	}
	return "success"
}

// checkLinks probes each extracted link and records violations on the page.
// Login-pattern targets are flagged without probing: requesting them could
// touch a CMS endpoint, and the leak exists whether or not the URL resolves.
// cms carries the fingerprinted CMS name, when known, for leak log context.
func (e *Engine) checkLinks(ctx context.Context, page *PageResult, links []extract.Link, cms string) {
	for _, link := range links {
		if link.Class == extract.ClassExternal && !e.config.CheckExternal {
			continue
		}

		if pattern := matchLoginPattern(link.Target, e.config.LoginPatterns); pattern != "" {
			page.Violations = append(page.Violations, Violation{
				PageURL: page.URL,
				LinkURL: link.Target,
				Type:    ViolationLoginLeak,
				Note:    "cms login link",
			})
			log.Debug().Str("page", page.URL).Str("link", link.Target).Str("pattern", pattern).Str("cms", cms).Msg("Found CMS login link")
			continue
		}

		// A probe under a dead context would report a bogus verdict.
		if ctx.Err() != nil {
			return
		}

		verdict := e.checker.Check(ctx, link.Target)
		page.LinksChecked++
		observability.RecordLinkCheck(ctx, verdict.Broken, verdict.FromCache)

		if verdict.Broken {
			page.LinksBroken++
			page.Violations = append(page.Violations, Violation{
				PageURL:  page.URL,
				LinkURL:  link.Target,
				Type:     ViolationBrokenLink,
				Status:   verdict.StatusCode,
				FinalURL: verdict.FinalURL,
				Note:     verdict.Note,
			})
		}
	}
}

// limiterFor returns the politeness limiter for the URL's host, creating it
// on first sight. The limiter honours the larger of the configured delay and
// the host's robots.txt crawl-delay. Two workers hitting a new host at once
// may both build a limiter; one wins, the other is dropped.
func (e *Engine) limiterFor(ctx context.Context, pageURL string) *rate.Limiter {
	host := ""
	if parsed, err := url.Parse(pageURL); err == nil {
		host = strings.ToLower(parsed.Host)
	}

	e.mu.Lock()
	if lim, ok := e.limiters[host]; ok {
		e.mu.Unlock()
		return lim
	}
	e.mu.Unlock()

	delay := e.config.Delay
	if e.robots != nil {
		if d := e.robots.CrawlDelay(ctx, pageURL); d > delay {
			delay = d
		}
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	lim := rate.NewLimiter(limit, 1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.limiters[host]; ok {
		return existing
	}
	e.limiters[host] = lim
	return lim
}

// foldRedirectStatus reports 301 when the page answered from a different URL
// than requested, so redirected pages stand out in reports without extra
// columns. Scheme upgrades and host changes count; fragments never do.
func foldRedirectStatus(requested, final string, status int) int {
	if final == "" {
		return status
	}
	origNorm, origErr := util.NormaliseURLRef(requested, "")
	finalNorm, finalErr := util.NormaliseURLRef(final, "")
	if origErr != nil || finalErr != nil {
		return status
	}
	if origNorm != finalNorm {
		return http.StatusMovedPermanently
	}
	return status
}

// matchLoginPattern returns the first pattern the target matches, or "".
// Matching is a case-insensitive substring test.
func matchLoginPattern(target string, patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	lower := strings.ToLower(target)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}
	return ""
}

func truncateErrorMsg(msg string) string {
	if len(msg) > errorMaxLen {
		return msg[:errorMaxLen]
	}
	return msg
}
