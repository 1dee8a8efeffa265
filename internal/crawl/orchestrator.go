package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hazelfield/linkrot/internal/cache"
	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/fetcher"
	"github.com/hazelfield/linkrot/internal/report"
	"github.com/hazelfield/linkrot/internal/sitemap"
	"github.com/rs/zerolog/log"
)

// Config holds the orchestrator's settings. Collaborators are passed to the
// constructor; this struct carries only decisions.
type Config struct {
	// Domains the site considers its own.
	Domains []string
	// SamplePageURL is the page checked in a sample run. Empty selects the
	// first sitemap entry.
	SamplePageURL string
	// IncludePaths and ExcludePaths are substring filters applied to the
	// sitemap entries before anything is crawled or reported.
	IncludePaths []string
	ExcludePaths []string
	// Mode labels the run in the summary file, "mock" or "live".
	Mode string
	// CacheMode and CacheSize describe the link-verdict cache for the
	// run summary. The cache itself is attached with the engine.
	CacheMode string
	CacheSize int
	// Console receives the sanity metric line. Nil writes to stdout.
	Console io.Writer
}

// Orchestrator drives a run through its stages. A sample run walks one page
// through fetch → extract → report; a full run hands the whole sitemap to the
// engine. Stages never loop back, and all metric updates happen on the
// calling goroutine.
type Orchestrator struct {
	config    Config
	reader    *sitemap.Reader
	source    sitemap.Source
	fetcher   fetcher.Fetcher
	extractor *extract.Extractor
	reports   *report.Writer

	engine    *Engine
	linkCache *cache.LRU
}

func NewOrchestrator(config Config, reader *sitemap.Reader, source sitemap.Source, f fetcher.Fetcher, extractor *extract.Extractor, reports *report.Writer) *Orchestrator {
	return &Orchestrator{
		config:    config,
		reader:    reader,
		source:    source,
		fetcher:   f,
		extractor: extractor,
		reports:   reports,
	}
}

// AttachEngine wires the full-crawl engine and the link-verdict cache whose
// stats land in the run summary. Sample runs work without either.
func (o *Orchestrator) AttachEngine(engine *Engine, linkCache *cache.LRU) {
	o.engine = engine
	o.linkCache = linkCache
}

// Run executes a sample run: load the sitemap, fetch one page, extract its
// links and write the URL and link reports. A sitemap failure aborts before
// anything is written. A failed page fetch degrades the run instead: the URL
// report is still written and the link report is empty.
func (o *Orchestrator) Run(ctx context.Context) (*Metrics, error) {
	metrics := &Metrics{
		RunID:     uuid.New().String(),
		State:     StateInit,
		StartedAt: time.Now().UTC(),
	}
	defer func() { metrics.FinishedAt = time.Now().UTC() }()

	doc, err := o.reader.Read(ctx, o.source)
	if err != nil {
		metrics.State = StateFailed
		return metrics, fmt.Errorf("loading sitemap from %s: %w", o.source.Location(), err)
	}
	entries, err := o.worklist(doc)
	if err != nil {
		metrics.State = StateFailed
		return metrics, err
	}
	metrics.State = StateSitemapLoaded
	metrics.URLCount = len(entries)
	metrics.MalformedURLs = len(doc.Malformed)
	log.Info().
		Str("run_id", metrics.RunID).
		Str("source", o.source.Location()).
		Int("urls", metrics.URLCount).
		Int("malformed", metrics.MalformedURLs).
		Msg("Sitemap loaded")

	sample := o.config.SamplePageURL
	if sample == "" {
		sample = entries[0].URL
	}
	metrics.SampleURL = sample

	links := &extract.PageLinks{}
	res, fetchErr := o.fetcher.Fetch(ctx, sample)
	if res == nil {
		res = &fetcher.Result{URL: sample, Outcome: fetcher.OutcomeNetworkError, Err: fetchErr}
	}
	metrics.FetchOutcome = string(res.Outcome)
	metrics.FetchElapsedMS = float64(res.ElapsedMS)

	if res.Success() {
		metrics.State = StateSampleFetched
		links = o.extractor.Extract(res.Body, sample)
		metrics.InternalLinks = links.InternalCount()
		metrics.ExternalLinks = links.ExternalCount()
		metrics.State = StateLinksExtracted
		log.Info().
			Int("internal", metrics.InternalLinks).
			Int("external", metrics.ExternalLinks).
			Str("url", sample).
			Msg("Extracted links from sample page")
	} else {
		metrics.Degraded = true
		metrics.FetchError = fetchFailure(res)
		log.Warn().
			Str("url", sample).
			Str("outcome", metrics.FetchOutcome).
			Str("cause", metrics.FetchError).
			Msg("Sample page fetch failed, link report will be empty")
	}

	urlPath, err := o.reports.WriteURLs(entries)
	if err != nil {
		metrics.State = StateFailed
		return metrics, fmt.Errorf("writing URL report: %w", err)
	}
	log.Info().Int("urls", metrics.URLCount).Str("path", urlPath).Msg("Wrote URL report")

	linkPath, err := o.reports.WriteLinks(links.Links)
	if err != nil {
		metrics.State = StateFailed
		return metrics, fmt.Errorf("writing link report: %w", err)
	}
	log.Info().Int("links", len(links.Links)).Str("path", linkPath).Msg("Wrote link report")
	metrics.State = StateReported

	if res.Outcome != fetcher.OutcomeNetworkError {
		o.printSanityMetric(metrics.FetchElapsedMS)
	}

	metrics.State = StateDone
	return metrics, nil
}

// RunFull executes a full crawl: load the sitemap, write the URL report, fan
// every entry out over the engine and write the page, violation and summary
// reports. Cancellation mid-crawl degrades the run; pages finished before the
// deadline are still reported.
func (o *Orchestrator) RunFull(ctx context.Context) (*Metrics, *Outcome, error) {
	if o.engine == nil {
		return nil, nil, errors.New("no engine attached")
	}

	runID := o.engine.config.RunID
	if runID == "" {
		runID = uuid.New().String()
		o.engine.config.RunID = runID
	}

	metrics := &Metrics{
		RunID:     runID,
		State:     StateInit,
		StartedAt: time.Now().UTC(),
	}

	doc, err := o.reader.Read(ctx, o.source)
	if err != nil {
		metrics.State = StateFailed
		metrics.FinishedAt = time.Now().UTC()
		return metrics, nil, fmt.Errorf("loading sitemap from %s: %w", o.source.Location(), err)
	}
	entries, err := o.worklist(doc)
	if err != nil {
		metrics.State = StateFailed
		metrics.FinishedAt = time.Now().UTC()
		return metrics, nil, err
	}
	metrics.State = StateSitemapLoaded
	metrics.URLCount = len(entries)
	metrics.MalformedURLs = len(doc.Malformed)

	urlPath, err := o.reports.WriteURLs(entries)
	if err != nil {
		metrics.State = StateFailed
		metrics.FinishedAt = time.Now().UTC()
		return metrics, nil, fmt.Errorf("writing URL report: %w", err)
	}
	log.Info().Int("urls", metrics.URLCount).Str("path", urlPath).Msg("Wrote URL report")

	outcome, crawlErr := o.engine.Crawl(ctx, entries)
	if crawlErr != nil {
		metrics.Degraded = true
		log.Warn().
			Err(crawlErr).
			Int("pages", len(outcome.Pages)).
			Msg("Crawl cut short, reporting completed pages only")
	}

	metrics.PagesCrawled = len(outcome.Pages)
	metrics.LinksChecked = outcome.LinksChecked
	metrics.BrokenLinks = outcome.BrokenLinks
	metrics.LoginLeaks = outcome.LoginLeaks
	metrics.PagesWithViolations = outcome.PagesWithViolations
	if o.linkCache != nil {
		metrics.CacheStats = o.linkCache.Stats()
	}

	if _, err := o.reports.WritePages(pageRows(outcome.Pages)); err != nil {
		metrics.State = StateFailed
		metrics.FinishedAt = time.Now().UTC()
		return metrics, outcome, fmt.Errorf("writing page report: %w", err)
	}
	if _, err := o.reports.WriteViolations(violationRows(outcome.Violations)); err != nil {
		metrics.State = StateFailed
		metrics.FinishedAt = time.Now().UTC()
		return metrics, outcome, fmt.Errorf("writing violation report: %w", err)
	}
	metrics.State = StateReported
	metrics.FinishedAt = time.Now().UTC()

	if _, err := o.reports.AppendRunSummary(o.runSummary(metrics, outcome)); err != nil {
		metrics.State = StateFailed
		return metrics, outcome, fmt.Errorf("appending run summary: %w", err)
	}

	metrics.State = StateDone
	log.Info().
		Str("run_id", runID).
		Int("pages", metrics.PagesCrawled).
		Int("broken_links", metrics.BrokenLinks).
		Int("login_leaks", metrics.LoginLeaks).
		Dur("duration", metrics.Duration()).
		Msg("Full crawl run complete")

	return metrics, outcome, nil
}

// worklist applies the configured path filters to the deduplicated sitemap
// entries. Filters that remove everything are a configuration mistake and end
// the run the way an empty sitemap would.
func (o *Orchestrator) worklist(doc *sitemap.Document) ([]sitemap.Entry, error) {
	entries := sitemap.FilterEntries(doc.Entries, o.config.IncludePaths, o.config.ExcludePaths)
	if dropped := len(doc.Entries) - len(entries); dropped > 0 {
		log.Info().Int("kept", len(entries)).Int("dropped", dropped).Msg("Applied sitemap path filters")
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("path filters removed all %d sitemap entries", len(doc.Entries))
	}
	return entries, nil
}

func (o *Orchestrator) runSummary(metrics *Metrics, outcome *Outcome) report.RunSummary {
	duration := metrics.Duration()
	pps := 0.0
	if duration > 0 {
		pps = float64(metrics.PagesCrawled) / duration.Seconds()
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return report.RunSummary{
		RunID:               metrics.RunID,
		Timestamp:           metrics.StartedAt,
		Mode:                o.config.Mode,
		Scheduler:           o.engine.config.Scheduler,
		Workers:             o.engine.config.Workers,
		Delay:               o.engine.config.Delay,
		URLsTotal:           metrics.URLCount,
		PagesCrawled:        metrics.PagesCrawled,
		Duration:            duration,
		PagesPerSecond:      pps,
		BrokenLinks:         metrics.BrokenLinks,
		LoginLeaks:          metrics.LoginLeaks,
		PagesWithViolations: metrics.PagesWithViolations,
		LinksFound:          outcome.LinksFound,
		AvgFetchMS:          outcome.AvgFetchMS(),
		CacheMode:           o.config.CacheMode,
		CacheSize:           o.config.CacheSize,
		CacheStats:          metrics.CacheStats,
		MemoryMB:            float64(mem.Sys) / (1024 * 1024),
	}
}

func (o *Orchestrator) printSanityMetric(ms float64) {
	out := o.config.Console
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "[fetch] sanity metric: %.2f ms / request\n", ms)
}

// fetchFailure renders the cause of a failed sample fetch for metrics.
func fetchFailure(res *fetcher.Result) string {
	if res.Err != nil {
		return truncateErrorMsg(res.Err.Error())
	}
	if res.StatusCode != 0 {
		return fmt.Sprintf("status %d", res.StatusCode)
	}
	return "no response"
}

func pageRows(pages []PageResult) []report.PageRow {
	rows := make([]report.PageRow, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, report.PageRow{
			URL:              p.URL,
			Status:           p.Status,
			TimeMS:           p.ElapsedMS,
			Worker:           p.Worker,
			Start:            p.Start,
			End:              p.End,
			Error:            p.Error,
			LinksFound:       p.LinksFound,
			LinksBroken:      p.LinksBroken,
			FinalURL:         p.FinalURL,
			ContentType:      p.ContentType,
			Technologies:     strings.Join(p.Technologies, "+"),
			ViolationSummary: violationSummary(p.Violations),
			ViolationCount:   len(p.Violations),
		})
	}
	return rows
}

func violationRows(violations []Violation) []report.ViolationRow {
	rows := make([]report.ViolationRow, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, report.ViolationRow{
			PageURL:  v.PageURL,
			LinkURL:  v.LinkURL,
			Type:     v.Type,
			Status:   v.Status,
			FinalURL: v.FinalURL,
			Note:     v.Note,
		})
	}
	return rows
}

// violationSummary joins the distinct violation types on a page, sorted for
// stable output. Pages without violations read "none".
func violationSummary(violations []Violation) string {
	if len(violations) == 0 {
		return "none"
	}
	seen := make(map[string]bool)
	types := make([]string, 0, 2)
	for _, v := range violations {
		if !seen[v.Type] {
			seen[v.Type] = true
			types = append(types, v.Type)
		}
	}
	sort.Strings(types)
	return strings.Join(types, "+")
}
