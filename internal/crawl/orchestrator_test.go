package crawl

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazelfield/linkrot/internal/cache"
	"github.com/hazelfield/linkrot/internal/check"
	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/fetcher"
	"github.com/hazelfield/linkrot/internal/report"
	"github.com/hazelfield/linkrot/internal/sitemap"
)

func readReport(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open report %s: %v", path, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse report %s: %v", path, err)
	}
	return records
}

func sampleOrchestrator(t *testing.T, outDir string, pages map[string]string, console *bytes.Buffer) *Orchestrator {
	t.Helper()
	reports, err := report.NewWriter(report.Config{OutputDir: outDir})
	if err != nil {
		t.Fatalf("failed to create report writer: %v", err)
	}

	return NewOrchestrator(
		Config{Domains: []string{"example.edu"}, Mode: "mock", Console: console},
		sitemap.NewReader(nil, "linkrot-test"),
		sitemap.FileSource{Path: filepath.Join("testdata", "sitemap.xml")},
		fetcher.NewFixture(pages),
		extract.New(extract.Config{Domains: []string{"example.edu"}}),
		reports,
	)
}

func TestRunSampleWritesBothReports(t *testing.T) {
	outDir := t.TempDir()
	console := &bytes.Buffer{}

	orch := sampleOrchestrator(t, outDir, map[string]string{
		"https://www.example.edu/": filepath.Join("testdata", "sample_page.html"),
	}, console)

	metrics, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if metrics.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, metrics.State)
	}
	if metrics.URLCount != 5 {
		t.Errorf("expected 5 sitemap URLs, got %d", metrics.URLCount)
	}
	if metrics.SampleURL != "https://www.example.edu/" {
		t.Errorf("expected first sitemap entry as sample, got %s", metrics.SampleURL)
	}
	if metrics.InternalLinks != 4 || metrics.ExternalLinks != 1 {
		t.Errorf("expected 4 internal and 1 external link, got %d and %d",
			metrics.InternalLinks, metrics.ExternalLinks)
	}
	if metrics.Degraded {
		t.Error("successful run should not be degraded")
	}

	urls := readReport(t, filepath.Join(outDir, report.URLReportFile))
	if len(urls) != 6 {
		t.Fatalf("expected header plus 5 URL rows, got %d records", len(urls))
	}
	if urls[1][0] != "1" || urls[1][1] != "https://www.example.edu/" {
		t.Errorf("unexpected first URL row: %v", urls[1])
	}

	links := readReport(t, filepath.Join(outDir, report.LinkReportFile))
	if len(links) != 6 {
		t.Fatalf("expected header plus 5 link rows, got %d records", len(links))
	}
	internal, external := 0, 0
	for _, row := range links[1:] {
		if row[0] != "https://www.example.edu/" {
			t.Errorf("link row has wrong source page: %v", row)
		}
		switch row[2] {
		case "internal":
			internal++
		case "external":
			external++
		default:
			t.Errorf("unexpected classification %q", row[2])
		}
	}
	if internal != 4 || external != 1 {
		t.Errorf("expected 4 internal and 1 external rows, got %d and %d", internal, external)
	}

	out := console.String()
	if !strings.HasPrefix(out, "[fetch] sanity metric: ") || !strings.Contains(out, " ms / request") {
		t.Errorf("unexpected console output %q", out)
	}
}

func TestRunUsesConfiguredSamplePage(t *testing.T) {
	console := &bytes.Buffer{}
	orch := sampleOrchestrator(t, t.TempDir(), map[string]string{
		"https://www.example.edu/about": filepath.Join("testdata", "sample_page.html"),
	}, console)
	orch.config.SamplePageURL = "https://www.example.edu/about"

	metrics, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if metrics.SampleURL != "https://www.example.edu/about" {
		t.Errorf("expected configured sample page, got %s", metrics.SampleURL)
	}
	if metrics.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, metrics.State)
	}
}

func TestRunAppliesPathFilters(t *testing.T) {
	outDir := t.TempDir()
	console := &bytes.Buffer{}

	orch := sampleOrchestrator(t, outDir, map[string]string{
		"https://www.example.edu/": filepath.Join("testdata", "sample_page.html"),
	}, console)
	orch.config.SamplePageURL = "https://www.example.edu/"
	orch.config.ExcludePaths = []string{"/research", "/admissions"}

	metrics, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if metrics.URLCount != 3 {
		t.Errorf("expected 3 URLs after filtering, got %d", metrics.URLCount)
	}

	urls := readReport(t, filepath.Join(outDir, report.URLReportFile))
	if len(urls) != 4 {
		t.Fatalf("expected header plus 3 URL rows, got %d records", len(urls))
	}
	// Positions are reassigned so the index column stays dense.
	if urls[3][0] != "3" || urls[3][1] != "https://www.example.edu/contact" {
		t.Errorf("unexpected last URL row: %v", urls[3])
	}
	for _, row := range urls[1:] {
		if strings.Contains(row[1], "/research") || strings.Contains(row[1], "/admissions") {
			t.Errorf("excluded URL leaked into report: %v", row)
		}
	}
}

func TestRunFailsWhenFiltersRemoveEverything(t *testing.T) {
	outDir := t.TempDir()

	orch := sampleOrchestrator(t, outDir, nil, &bytes.Buffer{})
	orch.config.IncludePaths = []string{"/nowhere"}

	metrics, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error when filters remove every entry")
	}
	if metrics.State != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, metrics.State)
	}
	if _, statErr := os.Stat(filepath.Join(outDir, report.URLReportFile)); !os.IsNotExist(statErr) {
		t.Error("URL report must not exist when the worklist is empty")
	}
}

func TestRunAbortsWhenSitemapUnreadable(t *testing.T) {
	outDir := t.TempDir()
	console := &bytes.Buffer{}

	orch := sampleOrchestrator(t, outDir, nil, console)
	orch.source = sitemap.FileSource{Path: filepath.Join(t.TempDir(), "absent.xml")}

	metrics, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unreadable sitemap")
	}
	if !errors.Is(err, sitemap.ErrUnreadable) {
		t.Errorf("expected ErrUnreadable, got %v", err)
	}
	if metrics.State != StateFailed {
		t.Errorf("expected state %s, got %s", StateFailed, metrics.State)
	}

	// Nothing may be written when the sitemap stage fails.
	if _, statErr := os.Stat(filepath.Join(outDir, report.URLReportFile)); !os.IsNotExist(statErr) {
		t.Error("URL report must not exist after a sitemap failure")
	}
	if _, statErr := os.Stat(filepath.Join(outDir, report.LinkReportFile)); !os.IsNotExist(statErr) {
		t.Error("link report must not exist after a sitemap failure")
	}
}

func TestRunDegradesWhenSampleFetchFails(t *testing.T) {
	outDir := t.TempDir()
	console := &bytes.Buffer{}

	// No fixture for the sample page: the fetch reports a network error.
	orch := sampleOrchestrator(t, outDir, nil, console)

	metrics, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("a degraded run should not return an error, got %v", err)
	}

	if metrics.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, metrics.State)
	}
	if !metrics.Degraded {
		t.Error("expected the run to be flagged degraded")
	}
	if metrics.FetchOutcome != string(fetcher.OutcomeNetworkError) {
		t.Errorf("expected network_error outcome, got %s", metrics.FetchOutcome)
	}
	if metrics.FetchError == "" {
		t.Error("expected a fetch error cause in metrics")
	}

	urls := readReport(t, filepath.Join(outDir, report.URLReportFile))
	if len(urls) != 6 {
		t.Errorf("URL report should still carry 5 rows, got %d records", len(urls))
	}

	links := readReport(t, filepath.Join(outDir, report.LinkReportFile))
	if len(links) != 1 {
		t.Errorf("link report should be header-only, got %d records", len(links))
	}

	if console.Len() != 0 {
		t.Errorf("no sanity metric expected without timing data, got %q", console.String())
	}
}

func TestRunFullWritesCrawlReports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("about"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	base := server.URL

	dir := t.TempDir()
	homePath := writeFixture(t, dir, "home.html", fmt.Sprintf(`<html><body>
		<a href="%s/about">About</a>
		<a href="%s/broken">Annual report</a>
	</body></html>`, base, base))
	aboutPath := writeFixture(t, dir, "about.html", "<html><body><p>History.</p></body></html>")

	sitemapPath := filepath.Join(dir, "sitemap.xml")
	sitemapXML := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%s/</loc></url>
  <url><loc>%s/about</loc></url>
</urlset>`, base, base)
	if err := os.WriteFile(sitemapPath, []byte(sitemapXML), 0644); err != nil {
		t.Fatalf("failed to write sitemap fixture: %v", err)
	}

	outDir := t.TempDir()
	reports, err := report.NewWriter(report.Config{OutputDir: outDir})
	if err != nil {
		t.Fatalf("failed to create report writer: %v", err)
	}

	// Sitemap locations are upgraded to https on ingest, so the recorded
	// pages must be keyed by the upgraded URLs. The link targets inside the
	// page bodies stay http and are probed against the live test server.
	secureBase := "https" + strings.TrimPrefix(base, "http")
	pages := fetcher.NewFixture(map[string]string{
		secureBase + "/":      homePath,
		secureBase + "/about": aboutPath,
	})
	extractor := extract.New(extract.Config{Domains: []string{"127.0.0.1"}})
	lru := cache.NewLRU(100)
	checker := check.New(check.Config{Timeout: 5 * time.Second, Cache: lru})

	console := &bytes.Buffer{}
	orch := NewOrchestrator(
		Config{Domains: []string{"127.0.0.1"}, Mode: "live", CacheMode: "lru", CacheSize: 100, Console: console},
		sitemap.NewReader(nil, "linkrot-test"),
		sitemap.FileSource{Path: sitemapPath},
		pages,
		extractor,
		reports,
	)
	orch.AttachEngine(NewEngine(EngineConfig{Workers: 2, Scheduler: SchedulerFIFO}, pages, extractor, checker, nil, nil), lru)

	metrics, outcome, err := orch.RunFull(context.Background())
	if err != nil {
		t.Fatalf("RunFull returned error: %v", err)
	}

	if metrics.State != StateDone {
		t.Errorf("expected state %s, got %s", StateDone, metrics.State)
	}
	if metrics.RunID == "" {
		t.Error("expected a run ID")
	}
	if metrics.PagesCrawled != 2 {
		t.Errorf("expected 2 pages crawled, got %d", metrics.PagesCrawled)
	}
	if metrics.BrokenLinks != 1 {
		t.Errorf("expected 1 broken link, got %d", metrics.BrokenLinks)
	}
	if metrics.CacheStats.Accesses != 2 {
		t.Errorf("expected 2 cache accesses, got %d", metrics.CacheStats.Accesses)
	}
	if outcome.LinksFound != 2 {
		t.Errorf("expected 2 links found, got %d", outcome.LinksFound)
	}

	pagesReport := readReport(t, filepath.Join(outDir, report.PageReportFile))
	if len(pagesReport) != 3 {
		t.Fatalf("expected header plus 2 page rows, got %d records", len(pagesReport))
	}

	violations := readReport(t, filepath.Join(outDir, report.ViolationReportFile))
	if len(violations) != 2 {
		t.Fatalf("expected header plus 1 violation row, got %d records", len(violations))
	}
	if violations[1][2] != ViolationBrokenLink {
		t.Errorf("expected violation type %s, got %s", ViolationBrokenLink, violations[1][2])
	}
	if violations[1][3] != "500" {
		t.Errorf("expected status 500, got %s", violations[1][3])
	}

	summary := readReport(t, filepath.Join(outDir, report.RunSummaryFile))
	if len(summary) != 2 {
		t.Fatalf("expected header plus 1 summary row, got %d records", len(summary))
	}
	if summary[1][0] != metrics.RunID {
		t.Errorf("summary run_id %s does not match metrics %s", summary[1][0], metrics.RunID)
	}
	if summary[1][2] != "live" {
		t.Errorf("expected mode live, got %s", summary[1][2])
	}
	if summary[1][6] != "2" || summary[1][7] != "2" {
		t.Errorf("expected 2 URLs and 2 pages in summary, got %s and %s", summary[1][6], summary[1][7])
	}

	if console.Len() != 0 {
		t.Errorf("full runs print no sanity metric, got %q", console.String())
	}

	urls := readReport(t, filepath.Join(outDir, report.URLReportFile))
	if len(urls) != 3 {
		t.Errorf("expected header plus 2 URL rows, got %d records", len(urls))
	}
}

func TestRunFullRequiresEngine(t *testing.T) {
	orch := sampleOrchestrator(t, t.TempDir(), nil, &bytes.Buffer{})

	_, _, err := orch.RunFull(context.Background())
	if err == nil {
		t.Fatal("expected an error when no engine is attached")
	}
}
