package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hazelfield/linkrot/internal/cache"
)

// timestampLayout matches the second-resolution UTC timestamps used across
// all report files.
const timestampLayout = "2006-01-02T15:04:05Z"

// PageRow is one visited page in the full-crawl page report.
type PageRow struct {
	URL              string
	Status           int // 0 when no response arrived
	TimeMS           float64
	Worker           int
	Start            time.Time
	End              time.Time
	Error            string
	LinksFound       int
	LinksBroken      int
	FinalURL         string
	ContentType      string
	Technologies     string // "+"-joined fingerprint names, empty when not detected
	ViolationSummary string // "none" or "+"-joined violation types
	ViolationCount   int
}

// ViolationRow is one flagged link in the violation report.
type ViolationRow struct {
	PageURL  string
	LinkURL  string
	Type     string
	Status   int // 0 when not applicable
	FinalURL string
	Note     string
}

// RunSummary is one appended row in the cross-run comparison file.
type RunSummary struct {
	RunID               string
	Timestamp           time.Time
	Mode                string // "mock" or "live"
	Scheduler           string
	Workers             int
	Delay               time.Duration
	URLsTotal           int
	PagesCrawled        int
	Duration            time.Duration
	PagesPerSecond      float64
	BrokenLinks         int
	LoginLeaks          int
	PagesWithViolations int
	LinksFound          int
	AvgFetchMS          float64
	CacheMode           string
	CacheSize           int
	CacheStats          cache.Stats
	MemoryMB            float64
}

// WritePages writes the per-page crawl report and returns the file path.
func (w *Writer) WritePages(pages []PageRow) (string, error) {
	path := filepath.Join(w.dir, PageReportFile)

	header := []string{
		"url", "status", "time_ms", "worker", "start_utc", "end_utc",
		"error", "internal_links_found", "links_broken", "final_url",
		"content_type", "technologies", "violation", "violations_count",
	}

	rows := make([][]string, 0, len(pages))
	for _, p := range pages {
		rows = append(rows, []string{
			p.URL,
			statusField(p.Status),
			fmt.Sprintf("%.2f", p.TimeMS),
			strconv.Itoa(p.Worker),
			p.Start.UTC().Format(timestampLayout),
			p.End.UTC().Format(timestampLayout),
			p.Error,
			strconv.Itoa(p.LinksFound),
			strconv.Itoa(p.LinksBroken),
			p.FinalURL,
			p.ContentType,
			p.Technologies,
			p.ViolationSummary,
			strconv.Itoa(p.ViolationCount),
		})
	}

	if err := w.writeFile(path, header, rows); err != nil {
		return "", err
	}
	return path, nil
}

// WriteViolations writes one row per flagged link and returns the file path.
func (w *Writer) WriteViolations(violations []ViolationRow) (string, error) {
	path := filepath.Join(w.dir, ViolationReportFile)

	header := []string{"page_url", "link_url", "violation_type", "status", "final_url", "note"}

	rows := make([][]string, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, []string{
			v.PageURL,
			v.LinkURL,
			v.Type,
			statusField(v.Status),
			v.FinalURL,
			v.Note,
		})
	}

	if err := w.writeFile(path, header, rows); err != nil {
		return "", err
	}
	return path, nil
}

// AppendRunSummary appends one summary row, writing the header first when the
// file is new or empty. The file accumulates across runs so scheduler and
// cache configurations can be compared.
func (w *Writer) AppendRunSummary(s RunSummary) (string, error) {
	path := filepath.Join(w.dir, RunSummaryFile)

	needHeader := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		needHeader = false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	cw.Comma = w.comma

	if needHeader {
		header := []string{
			"run_id", "ts_utc", "mode", "scheduler", "workers", "delay_s",
			"urls_total", "pages_crawled", "duration_s", "pages_per_s",
			"broken_links_total", "login_leaks_total",
			"pages_with_violations", "total_links_found", "avg_fetch_ms",
			"cache_mode", "cache_max_size", "cache_accesses", "cache_hits",
			"cache_misses", "cache_hit_ratio", "memory_rss_mb",
		}
		if err := cw.Write(header); err != nil {
			return "", fmt.Errorf("write header to %s: %w", path, err)
		}
	}

	row := []string{
		s.RunID,
		s.Timestamp.UTC().Format(timestampLayout),
		s.Mode,
		s.Scheduler,
		strconv.Itoa(s.Workers),
		fmt.Sprintf("%.1f", s.Delay.Seconds()),
		strconv.Itoa(s.URLsTotal),
		strconv.Itoa(s.PagesCrawled),
		fmt.Sprintf("%.2f", s.Duration.Seconds()),
		fmt.Sprintf("%.2f", s.PagesPerSecond),
		strconv.Itoa(s.BrokenLinks),
		strconv.Itoa(s.LoginLeaks),
		strconv.Itoa(s.PagesWithViolations),
		strconv.Itoa(s.LinksFound),
		fmt.Sprintf("%.2f", s.AvgFetchMS),
		s.CacheMode,
		strconv.Itoa(s.CacheSize),
		strconv.FormatInt(s.CacheStats.Accesses, 10),
		strconv.FormatInt(s.CacheStats.Hits, 10),
		strconv.FormatInt(s.CacheStats.Misses, 10),
		fmt.Sprintf("%.4f", s.CacheStats.HitRatio()),
		fmt.Sprintf("%.2f", s.MemoryMB),
	}
	if err := cw.Write(row); err != nil {
		return "", fmt.Errorf("write row to %s: %w", path, err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush %s: %w", path, err)
	}
	return path, nil
}

func statusField(status int) string {
	if status == 0 {
		return ""
	}
	return strconv.Itoa(status)
}
