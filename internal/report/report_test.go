package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazelfield/linkrot/internal/cache"
	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/sitemap"
)

func readCSV(t *testing.T, path string, comma rune) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = comma
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestNewWriterCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")

	w, err := NewWriter(Config{OutputDir: dir})
	require.NoError(t, err)
	require.NotNil(t, w)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriteURLs(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	entries := []sitemap.Entry{
		{URL: "https://example.edu/", Position: 1},
		{URL: "https://example.edu/about", Position: 2},
		{URL: "https://example.edu/admissions", Position: 3},
	}

	path, err := w.WriteURLs(entries)
	require.NoError(t, err)
	assert.Equal(t, URLReportFile, filepath.Base(path))

	records := readCSV(t, path, ',')
	require.Len(t, records, 4)
	assert.Equal(t, []string{"index", "url"}, records[0])
	assert.Equal(t, []string{"1", "https://example.edu/"}, records[1])
	assert.Equal(t, []string{"3", "https://example.edu/admissions"}, records[3])
}

func TestWriteLinks(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	links := []extract.Link{
		{SourcePage: "https://example.edu/history", Target: "https://example.edu/about", Class: extract.ClassInternal},
		{SourcePage: "https://example.edu/history", Target: "https://partner.example.org/", Class: extract.ClassExternal},
	}

	path, err := w.WriteLinks(links)
	require.NoError(t, err)

	records := readCSV(t, path, ',')
	require.Len(t, records, 3)
	assert.Equal(t, []string{"source_page", "target_url", "classification"}, records[0])
	assert.Equal(t, []string{"https://example.edu/history", "https://example.edu/about", "internal"}, records[1])
	assert.Equal(t, []string{"https://example.edu/history", "https://partner.example.org/", "external"}, records[2])
}

func TestWriteLinksEmptySetStillWritesHeader(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	path, err := w.WriteLinks(nil)
	require.NoError(t, err)

	records := readCSV(t, path, ',')
	require.Len(t, records, 1, "degraded runs leave a header-only file")
	assert.Equal(t, []string{"source_page", "target_url", "classification"}, records[0])
}

func TestWriterCustomDelimiter(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir(), Delimiter: ";"})
	require.NoError(t, err)

	path, err := w.WriteURLs([]sitemap.Entry{{URL: "https://example.edu/", Position: 1}})
	require.NoError(t, err)

	records := readCSV(t, path, ';')
	require.Len(t, records, 2)
	assert.Equal(t, []string{"index", "url"}, records[0])
	assert.Equal(t, []string{"1", "https://example.edu/"}, records[1])
}

func TestWritePages(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	start := time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)
	pages := []PageRow{
		{
			URL:              "https://example.edu/about",
			Status:           200,
			TimeMS:           123.456,
			Worker:           3,
			Start:            start,
			End:              start.Add(200 * time.Millisecond),
			LinksFound:       17,
			LinksBroken:      2,
			FinalURL:         "https://example.edu/about",
			ContentType:      "text/html; charset=utf-8",
			Technologies:     "WordPress+PHP",
			ViolationSummary: "broken_link",
			ViolationCount:   2,
		},
		{
			URL:              "https://example.edu/gone",
			Status:           0,
			TimeMS:           10000.0,
			Worker:           1,
			Start:            start,
			End:              start.Add(10 * time.Second),
			Error:            "context deadline exceeded",
			ViolationSummary: "none",
		},
	}

	path, err := w.WritePages(pages)
	require.NoError(t, err)

	records := readCSV(t, path, ',')
	require.Len(t, records, 3)

	assert.Equal(t, "url", records[0][0])
	assert.Equal(t, "200", records[1][1])
	assert.Equal(t, "123.46", records[1][2])
	assert.Equal(t, "2025-11-03T09:30:00Z", records[1][4])
	assert.Equal(t, "17", records[1][7])
	assert.Equal(t, "2", records[1][8])
	assert.Equal(t, "WordPress+PHP", records[1][11])

	assert.Equal(t, "", records[2][1], "no response means an empty status field")
	assert.Equal(t, "context deadline exceeded", records[2][6])
	assert.Equal(t, "none", records[2][12])
}

func TestWriteViolations(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	violations := []ViolationRow{
		{
			PageURL:  "https://example.edu/history",
			LinkURL:  "https://example.edu/old-course",
			Type:     "broken_link",
			Status:   404,
			FinalURL: "https://example.edu/old-course",
			Note:     "status>=400",
		},
		{
			PageURL: "https://example.edu/staff",
			LinkURL: "https://example.edu/login.act",
			Type:    "cms_login_leak",
			Note:    "matched login pattern",
		},
	}

	path, err := w.WriteViolations(violations)
	require.NoError(t, err)

	records := readCSV(t, path, ',')
	require.Len(t, records, 3)
	assert.Equal(t, []string{"page_url", "link_url", "violation_type", "status", "final_url", "note"}, records[0])
	assert.Equal(t, "404", records[1][3])
	assert.Equal(t, "", records[2][3], "violations without a probe leave status empty")
	assert.Equal(t, "cms_login_leak", records[2][2])
}

func TestAppendRunSummary(t *testing.T) {
	w, err := NewWriter(Config{OutputDir: t.TempDir()})
	require.NoError(t, err)

	summary := RunSummary{
		RunID:          "2b4e9c40-1111-4222-b333-abcdefabcdef",
		Timestamp:      time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC),
		Mode:           "live",
		Scheduler:      "priority",
		Workers:        12,
		Delay:          500 * time.Millisecond,
		URLsTotal:      250,
		PagesCrawled:   250,
		Duration:       42 * time.Second,
		PagesPerSecond: 5.95,
		BrokenLinks:    7,
		AvgFetchMS:     120.547,
		CacheMode:      "lru",
		CacheSize:      10000,
		CacheStats:     cache.Stats{Accesses: 100, Hits: 80, Misses: 20},
		MemoryMB:       64.5,
	}

	path, err := w.AppendRunSummary(summary)
	require.NoError(t, err)

	_, err = w.AppendRunSummary(summary)
	require.NoError(t, err)

	records := readCSV(t, path, ',')
	require.Len(t, records, 3, "header written once, then one row per run")

	assert.Equal(t, "run_id", records[0][0])
	assert.Equal(t, "2025-11-03T09:30:00Z", records[1][1])
	assert.Equal(t, "live", records[1][2])
	assert.Equal(t, "priority", records[1][3])
	assert.Equal(t, "12", records[1][4])
	assert.Equal(t, "0.5", records[1][5])
	assert.Equal(t, "120.55", records[1][14])
	assert.Equal(t, "0.8000", records[1][20])
	assert.Equal(t, records[1], records[2])
}
