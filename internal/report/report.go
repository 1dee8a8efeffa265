// Package report serializes crawl results into delimited tabular files. Each
// artifact is one file in the output directory; writers return the path they
// wrote so callers can log it.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hazelfield/linkrot/internal/extract"
	"github.com/hazelfield/linkrot/internal/sitemap"
)

const (
	URLReportFile       = "urls_initial.csv"
	LinkReportFile      = "links_sample.csv"
	PageReportFile      = "pages.csv"
	ViolationReportFile = "violations_links.csv"
	RunSummaryFile      = "run_summary.csv"
)

// Config holds the configuration for a Writer.
type Config struct {
	// OutputDir is created if it does not exist.
	OutputDir string
	// Delimiter separates fields; only the first rune is used. Defaults to
	// a comma. Semicolons are common where spreadsheets expect them.
	Delimiter string
}

// Writer writes report files into a single output directory.
type Writer struct {
	dir   string
	comma rune
}

func NewWriter(config Config) (*Writer, error) {
	if config.OutputDir == "" {
		config.OutputDir = "reports"
	}
	if err := os.MkdirAll(config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("create report directory %s: %w", config.OutputDir, err)
	}

	comma := ','
	if config.Delimiter != "" {
		comma = []rune(config.Delimiter)[0]
	}

	return &Writer{dir: config.OutputDir, comma: comma}, nil
}

// WriteURLs writes one row per deduplicated sitemap entry with its 1-based
// position, and returns the file path.
func (w *Writer) WriteURLs(entries []sitemap.Entry) (string, error) {
	path := filepath.Join(w.dir, URLReportFile)

	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, []string{strconv.Itoa(entry.Position), entry.URL})
	}

	if err := w.writeFile(path, []string{"index", "url"}, rows); err != nil {
		return "", err
	}
	return path, nil
}

// WriteLinks writes one row per extracted link. An empty link set still
// produces a file with just the header row, so a degraded run leaves a
// well-formed artifact behind.
func (w *Writer) WriteLinks(links []extract.Link) (string, error) {
	path := filepath.Join(w.dir, LinkReportFile)

	rows := make([][]string, 0, len(links))
	for _, link := range links {
		rows = append(rows, []string{link.SourcePage, link.Target, string(link.Class)})
	}

	if err := w.writeFile(path, []string{"source_page", "target_url", "classification"}, rows); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Writer) writeFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	cw.Comma = w.comma

	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header to %s: %w", path, err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row to %s: %w", path, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return nil
}
