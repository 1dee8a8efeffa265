package db

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// RunRecord is one completed crawl run.
type RunRecord struct {
	ID                  string
	StartedAt           time.Time
	FinishedAt          time.Time
	Mode                string
	Scheduler           string
	Workers             int
	Delay               time.Duration
	Domains             []string
	URLsTotal           int
	PagesCrawled        int
	LinksFound          int
	LinksChecked        int
	BrokenLinks         int
	LoginLeaks          int
	PagesWithViolations int
	AvgFetchMS          float64
	CacheHitRatio       float64
	Degraded            bool
}

// ViolationRecord is one flagged link belonging to a run.
type ViolationRecord struct {
	RunID      string
	PageURL    string
	LinkURL    string
	Type       string
	StatusCode int // 0 stores as NULL
	FinalURL   string
	Note       string
}

// InsertRun stores a completed run.
func (d *DB) InsertRun(ctx context.Context, run *RunRecord) error {
	_, err := d.client.ExecContext(ctx, `
		INSERT INTO runs (
			id, started_at, finished_at, mode, scheduler, workers, delay_ms,
			domains, urls_total, pages_crawled, links_found, links_checked,
			broken_links, login_leaks, pages_with_violations, avg_fetch_ms,
			cache_hit_ratio, degraded
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		run.ID,
		run.StartedAt,
		run.FinishedAt,
		run.Mode,
		run.Scheduler,
		run.Workers,
		run.Delay.Milliseconds(),
		pq.Array(run.Domains),
		run.URLsTotal,
		run.PagesCrawled,
		run.LinksFound,
		run.LinksChecked,
		run.BrokenLinks,
		run.LoginLeaks,
		run.PagesWithViolations,
		run.AvgFetchMS,
		run.CacheHitRatio,
		run.Degraded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}

	log.Debug().Str("run_id", run.ID).Msg("Stored run record")
	return nil
}

// InsertViolations stores all violations of one run in a single statement.
// Violations must share the same run ID.
func (d *DB) InsertViolations(ctx context.Context, runID string, violations []ViolationRecord) error {
	if len(violations) == 0 {
		return nil
	}

	pageURLs := make([]string, len(violations))
	linkURLs := make([]string, len(violations))
	types := make([]string, len(violations))
	statusCodes := make([]int64, len(violations))
	finalURLs := make([]string, len(violations))
	notes := make([]string, len(violations))

	for i, v := range violations {
		pageURLs[i] = v.PageURL
		linkURLs[i] = v.LinkURL
		types[i] = v.Type
		statusCodes[i] = int64(v.StatusCode)
		finalURLs[i] = v.FinalURL
		notes[i] = v.Note
	}

	_, err := d.client.ExecContext(ctx, `
		INSERT INTO violations (run_id, page_url, link_url, violation_type, status_code, final_url, note)
		SELECT $1, v.page_url, v.link_url, v.violation_type, NULLIF(v.status_code, 0), v.final_url, v.note
		FROM unnest($2::text[], $3::text[], $4::text[], $5::int[], $6::text[], $7::text[])
			AS v(page_url, link_url, violation_type, status_code, final_url, note)
	`,
		runID,
		pq.Array(pageURLs),
		pq.Array(linkURLs),
		pq.Array(types),
		pq.Array(statusCodes),
		pq.Array(finalURLs),
		pq.Array(notes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %d violations for run %s: %w", len(violations), runID, err)
	}

	log.Debug().Str("run_id", runID).Int("count", len(violations)).Msg("Stored violation records")
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (d *DB) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.client.QueryContext(ctx, `
		SELECT id, started_at, finished_at, mode, scheduler, workers, delay_ms,
			domains, urls_total, pages_crawled, links_found, links_checked,
			broken_links, login_leaks, pages_with_violations,
			COALESCE(avg_fetch_ms, 0), COALESCE(cache_hit_ratio, 0), degraded
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		var delayMS int64
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Mode,
			&run.Scheduler,
			&run.Workers,
			&delayMS,
			pq.Array(&run.Domains),
			&run.URLsTotal,
			&run.PagesCrawled,
			&run.LinksFound,
			&run.LinksChecked,
			&run.BrokenLinks,
			&run.LoginLeaks,
			&run.PagesWithViolations,
			&run.AvgFetchMS,
			&run.CacheHitRatio,
			&run.Degraded,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		run.Delay = time.Duration(delayMS) * time.Millisecond
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read run rows: %w", err)
	}

	return runs, nil
}

// ViolationCounts returns how many violations of each type a run produced.
func (d *DB) ViolationCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT violation_type, COUNT(*)
		FROM violations
		WHERE run_id = $1
		GROUP BY violation_type
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations for run %s: %w", runID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var violationType string
		var count int
		if err := rows.Scan(&violationType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan violation count: %w", err)
		}
		counts[violationType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read violation counts: %w", err)
	}

	return counts, nil
}
