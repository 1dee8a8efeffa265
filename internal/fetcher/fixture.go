package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hazelfield/linkrot/internal/util"
	"github.com/rs/zerolog/log"
)

// FixtureFetcher serves recorded page content from local files. It never
// touches the network, which makes offline runs and tests deterministic.
type FixtureFetcher struct {
	pages map[string]string // normalised URL -> fixture path
}

// NewFixture builds a fetcher over a URL-to-file mapping. Keys are
// normalised so lookups survive trailing-slash and case differences.
func NewFixture(pages map[string]string) *FixtureFetcher {
	normalised := make(map[string]string, len(pages))
	for rawURL, path := range pages {
		key, err := util.NormaliseURLRef(rawURL, "")
		if err != nil {
			log.Warn().Str("url", rawURL).Err(err).Msg("Skipping fixture with malformed URL")
			continue
		}
		normalised[key] = path
	}
	return &FixtureFetcher{pages: normalised}
}

// Fetch reads the recorded content for url. Unknown URLs and unreadable
// fixture files report as network errors, mirroring what a live fetch of a
// missing host would produce.
func (f *FixtureFetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return &Result{URL: url, Outcome: OutcomeNetworkError, Err: err}, err
	}

	res := &Result{URL: url, FinalURL: url, Outcome: OutcomeNetworkError}

	key, err := util.NormaliseURLRef(url, "")
	if err != nil {
		res.Err = err
		return res, err
	}

	path, ok := f.pages[key]
	if !ok {
		res.Err = fmt.Errorf("no fixture recorded for %s", url)
		return res, res.Err
	}

	start := time.Now()
	body, err := os.ReadFile(path)
	res.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Err = fmt.Errorf("read fixture %s: %w", path, err)
		return res, res.Err
	}

	res.Outcome = OutcomeSuccess
	res.StatusCode = http.StatusOK
	res.ContentType = "text/html; charset=utf-8"
	res.Headers = http.Header{"Content-Type": []string{res.ContentType}}
	res.Body = string(body)

	log.Debug().
		Str("url", url).
		Str("fixture", path).
		Int("content_length", len(res.Body)).
		Msg("Served page from fixture")

	return res, nil
}
