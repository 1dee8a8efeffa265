package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// LiveFetcher performs real HTTP GETs through a colly collector. One
// collector is built up front; each Fetch works on a clone so handlers stay
// scoped to a single request while the HTTP client and limit rules are
// shared.
type LiveFetcher struct {
	config *Config
	colly  *colly.Collector
}

// NewLive creates a live fetcher. If config is nil, default configuration is
// used.
func NewLive(config *Config) *LiveFetcher {
	if config == nil {
		config = DefaultConfig()
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
	)

	if config.Delay > 0 || config.Parallelism > 0 {
		c.Limit(&colly.LimitRule{
			DomainGlob:  "*",
			Parallelism: config.Parallelism,
			Delay:       config.Delay,
		})
	}

	transport := config.Transport
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConnsPerHost: 25,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}

	c.SetClient(&http.Client{
		Timeout:   config.Timeout,
		Transport: transport,
	})

	return &LiveFetcher{config: config, colly: c}
}

// Fetch GETs the target URL once. Non-2xx responses are reported as
// HTTPError results with timing, not as errors; the returned error is
// non-nil only for network-level failures (DNS, connection, timeout,
// redirect budget).
func (f *LiveFetcher) Fetch(ctx context.Context, target string) (*Result, error) {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid URL format: %s", target)
		}
		return &Result{URL: target, Outcome: OutcomeNetworkError, Err: err}, err
	}

	start := time.Now()
	res := &Result{URL: target}

	clone := f.colly.Clone()

	// Clone drops handlers and the redirect policy, so everything request
	// scoped is registered here.
	clone.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= f.config.MaxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	})

	clone.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Ctx.Put("start_time", time.Now())

		log.Debug().
			Str("url", r.URL.String()).
			Msg("Fetching page")
	})

	clone.OnResponse(func(r *colly.Response) {
		if startTime, ok := r.Ctx.GetAny("start_time").(time.Time); ok {
			res.ElapsedMS = time.Since(startTime).Milliseconds()
		}

		res.StatusCode = r.StatusCode
		res.ContentType = r.Headers.Get("Content-Type")
		if r.Headers != nil {
			res.Headers = r.Headers.Clone()
		}
		res.FinalURL = r.Request.URL.String()

		if r.StatusCode >= 200 && r.StatusCode < 300 {
			res.Outcome = OutcomeSuccess
			res.Body = string(r.Body)
		} else {
			res.Outcome = OutcomeHTTPError
		}
	})

	clone.OnError(func(r *colly.Response, visitErr error) {
		if r != nil {
			if startTime, ok := r.Ctx.GetAny("start_time").(time.Time); ok {
				res.ElapsedMS = time.Since(startTime).Milliseconds()
			}
			res.StatusCode = r.StatusCode
			if r.Request != nil && r.Request.URL != nil {
				res.FinalURL = r.Request.URL.String()
			}
		}

		switch {
		case errors.Is(visitErr, ErrTooManyRedirects):
			res.Outcome = OutcomeNetworkError
			res.StatusCode = 0
			res.Err = ErrTooManyRedirects
		case res.StatusCode > 0:
			// The server answered; colly surfaces 4xx/5xx through OnError.
			res.Outcome = OutcomeHTTPError
		default:
			res.Outcome = OutcomeNetworkError
			res.Err = visitErr
		}

		log.Debug().
			Err(visitErr).
			Str("url", target).
			Int("status", res.StatusCode).
			Msg("Fetch did not succeed")
	})

	done := make(chan error, 1)
	go func() {
		if visitErr := clone.Visit(target); visitErr != nil {
			done <- visitErr
			return
		}
		clone.Wait()
		done <- nil
	}()

	select {
	case visitErr := <-done:
		if res.Outcome == "" {
			// Visit failed before any handler ran (bad scheme, refused
			// revisit and similar pre-flight conditions).
			res.Outcome = OutcomeNetworkError
			if visitErr == nil {
				visitErr = fmt.Errorf("no response received for %s", target)
			}
			res.Err = visitErr
			res.ElapsedMS = time.Since(start).Milliseconds()
		}
	case <-ctx.Done():
		log.Warn().
			Err(ctx.Err()).
			Str("url", target).
			Msg("Fetch cancelled by context")
		return &Result{
			URL:       target,
			Outcome:   OutcomeNetworkError,
			Err:       ctx.Err(),
			ElapsedMS: time.Since(start).Milliseconds(),
		}, ctx.Err()
	}

	if res.Outcome == OutcomeNetworkError {
		return res, res.Err
	}

	log.Debug().
		Int("status", res.StatusCode).
		Str("url", target).
		Int64("duration_ms", res.ElapsedMS).
		Msg("Fetch completed")

	return res, nil
}
