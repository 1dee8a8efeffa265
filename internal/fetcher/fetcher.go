// Package fetcher retrieves page content for the scanner. The Fetcher
// interface has two implementations chosen once at startup: a recorded
// fixture fetcher for offline runs and a live network fetcher built on colly.
package fetcher

import (
	"context"
	"errors"
	"net/http"
)

// Outcome classifies how a fetch ended.
type Outcome string

const (
	// OutcomeSuccess is a 2xx response with a body.
	OutcomeSuccess Outcome = "success"
	// OutcomeHTTPError is a non-2xx response. Not an exception: the request
	// completed and still carries timing data.
	OutcomeHTTPError Outcome = "http_error"
	// OutcomeNetworkError covers DNS, connection and timeout failures. No
	// body, no status.
	OutcomeNetworkError Outcome = "network_error"
)

// ErrTooManyRedirects is returned when a fetch exceeds the configured
// redirect budget.
var ErrTooManyRedirects = errors.New("too many redirects")

// Result captures a single fetch attempt. Produced once per Fetch call and
// consumed once by link extraction.
type Result struct {
	// URL is the requested URL as given.
	URL string
	// FinalURL is the URL that answered after any redirects.
	FinalURL string
	// StatusCode is zero for network errors.
	StatusCode int
	// Body is populated only on success.
	Body string
	// ContentType echoes the response Content-Type header.
	ContentType string
	// Headers holds the response headers, when a response arrived.
	Headers http.Header
	// ElapsedMS is wall-clock request time in milliseconds. Synthetic
	// (near-zero) for fixture fetches, real for live ones.
	ElapsedMS int64
	// Outcome classifies the attempt.
	Outcome Outcome
	// Err holds the cause for network errors.
	Err error
}

// Success reports whether the fetch produced a usable body.
func (r *Result) Success() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

// Fetcher retrieves one URL per call. Exactly one attempt is made: retry
// orchestration, if any, belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Result, error)
}
