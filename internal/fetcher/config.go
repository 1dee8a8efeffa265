package fetcher

import (
	"net/http"
	"time"
)

// Config holds the configuration for the live network fetcher
type Config struct {
	Timeout      time.Duration     // Per-request timeout
	MaxRedirects int               // Redirect budget before ErrTooManyRedirects
	Delay        time.Duration     // Politeness delay between requests to one host
	Parallelism  int               // Maximum concurrent requests per host
	UserAgent    string            // User agent string for requests
	Transport    http.RoundTripper // Optional instrumented transport
}

// DefaultConfig returns a Config instance with default values
func DefaultConfig() *Config {
	return &Config{
		Timeout:      10 * time.Second,
		MaxRedirects: 5,
		Delay:        500 * time.Millisecond,
		Parallelism:  10,
		UserAgent:    "linkrot/1.0 (+https://github.com/hazelfield/linkrot)",
	}
}
