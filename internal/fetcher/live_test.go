package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testConfig returns a config suitable for tests: no politeness delay so
// httptest round trips stay fast.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Delay = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func TestLiveFetchSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body><a href=\"/about\">About</a></body></html>"))
	}))
	defer ts.Close()

	f := NewLive(testConfig())
	result, err := f.Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if result.Outcome != OutcomeSuccess {
		t.Errorf("Expected outcome %s, got %s", OutcomeSuccess, result.Outcome)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, result.StatusCode)
	}
	if !strings.Contains(result.Body, "/about") {
		t.Errorf("Expected body to contain the anchor, got %q", result.Body)
	}
	if result.ElapsedMS < 0 {
		t.Errorf("Expected non-negative elapsed time, got %d", result.ElapsedMS)
	}
	if !strings.Contains(result.ContentType, "text/html") {
		t.Errorf("Expected html content type, got %q", result.ContentType)
	}
}

func TestLiveFetchHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	f := NewLive(testConfig())
	result, err := f.Fetch(context.Background(), ts.URL+"/missing")

	// A completed request with a bad status is a result, not an error
	if err != nil {
		t.Fatalf("Expected no error for HTTP error status, got %v", err)
	}
	if result.Outcome != OutcomeHTTPError {
		t.Errorf("Expected outcome %s, got %s", OutcomeHTTPError, result.Outcome)
	}
	if result.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", result.StatusCode)
	}
	if result.Body != "" {
		t.Errorf("Expected empty body for HTTP error, got %d bytes", len(result.Body))
	}
}

func TestLiveFetchNetworkError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable := ts.URL
	ts.Close()

	f := NewLive(testConfig())
	result, err := f.Fetch(context.Background(), unreachable)

	if err == nil {
		t.Fatal("Expected an error for unreachable server")
	}
	if result.Outcome != OutcomeNetworkError {
		t.Errorf("Expected outcome %s, got %s", OutcomeNetworkError, result.Outcome)
	}
	if result.Err == nil {
		t.Error("Expected result to carry the network error cause")
	}
	if result.Body != "" {
		t.Errorf("Expected no body on network error, got %d bytes", len(result.Body))
	}
}

func TestLiveFetchFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>landed</html>"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	f := NewLive(testConfig())
	result, err := f.Fetch(context.Background(), ts.URL+"/old")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if result.Outcome != OutcomeSuccess {
		t.Errorf("Expected outcome %s, got %s", OutcomeSuccess, result.Outcome)
	}
	if !strings.HasSuffix(result.FinalURL, "/new") {
		t.Errorf("Expected final URL to end in /new, got %s", result.FinalURL)
	}
}

func TestLiveFetchTooManyRedirects(t *testing.T) {
	var ts *httptest.Server
	hop := 0
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hop++
		http.Redirect(w, r, fmt.Sprintf("/hop-%d", hop), http.StatusFound)
	}))
	defer ts.Close()

	cfg := testConfig()
	cfg.MaxRedirects = 3

	f := NewLive(cfg)
	result, err := f.Fetch(context.Background(), ts.URL)

	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("Expected ErrTooManyRedirects, got %v", err)
	}
	if result.Outcome != OutcomeNetworkError {
		t.Errorf("Expected outcome %s, got %s", OutcomeNetworkError, result.Outcome)
	}
}

func TestLiveFetchContextCancellation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte("too late"))
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	f := NewLive(testConfig())
	start := time.Now()
	result, err := f.Fetch(ctx, ts.URL)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context deadline error, got %v", err)
	}
	if result.Outcome != OutcomeNetworkError {
		t.Errorf("Expected outcome %s, got %s", OutcomeNetworkError, result.Outcome)
	}
	if elapsed > time.Second {
		t.Errorf("Expected fetch to abort promptly on cancellation, took %v", elapsed)
	}
}

func TestLiveFetchInvalidURL(t *testing.T) {
	f := NewLive(testConfig())

	tests := []string{
		"",
		"not-a-url",
		"https://",
	}

	for _, target := range tests {
		result, err := f.Fetch(context.Background(), target)
		if err == nil {
			t.Errorf("Expected error for %q", target)
		}
		if result == nil || result.Outcome != OutcomeNetworkError {
			t.Errorf("Expected network error outcome for %q, got %+v", target, result)
		}
	}
}
