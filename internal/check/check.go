// Package check probes extracted link targets and decides whether they are
// broken. A target is broken when the server answers with status 400 or above,
// or when no response arrives at all. Redirects are followed and reported in
// the note; RedirectBroken turns them into failures for sites that treat a
// moved link as a defect.
package check

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/hazelfield/linkrot/internal/cache"
	"github.com/hazelfield/linkrot/internal/util"
	"github.com/rs/zerolog/log"
)

// Body content is irrelevant to the verdict; reads are capped so a GET against
// a large asset cannot stall a worker.
const maxDrainBytes = 64 * 1024

const noteMaxLen = 120

// Result is the verdict for one link target.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int    // 0 when no response arrived
	Method     string // request method that produced the verdict
	Broken     bool
	Note       string
	FromCache  bool
	ElapsedMS  int64
}

// Config holds the configuration for a Checker.
type Config struct {
	// Timeout bounds each probe request.
	Timeout time.Duration
	// UserAgent is sent on every probe.
	UserAgent string
	// Transport optionally overrides the HTTP transport, e.g. to add
	// instrumentation. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// Cache optionally stores verdicts keyed by the target's cache key, so
	// a link appearing on many pages is probed once per run.
	Cache *cache.LRU
	// RedirectBroken marks targets answering from a significantly different
	// URL as broken instead of merely noting the redirect.
	RedirectBroken bool
}

// Checker probes link targets over HTTP.
type Checker struct {
	client         *http.Client
	cache          *cache.LRU
	userAgent      string
	redirectBroken bool
}

func New(config Config) *Checker {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Checker{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		cache:          config.Cache,
		userAgent:      config.UserAgent,
		redirectBroken: config.RedirectBroken,
	}
}

// Check probes a single target and returns its verdict. HEAD is tried first;
// servers that reject HEAD get a follow-up GET so they are not misreported as
// broken. Cached verdicts are returned without touching the network.
func (c *Checker) Check(ctx context.Context, target string) Result {
	key := util.LinkCacheKey(target)

	if c.cache != nil {
		if cached, found := c.cache.Get(key); found {
			res := cached.(Result)
			res.FromCache = true
			return res
		}
	}

	start := time.Now()
	res := c.probe(ctx, http.MethodHead, target)
	if retryWithGet(res) {
		res = c.probe(ctx, http.MethodGet, target)
	}
	res.ElapsedMS = time.Since(start).Milliseconds()

	// A verdict produced under a cancelled context reflects the caller
	// giving up, not the link; it must not be cached.
	if c.cache != nil && ctx.Err() == nil {
		c.cache.Set(key, res)
	}

	log.Debug().
		Str("url", target).
		Str("method", res.Method).
		Int("status", res.StatusCode).
		Bool("broken", res.Broken).
		Str("note", res.Note).
		Msg("Checked link")

	return res
}

// retryWithGet reports whether a HEAD verdict is untrustworthy. Some servers
// refuse or mishandle HEAD while serving GET normally.
func retryWithGet(res Result) bool {
	if res.Method != http.MethodHead {
		return false
	}
	if res.StatusCode == 0 {
		return true
	}
	switch res.StatusCode {
	case http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

func (c *Checker) probe(ctx context.Context, method, target string) Result {
	res := Result{URL: target, Method: method}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		res.Broken = true
		res.Note = truncateNote(err.Error())
		return res
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Timeout, DNS failure, refused connection, too many redirects.
		res.Broken = true
		res.Note = truncateNote(err.Error())
		return res
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	res.StatusCode = resp.StatusCode
	res.FinalURL = resp.Request.URL.String()
	res.Broken = resp.StatusCode >= 400

	switch {
	case res.Broken:
		res.Note = "status>=400"
	case util.IsSignificantRedirect(target, res.FinalURL):
		if c.redirectBroken {
			res.Broken = true
			res.Note = "redirect"
		} else {
			res.Note = "redirect ok"
		}
	default:
		res.Note = "ok"
	}

	return res
}

func truncateNote(msg string) string {
	if len(msg) > noteMaxLen {
		return msg[:noteMaxLen]
	}
	return msg
}
