// Package robots fetches and caches robots.txt rules per host, so the crawler
// can honour disallow rules and crawl delays without refetching the file for
// every page.
package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// Robots files beyond this size are truncated before parsing.
const maxRobotsBytes = 512 * 1024

type hostRules struct {
	data  *robotstxt.RobotsData
	group *robotstxt.Group
}

// Manager answers robots.txt questions for any host, fetching each host's
// file at most once. A host whose file cannot be fetched at all is treated
// as allowing everything; HTTP statuses follow the usual convention, where
// 401/403 and server errors disallow all crawling and 404 allows it.
type Manager struct {
	client *http.Client
	agent  string

	mu    sync.Mutex
	rules map[string]*hostRules
}

func NewManager(client *http.Client, agent string) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Manager{
		client: client,
		agent:  agent,
		rules:  make(map[string]*hostRules),
	}
}

// Allowed reports whether the manager's user agent may fetch rawURL.
// Unparseable URLs are not allowed.
func (m *Manager) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}

	rules := m.lookup(ctx, parsed)
	if rules.data == nil {
		return true
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return rules.data.TestAgent(path, m.agent)
}

// CrawlDelay returns the crawl delay the host requests for the manager's
// user agent, or zero when none is declared.
func (m *Manager) CrawlDelay(ctx context.Context, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return 0
	}

	rules := m.lookup(ctx, parsed)
	if rules.group == nil {
		return 0
	}
	return rules.group.CrawlDelay
}

// Sitemaps returns the sitemap URLs the host's robots.txt advertises.
func (m *Manager) Sitemaps(ctx context.Context, rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil
	}

	rules := m.lookup(ctx, parsed)
	if rules.data == nil {
		return nil
	}
	return rules.data.Sitemaps
}

// lookup returns the cached rules for the URL's host, fetching them on first
// use. Concurrent cold lookups may fetch twice; the result is identical and
// the last write wins.
func (m *Manager) lookup(ctx context.Context, parsed *url.URL) *hostRules {
	m.mu.Lock()
	cached, found := m.rules[parsed.Host]
	m.mu.Unlock()
	if found {
		return cached
	}

	fetched := m.fetch(ctx, parsed.Scheme+"://"+parsed.Host+"/robots.txt")

	m.mu.Lock()
	m.rules[parsed.Host] = fetched
	m.mu.Unlock()
	return fetched
}

func (m *Manager) fetch(ctx context.Context, robotsURL string) *hostRules {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return &hostRules{}
	}
	if m.agent != "" {
		req.Header.Set("User-Agent", m.agent)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL).Msg("Could not fetch robots.txt, allowing all paths")
		return &hostRules{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL).Msg("Could not read robots.txt, allowing all paths")
		return &hostRules{}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		log.Warn().Err(err).Str("url", robotsURL).Int("status", resp.StatusCode).Msg("Could not parse robots.txt, allowing all paths")
		return &hostRules{}
	}

	log.Debug().
		Str("url", robotsURL).
		Int("status", resp.StatusCode).
		Int("sitemaps", len(data.Sitemaps)).
		Msg("Loaded robots.txt")

	return &hostRules{
		data:  data,
		group: data.FindGroup(m.agent),
	}
}
