// Package sitemap reads sitemap XML documents from local fixtures or remote
// HTTP sources and produces an ordered, deduplicated URL list.
package sitemap

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hazelfield/linkrot/internal/util"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUnreadable indicates the sitemap source could not be opened or
	// fetched. Retry policy belongs to the caller, not here.
	ErrUnreadable = errors.New("sitemap unreadable")

	// ErrMalformed indicates the document is not well-formed sitemap XML or
	// contains zero location entries. A scan over no pages is meaningless,
	// so an empty sitemap is an error rather than an empty success.
	ErrMalformed = errors.New("sitemap malformed")
)

// maxIndexDepth guards against sitemap index documents that reference
// themselves or nest absurdly.
const maxIndexDepth = 5

// Entry is one deduplicated sitemap URL with its 1-based output position.
type Entry struct {
	URL      string
	Position int
}

// Document is the parsed result. Malformed holds location values that could
// not be normalised; they are excluded from Entries but surfaced so the
// caller can log or report them.
type Document struct {
	Entries   []Entry
	Malformed []string
}

// Source abstracts where a sitemap document comes from. Mode selection (local
// fixture vs live URL) happens once at startup by choosing the Source
// implementation; parsing never branches on it.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Location() string
}

// FileSource reads a sitemap fixture from the local filesystem.
type FileSource struct {
	Path string
}

func (s FileSource) Open(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnreadable, s.Path, err)
	}
	return f, nil
}

func (s FileSource) Location() string { return s.Path }

// HTTPSource fetches a sitemap over HTTP(S).
type HTTPSource struct {
	URL       string
	Client    *http.Client
	UserAgent string
}

func (s HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, s.URL, err)
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", ErrUnreadable, s.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: fetch %s: status %d", ErrUnreadable, s.URL, resp.StatusCode)
	}

	return resp.Body, nil
}

func (s HTTPSource) Location() string { return s.URL }

// Sitemap XML document shapes. A <urlset> lists page URLs directly; a
// <sitemapindex> lists child sitemap documents.
type URLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []URL    `xml:"url"`
}

type URL struct {
	Loc string `xml:"loc"`
}

type SitemapIndex struct {
	XMLName  xml.Name  `xml:"sitemapindex"`
	Sitemaps []Sitemap `xml:"sitemap"`
}

type Sitemap struct {
	Loc string `xml:"loc"`
}

// Reader parses sitemap documents. The HTTP client and user agent are only
// used when following child sitemaps of an index document.
type Reader struct {
	client    *http.Client
	userAgent string
}

func NewReader(client *http.Client, userAgent string) *Reader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Reader{client: client, userAgent: userAgent}
}

// Read parses the sitemap behind src into an ordered, deduplicated Document.
// Duplicate locations keep their first occurrence, so output order is stable
// against the input document. Returns ErrUnreadable when the source cannot be
// opened and ErrMalformed for bad XML or zero location entries.
func (r *Reader) Read(ctx context.Context, src Source) (*Document, error) {
	locs, err := r.readLocations(ctx, src, 0)
	if err != nil {
		return nil, err
	}

	doc := &Document{}
	seen := make(map[string]bool, len(locs))
	for _, loc := range locs {
		normalised, err := util.NormaliseURLRef(upgradeScheme(loc), "")
		if err != nil {
			log.Debug().Str("loc", loc).Err(err).Msg("Skipping malformed sitemap location")
			doc.Malformed = append(doc.Malformed, loc)
			continue
		}
		if seen[normalised] {
			continue
		}
		seen[normalised] = true
		doc.Entries = append(doc.Entries, Entry{URL: normalised, Position: len(doc.Entries) + 1})
	}

	if len(doc.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable location entries", ErrMalformed, src.Location())
	}

	log.Debug().
		Str("source", src.Location()).
		Int("url_count", len(doc.Entries)).
		Int("malformed_count", len(doc.Malformed)).
		Msg("Parsed sitemap")

	return doc, nil
}

// upgradeScheme rewrites plain-http sitemap locations to https. University
// sitemaps routinely still list http URLs that 301 to https; folding them
// here keeps the http/https twins from producing duplicate entries.
func upgradeScheme(loc string) string {
	loc = strings.TrimSpace(loc)
	if strings.HasPrefix(loc, "http://") {
		return "https://" + strings.TrimPrefix(loc, "http://")
	}
	return loc
}

// readLocations returns raw location values in document order, following
// index documents one level at a time.
func (r *Reader) readLocations(ctx context.Context, src Source, depth int) ([]string, error) {
	if depth >= maxIndexDepth {
		return nil, fmt.Errorf("%w: %s: sitemap index nested deeper than %d levels", ErrMalformed, src.Location(), maxIndexDepth)
	}

	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreadable, src.Location(), err)
	}

	var urlset URLSet
	if err := xml.Unmarshal(body, &urlset); err == nil {
		locs := make([]string, 0, len(urlset.URLs))
		for _, u := range urlset.URLs {
			locs = append(locs, u.Loc)
		}
		return locs, nil
	}

	var index SitemapIndex
	if err := xml.Unmarshal(body, &index); err != nil {
		return nil, fmt.Errorf("%w: %s is not a urlset or sitemapindex document: %v", ErrMalformed, src.Location(), err)
	}

	// Child sitemap URLs are fetched as written; the https upgrade only
	// applies to page locations, where it serves dedup rather than fetching.
	var locs []string
	for _, child := range index.Sitemaps {
		childURL, err := util.NormaliseURLRef(child.Loc, "")
		if err != nil {
			log.Warn().Str("loc", child.Loc).Err(err).Msg("Invalid child sitemap URL, skipping")
			continue
		}

		childLocs, err := r.readLocations(ctx, HTTPSource{URL: childURL, Client: r.client, UserAgent: r.userAgent}, depth+1)
		if err != nil {
			log.Warn().Err(err).Str("url", childURL).Msg("Failed to parse child sitemap")
			continue
		}
		locs = append(locs, childLocs...)
	}

	return locs, nil
}

// FilterEntries filters entries by include/exclude substring patterns. With
// include patterns present, an entry must match at least one; any exclude
// match removes it. Positions are reassigned to keep report indexes dense.
func FilterEntries(entries []Entry, includePaths, excludePaths []string) []Entry {
	if len(includePaths) == 0 && len(excludePaths) == 0 {
		return entries
	}

	var filtered []Entry
	for _, entry := range entries {
		includeMatch := len(includePaths) == 0
		for _, pattern := range includePaths {
			if pattern != "" && strings.Contains(entry.URL, pattern) {
				includeMatch = true
				break
			}
		}
		if !includeMatch {
			continue
		}

		excludeMatch := false
		for _, pattern := range excludePaths {
			if pattern != "" && strings.Contains(entry.URL, pattern) {
				excludeMatch = true
				break
			}
		}
		if excludeMatch {
			continue
		}

		entry.Position = len(filtered) + 1
		filtered = append(filtered, entry)
	}

	return filtered
}
