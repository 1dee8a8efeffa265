// Package extract parses fetched HTML and yields the hyperlink targets found,
// classified internal or external against the site's own domains. It operates
// purely on text already fetched and never performs network I/O.
package extract

import (
	"net/url"
	"strings"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/PuerkitoBio/goquery"
	"github.com/hazelfield/linkrot/internal/util"
	"github.com/rs/zerolog/log"
)

var (
	verifier = emailverifier.NewVerifier()
)

// Class labels where a link points relative to the site's own domains.
type Class string

const (
	ClassInternal Class = "internal"
	ClassExternal Class = "external"
)

// Link is one extracted hyperlink. Immutable once created; deduplicated by
// (Target, Class) within a page.
type Link struct {
	SourcePage string
	Target     string
	Class      Class
}

// PageLinks aggregates everything found on one page. Counts cover candidates
// that were seen but not emitted, so nothing is dropped silently.
type PageLinks struct {
	Links          []Link
	InternalEmails []string
	SkippedSchemes int
	Malformed      int
	InvalidEmails  int
}

// InternalCount returns the number of internal links.
func (p *PageLinks) InternalCount() int {
	n := 0
	for _, l := range p.Links {
		if l.Class == ClassInternal {
			n++
		}
	}
	return n
}

// ExternalCount returns the number of external links.
func (p *PageLinks) ExternalCount() int {
	return len(p.Links) - p.InternalCount()
}

// Config holds the configuration for an Extractor
type Config struct {
	// Domains the site considers its own; hosts matching these (or their
	// subdomains) classify as internal.
	Domains []string
	// MaxLinksPerPage caps emitted links per page. Zero means no cap.
	MaxLinksPerPage int
	// MainContentOnly restricts extraction to the page's main content
	// region, skipping chrome like header, nav, footer and aside.
	MainContentOnly bool
}

// Extractor turns fetched HTML into classified links.
type Extractor struct {
	config Config
}

func New(config Config) *Extractor {
	return &Extractor{config: config}
}

// Extract parses html permissively and returns the deduplicated link set.
// Malformed markup never aborts extraction: the parser recovers what it can
// and broken candidates are counted instead of raised.
func (e *Extractor) Extract(html, pageURL string) *PageLinks {
	result := &PageLinks{}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// net/html recovers from almost anything; hitting this means the
		// reader itself failed. Treat as a page with no links.
		log.Warn().Err(err).Str("url", pageURL).Msg("HTML parse failed, no links extracted")
		return result
	}

	scope := e.selectScope(doc)

	seen := make(map[string]bool)
	seenEmails := make(map[string]bool)

	scope.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if e.config.MaxLinksPerPage > 0 && len(result.Links) >= e.config.MaxLinksPerPage {
			return false
		}

		href := strings.TrimSpace(s.AttrOr("href", ""))
		if isElementHidden(s) {
			return true
		}

		switch {
		case href == "" || strings.HasPrefix(href, "#"):
			result.SkippedSchemes++
			return true
		case hasScheme(href, "javascript"), hasScheme(href, "tel"), hasScheme(href, "data"):
			result.SkippedSchemes++
			return true
		case hasScheme(href, "mailto"):
			e.collectEmail(href, seenEmails, result)
			return true
		}

		target, err := util.NormaliseURLRef(href, pageURL)
		if err != nil {
			result.Malformed++
			log.Debug().Str("href", href).Str("page", pageURL).Err(err).Msg("Skipping malformed link target")
			return true
		}

		if parsed, err := url.Parse(target); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			result.SkippedSchemes++
			return true
		}

		class := ClassExternal
		if util.IsInternal(target, e.config.Domains) {
			class = ClassInternal
		}

		key := target + "|" + string(class)
		if seen[key] {
			return true
		}
		seen[key] = true

		result.Links = append(result.Links, Link{
			SourcePage: pageURL,
			Target:     target,
			Class:      class,
		})
		return true
	})

	log.Debug().
		Str("url", pageURL).
		Int("internal", result.InternalCount()).
		Int("external", result.ExternalCount()).
		Int("skipped_schemes", result.SkippedSchemes).
		Int("malformed", result.Malformed).
		Msg("Extracted links from page")

	return result
}

// selectScope picks the region of the document links are read from. With
// MainContentOnly set, page chrome is removed and the main content region is
// preferred when the page marks one up.
func (e *Extractor) selectScope(doc *goquery.Document) *goquery.Selection {
	if !e.config.MainContentOnly {
		return doc.Selection
	}

	doc.Find("header, nav, footer, aside").Remove()

	for _, sel := range []string{"main", "#content", ".content"} {
		if region := doc.Find(sel).First(); region.Length() > 0 {
			return region
		}
	}

	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

// collectEmail records mailto targets that belong to the site's own domains.
// External addresses are skipped; invalid ones are counted.
func (e *Extractor) collectEmail(href string, seenEmails map[string]bool, result *PageLinks) {
	addr := strings.TrimPrefix(href, "mailto:")
	if i := strings.Index(addr, "?"); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		result.SkippedSchemes++
		return
	}

	syntax := verifier.ParseAddress(addr)
	if !syntax.Valid {
		result.InvalidEmails++
		log.Debug().Str("address", addr).Msg("Skipping mailto with invalid address syntax")
		return
	}

	if !domainAllowed(syntax.Domain, e.config.Domains) {
		result.SkippedSchemes++
		return
	}

	if !seenEmails[addr] {
		seenEmails[addr] = true
		result.InternalEmails = append(result.InternalEmails, addr)
	}
}

func domainAllowed(emailDomain string, domains []string) bool {
	emailDomain = strings.ToLower(emailDomain)
	for _, domain := range domains {
		domain = strings.ToLower(util.NormaliseDomain(domain))
		if domain == "" {
			continue
		}
		if emailDomain == domain || strings.HasSuffix(emailDomain, "."+domain) {
			return true
		}
	}
	return false
}

func hasScheme(href, scheme string) bool {
	return strings.HasPrefix(strings.ToLower(href), scheme+":")
}

// isElementHidden checks if an element is hidden based on common inline
// styles, accessibility attributes, and conventional CSS classes. Best-effort
// over raw attributes; external stylesheets are not evaluated.
func isElementHidden(s *goquery.Selection) bool {
	hidingClasses := []string{
		"hide",
		"hidden",
		"display-none",
		"d-none",
		"invisible",
		"is-hidden",
		"sr-only",
		"visually-hidden",
	}

	for n := s; n.Length() > 0 && !n.Is("body"); n = n.Parent() {
		if ariaHidden, exists := n.Attr("aria-hidden"); exists && ariaHidden == "true" {
			return true
		}

		if style, exists := n.Attr("style"); exists {
			if strings.Contains(style, "display: none") || strings.Contains(style, "display:none") ||
				strings.Contains(style, "visibility: hidden") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}

		for _, class := range hidingClasses {
			if n.HasClass(class) {
				return true
			}
		}
	}

	return false
}
