// Package techdetect fingerprints the technologies behind a fetched page
// using wappalyzergo. The scanner uses it to annotate page reports and to
// give login-leak findings CMS context.
package techdetect

import (
	"net/http"
	"sort"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// maxFingerprintBytes caps the body sample handed to the fingerprinter. The
// signatures that matter live in the head and early markup.
const maxFingerprintBytes = 50 * 1024

// Result contains the technologies detected on one page.
type Result struct {
	// Technologies maps technology name to its categories
	// (e.g., {"WordPress": ["CMS"], "Cloudflare": ["CDN"]}).
	Technologies map[string][]string
}

// Names returns the detected technology names, sorted.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Technologies))
	for name := range r.Technologies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CMS returns the first detected technology categorised as a CMS, or "".
func (r *Result) CMS() string {
	for _, name := range r.Names() {
		for _, category := range r.Technologies[name] {
			if category == "CMS" {
				return name
			}
		}
	}
	return ""
}

// Detector identifies technologies from response headers and bodies.
type Detector struct {
	client *wappalyzer.Wappalyze
	mu     sync.RWMutex
}

// categoryNames maps wappalyzer category IDs to human-readable names
var categoryNames map[int]string
var categoryNamesOnce sync.Once

// New creates a new technology detector.
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}

	categoryNamesOnce.Do(func() {
		categoryNames = make(map[int]string)
		cats := wappalyzer.GetCategoriesMapping()
		for id, cat := range cats {
			categoryNames[id] = cat.Name
		}
	})

	return &Detector{
		client: client,
	}, nil
}

// Detect identifies technologies from HTTP headers and a body sample. The
// body is capped before fingerprinting so large pages stay cheap.
func (d *Detector) Detect(headers http.Header, body []byte) *Result {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := &Result{
		Technologies: make(map[string][]string),
	}

	if len(body) > maxFingerprintBytes {
		body = body[:maxFingerprintBytes]
	}

	fingerprints := d.client.FingerprintWithCats(headers, body)

	for tech, catInfo := range fingerprints {
		categories := make([]string, 0, len(catInfo.Cats))
		for _, catID := range catInfo.Cats {
			if name, ok := categoryNames[catID]; ok {
				categories = append(categories, name)
			}
		}
		result.Technologies[tech] = categories
	}

	log.Debug().
		Int("tech_count", len(result.Technologies)).
		Msg("Technology detection completed")

	return result
}
