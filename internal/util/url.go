package util

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrMalformedURL indicates a URL that cannot be parsed as a URI reference.
// Callers report these rather than silently dropping them.
var ErrMalformedURL = errors.New("malformed URL")

// NormaliseURLRef resolves raw against base (the page the link was found on)
// and returns the canonical form used for equality and deduplication:
//   - scheme and host lower-cased
//   - fragment stripped
//   - dot segments resolved
//   - default ports removed (:80 for http, :443 for https)
//   - trailing slash stripped, except the root path which stays "/"
//
// raw may be relative or absolute; base may be empty when raw is absolute.
// The result is idempotent: normalising an already-normalised URL returns it
// unchanged.
func NormaliseURLRef(raw, base string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty URL", ErrMalformedURL)
	}

	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformedURL, raw, err)
	}

	if base != "" {
		baseURL, err := url.Parse(strings.TrimSpace(base))
		if err != nil || !baseURL.IsAbs() {
			return "", fmt.Errorf("%w: base %q is not an absolute URL", ErrMalformedURL, base)
		}
		ref = baseURL.ResolveReference(ref)
	}

	if !ref.IsAbs() {
		return "", fmt.Errorf("%w: %q is relative and no base was given", ErrMalformedURL, raw)
	}
	if ref.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrMalformedURL, raw)
	}

	ref.Scheme = strings.ToLower(ref.Scheme)
	ref.Host = normaliseHostPort(strings.ToLower(ref.Host), ref.Scheme)
	ref.Fragment = ""
	ref.RawFragment = ""

	// Resolve any remaining dot segments. ResolveReference handles these for
	// relative refs, but an absolute raw URL skips that path.
	switch ref.Path {
	case "", "/":
		ref.Path = "/"
	default:
		ref.Path = path.Clean(ref.Path)
	}

	return ref.String(), nil
}

// IsInternal reports whether the URL's host belongs to one of the site's own
// domains: an exact match, or a subdomain of one (suffix match on the
// registered domain, no DNS lookups).
func IsInternal(rawURL string, domains []string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return false
	}

	for _, domain := range domains {
		domain = strings.ToLower(NormaliseDomain(domain))
		if domain == "" {
			continue
		}
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// LinkCacheKey reduces a URL to the identity used when caching link-check
// results: lower-cased scheme and host with the path, query and fragment
// dropped. Two links differing only in tracking parameters share one probe.
func LinkCacheKey(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(rawURL))
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := normaliseHostPort(strings.ToLower(parsed.Host), scheme)

	p := parsed.EscapedPath()
	if p == "" {
		p = "/"
	}

	return scheme + "://" + host + p
}

// NormaliseDomain removes http/https prefix and www. from domain
func NormaliseDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")

	return domain
}

// ValidateDomain checks if a domain string is a valid domain format.
// Returns an error describing why the domain is invalid, or nil if valid.
func ValidateDomain(domain string) error {
	domain = NormaliseDomain(domain)

	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	// Must contain at least one dot (for TLD)
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain must contain a TLD (e.g., .edu, .edu.au)")
	}

	parts := strings.Split(domain, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("domain contains empty segment")
		}

		for _, c := range part {
			isLower := c >= 'a' && c <= 'z'
			isUpper := c >= 'A' && c <= 'Z'
			isDigit := c >= '0' && c <= '9'
			isHyphen := c == '-'
			if !isLower && !isUpper && !isDigit && !isHyphen {
				return fmt.Errorf("domain contains invalid character: %c", c)
			}
		}

		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("domain segment cannot start or end with hyphen")
		}
	}

	// TLD must be at least 2 characters
	tld := parts[len(parts)-1]
	if len(tld) < 2 {
		return fmt.Errorf("TLD must be at least 2 characters")
	}

	return nil
}

// normaliseHostPort removes default ports (80 for HTTP, 443 for HTTPS) from host.
func normaliseHostPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" && strings.HasSuffix(host, ":443") {
		return strings.TrimSuffix(host, ":443")
	}
	return host
}

// IsSignificantRedirect checks if a redirect target is meaningfully different
// from the original URL. Only host and path are compared; query parameters and
// fragments are ignored, as are http->https upgrades, www differences,
// trailing slashes and default ports.
func IsSignificantRedirect(originalURL, redirectURL string) bool {
	if redirectURL == "" {
		return false
	}

	origHost, origPath, origErr := comparableHostPath(originalURL)
	redirHost, redirPath, redirErr := comparableHostPath(redirectURL)
	if origErr != nil || redirErr != nil {
		// If we can't parse, assume it's significant
		return true
	}

	return origHost != redirHost || origPath != redirPath
}

func comparableHostPath(rawURL string) (host, urlPath string, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}

	host = normaliseHostPort(strings.ToLower(parsed.Host), strings.ToLower(parsed.Scheme))
	host = strings.TrimPrefix(host, "www.")

	urlPath = parsed.Path
	if urlPath == "" {
		urlPath = "/"
	}
	if len(urlPath) > 1 {
		urlPath = strings.TrimSuffix(urlPath, "/")
	}

	return host, urlPath, nil
}
