package crawl

import (
	"testing"

	"github.com/hazelfield/linkrot/internal/sitemap"
)

func entriesFromURLs(urls []string) []sitemap.Entry {
	entries := make([]sitemap.Entry, len(urls))
	for i, u := range urls {
		entries[i] = sitemap.Entry{URL: u, Position: i + 1}
	}
	return entries
}

func TestOrderEntriesFIFOKeepsSitemapOrder(t *testing.T) {
	urls := []string{
		"https://www.example.edu/a/b/c",
		"https://www.example.edu/",
		"https://www.example.edu/about",
	}
	entries := entriesFromURLs(urls)

	ordered := OrderEntries(entries, SchedulerFIFO)

	if len(ordered) != len(urls) {
		t.Fatalf("expected %d entries, got %d", len(urls), len(ordered))
	}
	for i, u := range urls {
		if ordered[i].URL != u {
			t.Errorf("position %d: expected %s, got %s", i, u, ordered[i].URL)
		}
	}
}

func TestOrderEntriesDoesNotMutateInput(t *testing.T) {
	entries := entriesFromURLs([]string{
		"https://www.example.edu/deep/path/page",
		"https://www.example.edu/",
	})

	OrderEntries(entries, SchedulerPriority)

	if entries[0].URL != "https://www.example.edu/deep/path/page" {
		t.Errorf("input slice was reordered, first entry is now %s", entries[0].URL)
	}
}

func TestOrderEntriesPriorityShallowFirst(t *testing.T) {
	entries := entriesFromURLs([]string{
		"https://www.example.edu/a/b/c/d",
		"https://www.example.edu/about",
		"https://www.example.edu/a/b",
		"https://www.example.edu/",
	})

	ordered := OrderEntries(entries, SchedulerPriority)

	want := []string{
		"https://www.example.edu/about",
		"https://www.example.edu/",
		"https://www.example.edu/a/b",
		"https://www.example.edu/a/b/c/d",
	}
	for i, u := range want {
		if ordered[i].URL != u {
			t.Errorf("position %d: expected %s, got %s", i, u, ordered[i].URL)
		}
	}
}

func TestOrderEntriesPriorityPenalisesQueries(t *testing.T) {
	entries := entriesFromURLs([]string{
		"https://www.example.edu/search?q=history",
		"https://www.example.edu/courses/list",
		"https://www.example.edu/news",
	})

	ordered := OrderEntries(entries, SchedulerPriority)

	// /news scores 1, /courses/list scores 2, /search?q= scores 3.
	want := []string{
		"https://www.example.edu/news",
		"https://www.example.edu/courses/list",
		"https://www.example.edu/search?q=history",
	}
	for i, u := range want {
		if ordered[i].URL != u {
			t.Errorf("position %d: expected %s, got %s", i, u, ordered[i].URL)
		}
	}
}

func TestOrderEntriesPriorityStableForEqualScores(t *testing.T) {
	entries := entriesFromURLs([]string{
		"https://www.example.edu/zebra",
		"https://www.example.edu/apple",
		"https://www.example.edu/mango",
	})

	ordered := OrderEntries(entries, SchedulerPriority)

	// All score 1; sitemap order must survive.
	want := []string{
		"https://www.example.edu/zebra",
		"https://www.example.edu/apple",
		"https://www.example.edu/mango",
	}
	for i, u := range want {
		if ordered[i].URL != u {
			t.Errorf("position %d: expected %s, got %s", i, u, ordered[i].URL)
		}
	}
}

func TestOrderEntriesUnknownModeFallsBackToFIFO(t *testing.T) {
	entries := entriesFromURLs([]string{
		"https://www.example.edu/a/b/c",
		"https://www.example.edu/",
	})

	ordered := OrderEntries(entries, "alphabetical")

	if ordered[0].URL != "https://www.example.edu/a/b/c" {
		t.Errorf("unknown mode should keep sitemap order, got %s first", ordered[0].URL)
	}
}

func TestMatchLoginPattern(t *testing.T) {
	patterns := []string{"login.act", "/cascade/"}

	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"direct match", "https://cms.example.edu/login.act", "login.act"},
		{"case insensitive", "https://cms.example.edu/LOGIN.ACT", "login.act"},
		{"path pattern", "https://www.example.edu/cascade/edit", "/cascade/"},
		{"no match", "https://www.example.edu/about", ""},
		{"unrelated login", "https://sso.microsoft.com/login", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchLoginPattern(tt.target, patterns); got != tt.want {
				t.Errorf("matchLoginPattern(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestMatchLoginPatternEmptyPatterns(t *testing.T) {
	if got := matchLoginPattern("https://cms.example.edu/login.act", nil); got != "" {
		t.Errorf("expected no match with empty patterns, got %q", got)
	}
}

func TestFoldRedirectStatus(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		final     string
		status    int
		want      int
	}{
		{"no redirect", "https://www.example.edu/about", "https://www.example.edu/about", 200, 200},
		{"folded to 301", "https://www.example.edu/old", "https://www.example.edu/new", 200, 301},
		{"scheme upgrade folds", "http://www.example.edu/about", "https://www.example.edu/about", 200, 301},
		{"trailing slash equal", "https://www.example.edu/about/", "https://www.example.edu/about", 200, 200},
		{"fragment ignored", "https://www.example.edu/about", "https://www.example.edu/about#team", 200, 200},
		{"empty final", "https://www.example.edu/about", "", 200, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := foldRedirectStatus(tt.requested, tt.final, tt.status); got != tt.want {
				t.Errorf("foldRedirectStatus(%q, %q, %d) = %d, want %d", tt.requested, tt.final, tt.status, got, tt.want)
			}
		})
	}
}
