// Package sites maps raw story URLs to a canonical form and a site
// identifier. The site is the coordination granularity for the pipeline: at
// most one worker processes a given site at a time.
package sites

import (
	"regexp"
	"strings"
)

// Pattern pairs a compiled URL matcher with the prefix re-prepended to the
// captured group when composing the canonical URL. The table is generated
// from the downloader's adapter catalog and treated as opaque here; order
// matters, the first match wins and "other" is the terminal fallback.
type Pattern struct {
	Site   string
	Re     *regexp.Regexp
	Prefix string
}

const Fallback = "other"

var table = []Pattern{
	{"fanfiction", regexp.MustCompile(`(fanfiction\.net/s/\d+)/?.*`), "www."},
	{"archiveofourown", regexp.MustCompile(`(archiveofourown\.org/works/\d+)/?.*`), ""},
	{"fictionpress", regexp.MustCompile(`(fictionpress\.com/s/\d+)/?.*`), ""},
	{"royalroad", regexp.MustCompile(`(royalroad\.com/fiction/\d+)/?.*`), ""},
	{"sufficientvelocity", regexp.MustCompile(`(forums\.sufficientvelocity\.com/threads/.*\.\d+)/?.*`), ""},
	{"spacebattles", regexp.MustCompile(`(forums\.spacebattles\.com/threads/.*\.\d+)/?.*`), ""},
	{"questionablequesting", regexp.MustCompile(`(forum\.questionablequesting\.com/threads/.*\.\d+)/?.*`), ""},
	{Fallback, regexp.MustCompile(`https?://(.*)`), ""},
}

// Classify maps a raw URL to its canonical form and site identifier.
// fanfiction.net URLs are pinned to chapter 1 so the same story always
// canonicalises identically regardless of which chapter the email linked.
// URLs matching nothing (already canonical "other" URLs have no protocol)
// are returned unchanged under the fallback site.
func Classify(raw string) (string, string) {
	for _, p := range table {
		m := p.Re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		canonical := p.Prefix + m[1]
		if p.Site == "fanfiction" {
			canonical = strings.TrimSuffix(canonical, "/") + "/1/"
		}
		return canonical, p.Site
	}
	return raw, Fallback
}

// Known reports whether id names a site in the pattern table.
func Known(id string) bool {
	for _, p := range table {
		if p.Site == id {
			return true
		}
	}
	return false
}
