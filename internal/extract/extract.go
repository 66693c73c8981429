// Package extract holds what the article text extractors share. The static
// Colly extractor lives in extract/colly and the headless Chrome renderer it
// can fall back to lives in extract/headless.
package extract

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrNoText is returned when a page has no paragraph text.
var ErrNoText = errors.New("no article text found")

// DefaultMaxChars bounds the excerpt when none is configured.
const DefaultMaxChars = 6000

// ParagraphSelector picks the elements whose text forms the excerpt.
const ParagraphSelector = "p"

// Join collapses whitespace inside each paragraph, drops empty ones and
// joins the rest with blank lines, cut to maxChars.
func Join(paragraphs []string, maxChars int) string {
	kept := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if p = strings.Join(strings.Fields(p), " "); p != "" {
			kept = append(kept, p)
		}
	}
	return Truncate(strings.Join(kept, "\n\n"), maxChars)
}

// Truncate cuts s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}
