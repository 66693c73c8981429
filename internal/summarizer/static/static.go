// Package static provides a deterministic summarizer for local runs and tests.
package static

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer"
)

// Summarizer answers every request without a network call. With no fixed
// summary it describes the URL, and with no fixed tags it tags by the first
// taxonomy entry found in the URL path.
type Summarizer struct {
	summary string
	tags    []string
}

// New returns a static summarizer. Empty arguments select URL-derived output.
func New(summary string, tags []string) *Summarizer {
	return &Summarizer{summary: summary, tags: summarizer.NormalizeTags(tags)}
}

// Summarize implements article.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, rawURL string) (article.Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return article.Enrichment{}, err
	}
	out := article.Enrichment{Summary: s.summary, Tags: append([]string(nil), s.tags...)}
	if out.Summary == "" {
		out.Summary = fmt.Sprintf("Article published at %s.", hostOf(rawURL))
	}
	if len(out.Tags) == 0 {
		out.Tags = tagsFromPath(rawURL)
	}
	return out, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

func tagsFromPath(rawURL string) []string {
	lower := strings.ToLower(rawURL)
	for _, tag := range summarizer.Taxonomy {
		slug := strings.ReplaceAll(strings.ToLower(tag), " ", "-")
		if strings.Contains(lower, slug) {
			return []string{tag}
		}
	}
	return []string{"World News"}
}
