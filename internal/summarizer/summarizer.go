// Package summarizer holds what every enrichment provider shares: the result
// schema, strict decoding of structured output, the tag taxonomy and the
// prompt. Providers live in subpackages.
package summarizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// ErrUnstructured is returned when a provider answers with anything other
// than a schema-conforming result object.
var ErrUnstructured = errors.New("enrichment result is not structured")

// ToolName names the structured result for providers that need one.
const ToolName = "record_summary"

// MaxSummaryWords is the length the prompt asks for.
const MaxSummaryWords = 150

// Taxonomy is the closed set of tags a result may carry.
var Taxonomy = []string{
	"World News", "Politics", "Economy", "Business", "Technology",
	"Health", "Environment", "Science", "Education", "Sports",
	"Entertainment", "Culture", "Lifestyle", "Travel", "Crime",
	"Opinion", "Social Issues", "Innovation", "Human Rights", "Weather",
}

var canonicalTags = func() map[string]string {
	m := make(map[string]string, len(Taxonomy))
	for _, t := range Taxonomy {
		m[strings.ToLower(t)] = t
	}
	return m
}()

// Excerpter returns readable article text for a URL.
type Excerpter interface {
	Extract(ctx context.Context, url string) (string, error)
}

// Schema returns the JSON schema of a result object. It is strict-mode
// compatible: every property is required and no others are allowed.
func Schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           Properties(),
		"required":             []string{"summary", "tags"},
		"additionalProperties": false,
	}
}

// Properties returns the property definitions of Schema.
func Properties() map[string]any {
	return map[string]any{
		"summary": map[string]any{
			"type":        "string",
			"description": fmt.Sprintf("Summary of the article in under %d words.", MaxSummaryWords),
		},
		"tags": map[string]any{
			"type":        "array",
			"description": "Relevant tags chosen only from the allowed list.",
			"items":       map[string]any{"type": "string", "enum": Taxonomy},
		},
	}
}

// SchemaJSON is Schema marshaled once.
func SchemaJSON() json.RawMessage {
	b, err := json.Marshal(Schema())
	if err != nil {
		panic(fmt.Sprintf("marshal summary schema: %v", err))
	}
	return b
}

type result struct {
	Summary *string   `json:"summary"`
	Tags    *[]string `json:"tags"`
}

// Parse decodes a provider payload. Unknown fields, missing fields, wrong
// types, trailing data and free text are all ErrUnstructured. The summary is
// trimmed and tags are normalized to the taxonomy.
func Parse(raw []byte) (article.Enrichment, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var r result
	if err := dec.Decode(&r); err != nil {
		return article.Enrichment{}, fmt.Errorf("%w: %v", ErrUnstructured, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return article.Enrichment{}, fmt.Errorf("%w: trailing data after result", ErrUnstructured)
	}
	if r.Summary == nil || r.Tags == nil {
		return article.Enrichment{}, fmt.Errorf("%w: summary and tags are required", ErrUnstructured)
	}
	return article.Enrichment{
		Summary: strings.TrimSpace(*r.Summary),
		Tags:    NormalizeTags(*r.Tags),
	}, nil
}

// NormalizeTags maps tags onto the taxonomy's spelling, dropping unknown and
// repeated ones while keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		canon, ok := canonicalTags[strings.ToLower(strings.TrimSpace(t))]
		if !ok {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, canon)
	}
	return out
}

// Prompt builds the user instruction for url. A non-empty excerpt is
// included so providers without browsing can still read the article.
func Prompt(url, excerpt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the news article at %s in under %d words. ", url, MaxSummaryWords)
	fmt.Fprintf(&b, "Select relevant tags from: %s. ", strings.Join(Taxonomy, ", "))
	b.WriteString("Respond only with the structured result.")
	if excerpt = strings.TrimSpace(excerpt); excerpt != "" {
		b.WriteString("\n\nArticle text:\n")
		b.WriteString(excerpt)
	}
	return b.String()
}

// Excerpt asks ex for article text. A nil ex yields no text. Callers treat
// an error as "no excerpt" rather than failing the enrichment.
func Excerpt(ctx context.Context, ex Excerpter, url string) (string, error) {
	if ex == nil {
		return "", nil
	}
	text, err := ex.Extract(ctx, url)
	if err != nil {
		return "", err
	}
	return text, nil
}
