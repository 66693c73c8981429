package article

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// publishedLayouts are tried in order; the feed usually sends RFC 3339 with a
// trailing Z but some sources drop the zone or the seconds fraction.
var publishedLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// Decode parses a queue payload and validates the required fields.
func Decode(body []byte) (Article, error) {
	var a Article
	if err := json.Unmarshal(body, &a); err != nil {
		return Article{}, fmt.Errorf("%w: decode payload: %v", ErrInvalidArticle, err)
	}
	if err := a.Validate(); err != nil {
		return Article{}, err
	}
	return a, nil
}

// Validate checks the fields the consumer cannot work without.
func (a Article) Validate() error {
	switch {
	case strings.TrimSpace(a.URL) == "":
		return fmt.Errorf("%w: url is required", ErrInvalidArticle)
	case strings.TrimSpace(a.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidArticle)
	case strings.TrimSpace(a.PublishedAt) == "":
		return fmt.Errorf("%w: publishedAt is required", ErrInvalidArticle)
	}
	if _, err := ParsePublishedAt(a.PublishedAt); err != nil {
		return err
	}
	return nil
}

// ParsePublishedAt parses an ISO-8601 timestamp. Values without a zone are UTC.
func ParsePublishedAt(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparsable publishedAt %q", ErrInvalidArticle, raw)
}

// NewRecord builds the persisted form of an enriched article.
func NewRecord(id string, msg QueueMessage, e Enrichment, processedAt time.Time) (SummaryRecord, error) {
	a := msg.Article
	published, err := ParsePublishedAt(a.PublishedAt)
	if err != nil {
		return SummaryRecord{}, err
	}
	author := strings.TrimSpace(a.Author)
	if author == "" {
		author = DefaultAuthor
	}
	tags := append([]string(nil), e.Tags...)
	return SummaryRecord{
		ID:            id,
		URL:           a.URL,
		Title:         a.Title,
		Author:        author,
		PublishDate:   EpochMillis(published),
		Summary:       e.Summary,
		Tags:          tags,
		ContentLength: utf8.RuneCountInString(e.Summary),
		ImageURL:      a.URLToImage,
		TopicTag:      a.TopicTag,
		Language:      DefaultLanguage,
		ReceivedAt:    msg.ReceivedAt,
		ProcessedAt:   EpochMillis(processedAt),
		Status:        StatusProcessed,
	}, nil
}
