// Package article defines the core types shared across the ingestion pipeline.
package article

import (
	"time"
)

// Status represents the lifecycle state of a persisted summary.
type Status string

// StatusProcessed is the only state a SummaryRecord is ever written with.
const StatusProcessed Status = "processed"

// DefaultAuthor and DefaultLanguage fill optional record fields.
const (
	DefaultAuthor   = "Unknown"
	DefaultLanguage = "en"
)

// Article is the wire form published by the producer and decoded by the consumer.
type Article struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Author      string `json:"author,omitempty"`
	PublishedAt string `json:"publishedAt"`
	URLToImage  string `json:"urlToImage,omitempty"`
	TopicTag    string `json:"topicTag"`
}

// QueueMessage wraps an Article with transport metadata owned by the queue.
type QueueMessage struct {
	ID              string
	Article         Article
	Body            []byte
	ReceivedAt      int64
	DeliveryAttempt int
	Attributes      map[string]string
}

// SummaryRecord is the persisted form of an enriched article. It is immutable
// once written; a second write with the same ID is rejected by the store.
type SummaryRecord struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	PublishDate   int64    `json:"publishDate"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
	ContentLength int      `json:"contentLength"`
	ImageURL      string   `json:"imageUrl"`
	TopicTag      string   `json:"topicTag,omitempty"`
	Language      string   `json:"language"`
	ReceivedAt    int64    `json:"receivedAt"`
	ProcessedAt   int64    `json:"processedAt"`
	Status        Status   `json:"status"`
}

// Enrichment is the structured result returned by a Summarizer.
type Enrichment struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// FeedPage is one page of candidate articles returned by a Feed.
type FeedPage struct {
	Articles     []Article
	TotalResults int
}

// ListQuery filters and paginates stored records, newest first.
type ListQuery struct {
	Tags   []string
	Limit  int
	Cursor string
}

// ListResult is one page of stored records plus the cursor for the next page.
type ListResult struct {
	Records    []SummaryRecord `json:"articles"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// Letter is a message handed to the dead-letter sink.
type Letter struct {
	MessageID string            `json:"messageId"`
	Reason    string            `json:"reason"`
	Attempt   int               `json:"attempt"`
	Payload   string            `json:"payload"`
	Attrs     map[string]string `json:"attributes,omitempty"`
	At        time.Time         `json:"at"`
}

// EpochMillis converts t to integer epoch milliseconds.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
