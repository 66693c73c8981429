package article

import (
	"context"
	"io"
	"time"
)

// Feed returns candidate articles for a topic, most recent first.
type Feed interface {
	FetchArticles(ctx context.Context, tag string, page, pageSize int) (FeedPage, error)
}

// Publisher pushes one article onto the queue.
type Publisher interface {
	Publish(ctx context.Context, a Article) error
}

// Receiver pulls batches of messages off the queue.
type Receiver interface {
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error)
}

// Delivery is a received message plus its acknowledgement handle. Ack removes
// the message from the queue; Nack makes it eligible for redelivery after
// delay.
type Delivery interface {
	Message() QueueMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, delay time.Duration) error
}

// Summarizer is the enrichment collaborator.
type Summarizer interface {
	Summarize(ctx context.Context, url string) (Enrichment, error)
}

// RecordStore is the durable table keyed by fingerprint.
type RecordStore interface {
	// PutIfAbsent inserts rec unless a record with rec.ID exists, in which
	// case it returns ErrConditionFailed and leaves the stored record intact.
	PutIfAbsent(ctx context.Context, rec SummaryRecord) error
	Get(ctx context.Context, id string) (SummaryRecord, error)
	List(ctx context.Context, q ListQuery) (ListResult, error)
	Ping(ctx context.Context) error
}

// DeadLetterSink keeps messages that exhausted their delivery attempts.
type DeadLetterSink interface {
	Put(ctx context.Context, letter Letter) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Fingerprinter derives the durable identity of an article from its URL.
type Fingerprinter interface {
	Fingerprint(url string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
