package article

import "errors"

var (
	// ErrInvalidArticle marks a malformed message. Terminal for that message.
	ErrInvalidArticle = errors.New("invalid article")
	// ErrUnprocessable marks an enrichment failure, timeout or empty result.
	ErrUnprocessable = errors.New("unprocessable for now")
	// ErrConditionFailed is returned by a RecordStore when the ID already exists.
	ErrConditionFailed = errors.New("condition failed: record already exists")
	// ErrRetryable marks transport and store failures that redelivery may fix.
	ErrRetryable = errors.New("retryable failure")
	// ErrQueueClosed is returned by a Receiver once no message will ever
	// arrive again.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
)
