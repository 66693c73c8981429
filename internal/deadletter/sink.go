// Package deadletter writes messages that exhausted their delivery attempts
// to a blob store as one JSON document each.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// Sink implements article.DeadLetterSink over an article.BlobStore.
type Sink struct {
	store  article.BlobStore
	prefix string
	logger *zap.Logger
}

// New builds a Sink writing under prefix.
func New(store article.BlobStore, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// Put writes letter to <prefix>/<yyyy>/<mm>/<dd>/<messageID>.json and returns
// the blob URI. Writing the same message twice targets the same object.
func (s *Sink) Put(ctx context.Context, letter article.Letter) (string, error) {
	body, err := json.MarshalIndent(letter, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal letter: %w", err)
	}
	p := s.objectPath(letter)
	uri, err := s.store.PutObject(ctx, p, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("write dead letter %s: %w", p, err)
	}
	s.logger.Info("dead letter written",
		zap.String("message_id", letter.MessageID),
		zap.String("reason", letter.Reason),
		zap.Int("attempt", letter.Attempt),
		zap.String("uri", uri),
	)
	return uri, nil
}

func (s *Sink) objectPath(letter article.Letter) string {
	at := letter.At.UTC()
	name := sanitize(letter.MessageID)
	if name == "" {
		name = "unknown-" + strconv.FormatInt(at.UnixNano(), 10)
	}
	return path.Join(s.prefix, at.Format("2006"), at.Format("01"), at.Format("02"), name+".json")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.Trim(id, "."))
}
