package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// RecordStore is an article.RecordStore over a map. The conditional insert is
// atomic under the write lock.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]article.SummaryRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]article.SummaryRecord)}
}

// PutIfAbsent stores rec unless its ID is already present.
func (s *RecordStore) PutIfAbsent(_ context.Context, rec article.SummaryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return article.ErrConditionFailed
	}
	rec.Tags = slices.Clone(rec.Tags)
	s.records[rec.ID] = rec
	return nil
}

// Get returns the record stored under id.
func (s *RecordStore) Get(_ context.Context, id string) (article.SummaryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return article.SummaryRecord{}, article.ErrNotFound
	}
	rec.Tags = slices.Clone(rec.Tags)
	return rec, nil
}

// List returns records newest first, keeping those carrying any of q.Tags.
func (s *RecordStore) List(_ context.Context, q article.ListQuery) (article.ListResult, error) {
	q = q.Normalized()
	cursor, hasCursor, err := article.DecodeCursor(q.Cursor)
	if err != nil {
		return article.ListResult{}, err
	}

	s.mu.RLock()
	matches := make([]article.SummaryRecord, 0, len(s.records))
	for _, rec := range s.records {
		if hasCursor && !cursor.After(rec) {
			continue
		}
		if len(q.Tags) > 0 && !hasAnyTag(rec.Tags, q.Tags) {
			continue
		}
		rec.Tags = slices.Clone(rec.Tags)
		matches = append(matches, rec)
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ProcessedAt != matches[j].ProcessedAt {
			return matches[i].ProcessedAt > matches[j].ProcessedAt
		}
		return matches[i].ID > matches[j].ID
	})

	var out article.ListResult
	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
		out.NextCursor = article.EncodeCursor(matches[len(matches)-1])
	}
	out.Records = matches
	return out, nil
}

// Ping always succeeds.
func (s *RecordStore) Ping(context.Context) error { return nil }

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}
