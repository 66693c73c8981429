// Package dedup tracks which articles a producer run has already enqueued.
//
// A Tracker only suppresses redundant publishes within its own lifetime. It is
// never persisted and a restart forgets everything, so correctness must not
// depend on it: the consumer's conditional write is the durable guarantee.
// Membership grows without eviction for the life of the Tracker.
package dedup

import (
	"sync"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// Tracker is a mutex-guarded set of article fingerprints. It is safe for
// concurrent use by multiple topic workers.
type Tracker struct {
	mu     sync.Mutex
	hasher article.Fingerprinter
	seen   map[string]struct{}
}

// New returns an empty Tracker keyed by hasher fingerprints.
func New(hasher article.Fingerprinter) *Tracker {
	return &Tracker{
		hasher: hasher,
		seen:   make(map[string]struct{}),
	}
}

// Seen reports whether url has been marked.
func (t *Tracker) Seen(url string) bool {
	key := t.key(url)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[key]
	return ok
}

// Mark records url as enqueued.
func (t *Tracker) Mark(url string) {
	key := t.key(url)
	t.mu.Lock()
	t.seen[key] = struct{}{}
	t.mu.Unlock()
}

// MarkIfAbsent marks url and reports true only for the first caller.
func (t *Tracker) MarkIfAbsent(url string) bool {
	key := t.key(url)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// Forget removes url, used when a reserved publish fails.
func (t *Tracker) Forget(url string) {
	key := t.key(url)
	t.mu.Lock()
	delete(t.seen, key)
	t.mu.Unlock()
}

// Len returns the number of tracked articles.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func (t *Tracker) key(url string) string {
	if t.hasher == nil {
		return url
	}
	id, err := t.hasher.Fingerprint(url)
	if err != nil {
		return url
	}
	return id
}
