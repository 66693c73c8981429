// Package memory contains an in-memory article publisher that records what
// it is given. Producer tests use it to observe publishes and inject failures.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// Publisher stores published articles for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []article.Article
	failures map[string]error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{failures: make(map[string]error)}
}

// FailURL makes the next publish of url return err. A nil err clears it.
func (p *Publisher) FailURL(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, url)
		return
	}
	p.failures[url] = err
}

// Publish records a. It fails once for URLs registered with FailURL.
func (p *Publisher) Publish(ctx context.Context, a article.Article) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory publish: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.failures[a.URL]; ok {
		delete(p.failures, a.URL)
		return fmt.Errorf("memory publish %s: %w", a.URL, err)
	}
	p.messages = append(p.messages, a)
	return nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []article.Article {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]article.Article, len(p.messages))
	copy(out, p.messages)
	return out
}

// URLs returns the URLs of the recorded publishes in order.
func (p *Publisher) URLs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.URL)
	}
	return out
}
