// Package pubsub implements article.Publisher on a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/queue"
)

// Publisher wraps a Pub/Sub topic handle.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals a to JSON and waits for the server to accept it, so a nil
// error means the message is durably queued.
func (p *Publisher) Publish(ctx context.Context, a article.Article) error {
	if p.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	body, attrs, err := queue.Encode(ctx, a)
	if err != nil {
		return err
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: body, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Stop flushes pending publishes and releases the topic's goroutines.
func (p *Publisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}
