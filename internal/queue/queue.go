// Package queue holds the wire envelope shared by every queue transport: the
// JSON body, the message attributes and trace context propagation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// AttrTopicTag carries the producer topic so subscribers can filter without
// decoding the body.
const AttrTopicTag = "topic_tag"

// ContentType is the media type of every message body.
const ContentType = "application/json"

// Encode marshals a into a message body and builds its attributes, injecting
// the trace context found in ctx.
func Encode(ctx context.Context, a article.Article) ([]byte, map[string]string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal article: %w", err)
	}
	attrs := map[string]string{}
	if a.TopicTag != "" {
		attrs[AttrTopicTag] = a.TopicTag
	}
	otel.GetTextMapPropagator().Inject(ctx, Carrier(attrs))
	return body, attrs, nil
}

// Extract returns ctx enriched with any trace context carried in attrs.
func Extract(ctx context.Context, attrs map[string]string) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, Carrier(attrs))
}

// Carrier implements propagation.TextMapCarrier over message attributes.
type Carrier map[string]string

// Get returns the value stored for key.
func (c Carrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c Carrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the stored keys.
func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
