// Package pubsub receives articles from a Google Cloud Pub/Sub subscription
// using synchronous Pull, so the consumer controls batch size and ack timing.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
)

// Receiver pulls from one subscription.
type Receiver struct {
	client       *vkit.SubscriberClient
	subscription string
	logger       *zap.Logger
}

// SubscriptionName formats the fully qualified subscription resource name.
func SubscriptionName(projectID, subscription string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subscription)
}

// NewReceiver wraps client for the fully qualified subscription name.
func NewReceiver(client *vkit.SubscriberClient, subscription string, logger *zap.Logger) (*Receiver, error) {
	if client == nil {
		return nil, fmt.Errorf("subscriber client is required")
	}
	if subscription == "" {
		return nil, fmt.Errorf("subscription is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{client: client, subscription: subscription, logger: logger}, nil
}

// Receive pulls up to maxMessages, giving the server at most wait to return
// some. A deadline with nothing delivered yields an empty batch.
func (r *Receiver) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]article.Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	pullCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	resp, err := r.client.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: r.subscription,
		MaxMessages:  int32(maxMessages), //nolint:gosec // bounded by config
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("pull %s: %w", r.subscription, err)
	}

	out := make([]article.Delivery, 0, len(resp.GetReceivedMessages()))
	for _, rm := range resp.GetReceivedMessages() {
		m := rm.GetMessage()
		attempt := int(rm.GetDeliveryAttempt())
		if attempt == 0 {
			// Only populated when the subscription has a dead-letter policy.
			attempt = 1
		}
		var receivedAt int64
		if ts := m.GetPublishTime(); ts != nil {
			receivedAt = article.EpochMillis(ts.AsTime())
		}
		out = append(out, &delivery{
			r:     r,
			ackID: rm.GetAckId(),
			msg: article.QueueMessage{
				ID:              m.GetMessageId(),
				Body:            m.GetData(),
				ReceivedAt:      receivedAt,
				DeliveryAttempt: attempt,
				Attributes:      m.GetAttributes(),
			},
		})
	}
	r.logger.Debug("pulled messages", zap.Int("count", len(out)))
	return out, nil
}

type delivery struct {
	r     *Receiver
	ackID string
	msg   article.QueueMessage
}

func (d *delivery) Message() article.QueueMessage { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	err := d.r.client.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: d.r.subscription,
		AckIds:       []string{d.ackID},
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.msg.ID, err)
	}
	return nil
}

// maxAckDeadline is the longest ack deadline Pub/Sub accepts.
const maxAckDeadline = 600 * time.Second

// Nack extends the ack deadline to delay so the server redelivers the
// message once it lapses. A zero delay redelivers immediately.
func (d *delivery) Nack(ctx context.Context, delay time.Duration) error {
	delay = min(max(delay, 0), maxAckDeadline)
	err := d.r.client.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       d.r.subscription,
		AckIds:             []string{d.ackID},
		AckDeadlineSeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.msg.ID, err)
	}
	return nil
}
