package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	pspublisher "github.com/JakeFAU/briefly-pipeline/internal/publisher/pubsub"
)

type fixture struct {
	srv       *pstest.Server
	publisher *pspublisher.Publisher
	receiver  *Receiver
}

func newFixture(t *testing.T, withDeadLetter bool) fixture {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "proj", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "articles")
	require.NoError(t, err)

	subCfg := pubsub.SubscriptionConfig{Topic: topic, AckDeadline: 10 * time.Second}
	if withDeadLetter {
		dlt, err := client.CreateTopic(ctx, "articles-dead")
		require.NoError(t, err)
		subCfg.DeadLetterPolicy = &pubsub.DeadLetterPolicy{DeadLetterTopic: dlt.String(), MaxDeliveryAttempts: 5}
	}
	_, err = client.CreateSubscription(ctx, "articles-sub", subCfg)
	require.NoError(t, err)

	subClient, err := vkit.NewSubscriberClient(ctx, option.WithGRPCConn(conn))
	require.NoError(t, err)

	recv, err := NewReceiver(subClient, SubscriptionName("proj", "articles-sub"), nil)
	require.NoError(t, err)

	pub := pspublisher.New(topic)
	t.Cleanup(pub.Stop)
	return fixture{srv: srv, publisher: pub, receiver: recv}
}

func sample(url string) article.Article {
	return article.Article{URL: url, Title: "A", PublishedAt: "2024-01-01T00:00:00Z", TopicTag: "technology"}
}

func TestReceiverPullAndAck(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.publisher.Publish(ctx, sample("https://x/1")))

	batch, err := f.receiver.Receive(ctx, 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	msg := batch[0].Message()
	require.NotEmpty(t, msg.ID)
	require.Equal(t, 1, msg.DeliveryAttempt)
	require.NotZero(t, msg.ReceivedAt)
	decoded, err := article.Decode(msg.Body)
	require.NoError(t, err)
	require.Equal(t, "https://x/1", decoded.URL)

	require.NoError(t, batch[0].Ack(ctx))
	require.Eventually(t, func() bool {
		m := f.srv.Message(msg.ID)
		return m != nil && m.Acks == 1
	}, time.Second, 10*time.Millisecond)
}

func TestReceiverNackRedeliversWithAttempt(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.publisher.Publish(ctx, sample("https://x/1")))

	first, err := f.receiver.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, first[0].Message().DeliveryAttempt)
	require.NoError(t, first[0].Nack(ctx, 0))

	var second []article.Delivery
	require.Eventually(t, func() bool {
		second, err = f.receiver.Receive(ctx, 1, time.Second)
		return err == nil && len(second) == 1
	}, 5*time.Second, 50*time.Millisecond)
	require.Equal(t, first[0].Message().ID, second[0].Message().ID)
	require.Equal(t, 2, second[0].Message().DeliveryAttempt)
	require.NoError(t, second[0].Ack(ctx))
}

func TestReceiverNackDelaySetsAckDeadline(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.publisher.Publish(ctx, sample("https://x/1")))
	batch, err := f.receiver.Receive(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, batch[0].Nack(ctx, 45*time.Second))

	m := f.srv.Message(batch[0].Message().ID)
	require.NotNil(t, m)
	require.NotEmpty(t, m.Modacks)
	require.Equal(t, int32(45), m.Modacks[len(m.Modacks)-1].AckDeadline)

	// Nothing comes back while the extended deadline holds.
	again, err := f.receiver.Receive(ctx, 1, 300*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestReceiverEmptyWaitReturnsNoMessages(t *testing.T) {
	f := newFixture(t, false)

	batch, err := f.receiver.Receive(context.Background(), 5, 200*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestReceiverCanceledContext(t *testing.T) {
	f := newFixture(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.receiver.Receive(ctx, 5, time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewReceiverValidates(t *testing.T) {
	t.Parallel()

	_, err := NewReceiver(nil, "projects/p/subscriptions/s", nil)
	require.Error(t, err)
	require.Equal(t, "projects/p/subscriptions/s", SubscriptionName("p", "s"))
}
