// Package memory provides an at-least-once in-process queue for local runs
// and tests. Received messages stay in flight until acked; a nack or an
// expired ack deadline makes them visible again with the attempt count bumped.
// A nack may hold the message back for a delay before it is visible.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/id/uuid"
	"github.com/JakeFAU/briefly-pipeline/internal/queue"
)

var (
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = article.ErrQueueClosed
	// ErrUnknownReceipt is returned when acking a delivery that is no longer in
	// flight, usually because its ack deadline expired.
	ErrUnknownReceipt = errors.New("unknown or expired receipt")
)

type entry struct {
	id         string
	body       []byte
	attrs      map[string]string
	receivedAt int64
	attempts   int
	notBefore  time.Time
}

type flight struct {
	entry    *entry
	deadline time.Time
}

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	mu          sync.Mutex
	ready       []*entry
	inflight    map[string]*flight
	slots       chan struct{}
	notify      chan struct{}
	closed      bool
	ackDeadline time.Duration
	ids         *uuid.Generator
	now         func() time.Time
}

// NewQueue constructs a queue holding at most capacity un-acked messages. A
// non-positive ackDeadline disables redelivery of forgotten deliveries.
func NewQueue(capacity int, ackDeadline time.Duration) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		inflight:    make(map[string]*flight),
		slots:       make(chan struct{}, capacity),
		notify:      make(chan struct{}, 1),
		ackDeadline: ackDeadline,
		ids:         uuid.New(),
		now:         time.Now,
	}
}

// Publish enqueues a, blocking while the queue is full.
func (q *Queue) Publish(ctx context.Context, a article.Article) error {
	body, attrs, err := queue.Encode(ctx, a)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish canceled: %w", ctx.Err())
	case q.slots <- struct{}{}:
	}

	id, err := q.ids.NewID()
	if err != nil {
		<-q.slots
		return err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.slots
		return ErrClosed
	}
	q.ready = append(q.ready, &entry{
		id:         id,
		body:       body,
		attrs:      attrs,
		receivedAt: article.EpochMillis(q.now()),
	})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Receive returns up to maxMessages deliveries, waiting at most wait for the
// first one. An empty batch with a nil error means the wait elapsed.
func (q *Queue) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]article.Delivery, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		batch, next, err := q.take(maxMessages)
		if err != nil || len(batch) > 0 {
			return batch, err
		}
		if !q.wait(ctx, timer.C, next) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
			}
			return nil, nil
		}
	}
}

// wait blocks until something may be visible. It returns false when ctx is
// done or the receive wait elapsed.
func (q *Queue) wait(ctx context.Context, expired <-chan time.Time, next time.Duration) bool {
	var held <-chan time.Time
	if next > 0 {
		heldTimer := time.NewTimer(next)
		defer heldTimer.Stop()
		held = heldTimer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-expired:
		return false
	case <-q.notify:
	case <-held:
	}
	return true
}

// take hands out up to maxMessages visible entries. When none is visible it
// reports how long until the earliest held-back entry becomes visible.
func (q *Queue) take(maxMessages int) ([]article.Delivery, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLocked()
	if len(q.ready) == 0 {
		if q.closed && len(q.inflight) == 0 {
			return nil, 0, ErrClosed
		}
		return nil, 0, nil
	}

	now := q.now()
	var (
		visible []*entry
		held    []*entry
		next    time.Duration
	)
	for _, e := range q.ready {
		if len(visible) < maxMessages && !now.Before(e.notBefore) {
			visible = append(visible, e)
			continue
		}
		held = append(held, e)
		if wait := e.notBefore.Sub(now); wait > 0 && (next == 0 || wait < next) {
			next = wait
		}
	}
	q.ready = held

	batch := make([]article.Delivery, 0, len(visible))
	for _, e := range visible {
		e.attempts++
		receipt := q.ids.MustID()
		q.inflight[receipt] = &flight{entry: e, deadline: q.now().Add(q.ackDeadline)}
		batch = append(batch, &delivery{
			q:       q,
			receipt: receipt,
			msg: article.QueueMessage{
				ID:              e.id,
				Body:            append([]byte(nil), e.body...),
				ReceivedAt:      e.receivedAt,
				DeliveryAttempt: e.attempts,
				Attributes:      copyAttrs(e.attrs),
			},
		})
	}
	if len(batch) > 0 && len(q.ready) > 0 {
		q.signal()
	}
	return batch, next, nil
}

// expireLocked returns deliveries whose ack deadline passed to the ready list.
func (q *Queue) expireLocked() {
	if q.ackDeadline <= 0 {
		return
	}
	now := q.now()
	for receipt, f := range q.inflight {
		if now.After(f.deadline) {
			delete(q.inflight, receipt)
			f.entry.notBefore = time.Time{}
			q.ready = append(q.ready, f.entry)
		}
	}
}

func (q *Queue) settle(receipt string, redeliver bool, delay time.Duration) error {
	q.mu.Lock()
	f, ok := q.inflight[receipt]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownReceipt
	}
	delete(q.inflight, receipt)
	if redeliver {
		f.entry.notBefore = time.Time{}
		if delay > 0 {
			f.entry.notBefore = q.now().Add(delay)
		}
		q.ready = append(q.ready, f.entry)
	}
	q.mu.Unlock()

	if redeliver {
		q.signal()
	} else {
		<-q.slots
	}
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stats reports the number of ready and in-flight messages. Ready includes
// nacked messages still held back by their delay.
func (q *Queue) Stats() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready), len(q.inflight)
}

// Close stops accepting publishes. Receivers drain what is left and then get
// ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

type delivery struct {
	q       *Queue
	receipt string
	msg     article.QueueMessage
}

func (d *delivery) Message() article.QueueMessage { return d.msg }

func (d *delivery) Ack(context.Context) error {
	return d.q.settle(d.receipt, false, 0)
}

// Nack makes the message visible again once delay has passed.
func (d *delivery) Nack(_ context.Context, delay time.Duration) error {
	return d.q.settle(d.receipt, true, delay)
}

func copyAttrs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
