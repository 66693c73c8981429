// Package consumer drains queue messages, enriches each article and hands
// the result to the persistence gate.
//
// Every message ends in exactly one outcome. Transient outcomes are nacked
// for redelivery until the attempt limit, then dead-lettered and acked.
// Because the gate write is conditional on the fingerprint, redelivering a
// message that was already persisted is harmless.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/gate"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
	"github.com/JakeFAU/briefly-pipeline/internal/queue"
)

// DefaultPlaceholders are summaries that mean the provider had nothing.
var DefaultPlaceholders = []string{"Summary not available", "Unable to generate summary"}

// Config controls a consumer.
type Config struct {
	Workers           int
	MaxMessages       int
	WaitTimeout       time.Duration
	EnrichmentTimeout time.Duration
	// MaxAttempts is the delivery attempt at which a transient failure is
	// dead-lettered instead of nacked. One means never redeliver.
	MaxAttempts int
	// RetryBaseDelay holds back the first redelivery of a transient
	// failure. Each later attempt doubles it, up to RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// ShutdownGrace bounds how long in-flight messages may run after the
	// run context is canceled.
	ShutdownGrace time.Duration
	Placeholders  []string
}

// Deps are the collaborators a consumer drives.
type Deps struct {
	Receiver    article.Receiver
	Summarizer  article.Summarizer
	Gate        *gate.Gate
	Hasher      article.Fingerprinter
	DeadLetters article.DeadLetterSink
	Clock       article.Clock
}

// Consumer processes deliveries with bounded parallelism.
type Consumer struct {
	deps         Deps
	cfg          Config
	placeholders map[string]struct{}
	logger       *zap.Logger
	tracer       trace.Tracer
}

// New validates deps and applies defaults to cfg.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Consumer, error) {
	switch {
	case deps.Receiver == nil:
		return nil, errors.New("consumer requires a receiver")
	case deps.Summarizer == nil:
		return nil, errors.New("consumer requires a summarizer")
	case deps.Gate == nil:
		return nil, errors.New("consumer requires a persistence gate")
	case deps.Hasher == nil:
		return nil, errors.New("consumer requires a fingerprinter")
	case deps.DeadLetters == nil:
		return nil, errors.New("consumer requires a dead-letter sink")
	case deps.Clock == nil:
		return nil, errors.New("consumer requires a clock")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = cfg.Workers
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 10 * time.Second
	}
	if cfg.EnrichmentTimeout <= 0 {
		cfg.EnrichmentTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = max(10*time.Minute, cfg.RetryBaseDelay)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.Placeholders == nil {
		cfg.Placeholders = DefaultPlaceholders
	}
	placeholders := make(map[string]struct{}, len(cfg.Placeholders))
	for _, p := range cfg.Placeholders {
		placeholders[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		deps:         deps,
		cfg:          cfg,
		placeholders: placeholders,
		logger:       logger,
		tracer:       otel.Tracer("github.com/JakeFAU/briefly-pipeline/internal/consumer"),
	}, nil
}

// Run receives and processes batches until ctx is canceled. In-flight
// messages keep running for up to ShutdownGrace after cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	work, stop := c.workContext(ctx)
	defer stop()

	c.logger.Info("consumer started",
		zap.Int("workers", c.cfg.Workers),
		zap.Int("max_messages", c.cfg.MaxMessages),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
	)
	for {
		batch, err := c.deps.Receiver.Receive(ctx, c.cfg.MaxMessages, c.cfg.WaitTimeout)
		if ctx.Err() != nil {
			if len(batch) > 0 {
				c.ProcessBatch(work, batch)
			}
			c.logger.Info("consumer stopped")
			return nil
		}
		if errors.Is(err, article.ErrQueueClosed) {
			c.logger.Info("queue closed, consumer stopped")
			return nil
		}
		if err != nil {
			c.logger.Error("receive failed", zap.Error(err))
			_ = sleep(ctx, time.Second)
			continue
		}
		c.ProcessBatch(work, batch)
	}
}

// RunOnce processes at most one batch. It reports how many deliveries it saw;
// a closed queue counts as empty.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	batch, err := c.deps.Receiver.Receive(ctx, c.cfg.MaxMessages, c.cfg.WaitTimeout)
	if errors.Is(err, article.ErrQueueClosed) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("receive: %w", err)
	}
	work, stop := c.workContext(ctx)
	defer stop()
	c.ProcessBatch(work, batch)
	return len(batch), nil
}

// workContext detaches processing from ctx and cancels it ShutdownGrace
// after ctx is done.
func (c *Consumer) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopGrace := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(c.cfg.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-work.Done():
		}
	})
	return work, func() {
		stopGrace()
		cancel()
	}
}

// ProcessBatch handles every delivery independently and returns when all
// are done.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []article.Delivery) {
	var g errgroup.Group
	g.SetLimit(c.cfg.Workers)
	for _, d := range batch {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			c.Handle(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

// Handle runs one delivery to its outcome and returns the outcome label.
func (c *Consumer) Handle(ctx context.Context, d article.Delivery) string {
	msg := d.Message()
	ctx, span := c.tracer.Start(queue.Extract(ctx, msg.Attributes), "consumer.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.delivery_attempt", msg.DeliveryAttempt),
		),
	)
	defer span.End()

	logger := c.logger.With(zap.String("message_id", msg.ID), zap.Int("attempt", msg.DeliveryAttempt))

	a, err := article.Decode(msg.Body)
	if err != nil {
		return c.finish(ctx, span, logger, d, c.invalid(ctx, logger, d, err))
	}
	msg.Article = a
	logger = logger.With(zap.String("url", a.URL))
	span.SetAttributes(attribute.String("article.url", a.URL))

	outcome, err := c.process(ctx, logger, msg)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// Shutdown grace ran out mid-flight. Leave the message to the queue.
		outcome = metrics.OutcomeTransientFailure
	default:
		outcome = c.transient(ctx, logger, d, err)
	}
	return c.finish(ctx, span, logger, d, outcome)
}

// process enriches and persists. A nil error means the message is done.
func (c *Consumer) process(ctx context.Context, logger *zap.Logger, msg article.QueueMessage) (string, error) {
	enrichment, err := c.enrich(ctx, msg.Article.URL)
	if err != nil {
		return "", err
	}

	id, err := c.deps.Hasher.Fingerprint(msg.Article.URL)
	if err != nil {
		return "", fmt.Errorf("%w: fingerprint: %v", article.ErrInvalidArticle, err)
	}
	rec, err := article.NewRecord(id, msg, enrichment, c.deps.Clock.Now())
	if err != nil {
		return "", err
	}

	written, err := c.deps.Gate.Persist(ctx, rec)
	if err != nil {
		return "", err
	}
	logger.Debug("record persisted", zap.String("id", id), zap.Stringer("gate", written))
	if written == gate.AlreadyExists {
		return metrics.OutcomeSkippedDuplicate, nil
	}
	return metrics.OutcomeProcessed, nil
}

// enrich calls the summarizer under the enrichment timeout and rejects
// empty or placeholder results.
func (c *Consumer) enrich(ctx context.Context, url string) (article.Enrichment, error) {
	ectx, cancel := context.WithTimeout(ctx, c.cfg.EnrichmentTimeout)
	defer cancel()

	start := time.Now()
	e, err := c.deps.Summarizer.Summarize(ectx, url)
	elapsed := time.Since(start)
	switch {
	case err != nil:
		result := "error"
		if errors.Is(ectx.Err(), context.DeadlineExceeded) {
			result = "timeout"
		}
		metrics.ObserveEnrichment(result, elapsed)
		return article.Enrichment{}, fmt.Errorf("%w: enrichment %s: %w", article.ErrUnprocessable, result, err)
	case c.isPlaceholder(e.Summary):
		metrics.ObserveEnrichment("placeholder", elapsed)
		return article.Enrichment{}, fmt.Errorf("%w: placeholder summary %q", article.ErrUnprocessable, e.Summary)
	case len(e.Tags) == 0:
		metrics.ObserveEnrichment("no_tags", elapsed)
		return article.Enrichment{}, fmt.Errorf("%w: no tags", article.ErrUnprocessable)
	}
	metrics.ObserveEnrichment("ok", elapsed)
	return e, nil
}

func (c *Consumer) isPlaceholder(summary string) bool {
	s := strings.ToLower(strings.TrimSpace(summary))
	if s == "" {
		return true
	}
	_, ok := c.placeholders[s]
	return ok
}

// invalid dead-letters a malformed message. It is acked even if the
// dead-letter write fails since redelivery cannot fix it.
func (c *Consumer) invalid(ctx context.Context, logger *zap.Logger, d article.Delivery, cause error) string {
	logger.Warn("invalid message", zap.Error(cause))
	if _, err := c.deadLetter(ctx, d, cause); err != nil {
		logger.Error("dead-letter write failed for invalid message", zap.Error(err))
	}
	return metrics.OutcomeSkippedInvalid
}

// transient decides between redelivery and the dead-letter path.
func (c *Consumer) transient(ctx context.Context, logger *zap.Logger, d article.Delivery, cause error) string {
	if errors.Is(cause, article.ErrInvalidArticle) {
		return c.invalid(ctx, logger, d, cause)
	}
	attempt := d.Message().DeliveryAttempt
	if attempt < c.cfg.MaxAttempts {
		logger.Warn("transient failure, message will be redelivered",
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(cause),
		)
		return metrics.OutcomeTransientFailure
	}
	uri, err := c.deadLetter(ctx, d, cause)
	if err != nil {
		logger.Error("dead-letter write failed, message will be redelivered", zap.Error(err), zap.NamedError("cause", cause))
		return metrics.OutcomeTransientFailure
	}
	logger.Warn("attempts exhausted, message dead-lettered", zap.String("letter", uri), zap.Error(cause))
	return metrics.OutcomeDeadLettered
}

func (c *Consumer) deadLetter(ctx context.Context, d article.Delivery, cause error) (string, error) {
	msg := d.Message()
	uri, err := c.deps.DeadLetters.Put(ctx, article.Letter{
		MessageID: msg.ID,
		Reason:    cause.Error(),
		Attempt:   msg.DeliveryAttempt,
		Payload:   string(msg.Body),
		Attrs:     msg.Attributes,
		At:        c.deps.Clock.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("dead letter %s: %w", msg.ID, err)
	}
	return uri, nil
}

// finish acks or nacks according to outcome and logs the outcome line.
// Nothing is sent once ctx is gone; the queue redelivers on its own.
func (c *Consumer) finish(ctx context.Context, span trace.Span, logger *zap.Logger, d article.Delivery, outcome string) string {
	metrics.ObserveMessage(outcome)
	span.SetAttributes(attribute.String("outcome", outcome))

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, "abandoned at shutdown")
		logger.Warn("message abandoned at shutdown", zap.String("outcome", outcome))
		return outcome
	}

	var err error
	if outcome == metrics.OutcomeTransientFailure {
		span.SetStatus(codes.Error, outcome)
		delay := c.redeliveryDelay(d.Message().DeliveryAttempt)
		logger = logger.With(zap.Duration("redeliver_after", delay))
		err = d.Nack(ctx, delay)
	} else {
		err = d.Ack(ctx)
	}
	if err != nil {
		logger.Error("settle message failed", zap.String("outcome", outcome), zap.Error(err))
	}
	logger.Info("message handled", zap.String("outcome", outcome))
	return outcome
}

// redeliveryDelay is RetryBaseDelay doubled for every attempt after the
// first, capped at RetryMaxDelay.
func (c *Consumer) redeliveryDelay(attempt int) time.Duration {
	delay := c.cfg.RetryBaseDelay
	for i := 1; i < attempt && delay < c.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.cfg.RetryMaxDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
