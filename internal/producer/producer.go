// Package producer polls the feed per topic and publishes articles the
// current run has not enqueued yet.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/dedup"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
)

// DefaultMaxPageSize is the largest page the feed serves.
const DefaultMaxPageSize = 100

// Results recorded per article.
const (
	resultPublished    = "published"
	resultDuplicate    = "duplicate"
	resultPublishError = "publish_error"
)

// Config controls a producer.
type Config struct {
	Topics []string
	// BatchSize is how many articles to publish per topic per pass.
	BatchSize int
	// MaxPages bounds paging per topic per pass.
	MaxPages int
	// MaxPageSize is the feed's page size cap.
	MaxPageSize      int
	TopicCooldown    time.Duration
	TopicConcurrency int
	// Schedule is a cron expression for Run, e.g. "@every 30s".
	Schedule string
}

// PassStats summarizes one pass over every topic.
type PassStats struct {
	Topics        int
	Fetched       int
	Published     int
	Duplicates    int
	PublishErrors int
	FetchErrors   int
}

func (s *PassStats) add(o PassStats) {
	s.Topics += o.Topics
	s.Fetched += o.Fetched
	s.Published += o.Published
	s.Duplicates += o.Duplicates
	s.PublishErrors += o.PublishErrors
	s.FetchErrors += o.FetchErrors
}

// Producer runs passes over the configured topics.
type Producer struct {
	feed      article.Feed
	publisher article.Publisher
	tracker   *dedup.Tracker
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Producer. The tracker defines the dedup scope: share one
// across passes to suppress repeats for the life of the run.
func New(feed article.Feed, publisher article.Publisher, tracker *dedup.Tracker, cfg Config, logger *zap.Logger) (*Producer, error) {
	if feed == nil || publisher == nil || tracker == nil {
		return nil, errors.New("producer requires a feed, a publisher and a tracker")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("producer.topics is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("producer.batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 5
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = DefaultMaxPageSize
	}
	if cfg.TopicConcurrency <= 0 {
		cfg.TopicConcurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{
		feed:      feed,
		publisher: publisher,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// RunPass visits every topic once. Topic failures are logged and counted;
// the only error returned is cancellation.
func (p *Producer) RunPass(ctx context.Context) (PassStats, error) {
	start := time.Now()
	defer func() { metrics.ObservePass(time.Since(start)) }()

	var (
		mu    sync.Mutex
		total PassStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.TopicConcurrency)

	last := len(p.cfg.Topics) - 1
	for i, topic := range p.cfg.Topics {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			stats := p.runTopic(gctx, topic)
			mu.Lock()
			total.add(stats)
			mu.Unlock()
			// The cooldown holds the worker slot so the next topic waits.
			if i < last && p.cfg.TopicCooldown > 0 {
				_ = sleep(gctx, p.cfg.TopicCooldown)
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("producer pass finished",
		zap.Int("topics", total.Topics),
		zap.Int("fetched", total.Fetched),
		zap.Int("published", total.Published),
		zap.Int("duplicates", total.Duplicates),
		zap.Int("publish_errors", total.PublishErrors),
		zap.Int("fetch_errors", total.FetchErrors),
		zap.Int("tracked", p.tracker.Len()),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return total, fmt.Errorf("producer pass interrupted: %w", err)
	}
	return total, nil
}

func (p *Producer) runTopic(ctx context.Context, topic string) PassStats {
	stats := PassStats{Topics: 1}
	logger := p.logger.With(zap.String("topic", topic))

	// The feed offsets pages by page*pageSize, so the size stays fixed for
	// the whole topic. Later pages only backfill what filtering removed.
	pageSize := min(p.cfg.BatchSize, p.cfg.MaxPageSize)
	for page := 1; page <= p.cfg.MaxPages && stats.Published < p.cfg.BatchSize; page++ {
		if ctx.Err() != nil {
			return stats
		}
		res, err := p.feed.FetchArticles(ctx, topic, page, pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return stats
			}
			stats.FetchErrors++
			metrics.ObserveFetchError(topic)
			logger.Error("feed fetch failed, abandoning topic for this pass", zap.Int("page", page), zap.Error(err))
			return stats
		}
		stats.Fetched += len(res.Articles)

		for _, a := range res.Articles {
			if stats.Published >= p.cfg.BatchSize {
				break
			}
			if a.TopicTag == "" {
				a.TopicTag = topic
			}
			p.publishOne(ctx, logger, a, &stats)
		}

		if len(res.Articles) == 0 || page*pageSize >= res.TotalResults {
			break
		}
	}
	logger.Debug("topic done", zap.Int("published", stats.Published), zap.Int("duplicates", stats.Duplicates))
	return stats
}

func (p *Producer) publishOne(ctx context.Context, logger *zap.Logger, a article.Article, stats *PassStats) {
	// Reserve before publishing so parallel topics never double-publish.
	if !p.tracker.MarkIfAbsent(a.URL) {
		stats.Duplicates++
		metrics.ObserveProduced(a.TopicTag, resultDuplicate)
		return
	}
	if err := p.publisher.Publish(ctx, a); err != nil {
		p.tracker.Forget(a.URL)
		stats.PublishErrors++
		metrics.ObserveProduced(a.TopicTag, resultPublishError)
		logger.Error("publish failed, skipping article", zap.String("url", a.URL), zap.Error(err))
		return
	}
	stats.Published++
	metrics.ObserveProduced(a.TopicTag, resultPublished)
}

// Run executes a pass on the configured schedule until ctx is done. Passes
// never overlap; a tick that fires during a pass is skipped.
func (p *Producer) Run(ctx context.Context) error {
	schedule := p.cfg.Schedule
	if schedule == "" {
		schedule = "@every 30s"
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		if _, err := p.RunPass(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("producer pass failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("producer.schedule %q: %w", schedule, err)
	}

	p.logger.Info("producer scheduled", zap.String("schedule", schedule), zap.Strings("topics", p.cfg.Topics))
	if _, err := p.RunPass(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("producer pass failed", zap.Error(err))
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
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
