// Package server builds the pipeline's dependencies for a run mode and drives
// them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/briefly-pipeline/internal/api"
	"github.com/JakeFAU/briefly-pipeline/internal/article"
	"github.com/JakeFAU/briefly-pipeline/internal/clock/system"
	"github.com/JakeFAU/briefly-pipeline/internal/config"
	"github.com/JakeFAU/briefly-pipeline/internal/consumer"
	"github.com/JakeFAU/briefly-pipeline/internal/deadletter"
	"github.com/JakeFAU/briefly-pipeline/internal/dedup"
	collyextract "github.com/JakeFAU/briefly-pipeline/internal/extract/colly"
	"github.com/JakeFAU/briefly-pipeline/internal/extract/detector"
	"github.com/JakeFAU/briefly-pipeline/internal/extract/headless"
	"github.com/JakeFAU/briefly-pipeline/internal/feed/newsapi"
	"github.com/JakeFAU/briefly-pipeline/internal/gate"
	"github.com/JakeFAU/briefly-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/briefly-pipeline/internal/metrics"
	"github.com/JakeFAU/briefly-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/briefly-pipeline/internal/producer"
	pspublisher "github.com/JakeFAU/briefly-pipeline/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/briefly-pipeline/internal/queue/memory"
	psreceiver "github.com/JakeFAU/briefly-pipeline/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/briefly-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/briefly-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/briefly-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/briefly-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer/claude"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer/openai"
	"github.com/JakeFAU/briefly-pipeline/internal/summarizer/static"
	"github.com/JakeFAU/briefly-pipeline/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Options selects what Build wires.
type Options struct {
	Config  config.Config
	Mode    string
	Version string
	Logger  *zap.Logger
}

// App contains the application's dependencies for one run mode.
type App struct {
	cfg    config.Config
	mode   string
	logger *zap.Logger

	store     article.RecordStore
	producer  *producer.Producer
	consumer  *consumer.Consumer
	apiServer *api.Server

	queue           *queuememory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pspublisher.Publisher
	subscriber      *vkit.SubscriberClient
	storage         *storage.Client
	summaryStore    *pgstore.SummaryStore
	renderer        *headless.Renderer
	tracerShutdown  func(context.Context) error
}

// Build creates the dependencies opts.Mode needs. On error everything
// already opened is closed.
func Build(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(opts.Mode); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, mode: opts.Mode, logger: logger}
	if err := app.build(ctx, opts.Version); err != nil {
		if cerr := app.Close(context.Background()); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, version string) error {
	metrics.Init()
	if err := a.setupTracing(ctx, version); err != nil {
		return err
	}

	runsProducer := a.mode == config.ModeProducer || a.mode == config.ModeAll
	runsConsumer := a.mode == config.ModeConsumer || a.mode == config.ModeAll
	runsAPI := a.mode == config.ModeAPI || a.mode == config.ModeAll

	a.logger.Info("building application dependencies",
		zap.String("mode", a.mode),
		zap.String("queue", a.cfg.Queue.Driver),
		zap.String("store", a.cfg.Store.Driver),
	)

	if runsConsumer || runsAPI {
		if err := a.setupStore(ctx); err != nil {
			return err
		}
	}

	var (
		pub  article.Publisher
		recv article.Receiver
	)
	if runsProducer || runsConsumer {
		var err error
		pub, recv, err = a.setupQueue(ctx, runsProducer, runsConsumer)
		if err != nil {
			return err
		}
	}

	if runsProducer {
		if err := a.setupProducer(pub); err != nil {
			return err
		}
	}
	if runsConsumer {
		if err := a.setupConsumer(ctx, recv); err != nil {
			return err
		}
	}
	if runsAPI {
		a.apiServer = api.NewServer(a.store, a.cfg, a.logger.Named("api"))
	}
	return nil
}

func (a *App) setupTracing(ctx context.Context, version string) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     version,
		Exporter:    a.cfg.Tracing.Exporter,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.String("exporter", a.cfg.Tracing.Exporter),
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
	)
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.Store.Driver != "postgres" {
		a.logger.Info("using in-memory summary store")
		a.store = memorystorage.NewRecordStore()
		return nil
	}
	store, err := pgstore.NewSummaryStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		Table:    a.cfg.DB.Table,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("summary store init failed: %w", err)
	}
	a.summaryStore = store
	a.store = store
	if a.cfg.DB.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.logger.Info("postgres summary store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupQueue(ctx context.Context, publish, receive bool) (article.Publisher, article.Receiver, error) {
	if a.cfg.Queue.Driver != "pubsub" {
		if a.mode != config.ModeAll {
			a.logger.Warn("in-memory queue only connects producer and consumer within one process",
				zap.String("mode", a.mode))
		}
		a.queue = queuememory.NewQueue(a.cfg.Queue.Capacity, a.cfg.Queue.AckDeadline)
		return a.queue, a.queue, nil
	}

	var (
		pub  article.Publisher
		recv article.Receiver
	)
	if publish {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = pspublisher.New(client.Topic(a.cfg.PubSub.TopicName))
		pub = a.pubsubPublisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}
	if receive {
		sub, err := vkit.NewSubscriberClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub subscriber init failed: %w", err)
		}
		a.subscriber = sub
		name := psreceiver.SubscriptionName(a.cfg.PubSub.ProjectID, a.cfg.PubSub.SubscriptionName)
		r, err := psreceiver.NewReceiver(sub, name, a.logger.Named("receiver"))
		if err != nil {
			return nil, nil, err
		}
		recv = r
		a.logger.Info("Pub/Sub receiver initialized", zap.String("subscription", name))
	}
	return pub, recv, nil
}

func (a *App) setupProducer(pub article.Publisher) error {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Feed.RequestsPerSecond,
		DefaultBurst: a.cfg.Feed.Burst,
	})
	feed, err := newsapi.New(newsapi.Config{
		BaseURL:   a.cfg.Feed.BaseURL,
		APIKey:    a.cfg.Feed.APIKey,
		Language:  a.cfg.Feed.Language,
		UserAgent: a.cfg.Feed.UserAgent,
		Timeout:   a.cfg.Feed.Timeout,
	}, limiter, a.logger.Named("feed"))
	if err != nil {
		return fmt.Errorf("feed init failed: %w", err)
	}
	a.producer, err = producer.New(feed, pub, dedup.New(sha256.New()), producer.Config{
		Topics:           a.cfg.Producer.Topics,
		BatchSize:        a.cfg.Producer.BatchSize,
		MaxPages:         a.cfg.Producer.MaxPages,
		MaxPageSize:      newsapi.MaxPageSize,
		TopicCooldown:    a.cfg.Producer.TopicCooldown,
		TopicConcurrency: a.cfg.Producer.TopicConcurrency,
		Schedule:         a.cfg.Producer.Schedule,
	}, a.logger.Named("producer"))
	if err != nil {
		return fmt.Errorf("producer init failed: %w", err)
	}
	return nil
}

func (a *App) setupConsumer(ctx context.Context, recv article.Receiver) error {
	enricher, err := a.setupSummarizer()
	if err != nil {
		return err
	}
	letters, err := a.setupDeadLetters(ctx)
	if err != nil {
		return err
	}
	a.consumer, err = consumer.New(consumer.Deps{
		Receiver:    recv,
		Summarizer:  enricher,
		Gate:        gate.New(a.store, a.logger.Named("gate")),
		Hasher:      sha256.New(),
		DeadLetters: letters,
		Clock:       system.New(),
	}, consumer.Config{
		Workers:           a.cfg.Consumer.Workers,
		MaxMessages:       a.cfg.Consumer.MaxMessages,
		WaitTimeout:       a.cfg.Consumer.WaitTimeout,
		EnrichmentTimeout: a.cfg.Consumer.EnrichmentTimeout,
		MaxAttempts:       a.cfg.Consumer.MaxAttempts,
		RetryBaseDelay:    a.cfg.Consumer.RetryBaseDelay,
		RetryMaxDelay:     a.cfg.Consumer.RetryMaxDelay,
		ShutdownGrace:     a.cfg.Consumer.ShutdownGrace,
		Placeholders:      a.cfg.Consumer.Placeholders,
	}, a.logger.Named("consumer"))
	if err != nil {
		return fmt.Errorf("consumer init failed: %w", err)
	}
	return nil
}

func (a *App) setupSummarizer() (article.Summarizer, error) {
	sc := a.cfg.Summarizer
	if sc.Provider == "static" {
		a.logger.Info("using static summarizer")
		return static.New("", nil), nil
	}

	var excerpter summarizer.Excerpter
	if a.cfg.Extract.Enabled {
		ec, err := a.extractConfig()
		if err != nil {
			return nil, err
		}
		excerpter = collyextract.New(ec, a.logger.Named("extract"))
	}

	var (
		provider article.Summarizer
		err      error
	)
	switch sc.Provider {
	case "claude":
		provider, err = claude.New(claude.Config{
			APIKey:     sc.APIKey,
			BaseURL:    sc.BaseURL,
			Model:      sc.Model,
			MaxTokens:  int64(sc.MaxTokens),
			MaxRetries: sc.MaxRetries,
			Timeout:    a.cfg.Consumer.EnrichmentTimeout,
		}, excerpter, a.logger.Named("claude"))
	case "openai":
		provider, err = openai.New(openai.Config{
			APIKey:    sc.APIKey,
			BaseURL:   sc.BaseURL,
			Model:     sc.Model,
			MaxTokens: sc.MaxTokens,
			Timeout:   a.cfg.Consumer.EnrichmentTimeout,
		}, excerpter, a.logger.Named("openai"))
	default:
		return nil, fmt.Errorf("summarizer.provider %q is not supported", sc.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("summarizer init failed: %w", err)
	}
	a.logger.Info("using remote summarizer",
		zap.String("provider", sc.Provider),
		zap.String("model", sc.Model),
		zap.Bool("extract", a.cfg.Extract.Enabled),
	)
	return summarizer.WithBreaker(sc.Provider, provider, summarizer.BreakerConfig{
		ConsecutiveFailures: sc.BreakerFailures,
		OpenPeriod:          sc.BreakerOpenPeriod,
	}, a.logger.Named("breaker")), nil
}

func (a *App) setupDeadLetters(ctx context.Context) (article.DeadLetterSink, error) {
	var (
		blobs article.BlobStore
		err   error
	)
	switch a.cfg.DeadLetter.Driver {
	case "gcs":
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err = gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.DeadLetter.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Debug("dead letters go to GCS", zap.String("bucket", a.cfg.DeadLetter.GCSBucket))
	case "local":
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.DeadLetter.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("dead letters go to local disk", zap.String("path", a.cfg.DeadLetter.BaseDir))
	default:
		a.logger.Info("dead letters kept in memory")
		blobs = memorystorage.NewBlobStore()
	}
	sink, err := deadletter.New(blobs, a.cfg.DeadLetter.Prefix, a.logger.Named("deadletter"))
	if err != nil {
		return nil, fmt.Errorf("dead-letter sink init failed: %w", err)
	}
	return sink, nil
}

// Run drives the components of the mode until ctx is canceled. With once
// set, producer modes run a single pass and consumer modes drain what is
// queued, then Run returns.
func (a *App) Run(ctx context.Context, once bool) error {
	a.logger.Info("application started", zap.String("mode", a.mode), zap.Bool("once", once))
	if once {
		return a.runOnce(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.producer != nil {
		g.Go(func() error { return a.producer.Run(gctx) })
	}
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}
	switch {
	case a.apiServer != nil:
		addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
		g.Go(func() error { return a.serveHTTP(gctx, addr, a.apiServer.Handler()) })
	case a.cfg.Metrics.Addr != "":
		g.Go(func() error { return a.serveHTTP(gctx, a.cfg.Metrics.Addr, metricsRouter()) })
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) runOnce(ctx context.Context) error {
	if a.apiServer != nil && a.producer == nil && a.consumer == nil {
		return fmt.Errorf("--once has no effect in %s mode", a.mode)
	}
	if a.producer != nil {
		if _, err := a.producer.RunPass(ctx); err != nil {
			return err
		}
	}
	if a.consumer != nil {
		return a.drain(ctx)
	}
	return nil
}

// drain processes batches until a receive comes back empty.
func (a *App) drain(ctx context.Context) error {
	total := 0
	for {
		n, err := a.consumer.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			a.logger.Info("queue drained", zap.Int("messages", total))
			return nil
		}
		total += n
	}
}

func (a *App) serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

func metricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (a *App) extractConfig() (collyextract.Config, error) {
	xc := a.cfg.Extract
	ec := collyextract.Config{
		UserAgent:     xc.UserAgent,
		RespectRobots: !xc.IgnoreRobots,
		Timeout:       xc.Timeout,
		MaxChars:      xc.MaxChars,
	}
	if !xc.Headless {
		return ec, nil
	}
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       xc.HeadlessMaxParallel,
		UserAgent:         xc.UserAgent,
		NavigationTimeout: xc.HeadlessTimeout,
		MaxChars:          xc.MaxChars,
	})
	if err != nil {
		return ec, fmt.Errorf("headless renderer init failed: %w", err)
	}
	a.renderer = renderer
	ec.Renderer = renderer
	ec.Detector = detector.NewHeuristic(0, xc.MinTextChars)
	a.logger.Info("headless render fallback enabled",
		zap.Int("max_parallel", xc.HeadlessMaxParallel),
		zap.Duration("timeout", xc.HeadlessTimeout),
	)
	return ec, nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.logger.Warn("pubsub subscriber close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.summaryStore != nil {
		a.summaryStore.Close()
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Handler exposes the read API for in-process callers. It is nil outside
// the api and all modes.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}
