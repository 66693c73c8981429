// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Run modes accepted by Validate.
const (
	ModeProducer = "producer"
	ModeConsumer = "consumer"
	ModeAPI      = "api"
	ModeAll      = "all"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Producer   ProducerConfig   `mapstructure:"producer"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Queue      QueueConfig      `mapstructure:"queue"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Store      StoreConfig      `mapstructure:"store"`
	DB         DBConfig         `mapstructure:"db"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Extract    ExtractConfig    `mapstructure:"extract"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
}

// ServerConfig controls the read API HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig sets where worker modes expose /metrics. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// FeedConfig configures the NewsAPI client.
type FeedConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Language          string        `mapstructure:"language"`
	UserAgent         string        `mapstructure:"user_agent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// ProducerConfig governs a producer pass.
type ProducerConfig struct {
	Topics           []string      `mapstructure:"topics"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxPages         int           `mapstructure:"max_pages"`
	TopicCooldown    time.Duration `mapstructure:"topic_cooldown"`
	TopicConcurrency int           `mapstructure:"topic_concurrency"`
	Schedule         string        `mapstructure:"schedule"`
}

// ConsumerConfig governs the receive loop and redelivery policy.
type ConsumerConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxMessages       int           `mapstructure:"max_messages"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout"`
	EnrichmentTimeout time.Duration `mapstructure:"enrichment_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	Placeholders      []string      `mapstructure:"placeholders"`
}

// QueueConfig selects the queue transport.
type QueueConfig struct {
	Driver   string `mapstructure:"driver"`
	Capacity int    `mapstructure:"capacity"`
	// AckDeadline redelivers in-memory deliveries nobody settled. Zero disables it.
	AckDeadline time.Duration `mapstructure:"ack_deadline"`
}

// PubSubConfig holds the Pub/Sub topic and subscription.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	TopicName        string `mapstructure:"topic_name"`
	SubscriptionName string `mapstructure:"subscription_name"`
}

// StoreConfig selects the summary record store.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// SummarizerConfig selects and configures the enrichment provider.
type SummarizerConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerOpenPeriod time.Duration `mapstructure:"breaker_open_period"`
}

// ExtractConfig configures the article text extractor.
type ExtractConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxChars     int           `mapstructure:"max_chars"`
	IgnoreRobots bool          `mapstructure:"ignore_robots"`
	// Headless enables the Chrome render fallback for pages whose static
	// fetch yields little text.
	Headless            bool          `mapstructure:"headless"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	HeadlessTimeout     time.Duration `mapstructure:"headless_timeout"`
	MinTextChars        int           `mapstructure:"min_text_chars"`
}

// DeadLetterConfig selects where exhausted messages are written.
type DeadLetterConfig struct {
	Driver    string `mapstructure:"driver"`
	Prefix    string `mapstructure:"prefix"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// Load builds a Config from disk/environment. Mode-specific requirements are
// checked separately by Validate.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BRIEFLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validateLimits(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can bind it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "briefly")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("feed.base_url", "https://newsapi.org")
	v.SetDefault("feed.api_key", "")
	v.SetDefault("feed.language", "en")
	v.SetDefault("feed.user_agent", "briefly-pipeline/0.1")
	v.SetDefault("feed.timeout", 15*time.Second)
	v.SetDefault("feed.requests_per_second", 1.0)
	v.SetDefault("feed.burst", 1)

	v.SetDefault("producer.topics", []string{})
	v.SetDefault("producer.batch_size", 20)
	v.SetDefault("producer.max_pages", 5)
	v.SetDefault("producer.topic_cooldown", 2*time.Second)
	v.SetDefault("producer.topic_concurrency", 1)
	v.SetDefault("producer.schedule", "@every 30s")

	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.max_messages", 10)
	v.SetDefault("consumer.wait_timeout", 20*time.Second)
	v.SetDefault("consumer.enrichment_timeout", 60*time.Second)
	v.SetDefault("consumer.max_attempts", 3)
	v.SetDefault("consumer.retry_base_delay", 10*time.Second)
	v.SetDefault("consumer.retry_max_delay", 10*time.Minute)
	v.SetDefault("consumer.shutdown_grace", 30*time.Second)
	v.SetDefault("consumer.placeholders", []string{"Summary not available", "Unable to generate summary"})

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.ack_deadline", 2*time.Minute)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pubsub.subscription_name", "")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "summaries")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.ensure_schema", true)

	v.SetDefault("summarizer.provider", "static")
	v.SetDefault("summarizer.model", "")
	v.SetDefault("summarizer.api_key", "")
	v.SetDefault("summarizer.base_url", "")
	v.SetDefault("summarizer.max_tokens", 1024)
	v.SetDefault("summarizer.max_retries", 2)
	v.SetDefault("summarizer.breaker_failures", 5)
	v.SetDefault("summarizer.breaker_open_period", 30*time.Second)

	v.SetDefault("extract.enabled", true)
	v.SetDefault("extract.user_agent", "briefly-pipeline/0.1")
	v.SetDefault("extract.timeout", 10*time.Second)
	v.SetDefault("extract.max_chars", 6000)
	v.SetDefault("extract.ignore_robots", false)
	v.SetDefault("extract.headless", false)
	v.SetDefault("extract.headless_max_parallel", 2)
	v.SetDefault("extract.headless_timeout", 30*time.Second)
	v.SetDefault("extract.min_text_chars", 200)

	v.SetDefault("deadletter.driver", "memory")
	v.SetDefault("deadletter.prefix", "deadletter")
	v.SetDefault("deadletter.base_dir", "")
	v.SetDefault("deadletter.gcs_bucket", "")
}

// Validate enforces the values a run mode cannot start without. Every error
// names the offending key.
func (c Config) Validate(mode string) error {
	if err := c.validateLimits(); err != nil {
		return err
	}
	var errs []error
	switch mode {
	case ModeProducer:
		errs = append(errs, c.validateProducer()...)
		errs = append(errs, c.validateQueue()...)
	case ModeConsumer:
		errs = append(errs, c.validateQueue()...)
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateSummarizer()...)
		errs = append(errs, c.validateDeadLetter()...)
	case ModeAPI:
		errs = append(errs, c.validateStore()...)
	case ModeAll:
		errs = append(errs, c.validateProducer()...)
		errs = append(errs, c.validateQueue()...)
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateSummarizer()...)
		errs = append(errs, c.validateDeadLetter()...)
	default:
		return fmt.Errorf("unknown mode %q (want producer, consumer, api or all)", mode)
	}
	return errors.Join(errs...)
}

func (c Config) validateLimits() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Producer.BatchSize <= 0 {
		return fmt.Errorf("producer.batch_size must be > 0")
	}
	if c.Producer.MaxPages <= 0 {
		return fmt.Errorf("producer.max_pages must be > 0")
	}
	if c.Consumer.Workers <= 0 {
		return fmt.Errorf("consumer.workers must be > 0")
	}
	if c.Consumer.MaxMessages <= 0 {
		return fmt.Errorf("consumer.max_messages must be > 0")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return fmt.Errorf("consumer.max_attempts must be > 0")
	}
	if c.Consumer.EnrichmentTimeout <= 0 {
		return fmt.Errorf("consumer.enrichment_timeout must be > 0")
	}
	if c.Consumer.RetryMaxDelay < c.Consumer.RetryBaseDelay {
		return fmt.Errorf("consumer.retry_max_delay must be >= consumer.retry_base_delay")
	}
	if c.Extract.Headless && c.Extract.HeadlessMaxParallel < 0 {
		return fmt.Errorf("extract.headless_max_parallel must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	return nil
}

func (c Config) validateProducer() []error {
	var errs []error
	if strings.TrimSpace(c.Feed.APIKey) == "" {
		errs = append(errs, fmt.Errorf("feed.api_key is required"))
	}
	if len(c.Producer.Topics) == 0 {
		errs = append(errs, fmt.Errorf("producer.topics must list at least one topic"))
	}
	return errs
}

func (c Config) validateQueue() []error {
	switch c.Queue.Driver {
	case "memory":
		if c.Queue.Capacity <= 0 {
			return []error{fmt.Errorf("queue.capacity must be > 0")}
		}
		return nil
	case "pubsub":
		var errs []error
		if c.PubSub.ProjectID == "" {
			errs = append(errs, fmt.Errorf("pubsub.project_id is required when queue.driver=pubsub"))
		}
		if c.PubSub.TopicName == "" {
			errs = append(errs, fmt.Errorf("pubsub.topic_name is required when queue.driver=pubsub"))
		}
		if c.PubSub.SubscriptionName == "" {
			errs = append(errs, fmt.Errorf("pubsub.subscription_name is required when queue.driver=pubsub"))
		}
		return errs
	default:
		return []error{fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver)}
	}
}

func (c Config) validateStore() []error {
	switch c.Store.Driver {
	case "memory":
		return nil
	case "postgres":
		var errs []error
		if c.DB.DSN == "" {
			errs = append(errs, fmt.Errorf("db.dsn is required when store.driver=postgres"))
		}
		if c.DB.Table == "" {
			errs = append(errs, fmt.Errorf("db.table is required when store.driver=postgres"))
		}
		return errs
	default:
		return []error{fmt.Errorf("store.driver %q is not supported", c.Store.Driver)}
	}
}

func (c Config) validateSummarizer() []error {
	switch c.Summarizer.Provider {
	case "static":
		return nil
	case "claude", "openai":
		if c.Summarizer.APIKey == "" {
			return []error{fmt.Errorf("summarizer.api_key is required for provider %s", c.Summarizer.Provider)}
		}
		return nil
	default:
		return []error{fmt.Errorf("summarizer.provider %q is not supported", c.Summarizer.Provider)}
	}
}

func (c Config) validateDeadLetter() []error {
	switch c.DeadLetter.Driver {
	case "memory":
		return nil
	case "local":
		if c.DeadLetter.BaseDir == "" {
			return []error{fmt.Errorf("deadletter.base_dir is required when deadletter.driver=local")}
		}
		return nil
	case "gcs":
		if c.DeadLetter.GCSBucket == "" {
			return []error{fmt.Errorf("deadletter.gcs_bucket is required when deadletter.driver=gcs")}
		}
		return nil
	default:
		return []error{fmt.Errorf("deadletter.driver %q is not supported", c.DeadLetter.Driver)}
	}
}
