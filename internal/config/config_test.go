package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Producer.Schedule != "@every 30s" {
		t.Fatalf("expected default schedule, got %q", cfg.Producer.Schedule)
	}
	if cfg.DB.Table != "summaries" {
		t.Fatalf("expected default table summaries, got %q", cfg.DB.Table)
	}
	if cfg.Consumer.EnrichmentTimeout != 60*time.Second {
		t.Fatalf("expected 60s enrichment timeout, got %v", cfg.Consumer.EnrichmentTimeout)
	}
	if len(cfg.Consumer.Placeholders) != 2 {
		t.Fatalf("expected two default placeholders, got %v", cfg.Consumer.Placeholders)
	}
	if cfg.Extract.Headless || cfg.Extract.MinTextChars != 200 {
		t.Fatalf("expected headless off with 200 min chars, got %+v", cfg.Extract)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9191
auth:
  enabled: true
  api_key: secret
feed:
  api_key: news-key
  requests_per_second: 0.5
producer:
  topics: [technology, science]
  batch_size: 40
  topic_cooldown: 500ms
  schedule: "*/5 * * * *"
consumer:
  workers: 8
  max_attempts: 1
  enrichment_timeout: 45s
queue:
  driver: pubsub
pubsub:
  project_id: proj
  topic_name: articles
  subscription_name: articles-sub
store:
  driver: postgres
db:
  dsn: postgres://localhost/briefly
  table: article_summaries
summarizer:
  provider: claude
  api_key: sk-test
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9191 {
		t.Fatalf("expected port 9191, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if len(cfg.Producer.Topics) != 2 || cfg.Producer.Topics[1] != "science" {
		t.Fatalf("expected topics to load, got %v", cfg.Producer.Topics)
	}
	if cfg.Producer.TopicCooldown != 500*time.Millisecond {
		t.Fatalf("expected 500ms cooldown, got %v", cfg.Producer.TopicCooldown)
	}
	if cfg.Consumer.MaxAttempts != 1 || cfg.Consumer.Workers != 8 {
		t.Fatalf("expected consumer overrides to apply: %+v", cfg.Consumer)
	}
	if cfg.Feed.RequestsPerSecond != 0.5 {
		t.Fatalf("expected 0.5 rps, got %v", cfg.Feed.RequestsPerSecond)
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Development {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if err := cfg.Validate(ModeAll); err != nil {
		t.Fatalf("Validate(all) error = %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("BRIEFLY_FEED_API_KEY", "from-env")
	t.Setenv("BRIEFLY_CONSUMER_MAX_ATTEMPTS", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Feed.APIKey != "from-env" {
		t.Fatalf("expected env api key, got %q", cfg.Feed.APIKey)
	}
	if cfg.Consumer.MaxAttempts != 7 {
		t.Fatalf("expected 7 attempts, got %d", cfg.Consumer.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validBase() Config {
	return Config{
		Server:     ServerConfig{Port: 8080},
		Feed:       FeedConfig{APIKey: "k"},
		Producer:   ProducerConfig{Topics: []string{"technology"}, BatchSize: 10, MaxPages: 2},
		Consumer:   ConsumerConfig{Workers: 1, MaxMessages: 1, MaxAttempts: 1, EnrichmentTimeout: time.Second},
		Queue:      QueueConfig{Driver: "memory", Capacity: 1},
		Store:      StoreConfig{Driver: "memory"},
		Summarizer: SummarizerConfig{Provider: "static"},
		DeadLetter: DeadLetterConfig{Driver: "memory"},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mode   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mode: ModeAPI, mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mode: ModeAPI, mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "zero attempts", mode: ModeConsumer, mutate: func(c *Config) { c.Consumer.MaxAttempts = 0 }, want: "consumer.max_attempts"},
		{name: "producer missing feed key", mode: ModeProducer, mutate: func(c *Config) { c.Feed.APIKey = "" }, want: "feed.api_key"},
		{name: "producer missing topics", mode: ModeProducer, mutate: func(c *Config) { c.Producer.Topics = nil }, want: "producer.topics"},
		{
			name: "pubsub missing subscription", mode: ModeConsumer,
			mutate: func(c *Config) {
				c.Queue.Driver = "pubsub"
				c.PubSub = PubSubConfig{ProjectID: "p", TopicName: "t"}
			},
			want: "pubsub.subscription_name",
		},
		{name: "postgres missing dsn", mode: ModeAPI, mutate: func(c *Config) { c.Store.Driver = "postgres"; c.DB.Table = "t" }, want: "db.dsn"},
		{name: "claude missing key", mode: ModeConsumer, mutate: func(c *Config) { c.Summarizer.Provider = "claude" }, want: "summarizer.api_key"},
		{name: "unknown summarizer", mode: ModeConsumer, mutate: func(c *Config) { c.Summarizer.Provider = "oracle" }, want: "summarizer.provider"},
		{name: "gcs missing bucket", mode: ModeConsumer, mutate: func(c *Config) { c.DeadLetter.Driver = "gcs" }, want: "deadletter.gcs_bucket"},
		{
			name: "negative headless parallelism", mode: ModeConsumer,
			mutate: func(c *Config) { c.Extract.Headless = true; c.Extract.HeadlessMaxParallel = -1 },
			want:   "extract.headless_max_parallel",
		},
		{
			name: "retry cap below base", mode: ModeConsumer,
			mutate: func(c *Config) { c.Consumer.RetryBaseDelay = time.Minute; c.Consumer.RetryMaxDelay = time.Second },
			want:   "consumer.retry_max_delay",
		},
		{name: "unknown mode", mode: "batch", mutate: func(*Config) {}, want: "unknown mode"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validBase()
			tt.mutate(&cfg)
			err := cfg.Validate(tt.mode)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateScopesRequirementsByMode(t *testing.T) {
	t.Parallel()

	cfg := validBase()
	cfg.Feed.APIKey = ""
	if err := cfg.Validate(ModeConsumer); err != nil {
		t.Fatalf("consumer should not need feed.api_key, got %v", err)
	}
	if err := cfg.Validate(ModeProducer); err == nil {
		t.Fatal("producer should require feed.api_key")
	}
}
