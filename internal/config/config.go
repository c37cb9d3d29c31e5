// Package config loads every tunable named in the external interfaces
// section from the environment, the way the teacher's pkg/config does
// it: a base YAML file, an environment overlay, then AutomaticEnv with
// dot-to-underscore key replacement so every field has an env override.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every documented tunable for the indexer, searcher,
// worker and evaluate binaries. Fields default per spec §4/§6 and can be
// overridden by base/environment YAML files or environment variables.
type Config struct {
	Environment string `mapstructure:"environment"`

	Database DatabaseConfig `mapstructure:"database"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Embedder EmbedderConfig `mapstructure:"embedder"`
	Search   SearchConfig   `mapstructure:"search"`
	Cache    CacheConfig    `mapstructure:"cache"`
	GC       GCConfig       `mapstructure:"gc"`
	API      APIConfig      `mapstructure:"api"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
}

// BlobConfig configures the content-addressed object store.
type BlobConfig struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	UsePathStyle   bool   `mapstructure:"use_path_style"`
	Prefix         string `mapstructure:"prefix"`
}

// QueueConfig configures the event and embedding queues and the two
// processors that drain them.
type QueueConfig struct {
	// Event Processor batch accumulation triggers (§4.3).
	EventBatchSize         int `mapstructure:"event_batch_size"`
	EventIdleTimeoutMS     int `mapstructure:"event_idle_timeout_ms"`
	EventMaxWaitSeconds    int `mapstructure:"event_max_wait_seconds"`
	EventCheckIntervalMS   int `mapstructure:"event_check_interval_ms"`

	// Embedding Processor cross-document batching (§4.4).
	EmbeddingBatchSize      int `mapstructure:"embedding_batch_size"`
	MaxEmbeddingBatchSize   int `mapstructure:"max_embedding_batch_size"`

	// Retry/backoff (§4.1).
	MaxRetries           int `mapstructure:"max_retries"`
	BackoffBaseSeconds   int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds    int `mapstructure:"backoff_max_seconds"`

	// Stale-lease recovery (§4.1/§4.2).
	EventStaleTimeoutSeconds     int `mapstructure:"event_stale_timeout_seconds"`
	EmbeddingStaleTimeoutSeconds int `mapstructure:"embedding_stale_timeout_seconds"`
	RecoverySweepIntervalSeconds int `mapstructure:"recovery_sweep_interval_seconds"`

	// Retention.
	CleanupAgeDays int `mapstructure:"cleanup_age_days"`

	// LISTEN/NOTIFY fallback poll.
	NotifyFallbackPollSeconds int `mapstructure:"notify_fallback_poll_seconds"`
}

// EmbedderConfig configures the call to the external embedding
// endpoint (§4.4, §6) and input chunking (§9).
type EmbedderConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	ModelName           string `mapstructure:"model_name"`
	Dimensions          int    `mapstructure:"dimensions"`
	ChunkLengthTokens   int    `mapstructure:"chunk_length_tokens"`
	MaxDocumentChars    int    `mapstructure:"max_document_chars"`
	ChunkOverlap        int    `mapstructure:"chunk_overlap"`
	RequestTimeoutMS    int    `mapstructure:"request_timeout_ms"`
	MaxRetries          int    `mapstructure:"max_retries"`
	UseBedrock          bool   `mapstructure:"use_bedrock"`
	BedrockRegion       string `mapstructure:"bedrock_region"`
	RateLimitPerMinute  int    `mapstructure:"rate_limit_per_minute"`
}

// SearchConfig configures the hybrid search engine (§4.5).
type SearchConfig struct {
	HybridWeightFTS         float64 `mapstructure:"hybrid_weight_fts"`
	HybridWeightSemantic    float64 `mapstructure:"hybrid_weight_semantic"`
	TypoMaxDistance         int     `mapstructure:"typo_max_distance"`
	TypoMinWordLength       int     `mapstructure:"typo_min_word_length"`
	SemanticSearchTimeoutMS int     `mapstructure:"semantic_search_timeout_ms"`
	QueryEmbeddingCacheTTLSeconds int `mapstructure:"query_embedding_cache_ttl_seconds"`
	SuggestionsLimit        int     `mapstructure:"suggestions_limit"`
	SuggestedQuestionsTTLSeconds int `mapstructure:"suggested_questions_ttl_seconds"`
}

// CacheConfig configures the Redis-backed caches.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

// GCConfig configures the blob garbage collector (§4.7).
type GCConfig struct {
	GracePeriodHours int `mapstructure:"grace_period_hours"`
	IntervalMinutes  int `mapstructure:"interval_minutes"`
	ScanBatchSize    int `mapstructure:"scan_batch_size"`
}

// APIConfig configures the HTTP surfaces (§6).
type APIConfig struct {
	IndexerListenAddr  string `mapstructure:"indexer_listen_addr"`
	SearcherListenAddr string `mapstructure:"searcher_listen_addr"`
}

// IdleTimeout returns the event processor's idle-timeout trigger as a
// time.Duration.
func (q QueueConfig) IdleTimeout() time.Duration {
	return time.Duration(q.EventIdleTimeoutMS) * time.Millisecond
}

// MaxWait returns the event processor's max-accumulation-wait trigger.
func (q QueueConfig) MaxWait() time.Duration {
	return time.Duration(q.EventMaxWaitSeconds) * time.Second
}

// CheckInterval returns the event processor's trigger polling interval.
func (q QueueConfig) CheckInterval() time.Duration {
	return time.Duration(q.EventCheckIntervalMS) * time.Millisecond
}

// BackoffDelay computes the retry_count-th backoff delay: exponential
// with base/doubling plus up to 50% random jitter, capped, per §4.1.
func (q QueueConfig) BackoffDelay(retryCount int) time.Duration {
	base := time.Duration(q.BackoffBaseSeconds) * time.Second
	max := time.Duration(q.BackoffMaxSeconds) * time.Second
	delay := base
	for i := 0; i < retryCount && delay < max; i++ {
		delay *= 2
	}
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	}
	if delay > max {
		return max
	}
	return delay
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_seconds", 300)

	v.SetDefault("blob.use_path_style", false)

	v.SetDefault("queue.event_batch_size", 10)
	v.SetDefault("queue.event_idle_timeout_ms", 200)
	v.SetDefault("queue.event_max_wait_seconds", 30)
	v.SetDefault("queue.event_check_interval_ms", 50)
	v.SetDefault("queue.embedding_batch_size", 512)
	v.SetDefault("queue.max_embedding_batch_size", 32)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_base_seconds", 30)
	v.SetDefault("queue.backoff_max_seconds", 1800)
	v.SetDefault("queue.event_stale_timeout_seconds", 300)
	v.SetDefault("queue.embedding_stale_timeout_seconds", 300)
	v.SetDefault("queue.recovery_sweep_interval_seconds", 60)
	v.SetDefault("queue.cleanup_age_days", 30)
	v.SetDefault("queue.notify_fallback_poll_seconds", 30)

	v.SetDefault("embedder.model_name", "embed-default")
	v.SetDefault("embedder.dimensions", 1024)
	v.SetDefault("embedder.chunk_length_tokens", 512)
	v.SetDefault("embedder.max_document_chars", 24576)
	v.SetDefault("embedder.chunk_overlap", 300)
	v.SetDefault("embedder.request_timeout_ms", 30000)
	v.SetDefault("embedder.max_retries", 3)
	v.SetDefault("embedder.use_bedrock", false)
	v.SetDefault("embedder.rate_limit_per_minute", 100)

	v.SetDefault("search.hybrid_weight_fts", 0.3)
	v.SetDefault("search.hybrid_weight_semantic", 1.0)
	v.SetDefault("search.typo_max_distance", 2)
	v.SetDefault("search.typo_min_word_length", 4)
	v.SetDefault("search.semantic_search_timeout_ms", 5000)
	v.SetDefault("search.query_embedding_cache_ttl_seconds", 3600)
	v.SetDefault("search.suggestions_limit", 10)
	v.SetDefault("search.suggested_questions_ttl_seconds", 86400)

	v.SetDefault("cache.db", 0)

	v.SetDefault("gc.grace_period_hours", 24)
	v.SetDefault("gc.interval_minutes", 60)
	v.SetDefault("gc.scan_batch_size", 500)

	v.SetDefault("api.indexer_listen_addr", ":8080")
	v.SetDefault("api.searcher_listen_addr", ":8081")
}

// Load reads configPath/config.base.yaml, overlays
// configPath/config.<environment>.yaml if present, then layers
// AutomaticEnv with "."→"_" key replacement on top, matching the
// teacher's ConfigLoader.LoadEnvironment.
func Load(configPath, environment string) (*Config, error) {
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
	}
	if environment == "" {
		environment = "development"
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	base := filepath.Join(configPath, "config.base.yaml")
	if _, err := os.Stat(base); err == nil {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load base config: %w", err)
		}
	}

	envFile := filepath.Join(configPath, fmt.Sprintf("config.%s.yaml", environment))
	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load environment config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Environment = environment
	return &cfg, nil
}
