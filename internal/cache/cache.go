// Package cache provides the Redis-backed caches used by the search
// engine: a TTL cache for query embeddings and a per-user TTL cache
// for suggested questions, plus an in-flight dedup set so concurrent
// requests for the same suggestion never trigger duplicate generation
// (spec §4.5, §9).
package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
)

// ErrMiss is returned when a key is not present in the cache.
var ErrMiss = errors.New("cache: miss")

// Cache wraps a Redis client with the TTL get/set operations the
// search engine needs. A nil *Cache is a valid no-op cache: every
// Get returns ErrMiss and every Set is a no-op, so callers never need
// to special-case "caching disabled".
type Cache struct {
	client *redis.Client
}

// New builds a Cache from cfg. A zero-value cfg.Addr means caching is
// disabled; New then returns a nil *Cache, which behaves as a no-op.
func New(cfg config.CacheConfig) *Cache {
	if cfg.Addr == "" {
		return nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Cache{client: redis.NewClient(opts)}
}

// Ping verifies connectivity to Redis. Used at startup so a misconfigured
// cache fails fast rather than silently degrading every request.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close releases the underlying Redis connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// GetJSON retrieves and unmarshals a JSON value. Returns ErrMiss if the
// key is absent.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if c == nil {
		return ErrMiss
	}

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache: get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals and stores value under key with the given ttl. A
// nil Cache silently discards the write.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// QueryEmbeddingKey builds the cache key for a query embedding, scoped
// by model name so a model change never serves a stale vector (§4.5).
func QueryEmbeddingKey(modelName, queryText string) string {
	return fmt.Sprintf("qemb:%s:%s", modelName, queryText)
}

// SuggestedQuestionsKey builds the cache key for a user's suggested
// questions, scoped by user id so one user never sees another's
// generated suggestions.
func SuggestedQuestionsKey(userID, queryText string) string {
	return fmt.Sprintf("sugq:%s:%s", userID, queryText)
}

// InFlightSet deduplicates concurrent work for the same key: only the
// first caller to Enter for a given key proceeds, every other caller
// is told to wait on the result the first caller produces. Grounded on
// the process-wide concurrent map idiom used for circuit breaker state
// tracking, generalized here to a one-shot gate instead of a counter.
type InFlightSet struct {
	mu      sync.Mutex
	entries map[string]chan struct{}
}

// NewInFlightSet builds an empty set.
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{entries: make(map[string]chan struct{})}
}

// Enter reports whether the caller is the leader for key: if leader is
// true, the caller must do the work and call Done(key) exactly once,
// including on panic or error, to release waiters. If leader is false,
// wait is a channel that closes when the current leader calls Done.
func (s *InFlightSet) Enter(key string) (leader bool, wait <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.entries[key]; ok {
		return false, ch
	}

	ch := make(chan struct{})
	s.entries[key] = ch
	return true, ch
}

// Done releases every waiter blocked on key. Safe to call from a
// deferred statement immediately after Enter returns leader == true,
// so a panic in the leader's work still unblocks waiters.
func (s *InFlightSet) Done(key string) {
	s.mu.Lock()
	ch, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		close(ch)
	}
}
