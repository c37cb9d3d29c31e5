// Package resilience provides the process-wide circuit breaker and
// rate limiter primitives guarding calls to the embedder endpoint,
// blob store and database.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// Named circuit breakers used throughout the core.
const (
	EmbedderBreaker  = "embedder"
	BlobStoreBreaker = "blob_store"
	DatabaseBreaker  = "database"
)

// CircuitBreakerConfig configures one named breaker.
type CircuitBreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
}

func (c *CircuitBreakerConfig) applyDefaults(name string) {
	if c.Name == "" {
		c.Name = name
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
}

// DefaultConfig returns sane defaults for name.
func DefaultConfig(name string) CircuitBreakerConfig {
	cfg := CircuitBreakerConfig{Name: name}
	cfg.applyDefaults(name)
	return cfg
}

var (
	breakersMu sync.RWMutex
	breakers   = make(map[string]*gobreaker.CircuitBreaker)
)

// GetCircuitBreaker returns the breaker for name, creating it under
// config if absent. Never replaces a breaker already in use — every
// caller for the same name shares the same trip state.
func GetCircuitBreaker(name string, config CircuitBreakerConfig, logger observability.Logger) *gobreaker.CircuitBreaker {
	breakersMu.RLock()
	cb, ok := breakers[name]
	breakersMu.RUnlock()
	if ok {
		return cb
	}

	breakersMu.Lock()
	defer breakersMu.Unlock()
	if cb, ok := breakers[name]; ok {
		return cb
	}

	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	config.applyDefaults(name)

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= config.FailureRatio
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": breakerName,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	breakers[name] = cb
	return cb
}

// ExecuteWithCircuitBreaker runs fn through the named breaker, honoring
// ctx cancellation even while fn is still running.
func ExecuteWithCircuitBreaker(ctx context.Context, name string, config CircuitBreakerConfig, logger observability.Logger, fn func() (interface{}, error)) (interface{}, error) {
	cb := GetCircuitBreaker(name, config, logger)

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := cb.Execute(fn)
		done <- outcome{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

// CircuitBreakerManager is a thin, testable wrapper over the
// process-wide registry so callers can inject a logger once and reuse
// it across every Execute call.
type CircuitBreakerManager struct {
	logger observability.Logger
}

// NewCircuitBreakerManager builds a manager bound to logger.
func NewCircuitBreakerManager(logger observability.Logger) *CircuitBreakerManager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &CircuitBreakerManager{logger: logger}
}

// Execute runs fn through the named breaker using config (or defaults
// for name if config is zero-valued).
func (m *CircuitBreakerManager) Execute(ctx context.Context, name string, config CircuitBreakerConfig, fn func() (interface{}, error)) (interface{}, error) {
	return ExecuteWithCircuitBreaker(ctx, name, config, m.logger, fn)
}

// ShutdownCircuitBreakers clears the process-wide registry. Intended
// for test teardown.
func ShutdownCircuitBreakers() {
	breakersMu.Lock()
	defer breakersMu.Unlock()
	breakers = make(map[string]*gobreaker.CircuitBreaker)
}
