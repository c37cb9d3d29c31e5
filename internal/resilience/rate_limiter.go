package resilience

import (
	"sync"
	"time"
)

// DefaultPeriod is used when a RateLimiterConfig omits Period.
var DefaultPeriod = time.Minute

// RateLimiterConfig configures a token-bucket rate limiter.
type RateLimiterConfig struct {
	Limit  int           // Maximum requests per period
	Period time.Duration // Time period for the limit
}

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.Limit == 0 {
		c.Limit = 100
	}
	if c.Period == 0 {
		c.Period = DefaultPeriod
	}
	return c
}

// RateLimiter is a token-bucket limiter that refills continuously
// based on elapsed time, rather than on a fixed tick.
type RateLimiter struct {
	name       string
	config     RateLimiterConfig
	tokens     float64
	lastRefill time.Time
	mutex      sync.Mutex
}

// NewRateLimiter creates a rate limiter starting at full capacity.
func NewRateLimiter(name string, config RateLimiterConfig) *RateLimiter {
	config = config.withDefaults()
	return &RateLimiter{
		name:       name,
		config:     config,
		tokens:     float64(config.Limit),
		lastRefill: time.Now(),
	}
}

// Allow reports whether a request may proceed now, consuming a token
// if so.
func (r *RateLimiter) Allow() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() * float64(r.config.Limit) / r.config.Period.Seconds()
		if refill > 0 {
			r.tokens = minFloat(r.tokens+refill, float64(r.config.Limit))
			r.lastRefill = now
		}
	}

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimiterManager is a process-wide, insert-if-absent registry of
// named rate limiters, one per principal (embedder API key, connector
// source, etc). Never replaces a limiter already in use.
type RateLimiterManager struct {
	limiters       map[string]*RateLimiter
	mutex          sync.RWMutex
	defaultConfig  RateLimiterConfig
}

// NewRateLimiterManager creates a registry seeded with defaultConfigs
// and falling back to defaultConfig for any name requested later.
func NewRateLimiterManager(defaultConfig RateLimiterConfig, seed map[string]RateLimiterConfig) *RateLimiterManager {
	m := &RateLimiterManager{
		limiters:      make(map[string]*RateLimiter),
		defaultConfig: defaultConfig.withDefaults(),
	}
	for name, config := range seed {
		m.limiters[name] = NewRateLimiter(name, config)
	}
	return m
}

// GetRateLimiter returns the limiter for name, creating one under the
// manager's default config if absent.
func (m *RateLimiterManager) GetRateLimiter(name string) *RateLimiter {
	m.mutex.RLock()
	limiter, ok := m.limiters[name]
	m.mutex.RUnlock()
	if ok {
		return limiter
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if limiter, ok := m.limiters[name]; ok {
		return limiter
	}

	limiter = NewRateLimiter(name, m.defaultConfig)
	m.limiters[name] = limiter
	return limiter
}

// Allow is a convenience wrapper around GetRateLimiter(name).Allow().
func (m *RateLimiterManager) Allow(name string) bool {
	return m.GetRateLimiter(name).Allow()
}
