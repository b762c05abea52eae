// Package cache keeps recognition score lists in Redis, keyed by alphabet and
// by the exact curves scored, so repeated gestures skip model evaluation.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/pkg/metrics"
	pkgredis "github.com/texnomagic/texnomagic/pkg/redis"
	"github.com/texnomagic/texnomagic/pkg/resilience"
)

const keyPrefix = "texno:scores:"

// Backend is the key-value store behind the cache; *redis.Client
// implements it.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushPrefix(ctx context.Context, prefix string) (int64, error)
}

// ScoreCache stores encoded score lists. Backend failures never fail a
// lookup: the value is computed instead, and a circuit breaker stops
// talking to a backend that keeps failing.
type ScoreCache struct {
	backend Backend
	ttl     time.Duration
	isMiss  func(error) bool
	group   singleflight.Group
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// Option configures a ScoreCache.
type Option func(*ScoreCache)

// WithMetrics counts hits and misses and reports the breaker state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ScoreCache) { c.metrics = m }
}

// WithMissCheck overrides how a not-found error is recognized.
func WithMissCheck(isMiss func(error) bool) Option {
	return func(c *ScoreCache) { c.isMiss = isMiss }
}

// New creates a cache over backend whose entries live for ttl.
func New(backend Backend, ttl time.Duration, opts ...Option) *ScoreCache {
	c := &ScoreCache{
		backend: backend,
		ttl:     ttl,
		isMiss:  pkgredis.IsNilError,
		logger:  slog.Default().With("component", "score-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = resilience.NewCircuitBreaker("score-cache", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     15 * time.Second,
		OnStateChange: func(name string, _, to resilience.State) {
			if c.metrics != nil {
				c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return c
}

// Get returns the cached value for curves scored against alphabetID.
func (c *ScoreCache) Get(ctx context.Context, alphabetID string, curves [][]drawing.Point) ([]byte, bool) {
	key := BuildKey(alphabetID, curves)
	var data []byte
	err := c.breaker.Execute(func() error {
		var err error
		data, err = c.backend.Get(ctx, key)
		if err != nil && c.isMiss(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logFailure("cache get failed", key, err)
	}
	if err != nil || data == nil {
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	c.logger.Debug("cache hit", "alphabet", alphabetID, "key", key)
	return data, true
}

// Set stores value for curves scored against alphabetID.
func (c *ScoreCache) Set(ctx context.Context, alphabetID string, curves [][]drawing.Point, value []byte) {
	key := BuildKey(alphabetID, curves)
	err := c.breaker.Execute(func() error {
		return c.backend.Set(ctx, key, value, c.ttl)
	})
	if err != nil {
		c.logFailure("cache set failed", key, err)
	}
}

// GetOrCompute returns the cached value or computes, stores and returns it.
// Concurrent identical lookups share one computation. The bool reports a
// cache hit.
func (c *ScoreCache) GetOrCompute(
	ctx context.Context,
	alphabetID string,
	curves [][]drawing.Point,
	compute func() ([]byte, error),
) ([]byte, bool, error) {
	if data, ok := c.Get(ctx, alphabetID, curves); ok {
		return data, true, nil
	}
	key := BuildKey(alphabetID, curves)
	val, err, _ := c.group.Do(key, func() (any, error) {
		data, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, alphabetID, curves, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]byte), false, nil
}

// Invalidate drops every entry of alphabetID, or of all alphabets when
// alphabetID is empty.
func (c *ScoreCache) Invalidate(ctx context.Context, alphabetID string) error {
	prefix := keyPrefix
	if alphabetID != "" {
		prefix += alphabetID + "|"
	}
	var deleted int64
	err := c.breaker.Execute(func() error {
		var err error
		deleted, err = c.backend.FlushPrefix(ctx, prefix)
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidating score cache %q: %w", prefix, err)
	}
	c.logger.Info("cache invalidate", "alphabet", alphabetID, "keys_deleted", deleted)
	return nil
}

// Stats returns the hit and miss counts since creation.
func (c *ScoreCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *ScoreCache) logFailure(msg, key string, err error) {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Debug(msg, "key", key, "error", err)
		return
	}
	c.logger.Warn(msg, "key", key, "error", err)
}

func (c *ScoreCache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *ScoreCache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// BuildKey hashes the exact curve geometry, curve boundaries included,
// under a per-alphabet prefix.
func BuildKey(alphabetID string, curves [][]drawing.Point) string {
	h := sha256.New()
	var buf [8]byte
	for _, curve := range curves {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(curve)))
		h.Write(buf[:])
		for _, p := range curve {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.X))
			h.Write(buf[:])
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(p.Y))
			h.Write(buf[:])
		}
	}
	return fmt.Sprintf("%s%s|%x", keyPrefix, alphabetID, h.Sum(nil)[:16])
}
