package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/texnomagic/texnomagic/internal/drawing"
	"github.com/texnomagic/texnomagic/pkg/metrics"
)

var errMiss = errors.New("miss")

type memBackend struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  error
	calls atomic.Int64
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string][]byte)}
}

func (b *memBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	v, ok := b.data[key]
	if !ok {
		return nil, errMiss
	}
	return v, nil
}

func (b *memBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.data[key] = value
	return nil
}

func (b *memBackend) FlushPrefix(_ context.Context, prefix string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return 0, b.fail
	}
	var n int64
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			delete(b.data, k)
			n++
		}
	}
	return n, nil
}

func isMiss(err error) bool { return errors.Is(err, errMiss) }

var stroke = [][]drawing.Point{{{X: 0, Y: 0}, {X: 10, Y: 10}}, {{X: 5, Y: 0}}}

func TestBuildKey(t *testing.T) {
	k := BuildKey("user:runes", stroke)
	require.True(t, strings.HasPrefix(k, "texno:scores:user:runes|"))
	require.Equal(t, k, BuildKey("user:runes", stroke))

	// same points, different curve split
	merged := [][]drawing.Point{{{X: 0, Y: 0}, {X: 10, Y: 10}, {X: 5, Y: 0}}}
	require.NotEqual(t, k, BuildKey("user:runes", merged))
	require.NotEqual(t, k, BuildKey("mods:runes", stroke))
}

func TestGetOrCompute(t *testing.T) {
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	c := New(newMemBackend(), time.Minute, WithMissCheck(isMiss), WithMetrics(m))
	ctx := context.Background()

	computed := 0
	compute := func() ([]byte, error) {
		computed++
		return []byte(`[{"symbol":"Fire","score":0.9}]`), nil
	}

	v, hit, err := c.GetOrCompute(ctx, "user:runes", stroke, compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.JSONEq(t, `[{"symbol":"Fire","score":0.9}]`, string(v))

	v, hit, err = c.GetOrCompute(ctx, "user:runes", stroke, compute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, 1, computed)
	require.NotEmpty(t, v)

	hits, misses := c.Stats()
	require.EqualValues(t, 1, hits)
	require.EqualValues(t, 1, misses)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))

	_, _, err = c.GetOrCompute(ctx, "user:other", stroke, func() ([]byte, error) {
		return nil, errors.New("model exploded")
	})
	require.Error(t, err)
}

func TestInvalidateScopesByAlphabet(t *testing.T) {
	backend := newMemBackend()
	c := New(backend, time.Minute, WithMissCheck(isMiss))
	ctx := context.Background()
	value := func() ([]byte, error) { return []byte("[]"), nil }

	for _, id := range []string{"user:runes", "user:runes-2", "mods:glyphs"} {
		_, _, err := c.GetOrCompute(ctx, id, stroke, value)
		require.NoError(t, err)
	}
	require.NoError(t, c.Invalidate(ctx, "user:runes"))
	require.Len(t, backend.data, 2)

	require.NoError(t, c.Invalidate(ctx, ""))
	require.Empty(t, backend.data)
}

func TestBackendFailureFallsBackAndTrips(t *testing.T) {
	backend := newMemBackend()
	backend.fail = errors.New("connection refused")
	c := New(backend, time.Minute, WithMissCheck(isMiss))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		v, hit, err := c.GetOrCompute(ctx, "user:runes", stroke, func() ([]byte, error) {
			return []byte("[]"), nil
		})
		require.NoError(t, err)
		require.False(t, hit)
		require.Equal(t, "[]", string(v))
	}
	// the breaker opened after five failures and stopped calling the backend
	require.Less(t, backend.calls.Load(), int64(20))
	require.Error(t, c.Invalidate(ctx, "user:runes"))
}
