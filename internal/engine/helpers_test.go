package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/store"
	"github.com/vannguyen-14/client-matino/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry keeps retry tests quick.
var fastRetry = RetryPolicy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func newTestEngine(t *testing.T, fast cache.Store, durable Durable, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithVerifier(auth.AllowAll),
		WithClock(testutil.NewDeterministicClock()),
		WithLogger(discardLogger()),
		WithRetry(fastRetry),
	}
	return New(fast, durable, append(base, opts...)...)
}

// newMiniredisCache returns a Redis-backed cache on an in-process server.
func newMiniredisCache(t *testing.T) *cache.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	r := cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { r.Close() })
	return r
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// hookCache wraps the in-memory cache with injectable failures.
type hookCache struct {
	*cache.Memory

	mu         sync.Mutex
	getErr     error
	setErr     error
	takeErr    error
	restoreErr error
	blockSet   bool

	calls atomic.Int64
}

func newHookCache() *hookCache {
	return &hookCache{Memory: cache.NewMemory()}
}

func (h *hookCache) set(fn func(h *hookCache)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h)
}

func (h *hookCache) Get(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	h.calls.Add(1)
	h.mu.Lock()
	err := h.getErr
	h.mu.Unlock()
	if err != nil {
		return state.Record{}, false, err
	}
	return h.Memory.Get(ctx, id)
}

func (h *hookCache) Set(ctx context.Context, rec state.Record) error {
	h.calls.Add(1)
	h.mu.Lock()
	err, block := h.setErr, h.blockSet
	h.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	return h.Memory.Set(ctx, rec)
}

func (h *hookCache) Take(ctx context.Context, id state.UserID) (state.Record, bool, error) {
	h.calls.Add(1)
	h.mu.Lock()
	err := h.takeErr
	h.mu.Unlock()
	if err != nil {
		// Mirror Redis: the entry is removed even when it cannot be decoded.
		_ = h.Memory.Delete(ctx, id)
		return state.Record{}, false, err
	}
	return h.Memory.Take(ctx, id)
}

func (h *hookCache) Restore(ctx context.Context, rec state.Record) error {
	h.calls.Add(1)
	h.mu.Lock()
	err := h.restoreErr
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return h.Memory.Restore(ctx, rec)
}

// countingDurable records calls so tests can assert no durable access.
type countingDurable struct {
	*testutil.MemoryDurable
	latestCalls atomic.Int64
	latestErr   error
}

func (c *countingDurable) LatestStatement(ctx context.Context, id state.UserID) (state.Statement, bool, error) {
	c.latestCalls.Add(1)
	if c.latestErr != nil {
		return state.Statement{}, false, c.latestErr
	}
	return c.MemoryDurable.LatestStatement(ctx, id)
}
