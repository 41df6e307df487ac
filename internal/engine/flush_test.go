package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/testutil"
)

func TestFlush_ConcreteScenario(t *testing.T) {
	ctx := context.Background()
	fast := cache.NewMemory()
	e := newTestEngine(t, fast, openTestStore(t))

	v, err := e.ApplyPatch(ctx, 3, jsondoc.Document{"coins": 150, "itemAmmo": 5, "itemShield": 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = e.ApplyPatch(ctx, 3, jsondoc.Document{"coins": 160})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	want := jsondoc.Document{"coins": 160, "itemAmmo": 5, "itemShield": 2}
	view, err := e.GetState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "redis", view.Source.WireName())
	assert.Nil(t, view.StatementID)
	assert.Equal(t, want, view.Data)

	res, err := e.Flush(ctx, 3, nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, PhasePersisted, res.Phase)
	assert.Positive(t, res.StatementID)

	view, err = e.GetState(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "db", view.Source.WireName())
	require.NotNil(t, view.StatementID)
	assert.Equal(t, res.StatementID, *view.StatementID)
	assert.True(t, jsondoc.Equal(want, view.Data), "got %v", view.Data)

	_, ok, err := fast.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, fast.Len())
}

func TestFlush_PreservesTextBytes(t *testing.T) {
	ctx := context.Background()
	decomposed := "Jose\u0301"
	composed := "Jos\u00e9"

	for name, fast := range map[string]cache.Store{
		"memory": cache.NewMemory(),
		"redis":  newMiniredisCache(t),
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, fast, openTestStore(t))

			_, err := e.ApplyPatch(ctx, 3, jsondoc.Document{"name": decomposed, "cafe\u0301": composed})
			require.NoError(t, err)

			before, err := e.GetState(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, decomposed, before.Data["name"])

			_, err = e.ForceFlush(ctx, 3)
			require.NoError(t, err)

			after, err := e.GetState(ctx, 3)
			require.NoError(t, err)
			assert.Equal(t, state.SourceDurable, after.Source)
			assert.Equal(t, before.Data["name"], after.Data["name"])
			assert.Equal(t, composed, after.Data["cafe\u0301"])
			assert.NotContains(t, after.Data, "caf\u00e9")
		})
	}
}

func TestFlush_EmptyFlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, cache.NewMemory(), durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	first, err := e.Flush(ctx, 1, nil)
	require.NoError(t, err)
	require.True(t, first.Written)

	second, err := e.Flush(ctx, 1, nil)
	require.NoError(t, err)
	assert.False(t, second.Written)
	assert.Equal(t, PhaseIdle, second.Phase)
	assert.Equal(t, first.StatementID, second.StatementID)
	assert.Len(t, durable.Rows(), 1)
}

func TestFlush_FirstPlayFallback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, cache.NewMemory(), openTestStore(t))

	_, err := e.GetState(ctx, 9)
	require.Error(t, err)
	assert.True(t, state.IsNotFound(err))

	initial := jsondoc.Document{"coins": 0, "levelPlayed": 1, "skins": []any{"default"}}
	res, err := e.Flush(ctx, 9, initial)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Positive(t, res.StatementID)

	view, err := e.GetState(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, state.SourceDurable, view.Source)
	assert.Equal(t, res.StatementID, *view.StatementID)
	assert.True(t, jsondoc.Equal(initial, view.Data))
}

func TestFlush_CachedStateWinsOverFallback(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, cache.NewMemory(), durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	_, err = e.Flush(ctx, 1, jsondoc.Document{"initial": true})
	require.NoError(t, err)

	rows := durable.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, jsondoc.Document{"a": 1}, rows[0].Data)
}

func TestFlush_EmptyFallbackIsWritten(t *testing.T) {
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, cache.NewMemory(), durable)

	res, err := e.Flush(context.Background(), 1, jsondoc.Document{})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, jsondoc.Document{}, durable.Rows()[0].Data)
}

func TestFlush_NothingToSave(t *testing.T) {
	e := newTestEngine(t, cache.NewMemory(), testutil.NewMemoryDurable())

	res, err := e.Flush(context.Background(), 1, nil)
	require.Error(t, err)
	assert.True(t, state.IsNothingToSave(err))
	assert.False(t, state.IsNotFound(err))
	assert.Equal(t, PhaseIdle, res.Phase)
	assert.Zero(t, res.StatementID)
}

func TestFlush_InvalidFallback(t *testing.T) {
	fast := newHookCache()
	e := newTestEngine(t, fast, testutil.NewMemoryDurable())

	_, err := e.Flush(context.Background(), 1, jsondoc.Document{"f": func() {}})
	require.Error(t, err)
	assert.True(t, state.IsInvalidPatch(err))
	assert.Zero(t, fast.calls.Load())
}

func TestFlush_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewFlakyDurable(2, nil)
	fast := cache.NewMemory()
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	res, err := e.Flush(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, PhasePersisted, res.Phase)
	assert.Equal(t, 3, durable.Attempts())
	assert.Zero(t, fast.Len())
}

func TestFlush_RestoresOnFailure(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewFlakyDurable(100, nil)
	fast := cache.NewMemory()
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"coins": 5, "nested": map[string]any{"k": []any{1, 2}}})
	require.NoError(t, err)
	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"coins": 6})
	require.NoError(t, err)

	before, ok, err := fast.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := e.Flush(ctx, 1, nil)
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))
	assert.ErrorIs(t, err, testutil.ErrInjected)
	assert.Equal(t, PhaseRestored, res.Phase)
	assert.Zero(t, res.StatementID)
	assert.Equal(t, int(fastRetry.Attempts), durable.Attempts())
	assert.Empty(t, durable.Rows())

	after, ok, err := fast.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after)

	// Once the durable store recovers, the same flush succeeds with the
	// restored state and versions continue from where they were.
	durable.SetFailures(0)
	res, err = e.Flush(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, res.Written)
	rows := durable.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, before.Data, rows[0].Data)
}

func TestFlush_MergeDuringFailedFlushIsKept(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewFlakyDurable(100, nil)
	e := newTestEngine(t, cache.NewMemory(), durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.Flush(ctx, 1, nil)
	}()
	go func() {
		defer wg.Done()
		_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"b": 2})
		assert.NoError(t, err)
	}()
	wg.Wait()

	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, jsondoc.Document{"a": 1, "b": 2}, view.Data)
	assert.Equal(t, int64(2), view.Version)
}

func TestFlush_NonStoreErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewFlakyDurable(100, state.NewInvalidPatch(1, errors.New("rejected by store")))
	fast := cache.NewMemory()
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	res, err := e.Flush(ctx, 1, nil)
	require.Error(t, err)
	assert.True(t, state.IsInvalidPatch(err))
	assert.Equal(t, 1, durable.Attempts())
	assert.Equal(t, PhaseRestored, res.Phase)
	assert.Equal(t, 1, fast.Len())
}

func TestFlush_RestoreFailureIsLost(t *testing.T) {
	ctx := context.Background()
	fast := newHookCache()
	durable := testutil.NewFlakyDurable(100, nil)
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	fast.set(func(h *hookCache) { h.restoreErr = errors.New("redis down") })

	res, err := e.Flush(ctx, 1, nil)
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))
	assert.Equal(t, PhaseLost, res.Phase)
}

func TestFlush_TakeFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	fast := newHookCache()
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	fast.set(func(h *hookCache) { h.takeErr = errors.New("connection reset") })

	res, err := e.Flush(ctx, 1, nil)
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))
	assert.Equal(t, PhaseIdle, res.Phase)
	assert.Empty(t, durable.Rows())
}

func TestFlush_CorruptEntryFallsThrough(t *testing.T) {
	ctx := context.Background()
	fast := newHookCache()
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, fast, durable)

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	fast.set(func(h *hookCache) { h.takeErr = fmt.Errorf("%w: version", cache.ErrCorrupt) })

	res, err := e.Flush(ctx, 1, jsondoc.Document{"fresh": true})
	require.NoError(t, err)
	assert.True(t, res.Written)
	assert.Equal(t, jsondoc.Document{"fresh": true}, durable.Rows()[0].Data)
}

func TestFlush_NextMergeStartsFresh(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, cache.NewMemory(), testutil.NewMemoryDurable())

	for i := 0; i < 3; i++ {
		_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"i": i})
		require.NoError(t, err)
	}
	_, err := e.Flush(ctx, 1, nil)
	require.NoError(t, err)

	v, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"after": true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, jsondoc.Document{"after": true}, view.Data)
}

func TestFlush_ConcurrentMergesAndFlushesLoseNothing(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewMemoryDurable()
	e := newTestEngine(t, cache.NewMemory(), durable)

	const merges = 200
	var wg sync.WaitGroup
	for i := 0; i < merges; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{fmt.Sprintf("k%d", i): i})
			assert.NoError(t, err)
		}(i)
		if i%20 == 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = e.Flush(ctx, 1, nil)
			}()
		}
	}
	wg.Wait()
	_, _ = e.Flush(ctx, 1, nil)

	// Every key reached some statement.
	seen := make(map[string]bool)
	for _, row := range durable.Rows() {
		for k := range row.Data {
			seen[k] = true
		}
	}
	assert.Len(t, seen, merges)
}

func TestSaveAndForceFlushPersistTheSame(t *testing.T) {
	ctx := context.Background()
	patches := []jsondoc.Document{
		{"coins": 150, "itemAmmo": 5},
		{"coins": 160, "skinEquiped": "blue"},
	}

	userDurable := testutil.NewMemoryDurable()
	user := newTestEngine(t, cache.NewMemory(), userDurable)
	adminDurable := testutil.NewMemoryDurable()
	admin := newTestEngine(t, cache.NewMemory(), adminDurable)

	for _, p := range patches {
		_, err := user.ApplyPatch(ctx, 3, p)
		require.NoError(t, err)
		_, err = admin.ApplyPatch(ctx, 3, p)
		require.NoError(t, err)
	}

	saved, err := user.Save(ctx, state.AuthContext{UserID: 3, Token: "tok"}, nil)
	require.NoError(t, err)
	forced, err := admin.ForceFlush(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, saved, forced)
	assert.Equal(t, userDurable.Rows()[0].Data, adminDurable.Rows()[0].Data)
}

func TestSave_RejectsBadToken(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewMemoryDurable()
	e := New(cache.NewMemory(), durable, WithLogger(discardLogger()))

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	_, err = e.Save(ctx, state.AuthContext{UserID: 1, Token: "x"}, nil)
	assert.True(t, state.IsNotAuthorized(err))
	assert.Empty(t, durable.Rows())

	// ForceFlush bypasses the token check.
	res, err := e.ForceFlush(ctx, 1)
	require.NoError(t, err)
	assert.True(t, res.Written)
}
