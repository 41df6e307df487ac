package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/schema"
	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/testutil"
)

func TestApplyPatch_VersionsAndMerge(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable())

	v, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1, "b": "x"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"b": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	// A patch that changes nothing still advances the version.
	v, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, state.SourceCache, view.Source)
	assert.Nil(t, view.StatementID)
	assert.Equal(t, int64(3), view.Version)
	assert.Equal(t, jsondoc.Document{"a": 1, "b": nil}, view.Data)
}

func TestApplyPatch_InvalidPatchTouchesNoStore(t *testing.T) {
	fast := newHookCache()
	durable := &countingDurable{MemoryDurable: testutil.NewMemoryDurable()}
	e := newTestEngine(t, fast, durable)

	tests := []struct {
		name  string
		patch jsondoc.Document
	}{
		{"nil", nil},
		{"empty", jsondoc.Document{}},
		{"empty key", jsondoc.Document{"": 1}},
		{"func value", jsondoc.Document{"f": func() {}}},
		{"channel value", jsondoc.Document{"c": make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ApplyPatch(context.Background(), 1, tt.patch)
			require.Error(t, err)
			assert.True(t, state.IsInvalidPatch(err), "got %v", err)
		})
	}
	assert.Zero(t, fast.calls.Load())
	assert.Zero(t, durable.latestCalls.Load())
}

func TestApplyPatch_ConcurrentSameUserLosesNothing(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable())

	const workers = 20
	const perWorker = 25

	versions := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d_%d", w, i)
				v, err := e.ApplyPatch(ctx, 7, jsondoc.Document{key: i, "last": w})
				if !assert.NoError(t, err) {
					return
				}
				versions <- v
			}
		}(w)
	}
	wg.Wait()
	close(versions)

	// Every successful call got a distinct version and none was skipped.
	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d returned twice", v)
		seen[v] = true
	}
	for v := int64(1); v <= workers*perWorker; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}

	view, err := e.GetState(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), view.Version)
	assert.Len(t, view.Data, workers*perWorker+1)
	assert.Zero(t, e.locks.active())
}

func TestApplyPatch_DisjointKeysCommute(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable())

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"b": 2})
	require.NoError(t, err)

	_, err = e.ApplyPatch(ctx, 2, jsondoc.Document{"b": 2})
	require.NoError(t, err)
	_, err = e.ApplyPatch(ctx, 2, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	v1, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	v2, err := e.GetState(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, jsondoc.Document{"a": 1, "b": 2}, v1.Data)
	assert.Equal(t, v1.Data, v2.Data)
}

func TestApplyPatch_CollidingKeysLastWins(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable())

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1, "nested": map[string]any{"x": 1, "y": 2}})
	require.NoError(t, err)
	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 2, "nested": map[string]any{"x": 3}})
	require.NoError(t, err)

	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	// Only top-level keys merge; nested documents are replaced whole.
	assert.Equal(t, jsondoc.Document{"a": 2, "nested": map[string]any{"x": 3}}, view.Data)
}

func TestApplyPatch_DifferentUsersDoNotBlock(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable())

	release, err := e.locks.acquire(ctx, 1)
	require.NoError(t, err)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := e.ApplyPatch(ctx, 2, jsondoc.Document{"a": 1})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("merge for user 2 blocked on user 1's lock")
	}
}

func TestApplyPatch_LockWaitHonoursContext(t *testing.T) {
	fast := newHookCache()
	e := newTestEngine(t, fast, testutil.NewMemoryDurable())

	_, err := e.ApplyPatch(context.Background(), 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	release, err := e.locks.acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 2})
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))

	release()
	assert.Zero(t, e.locks.active())

	rec, ok, err := fast.Memory.Get(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, jsondoc.Document{"a": 1}, rec.Data)
}

func TestApplyPatch_StoreTimeoutLeavesRecord(t *testing.T) {
	fast := newHookCache()
	e := newTestEngine(t, fast, testutil.NewMemoryDurable(), WithStoreTimeout(10*time.Millisecond))
	ctx := context.Background()

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	fast.set(func(h *hookCache) { h.blockSet = true })
	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 2})
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Zero(t, e.locks.active())

	fast.set(func(h *hookCache) { h.blockSet = false })
	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, jsondoc.Document{"a": 1}, view.Data)

	// The next successful merge continues the sequence without a gap.
	v, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestApplyPatch_CacheErrorIsStoreUnavailable(t *testing.T) {
	fast := newHookCache()
	fast.set(func(h *hookCache) { h.getErr = errors.New("connection refused") })
	e := newTestEngine(t, fast, testutil.NewMemoryDurable())

	_, err := e.ApplyPatch(context.Background(), 1, jsondoc.Document{"a": 1})
	require.Error(t, err)
	assert.True(t, state.IsStoreUnavailable(err))
}

type rejectKey string

func (r rejectKey) Validate(doc jsondoc.Document) error {
	if _, ok := doc[string(r)]; ok {
		return fmt.Errorf("key %q is not allowed", string(r))
	}
	return nil
}

func TestApplyPatch_ValidatorRejectsMergedState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable(), WithValidator(rejectKey("banned")))

	_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)

	_, err = e.ApplyPatch(ctx, 1, jsondoc.Document{"banned": true})
	require.Error(t, err)
	assert.True(t, state.IsInvalidPatch(err))
	assert.Contains(t, err.Error(), "not allowed")

	view, err := e.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, jsondoc.Document{"a": 1}, view.Data)
}

// stallingValidator blocks documents carrying key stall until release is
// closed, then defers to the wrapped validator.
type stallingValidator struct {
	next    Validator
	stall   string
	entered chan struct{}
	release chan struct{}
}

func (s *stallingValidator) Validate(doc jsondoc.Document) error {
	if _, ok := doc[s.stall]; ok {
		close(s.entered)
		<-s.release
	}
	return s.next.Validate(doc)
}

func TestApplyPatch_SlowValidationDoesNotBlockOtherUsers(t *testing.T) {
	ctx := context.Background()
	cueSchema, err := schema.Compile("game.cue", []byte("coins?: int & >=0\n"))
	require.NoError(t, err)
	v := &stallingValidator{
		next:    cueSchema,
		stall:   "slow",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, cache.NewMemory(), testutil.NewMemoryDurable(), WithValidator(v))

	slowDone := make(chan error, 1)
	go func() {
		_, err := e.ApplyPatch(ctx, 1, jsondoc.Document{"slow": true, "coins": 1})
		slowDone <- err
	}()
	<-v.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := e.ApplyPatch(ctx, 2, jsondoc.Document{"coins": 5})
		fastDone <- err
	}()

	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("user 2 waited on user 1's validation")
	}

	close(v.release)
	require.NoError(t, <-slowDone)

	_, err = e.ApplyPatch(ctx, 2, jsondoc.Document{"coins": -1})
	assert.True(t, state.IsInvalidPatch(err))
}

func TestApplyPatch_SeedFromDurable(t *testing.T) {
	ctx := context.Background()
	durable := testutil.NewMemoryDurable()
	_, err := durable.InsertStatement(ctx, 1, jsondoc.Document{"coins": 10, "level": 2}, testutil.Epoch)
	require.NoError(t, err)

	seeded := newTestEngine(t, newHookCache(), durable, WithSeedFromDurable(true))
	v, err := seeded.ApplyPatch(ctx, 1, jsondoc.Document{"coins": 11})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	view, err := seeded.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, jsondoc.Document{"coins": 11, "level": 2}, view.Data)

	plain := newTestEngine(t, newHookCache(), durable)
	_, err = plain.ApplyPatch(ctx, 1, jsondoc.Document{"coins": 11})
	require.NoError(t, err)
	view, err = plain.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, jsondoc.Document{"coins": 11}, view.Data)
}

func TestApplyPatch_ReplacesCorruptEntry(t *testing.T) {
	fast := newHookCache()
	fast.set(func(h *hookCache) { h.getErr = fmt.Errorf("%w: data: bad json", cache.ErrCorrupt) })
	e := newTestEngine(t, fast, testutil.NewMemoryDurable())

	v, err := e.ApplyPatch(context.Background(), 1, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestUpdate_VerifiesToken(t *testing.T) {
	ctx := context.Background()
	verifier := auth.VerifierFunc(func(_ context.Context, id state.UserID, token string) error {
		if id == 3 && token == "good" {
			return nil
		}
		return state.NewNotAuthorized(id, "invalid user or token")
	})
	fast := newHookCache()
	e := newTestEngine(t, fast, testutil.NewMemoryDurable(), WithVerifier(verifier))

	_, err := e.Update(ctx, state.AuthContext{UserID: 3, Token: "bad"}, jsondoc.Document{"a": 1})
	require.Error(t, err)
	assert.True(t, state.IsNotAuthorized(err))
	assert.Zero(t, fast.Len())

	v, err := e.Update(ctx, state.AuthContext{UserID: 3, Token: "good"}, jsondoc.Document{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// An invalid patch is reported before the token is looked at.
	_, err = e.Update(ctx, state.AuthContext{UserID: 3, Token: "bad"}, jsondoc.Document{})
	assert.True(t, state.IsInvalidPatch(err))
}

func TestUpdate_PlainVerifierErrorBecomesNotAuthorized(t *testing.T) {
	verifier := auth.VerifierFunc(func(context.Context, state.UserID, string) error {
		return errors.New("nope")
	})
	e := newTestEngine(t, newHookCache(), testutil.NewMemoryDurable(), WithVerifier(verifier))

	_, err := e.Update(context.Background(), state.AuthContext{UserID: 1, Token: "t"}, jsondoc.Document{"a": 1})
	assert.True(t, state.IsNotAuthorized(err))
}

func TestNew_DefaultVerifierDenies(t *testing.T) {
	e := New(newHookCache(), testutil.NewMemoryDurable(), WithLogger(discardLogger()))

	_, err := e.Update(context.Background(), state.AuthContext{UserID: 1, Token: "t"}, jsondoc.Document{"a": 1})
	assert.True(t, state.IsNotAuthorized(err))

	// The unauthenticated entry point is unaffected.
	_, err = e.ApplyPatch(context.Background(), 1, jsondoc.Document{"a": 1})
	assert.NoError(t, err)
}
