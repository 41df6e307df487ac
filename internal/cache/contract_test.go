package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vannguyen-14/client-matino/internal/jsondoc"
	"github.com/vannguyen-14/client-matino/internal/state"
)

var contractNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// runStoreContract checks the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(context.Background(), 1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := state.Record{
			UserID:    3,
			Data:      jsondoc.Document{"coins": 160, "itemAmmo": 5},
			Version:   2,
			UpdatedAt: contractNow,
		}
		require.NoError(t, s.Set(ctx, rec))

		got, ok, err := s.Get(ctx, 3)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), got.Version)
		assert.True(t, jsondoc.Equal(rec.Data, got.Data))
		assert.True(t, contractNow.Equal(got.UpdatedAt))
	})

	t.Run("text kept byte for byte", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		decomposed, composed := "Jose\u0301", "Jos\u00e9"
		rec := state.Record{
			UserID:  4,
			Data:    jsondoc.Document{"name": decomposed, "cafe\u0301": composed},
			Version: 1,
		}
		require.NoError(t, s.Set(ctx, rec))

		got, ok, err := s.Get(ctx, 4)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, decomposed, got.Data["name"])
		assert.Equal(t, composed, got.Data["cafe\u0301"])
		assert.NotContains(t, got.Data, "caf\u00e9")
	})

	t.Run("returned maps are not shared", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := state.Record{UserID: 1, Data: jsondoc.Document{"coins": 1}, Version: 1}
		require.NoError(t, s.Set(ctx, rec))
		rec.Data["coins"] = 999

		got, _, err := s.Get(ctx, 1)
		require.NoError(t, err)
		got.Data["coins"] = 555

		again, _, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.True(t, jsondoc.Equal(jsondoc.Document{"coins": 1}, again.Data))
	})

	t.Run("take removes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, state.Record{UserID: 5, Data: jsondoc.Document{"a": 1}, Version: 4}))

		taken, ok, err := s.Take(ctx, 5)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(4), taken.Version)

		_, ok, err = s.Get(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = s.Take(ctx, 5)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("restore into empty slot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		rec := state.Record{UserID: 8, Data: jsondoc.Document{"coins": 10}, Version: 3, UpdatedAt: contractNow}

		require.NoError(t, s.Restore(ctx, rec))

		got, ok, err := s.Get(ctx, 8)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(3), got.Version)
		assert.True(t, jsondoc.Equal(rec.Data, got.Data))
	})

	t.Run("restore under newer record", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		taken := state.Record{UserID: 8, Data: jsondoc.Document{"coins": 10, "level": 2}, Version: 3}
		newer := state.Record{UserID: 8, Data: jsondoc.Document{"coins": 11}, Version: 1}
		require.NoError(t, s.Set(ctx, newer))

		require.NoError(t, s.Restore(ctx, taken))

		got, ok, err := s.Get(ctx, 8)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(4), got.Version)
		assert.True(t, jsondoc.Equal(jsondoc.Document{"coins": 11, "level": 2}, got.Data))
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, state.Record{UserID: 2, Data: jsondoc.Document{"a": 1}, Version: 1}))
		require.NoError(t, s.Delete(ctx, 2))
		require.NoError(t, s.Delete(ctx, 2))

		_, ok, err := s.Get(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("keys are per user", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, state.Record{UserID: 1, Data: jsondoc.Document{"who": "one"}, Version: 1}))
		require.NoError(t, s.Set(ctx, state.Record{UserID: 2, Data: jsondoc.Document{"who": "two"}, Version: 1}))

		_, _, err := s.Take(ctx, 1)
		require.NoError(t, err)

		got, ok, err := s.Get(ctx, 2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", got.Data["who"])
	})

	t.Run("concurrent takes hand out a record once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, state.Record{UserID: 4, Data: jsondoc.Document{"a": 1}, Version: 1}))

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			taken int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.Take(ctx, 4)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					taken++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, taken)
	})
}
