// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/storage"
)

func newEvents(t *testing.T, domainID string, types ...string) []storage.Event {
	t.Helper()

	events := make([]storage.Event, 0, len(types))
	for _, typ := range types {
		e, err := storage.NewEvent(typ, domainID, map[string]string{"type": typ}, time.Now())
		require.NoError(t, err)
		events = append(events, e)
	}
	return events
}

// RunEventStoreTests exercises the EventStore contract against store.
func RunEventStoreTests(t *testing.T, store storage.EventStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown stream is empty", func(t *testing.T) {
		events, err := store.Load(ctx, "unknown-stream")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("append and load keep order and versions", func(t *testing.T) {
		stream := "access_token-order"
		require.NoError(t, store.Append(ctx, stream, 0, newEvents(t, "order", "created", "revoked")))
		require.NoError(t, store.Append(ctx, stream, 2, newEvents(t, "order", "used")))

		events, err := store.Load(ctx, stream)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "created", events[0].Type)
		assert.Equal(t, "revoked", events[1].Type)
		assert.Equal(t, "used", events[2].Type)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Version)
			assert.Equal(t, "order", e.DomainID)
		}

		var payload map[string]string
		require.NoError(t, events[2].DecodePayload(&payload))
		assert.Equal(t, "used", payload["type"])
	})

	t.Run("stale expected version conflicts and writes nothing", func(t *testing.T) {
		stream := "refresh_token-stale"
		require.NoError(t, store.Append(ctx, stream, 0, newEvents(t, "stale", "created")))

		err := store.Append(ctx, stream, 0, newEvents(t, "stale", "created", "revoked"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrVersionConflict), "got %v", err)

		events, err := store.Load(ctx, stream)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("concurrent appends at the same version have one winner", func(t *testing.T) {
		stream := "authorization_code-race"
		require.NoError(t, store.Append(ctx, stream, 0, newEvents(t, "race", "created")))

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < workers; i++ {
			events := newEvents(t, "race", "used")
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.Append(ctx, stream, 1, events)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, storage.ErrVersionConflict):
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, workers-1, conflicts)

		events, err := store.Load(ctx, stream)
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})
}

// RunCacheTests exercises the Cache contract against cache.
func RunCacheTests(t *testing.T, cache storage.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		_, err := cache.Get(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrCacheMiss)
	})

	t.Run("set get delete", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "snapshot-1", 1, []byte(`{"id":"1"}`), time.Minute))

		got, err := cache.Get(ctx, "snapshot-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"1"}`, string(got))

		require.NoError(t, cache.Set(ctx, "snapshot-1", 2, []byte(`{"id":"2"}`), 0))
		got, err = cache.Get(ctx, "snapshot-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"2"}`, string(got))

		require.NoError(t, cache.Delete(ctx, "snapshot-1"))
		_, err = cache.Get(ctx, "snapshot-1")
		assert.ErrorIs(t, err, storage.ErrCacheMiss)
	})

	t.Run("snapshots never move backwards", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "snapshot-2", 3, []byte(`{"v":3}`), time.Minute))
		require.NoError(t, cache.Set(ctx, "snapshot-2", 2, []byte(`{"v":2}`), time.Minute), "a skipped write is not an error")

		got, err := cache.Get(ctx, "snapshot-2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":3}`, string(got))

		require.NoError(t, cache.Set(ctx, "snapshot-2", 3, []byte(`{"v":"3b"}`), time.Minute))
		got, err = cache.Get(ctx, "snapshot-2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":"3b"}`, string(got), "the same version may be rewritten")

		require.NoError(t, cache.Set(ctx, "snapshot-2", 4, []byte(`{"v":4}`), time.Minute))
		got, err = cache.Get(ctx, "snapshot-2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":4}`, string(got))
	})

	t.Run("concurrent writers keep the highest version", func(t *testing.T) {
		var wg sync.WaitGroup
		for v := int64(1); v <= 8; v++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, cache.Set(ctx, "snapshot-3", v, []byte(fmt.Sprintf(`{"v":%d}`, v)), time.Minute))
			}()
		}
		wg.Wait()

		got, err := cache.Get(ctx, "snapshot-3")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":8}`, string(got))
	})

	t.Run("delete missing key", func(t *testing.T) {
		assert.NoError(t, cache.Delete(ctx, "never-set"))
	})
}
