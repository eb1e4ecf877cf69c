package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/storagetest"
	"github.com/giantswarm/oidc-engine/storage"
)

func TestStore_EventStore(t *testing.T) {
	store := New()
	defer store.Stop()

	storagetest.RunEventStoreTests(t, store)
}

func TestStore_Cache(t *testing.T) {
	store := New()
	defer store.Stop()

	storagetest.RunCacheTests(t, store)
}

func TestStore_Append_EmptyStreamID(t *testing.T) {
	store := New()
	defer store.Stop()

	err := store.Append(context.Background(), "", 0, []storage.Event{{Type: "x"}})
	assert.Error(t, err)
}

func TestStore_Load_ReturnsCopy(t *testing.T) {
	store := New()
	defer store.Stop()
	ctx := context.Background()

	e, err := storage.NewEvent("client.created", "c1", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "client-c1", 0, []storage.Event{e}))

	events, err := store.Load(ctx, "client-c1")
	require.NoError(t, err)
	events[0].Type = "tampered"

	again, err := store.Load(ctx, "client-c1")
	require.NoError(t, err)
	assert.Equal(t, "client.created", again[0].Type)
}

func TestStore_CacheExpiry(t *testing.T) {
	store := NewWithInterval(10 * time.Millisecond)
	defer store.Stop()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", 1, []byte("v"), 20*time.Millisecond))

	_, err := store.Get(ctx, "short")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, "short")
		return err == storage.ErrCacheMiss
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		_, ok := store.entries["short"]
		return !ok
	}, time.Second, 10*time.Millisecond, "cleanup loop should drop expired entries")
}

func TestStore_StopTwice(t *testing.T) {
	store := New()
	store.Stop()
	assert.NotPanics(t, store.Stop)
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	require.NoError(t, err)

	store := New()
	defer store.Stop()
	store.SetInstrumentation(inst)

	ctx := context.Background()
	e, err := storage.NewEvent("client.created", "c1", nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, "client-c1", 0, []storage.Event{e}))
	assert.Equal(t, int64(1), store.streamsCountAtomic.Load())
}
