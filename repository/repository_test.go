package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/storage/memory"
	"github.com/giantswarm/oidc-engine/storage/mock"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{Now: func() time.Time { return testNow }}
}

func tokenParams() domain.TokenParams {
	params := model.DataBag{}
	params.Set("scope", "openid profile")
	return domain.TokenParams{
		ClientID:        "client-1",
		ResourceOwnerID: "user-1",
		ExpiresAt:       testNow.Add(time.Hour),
		Parameters:      params,
	}
}

func TestGenerateID(t *testing.T) {
	id, err := GenerateID(0)
	require.NoError(t, err)
	assert.Len(t, id, DefaultIDLength)

	long, err := GenerateID(100)
	require.NoError(t, err)
	assert.Len(t, long, 100)
	assert.NotContains(t, long, "=")

	other, err := GenerateID(0)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	_, err = GenerateID(MinIDLength - 1)
	assert.Error(t, err)
}

func TestRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Stop()
	repos := NewRepositories(store, store, testOptions())

	token, err := repos.AccessTokens.Create(tokenParams(), "")
	require.NoError(t, err)
	assert.Len(t, token.ID().String(), DefaultIDLength)

	_, err = repos.AccessTokens.Find(ctx, token.ID())
	assert.ErrorIs(t, err, model.ErrNotFound, "create must not touch storage")

	require.NoError(t, repos.AccessTokens.Save(ctx, token))
	assert.Empty(t, token.PendingEvents())
	assert.Equal(t, int64(1), token.Version())

	found, err := repos.AccessTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.Equal(t, token.ID(), found.ID())
	assert.Equal(t, "openid profile", found.Scope())
	assert.Equal(t, int64(1), found.Version())
}

func TestRepository_FindReplaysOnCacheMiss(t *testing.T) {
	ctx := context.Background()
	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	repos := NewRepositories(events, cache, testOptions())

	code, err := repos.AuthorizationCodes.Create(domain.AuthorizationCodeParams{
		TokenParams:   tokenParams(),
		UserAccountID: "user-1",
		RedirectURI:   "https://cb/",
	})
	require.NoError(t, err)
	require.NoError(t, code.MarkAsUsed(testNow))
	require.NoError(t, repos.AuthorizationCodes.Save(ctx, code))

	key := domain.StreamID(domain.KindAuthorizationCode, code.ID().String())
	require.True(t, cache.Has(key))
	require.NoError(t, cache.Delete(ctx, key))
	cache.ResetCallCounts()

	found, err := repos.AuthorizationCodes.Find(ctx, code.ID())
	require.NoError(t, err)
	assert.True(t, found.IsUsed())
	assert.Equal(t, int64(2), found.Version())
	assert.Equal(t, 1, events.CallCount("Load"))
	assert.True(t, cache.Has(key), "replayed aggregate repopulates the cache")

	events.ResetCallCounts()
	_, err = repos.AuthorizationCodes.Find(ctx, code.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, events.CallCount("Load"), "second read is a cache hit")
}

func TestRepository_ConcurrentSaveConflicts(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Stop()
	repos := NewRepositories(store, store, testOptions())

	code, err := repos.AuthorizationCodes.Create(domain.AuthorizationCodeParams{
		TokenParams:   tokenParams(),
		UserAccountID: "user-1",
		RedirectURI:   "https://cb/",
	})
	require.NoError(t, err)
	require.NoError(t, repos.AuthorizationCodes.Save(ctx, code))

	first, err := repos.AuthorizationCodes.Find(ctx, code.ID())
	require.NoError(t, err)
	second, err := repos.AuthorizationCodes.Find(ctx, code.ID())
	require.NoError(t, err)

	require.NoError(t, first.MarkAsUsed(testNow))
	require.NoError(t, second.MarkAsUsed(testNow))

	require.NoError(t, repos.AuthorizationCodes.Save(ctx, first))
	err = repos.AuthorizationCodes.Save(ctx, second)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	events, err := store.Load(ctx, domain.StreamID(domain.KindAuthorizationCode, code.ID().String()))
	require.NoError(t, err)
	assert.Len(t, events, 2, "the losing save writes nothing")
}

func TestRepository_FailedAppendResyncsCache(t *testing.T) {
	ctx := context.Background()
	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	repos := NewRepositories(events, cache, testOptions())

	token, err := repos.RefreshTokens.Create(tokenParams())
	require.NoError(t, err)
	require.NoError(t, repos.RefreshTokens.Save(ctx, token))
	key := domain.StreamID(domain.KindRefreshToken, token.ID().String())
	require.True(t, cache.Has(key))

	appendEvents := events.AppendFunc
	events.AppendFunc = func(context.Context, string, int64, []storage.Event) error {
		return errors.New("connection reset")
	}

	require.NoError(t, token.MarkAsRevoked(testNow))
	err = repos.RefreshTokens.Save(ctx, token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save refresh_token")
	assert.Len(t, token.PendingEvents(), 1, "pending events are kept for the caller")
	assert.Equal(t, int64(1), token.Version())

	found, err := repos.RefreshTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.False(t, found.IsRevoked(), "the snapshot reflects the durable log")
	assert.Equal(t, int64(1), cache.Version(key))

	t.Run("append that reached the log before failing", func(t *testing.T) {
		events.AppendFunc = func(ctx context.Context, streamID string, expectedVersion int64, evs []storage.Event) error {
			require.NoError(t, appendEvents(ctx, streamID, expectedVersion, evs))
			return errors.New("timeout reading reply")
		}

		require.Error(t, repos.RefreshTokens.Save(ctx, token))
		assert.Equal(t, int64(2), cache.Version(key))

		found, err := repos.RefreshTokens.Find(ctx, token.ID())
		require.NoError(t, err)
		assert.True(t, found.IsRevoked(), "the resync picks up the committed revocation")
	})
}

func TestRepository_ReplayDoesNotOverwriteNewerSave(t *testing.T) {
	ctx := context.Background()
	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	repos := NewRepositories(events, cache, testOptions())

	token, err := repos.AccessTokens.Create(tokenParams(), "")
	require.NoError(t, err)
	require.NoError(t, repos.AccessTokens.Save(ctx, token))
	key := domain.StreamID(domain.KindAccessToken, token.ID().String())
	require.NoError(t, cache.Delete(ctx, key))

	// A revocation commits while a reader sits between Load and its cache write.
	load := events.LoadFunc
	events.LoadFunc = func(ctx context.Context, streamID string) ([]storage.Event, error) {
		stale, err := load(ctx, streamID)
		events.LoadFunc = load

		require.NoError(t, token.MarkAsRevoked(testNow))
		require.NoError(t, repos.AccessTokens.Save(ctx, token))
		return stale, err
	}

	stale, err := repos.AccessTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.False(t, stale.IsRevoked(), "the reader saw the log before the revocation")

	assert.Equal(t, int64(2), cache.Version(key))
	found, err := repos.AccessTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.True(t, found.IsRevoked(), "the newer snapshot must survive the slow reader")
	assert.Equal(t, int64(2), found.Version())
}

func TestRepository_CacheErrorsFallBackToEventStore(t *testing.T) {
	ctx := context.Background()
	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	repos := NewRepositories(events, cache, testOptions())

	client, err := repos.Clients.Create("owner-1", model.NewDataBag(map[string]any{"token_endpoint_auth_method": "none"}))
	require.NoError(t, err)

	cache.SetFunc = func(context.Context, string, int64, []byte, time.Duration) error {
		return errors.New("cache unavailable")
	}
	require.NoError(t, repos.Clients.Save(ctx, client), "cache failures do not fail a save")

	cache.GetFunc = func(context.Context, string) ([]byte, error) {
		return nil, errors.New("cache unavailable")
	}
	found, err := repos.Clients.Find(ctx, client.ID())
	require.NoError(t, err)
	assert.True(t, found.IsPublic())
}

func TestRepository_LoadErrorIsReturned(t *testing.T) {
	events := mock.NewMockEventStore()
	events.LoadFunc = func(context.Context, string) ([]storage.Event, error) {
		return nil, errors.New("timeout")
	}
	repos := NewRepositories(events, nil, testOptions())

	_, err := repos.AccessTokens.Find(context.Background(), "missing")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrNotFound)
}

func TestRepository_EncryptedSnapshots(t *testing.T) {
	ctx := context.Background()
	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)

	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	opts := testOptions()
	opts.Encryptor = enc
	repos := NewRepositories(events, cache, opts)

	token, err := repos.AccessTokens.Create(tokenParams(), "")
	require.NoError(t, err)
	require.NoError(t, repos.AccessTokens.Save(ctx, token))

	cacheKey := domain.StreamID(domain.KindAccessToken, token.ID().String())
	raw := cache.Raw(cacheKey)
	require.NotEmpty(t, raw)
	assert.False(t, strings.Contains(string(raw), "openid profile"), "snapshot must be encrypted")

	events.ResetCallCounts()
	found, err := repos.AccessTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.Equal(t, "openid profile", found.Scope())
	assert.Equal(t, 0, events.CallCount("Load"))

	t.Run("snapshot copied under another key is discarded", func(t *testing.T) {
		other, err := repos.AccessTokens.Create(tokenParams(), "")
		require.NoError(t, err)
		require.NoError(t, repos.AccessTokens.Save(ctx, other))

		otherKey := domain.StreamID(domain.KindAccessToken, other.ID().String())
		require.NoError(t, cache.Set(ctx, otherKey, other.Version(), raw, 0))

		found, err := repos.AccessTokens.Find(ctx, other.ID())
		require.NoError(t, err)
		assert.Equal(t, other.ID(), found.ID())
	})
}

func TestRepository_MalformedSnapshotIsReplaced(t *testing.T) {
	ctx := context.Background()
	events := mock.NewMockEventStore()
	cache := mock.NewMockCache()
	repos := NewRepositories(events, cache, testOptions())

	token, err := repos.InitialAccessTokens.Create("admin", time.Time{})
	require.NoError(t, err)
	require.NoError(t, repos.InitialAccessTokens.Save(ctx, token))

	key := domain.StreamID(domain.KindInitialAccessToken, token.ID().String())
	require.NoError(t, cache.Set(ctx, key, token.Version(), []byte("{not json"), 0))

	found, err := repos.InitialAccessTokens.Find(ctx, token.ID())
	require.NoError(t, err)
	assert.False(t, found.IsExpired(testNow.Add(24*365*time.Hour)))
	assert.NotEqual(t, "{not json", string(cache.Raw(key)), "the replay overwrites the broken entry")
}

func TestPreConfiguredAuthorizationRepository(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Stop()
	repos := NewRepositories(store, store, testOptions())

	auth, err := repos.PreConfiguredAuthorizations.Create("user-1", "client-1", []string{"profile", "openid"}, "")
	require.NoError(t, err)
	require.NoError(t, repos.PreConfiguredAuthorizations.Save(ctx, auth))

	found, err := repos.PreConfiguredAuthorizations.Find(ctx, "user-1", "client-1", []string{"openid", "profile", "openid"}, "")
	require.NoError(t, err)
	assert.Equal(t, auth.ID(), found.ID())

	_, err = repos.PreConfiguredAuthorizations.Find(ctx, "user-1", "client-1", []string{"openid"}, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepository_SaveWithoutChangesIsNoop(t *testing.T) {
	events := mock.NewMockEventStore()
	repos := NewRepositories(events, nil, testOptions())

	token, err := repos.AccessTokens.Create(tokenParams(), "")
	require.NoError(t, err)
	token.MarkPersisted()

	require.NoError(t, repos.AccessTokens.Save(context.Background(), token))
	assert.Equal(t, 0, events.CallCount("Append"))
}

func TestRepository_IDLengthOption(t *testing.T) {
	opts := testOptions()
	opts.ClientIDLength = 10
	repos := NewRepositories(mock.NewMockEventStore(), nil, opts)

	_, err := repos.Clients.Create("owner", model.DataBag{})
	assert.Error(t, err)
}
