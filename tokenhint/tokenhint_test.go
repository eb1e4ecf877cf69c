package tokenhint

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/repository"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage/memory"
)

var testNow = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repos   *repository.Repositories
	clock   *testutil.MockTime
	manager *Manager
	audit   *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)

	clock := testutil.NewMockTime(testNow)
	repos := repository.NewRepositories(store, store, repository.Options{Now: clock.Now})
	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	manager := NewManager(Options{Auditor: auditor, Now: clock.Now},
		&AccessTokenHint{Tokens: repos.AccessTokens},
		&RefreshTokenHint{Tokens: repos.RefreshTokens, AccessTokens: repos.AccessTokens},
	)
	return &fixture{repos: repos, clock: clock, manager: manager, audit: &buf}
}

func tokenParams(rs model.ResourceServerID) domain.TokenParams {
	params := model.DataBag{}
	params.Set(protocol.ParamScope, "read write")
	return domain.TokenParams{
		ClientID:         "CLIENT_1",
		ResourceOwnerID:  "USER_1",
		ExpiresAt:        testNow.Add(time.Hour),
		Parameters:       params,
		ResourceServerID: rs,
	}
}

func (f *fixture) tokens(t *testing.T, rs model.ResourceServerID) (*domain.AccessToken, *domain.RefreshToken) {
	t.Helper()
	ctx := context.Background()

	rt, err := f.repos.RefreshTokens.Create(tokenParams(rs))
	require.NoError(t, err)
	at, err := f.repos.AccessTokens.Create(tokenParams(rs), rt.ID())
	require.NoError(t, err)
	require.NoError(t, rt.AddAccessToken(at.ID(), testNow))
	require.NoError(t, f.repos.RefreshTokens.Save(ctx, rt))
	require.NoError(t, f.repos.AccessTokens.Save(ctx, at))
	return at, rt
}

var api = &model.StaticResourceServer{ServerID: "api", ServerSecret: "api-secret"}

func TestManager_Registry(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{HintAccessToken, HintRefreshToken}, f.manager.Names())
	assert.True(t, f.manager.Has(HintRefreshToken))

	_, err := f.manager.Get("id_token")
	assert.True(t, protocol.IsCode(err, protocol.ErrorCodeUnsupportedTokenType))
}

func TestManager_Introspect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at, rt := f.tokens(t, "")

	out, err := f.manager.Introspect(ctx, api, at.ID().String(), "")
	require.NoError(t, err)
	assert.Equal(t, true, out["active"])
	assert.Equal(t, "CLIENT_1", out["client_id"])
	assert.Equal(t, "USER_1", out["sub"])
	assert.Equal(t, "read write", out["scope"])
	assert.Equal(t, "Bearer", out["token_type"])
	assert.Equal(t, testNow.Add(time.Hour).Unix(), out["exp"])

	t.Run("refresh token found despite a wrong hint", func(t *testing.T) {
		out, err := f.manager.Introspect(ctx, api, rt.ID().String(), HintAccessToken)
		require.NoError(t, err)
		assert.Equal(t, true, out["active"])
		assert.NotContains(t, out, "token_type")
	})

	t.Run("unknown hint is ignored", func(t *testing.T) {
		out, err := f.manager.Introspect(ctx, api, at.ID().String(), "id_token")
		require.NoError(t, err)
		assert.Equal(t, true, out["active"])
	})

	t.Run("unknown token", func(t *testing.T) {
		out, err := f.manager.Introspect(ctx, api, "not-a-token", "")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"active": false}, out)
	})
}

func TestManager_IntrospectInactive(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		f := newFixture(t)
		at, _ := f.tokens(t, "")
		f.clock.Advance(2 * time.Hour)

		out, err := f.manager.Introspect(ctx, api, at.ID().String(), HintAccessToken)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"active": false}, out, "inactive tokens disclose nothing else")
	})

	t.Run("revoked", func(t *testing.T) {
		f := newFixture(t)
		at, _ := f.tokens(t, "")
		require.NoError(t, f.manager.Revoke(ctx, api, at.ID().String(), HintAccessToken))

		out, err := f.manager.Introspect(ctx, api, at.ID().String(), HintAccessToken)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"active": false}, out)
	})
}

func TestManager_ResourceServerBinding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at, _ := f.tokens(t, "api")

	out, err := f.manager.Introspect(ctx, api, at.ID().String(), "")
	require.NoError(t, err)
	assert.Equal(t, "api", out["aud"])

	other := &model.StaticResourceServer{ServerID: "billing", ServerSecret: "x"}
	_, err = f.manager.Introspect(ctx, other, at.ID().String(), "")
	require.Error(t, err)
	oauthErr := protocol.AsOAuthError(err)
	assert.Equal(t, protocol.ErrorCodeInvalidRequest, oauthErr.Code)
	assert.Equal(t, "The token was not issued for this resource server.", oauthErr.Description)
	assert.Contains(t, f.audit.String(), "event_type="+security.EventResourceServerMismatch)

	err = f.manager.Revoke(ctx, other, at.ID().String(), "")
	assert.True(t, protocol.IsCode(err, protocol.ErrorCodeInvalidRequest))

	stored, err := f.repos.AccessTokens.Find(ctx, at.ID())
	require.NoError(t, err)
	assert.False(t, stored.IsRevoked())
}

func TestManager_Revoke(t *testing.T) {
	ctx := context.Background()

	t.Run("refresh token revokes its access tokens", func(t *testing.T) {
		f := newFixture(t)
		at, rt := f.tokens(t, "")

		require.NoError(t, f.manager.Revoke(ctx, api, rt.ID().String(), HintRefreshToken))

		storedRT, err := f.repos.RefreshTokens.Find(ctx, rt.ID())
		require.NoError(t, err)
		assert.True(t, storedRT.IsRevoked())
		storedAT, err := f.repos.AccessTokens.Find(ctx, at.ID())
		require.NoError(t, err)
		assert.True(t, storedAT.IsRevoked())
		assert.Contains(t, f.audit.String(), "event_type="+security.EventTokenRevoked)
	})

	t.Run("idempotent", func(t *testing.T) {
		f := newFixture(t)
		at, _ := f.tokens(t, "")

		require.NoError(t, f.manager.Revoke(ctx, api, at.ID().String(), ""))
		require.NoError(t, f.manager.Revoke(ctx, api, at.ID().String(), ""))

		stored, err := f.repos.AccessTokens.Find(ctx, at.ID())
		require.NoError(t, err)
		assert.True(t, stored.IsRevoked())
		assert.Equal(t, int64(2), stored.Version(), "the second revocation records no event")
	})

	t.Run("unknown token is ignored", func(t *testing.T) {
		f := newFixture(t)
		assert.NoError(t, f.manager.Revoke(ctx, api, "not-a-token", HintAccessToken))
	})

	t.Run("unsupported hint", func(t *testing.T) {
		f := newFixture(t)
		err := f.manager.Revoke(ctx, api, "whatever", "id_token")
		assert.True(t, protocol.IsCode(err, protocol.ErrorCodeUnsupportedTokenType))
	})
}

func TestBasicResourceServerAuthenticator(t *testing.T) {
	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	auth := NewBasicResourceServerAuthenticator(model.NewMemoryResourceServerRepository(api), auditor)

	tests := []struct {
		name    string
		id      string
		secret  string
		noAuth  bool
		wantErr bool
	}{
		{name: "valid", id: "api", secret: "api-secret"},
		{name: "wrong secret", id: "api", secret: "nope", wantErr: true},
		{name: "unknown server", id: "billing", secret: "api-secret", wantErr: true},
		{name: "no credentials", noAuth: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/introspect", nil)
			if !tt.noAuth {
				r.SetBasicAuth(tt.id, tt.secret)
			}

			rs, err := auth.Authenticate(r)
			if tt.wantErr {
				assert.True(t, protocol.IsCode(err, protocol.ErrorCodeInvalidResourceServer))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, model.ResourceServerID("api"), rs.ID())
		})
	}
	assert.Contains(t, buf.String(), "event_type="+security.EventResourceServerAuthFailure)
}
