package oauth

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

func requireInitialAccessToken(config *Config, _ *Dependencies) {
	config.RequireInitialAccessToken = true
}

func TestRegisterClient_InitialAccessToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, requireInitialAccessToken)
	params := model.NewDataBag(map[string]any{"redirect_uris": []string{"https://cb/"}})

	_, err := f.server.RegisterClient(ctx, "", params)
	assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "An initial access token is required.")
	assert.Contains(t, f.logs.String(), "event_type="+security.EventClientRegistrationRejected)

	_, err = f.server.RegisterClient(ctx, "IAT_404", params)
	assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "The initial access token is invalid.")

	iat, err := f.server.CreateInitialAccessToken(ctx, "USER_1")
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultInitialAccessTokenLifetime), iat.ExpiresAt())

	client, err := f.server.RegisterClient(ctx, iat.ID().String(), params)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceOwnerID("USER_1"), client.OwnerID())
	assert.Contains(t, f.logs.String(), "event_type="+security.EventClientRegistered)

	t.Run("revoked", func(t *testing.T) {
		revoked, err := f.server.CreateInitialAccessToken(ctx, "USER_1")
		require.NoError(t, err)
		require.NoError(t, f.server.RevokeInitialAccessToken(ctx, revoked.ID()))
		require.NoError(t, f.server.RevokeInitialAccessToken(ctx, revoked.ID()), "revoking twice is a no-op")

		_, err = f.server.RegisterClient(ctx, revoked.ID().String(), params)
		assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "The initial access token is invalid.")
	})

	t.Run("expired", func(t *testing.T) {
		f.clock.Advance(DefaultInitialAccessTokenLifetime + time.Minute)
		_, err := f.server.RegisterClient(ctx, iat.ID().String(), params)
		assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "The initial access token is invalid.")
	})

	t.Run("unknown token cannot be revoked", func(t *testing.T) {
		assert.ErrorIs(t, f.server.RevokeInitialAccessToken(ctx, "IAT_404"), model.ErrNotFound)
	})
}

func TestRegisterClient_OpenRegistrationStillChecksTokens(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.RegisterClient(context.Background(), "IAT_404", model.NewDataBag(nil))
	assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "The initial access token is invalid.")

	client, err := f.server.RegisterClient(context.Background(), "", model.NewDataBag(nil))
	require.NoError(t, err)
	assert.Empty(t, client.OwnerID())
}

func TestRegisterClient_Defaults(t *testing.T) {
	f := newFixture(t)
	client := f.register(t, map[string]any{
		"redirect_uris": []string{"https://cb/"},
		"client_secret": "chosen-by-client",
	})

	assert.Equal(t, "client_secret_basic", client.TokenEndpointAuthMethod())
	assert.True(t, client.IsGrantTypeAllowed("authorization_code"))
	assert.False(t, client.IsGrantTypeAllowed("client_credentials"))
	assert.False(t, client.IsPublic())

	secret, ok := client.ClientSecret()
	require.True(t, ok)
	assert.NotEqual(t, "chosen-by-client", secret, "secrets are minted by the server")
	assert.NotEmpty(t, secret)

	resp := RegistrationResponse(client)
	assert.Equal(t, client.ID().String(), resp["client_id"])
	assert.Equal(t, client.CreatedAt().Unix(), resp["client_id_issued_at"])
	assert.Equal(t, secret, resp["client_secret"])
	assert.Contains(t, resp, "redirect_uris")
}

func TestRegisterClient_InvalidMetadata(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]any
		code   string
	}{
		{
			name:   "insecure redirect uri",
			params: map[string]any{"redirect_uris": []string{"http://example.com/cb"}},
			code:   protocol.ErrorCodeInvalidRedirectURI,
		},
		{
			name:   "redirect uri with fragment",
			params: map[string]any{"redirect_uris": []string{"https://cb/#frag"}},
			code:   protocol.ErrorCodeInvalidRedirectURI,
		},
		{
			name:   "unsupported grant type",
			params: map[string]any{"grant_types": []string{"implicit"}},
			code:   protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:   "unknown scope policy",
			params: map[string]any{"scope_policy": "everything"},
			code:   protocol.ErrorCodeInvalidClientMetadata,
		},
		{
			name:   "unknown authentication method",
			params: map[string]any{"token_endpoint_auth_method": "tls_client_auth"},
			code:   protocol.ErrorCodeInvalidClientMetadata,
		},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.server.RegisterClient(context.Background(), "", model.NewDataBag(tt.params))
			assertOAuthError(t, err, tt.code, "")
		})
	}
}

func TestRegisterClient_LoopbackRedirectURI(t *testing.T) {
	f := newFixture(t)
	client := f.register(t, map[string]any{
		"token_endpoint_auth_method": "none",
		"redirect_uris":              []string{"http://127.0.0.1:8085/callback"},
	})
	assert.True(t, client.IsPublic())
	_, ok := client.ClientSecret()
	assert.False(t, ok, "public clients have no secret")
}

func TestUpdateClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client, secret := f.confidentialClient(t, "client_credentials")

	updated, err := f.server.UpdateClient(ctx, client.ID(), model.NewDataBag(map[string]any{
		"token_endpoint_auth_method": "client_secret_basic",
		"grant_types":                []string{"client_credentials", "password"},
	}))
	require.NoError(t, err)
	kept, _ := updated.ClientSecret()
	assert.Equal(t, secret, kept, "the secret survives an update keeping the method")
	assert.True(t, updated.IsGrantTypeAllowed("password"))

	form := url.Values{"grant_type": {"client_credentials"}}
	_, err = f.server.HandleTokenRequest(ctx, testutil.NewBasicAuthTokenRequest(form, client.ID().String(), secret))
	require.NoError(t, err)

	switched, err := f.server.UpdateClient(ctx, client.ID(), model.NewDataBag(map[string]any{
		"token_endpoint_auth_method": "client_secret_post",
		"grant_types":                []string{"client_credentials"},
	}))
	require.NoError(t, err)
	fresh, ok := switched.ClientSecret()
	require.True(t, ok)
	assert.NotEqual(t, secret, fresh, "a new method gets a new secret")

	_, err = f.server.UpdateClient(ctx, "CLIENT_404", model.NewDataBag(nil))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidClient, "The client does not exist.")

	_, err = f.server.UpdateClient(ctx, client.ID(), model.NewDataBag(map[string]any{"grant_types": []string{"implicit"}}))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidClientMetadata, "")
}

func TestDeleteClient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client, secret := f.confidentialClient(t, "client_credentials")

	require.NoError(t, f.server.DeleteClient(ctx, client.ID()))
	assert.Contains(t, f.logs.String(), "event_type="+security.EventClientDeleted)

	form := url.Values{"grant_type": {"client_credentials"}}
	_, err := f.server.HandleTokenRequest(ctx, testutil.NewBasicAuthTokenRequest(form, client.ID().String(), secret))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidClient, "Client authentication failed.")

	require.NoError(t, f.server.DeleteClient(ctx, client.ID()), "deleting a deleted client is a no-op")
	require.NoError(t, f.server.DeleteClient(ctx, "CLIENT_404"))

	_, err = f.server.IssueAuthorizationCode(ctx, authorizationRequest(client.ID(), nil))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The parameter "client_id" is invalid.`)
}
