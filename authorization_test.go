package oauth

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

func authorizationRequest(clientID model.ClientID, query map[string]any) AuthorizationRequest {
	return AuthorizationRequest{
		ClientID:        clientID,
		UserAccountID:   "USER_1",
		RedirectURI:     "https://cb/",
		QueryParameters: model.NewDataBag(query),
	}
}

func redirectParams(t *testing.T, err error) url.Values {
	t.Helper()
	var oauthErr *protocol.OAuthError
	require.True(t, errors.As(err, &oauthErr))
	require.NotNil(t, oauthErr.Redirect, "the error must be redirected to the client")
	location, rerr := RedirectURL(oauthErr)
	require.NoError(t, rerr)
	u, rerr := url.Parse(location)
	require.NoError(t, rerr)
	assert.Equal(t, "cb", u.Host)
	return u.Query()
}

func TestIssueAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := f.publicClient(t, "authorization_code", "refresh_token")

	code, err := f.server.IssueAuthorizationCode(ctx, AuthorizationRequest{
		ClientID:          client.ID(),
		UserAccountID:     "USER_1",
		Scope:             "read",
		ResourceServerID:  "RS_1",
		QueryParameters:   model.NewDataBag(map[string]any{"state": "xyz"}),
		IssueRefreshToken: true,
	})
	require.NoError(t, err)

	assert.Equal(t, client.ID(), code.ClientID())
	assert.Equal(t, model.ResourceOwnerID("USER_1"), code.ResourceOwnerID())
	assert.Equal(t, model.ResourceServerID("RS_1"), code.ResourceServerID())
	assert.Equal(t, "https://cb/", code.RedirectURI(), "the single registered redirect uri is the default")
	assert.Equal(t, "read", code.Scope())
	assert.True(t, code.IssueRefreshToken())
	assert.Equal(t, testNow.Add(DefaultAuthorizationCodeLifetime), code.ExpiresAt())
	assert.Contains(t, f.logs.String(), "event_type="+security.EventAuthorizationCodeIssued)

	location, err := AuthorizationResponseURL(code)
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, code.ID().String(), u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))

	stored, err := f.server.Repositories().AuthorizationCodes.Find(ctx, code.ID())
	require.NoError(t, err)
	assert.Equal(t, code.ID(), stored.ID())
}

func TestIssueAuthorizationCode_FragmentResponseMode(t *testing.T) {
	f := newFixture(t)
	client := f.publicClient(t, "authorization_code")

	code := f.issueCode(t, client, "", map[string]any{"response_mode": "fragment", "state": "s1"})
	location, err := AuthorizationResponseURL(code)
	require.NoError(t, err)

	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Empty(t, u.RawQuery)
	values, err := url.ParseQuery(u.Fragment)
	require.NoError(t, err)
	assert.Equal(t, code.ID().String(), values.Get("code"))
	assert.Equal(t, "s1", values.Get("state"))
}

func TestIssueAuthorizationCode_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := f.publicClient(t, "authorization_code")

	t.Run("unknown client is not redirected", func(t *testing.T) {
		_, err := f.server.IssueAuthorizationCode(ctx, authorizationRequest("CLIENT_404", nil))
		assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The parameter "client_id" is invalid.`)
		assert.Nil(t, protocol.AsOAuthError(err).Redirect)
	})

	t.Run("unregistered redirect uri is not redirected", func(t *testing.T) {
		req := authorizationRequest(client.ID(), nil)
		req.RedirectURI = "https://evil.example.com/"
		_, err := f.server.IssueAuthorizationCode(ctx, req)
		assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The parameter "redirect_uri" is invalid.`)
		assert.Nil(t, protocol.AsOAuthError(err).Redirect)
	})

	t.Run("redirect uri required with several registered", func(t *testing.T) {
		multi := f.register(t, map[string]any{
			"token_endpoint_auth_method": "none",
			"redirect_uris":              []string{"https://cb/", "https://cb2/"},
		})
		req := authorizationRequest(multi.ID(), nil)
		req.RedirectURI = ""
		_, err := f.server.IssueAuthorizationCode(ctx, req)
		assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The parameter "redirect_uri" is missing.`)
	})

	t.Run("grant type not allowed", func(t *testing.T) {
		machine, _ := f.confidentialClient(t, "client_credentials")
		_, err := f.server.IssueAuthorizationCode(ctx, authorizationRequest(machine.ID(), map[string]any{"state": "st"}))
		assertOAuthError(t, err, protocol.ErrorCodeUnauthorizedClient, "")
		params := redirectParams(t, err)
		assert.Equal(t, "unauthorized_client", params.Get("error"))
		assert.Equal(t, "st", params.Get("state"))
	})

	t.Run("unsupported challenge method", func(t *testing.T) {
		_, err := f.server.IssueAuthorizationCode(ctx, authorizationRequest(client.ID(), map[string]any{
			"code_challenge":        "abc",
			"code_challenge_method": "S512",
		}))
		assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The challenge method "S512" is not supported.`)
		assert.Equal(t, "invalid_request", redirectParams(t, err).Get("error"))
	})

	t.Run("invalid scope", func(t *testing.T) {
		req := authorizationRequest(client.ID(), nil)
		req.Scope = "read read"
		_, err := f.server.IssueAuthorizationCode(ctx, req)
		assertOAuthError(t, err, protocol.ErrorCodeInvalidScope, "")
		assert.Equal(t, "invalid_scope", redirectParams(t, err).Get("error"))
	})

	t.Run("error scope policy", func(t *testing.T) {
		strict := f.register(t, map[string]any{
			"token_endpoint_auth_method": "none",
			"redirect_uris":              []string{"https://cb/"},
			"scope_policy":               "error",
		})
		_, err := f.server.IssueAuthorizationCode(ctx, authorizationRequest(strict.ID(), nil))
		assertOAuthError(t, err, protocol.ErrorCodeInvalidScope, "No scope was requested.")
		redirectParams(t, err)
	})

	t.Run("user account is required", func(t *testing.T) {
		req := authorizationRequest(client.ID(), nil)
		req.UserAccountID = ""
		_, err := f.server.IssueAuthorizationCode(ctx, req)
		assertOAuthError(t, err, protocol.ErrorCodeServerError, "")
	})
}

func TestIssueAuthorizationCode_RequirePKCE(t *testing.T) {
	f := newFixture(t, func(config *Config, _ *Dependencies) {
		config.RequirePKCE = true
		config.PKCEMethods = []string{"S256"}
	})
	client := f.publicClient(t, "authorization_code")

	_, err := f.server.IssueAuthorizationCode(context.Background(), authorizationRequest(client.ID(), nil))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The parameter "code_challenge" is required.`)

	_, err = f.server.IssueAuthorizationCode(context.Background(), authorizationRequest(client.ID(), map[string]any{
		"code_challenge": "abc",
	}))
	assertOAuthError(t, err, protocol.ErrorCodeInvalidRequest, `The challenge method "plain" is not supported.`)

	assert.Equal(t, []string{"S256"}, f.server.Metadata().CodeChallengeMethodsSupported)
}

func TestDenyAuthorization(t *testing.T) {
	f := newFixture(t)
	client := f.publicClient(t, "authorization_code")

	err := f.server.DenyAuthorization(context.Background(), authorizationRequest(client.ID(), map[string]any{"state": "abc"}))
	assertOAuthError(t, err, protocol.ErrorCodeAccessDenied, "The resource owner denied access to your client.")

	params := redirectParams(t, err)
	assert.Equal(t, "access_denied", params.Get("error"))
	assert.Equal(t, "The resource owner denied access to your client.", params.Get("error_description"))
	assert.Equal(t, "abc", params.Get("state"))
	assert.Contains(t, f.logs.String(), "event_type="+security.EventAuthorizationDenied)

	err = f.server.DenyAuthorization(context.Background(), authorizationRequest("CLIENT_404", nil))
	assert.Nil(t, protocol.AsOAuthError(err).Redirect)
}

func TestRedirectURL(t *testing.T) {
	_, err := RedirectURL(nil)
	assert.Error(t, err)

	_, err = RedirectURL(protocol.InvalidRequest("no redirect"))
	assert.Error(t, err)

	location, err := RedirectURL(protocol.InvalidScope("bad").WithRedirect(&protocol.RedirectContext{
		RedirectURI:  "https://cb/path?keep=1",
		ResponseMode: ResponseModeQuery,
		State:        "st",
	}))
	require.NoError(t, err)
	u, err := url.Parse(location)
	require.NoError(t, err)
	assert.Equal(t, "/path", u.Path)
	assert.Equal(t, "1", u.Query().Get("keep"), "existing query parameters are kept")
	assert.Equal(t, "invalid_scope", u.Query().Get("error"))
	assert.Equal(t, "st", u.Query().Get("state"))
}

func TestPreConfiguredAuthorizations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := f.publicClient(t, "authorization_code")
	scopes := []string{"openid", "profile"}

	ok, err := f.server.IsPreAuthorized(ctx, "USER_1", client.ID(), scopes, "")
	require.NoError(t, err)
	assert.False(t, ok)

	auth, err := f.server.PreAuthorize(ctx, "USER_1", client.ID(), scopes, "")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceOwnerID("USER_1"), auth.ResourceOwnerID())

	ok, err = f.server.IsPreAuthorized(ctx, "USER_1", client.ID(), scopes, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.server.IsPreAuthorized(ctx, "USER_1", client.ID(), []string{"openid"}, "")
	require.NoError(t, err)
	assert.False(t, ok, "only the exact scopes are pre-authorized")

	_, err = f.server.PreAuthorize(ctx, "USER_1", client.ID(), scopes, "")
	assert.Error(t, err, "an authorization cannot be created twice")

	require.NoError(t, f.server.RevokePreAuthorization(ctx, "USER_1", client.ID(), scopes, ""))
	require.NoError(t, f.server.RevokePreAuthorization(ctx, "USER_1", client.ID(), scopes, ""), "revoking twice is a no-op")

	ok, err = f.server.IsPreAuthorized(ctx, "USER_1", client.ID(), scopes, "")
	require.NoError(t, err)
	assert.False(t, ok)

	err = f.server.RevokePreAuthorization(ctx, "USER_2", client.ID(), scopes, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
