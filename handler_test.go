package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oidc-engine/internal/testutil"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

func newTestMux(t *testing.T, f *fixture) (*Handler, *http.ServeMux) {
	t.Helper()
	h := NewHandler(f.server, nil)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

func serve(mux http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func formRequest(path string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestHandler_ServeToken(t *testing.T) {
	f := newFixture(t)
	_, mux := newTestMux(t, f)
	client, secret := f.confidentialClient(t, "client_credentials")

	r := testutil.NewBasicAuthTokenRequest(url.Values{"grant_type": {"client_credentials"}}, client.ID().String(), secret)
	w := serve(mux, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, security.ContentTypeJSON, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	body := decodeJSON(t, w)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "Bearer", body["token_type"])
	assert.EqualValues(t, 3600, body["expires_in"])
}

func TestHandler_ServeTokenErrors(t *testing.T) {
	f := newFixture(t)
	_, mux := newTestMux(t, f)
	client, _ := f.confidentialClient(t, "client_credentials")

	t.Run("invalid client challenges basic authentication", func(t *testing.T) {
		r := testutil.NewBasicAuthTokenRequest(url.Values{"grant_type": {"client_credentials"}}, client.ID().String(), "wrong")
		w := serve(mux, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `Basic realm="`+testIssuer+`",charset="UTF-8"`, w.Header().Get("WWW-Authenticate"))
		body := decodeJSON(t, w)
		assert.Equal(t, protocol.ErrorCodeInvalidClient, body["error"])
		assert.Equal(t, "Client authentication failed.", body["error_description"])
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		w := serve(mux, formRequest(PathToken, url.Values{"grant_type": {"implicit"}}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, protocol.ErrorCodeUnsupportedGrantType, decodeJSON(t, w)["error"])
		assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	})

	t.Run("wrong method", func(t *testing.T) {
		w := serve(mux, httptest.NewRequest(http.MethodGet, PathToken, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}

func TestHandler_IntrospectionAndRevocation(t *testing.T) {
	f := newFixture(t)
	_, mux := newTestMux(t, f)
	client, secret := f.confidentialClient(t, "client_credentials")

	w := serve(mux, testutil.NewBasicAuthTokenRequest(url.Values{"grant_type": {"client_credentials"}}, client.ID().String(), secret))
	require.Equal(t, http.StatusOK, w.Code)
	accessToken := decodeJSON(t, w)["access_token"].(string)

	introspect := func(token string) map[string]any {
		r := formRequest(PathIntrospection, url.Values{"token": {token}})
		r.SetBasicAuth("RS_1", "rs-secret")
		w := serve(mux, r)
		require.Equal(t, http.StatusOK, w.Code)
		return decodeJSON(t, w)
	}

	out := introspect(accessToken)
	assert.Equal(t, true, out["active"])
	assert.Equal(t, client.ID().String(), out["client_id"])

	assert.Equal(t, map[string]any{"active": false}, introspect("unknown"))

	t.Run("resource server authentication", func(t *testing.T) {
		r := formRequest(PathIntrospection, url.Values{"token": {accessToken}})
		r.SetBasicAuth("RS_1", "wrong")
		w := serve(mux, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `Basic realm="`+testIssuer+`"`, w.Header().Get("WWW-Authenticate"))
		assert.Equal(t, protocol.ErrorCodeInvalidResourceServer, decodeJSON(t, w)["error"])
	})

	t.Run("missing token", func(t *testing.T) {
		r := formRequest(PathIntrospection, url.Values{})
		r.SetBasicAuth("RS_1", "rs-secret")
		w := serve(mux, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, `The parameter "token" is missing.`, decodeJSON(t, w)["error_description"])
	})

	t.Run("unsupported hint", func(t *testing.T) {
		r := formRequest(PathRevocation, url.Values{"token": {accessToken}, "token_type_hint": {"id_token"}})
		r.SetBasicAuth("RS_1", "rs-secret")
		w := serve(mux, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, protocol.ErrorCodeUnsupportedTokenType, decodeJSON(t, w)["error"])
	})

	r := formRequest(PathRevocation, url.Values{"token": {accessToken}, "token_type_hint": {"access_token"}})
	r.SetBasicAuth("RS_1", "rs-secret")
	w = serve(mux, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())

	assert.Equal(t, false, introspect(accessToken)["active"])
	assert.Contains(t, f.logs.String(), "event_type="+security.EventTokenRevoked)
}

func TestHandler_ServeClientRegistration(t *testing.T) {
	f := newFixture(t, requireInitialAccessToken)
	h, mux := newTestMux(t, f)
	iat, err := f.server.CreateInitialAccessToken(t.Context(), "USER_1")
	require.NoError(t, err)

	register := func(body, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, PathRegistration, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(mux, r)
	}

	w := register(`{"redirect_uris":["https://cb/"],"grant_types":["authorization_code","refresh_token"]}`, iat.ID().String())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeJSON(t, w)
	assert.NotEmpty(t, body["client_id"])
	assert.NotEmpty(t, body["client_secret"])
	assert.Equal(t, "client_secret_basic", body["token_endpoint_auth_method"])
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")

	w = register(`{"redirect_uris":["https://cb/"]}`, "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, protocol.ErrorCodeAccessDenied, decodeJSON(t, w)["error"])

	w = register(`not json`, iat.ID().String())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrorCodeInvalidClientMetadata, decodeJSON(t, w)["error"])

	w = register(`{"redirect_uris":["http://example.com/cb"]}`, iat.ID().String())
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, protocol.ErrorCodeInvalidRedirectURI, decodeJSON(t, w)["error"])

	t.Run("rate limited", func(t *testing.T) {
		h.RegistrationLimiter = security.NewRateLimiter(0.001, 1, nil)
		t.Cleanup(h.RegistrationLimiter.Stop)

		require.Equal(t, http.StatusCreated, register(`{}`, iat.ID().String()).Code)
		w := register(`{}`, iat.ID().String())
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Equal(t, "rate_limit_exceeded", decodeJSON(t, w)["error"])
	})
}

func TestHandler_ServeMetadata(t *testing.T) {
	f := newFixture(t)
	_, mux := newTestMux(t, f)

	for _, path := range []string{PathMetadata, PathOpenIDConfiguration} {
		t.Run(path, func(t *testing.T) {
			w := serve(mux, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "public, max-age=3600", w.Header().Get("Cache-Control"))

			var md AuthorizationServerMetadata
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &md))
			assert.Equal(t, testIssuer, md.Issuer)
			assert.Equal(t, testIssuer+PathToken, md.TokenEndpoint)
		})
	}
}

func TestHandler_ValidateToken(t *testing.T) {
	f := newFixture(t)
	h, mux := newTestMux(t, f)
	client, secret := f.confidentialClient(t, "client_credentials")

	protected := h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		at, ok := AccessTokenFromContext(r.Context())
		if !assert.True(t, ok) {
			return
		}
		_, _ = w.Write([]byte(at.ClientID().String()))
	}))

	w := serve(mux, testutil.NewBasicAuthTokenRequest(url.Values{"grant_type": {"client_credentials"}}, client.ID().String(), secret))
	require.Equal(t, http.StatusOK, w.Code)
	accessToken := decodeJSON(t, w)["access_token"].(string)

	call := func(authorization string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api", nil)
		if authorization != "" {
			r.Header.Set("Authorization", authorization)
		}
		return serve(protected, r)
	}

	w = call("Bearer " + accessToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, client.ID().String(), w.Body.String())

	w = call("bearer " + accessToken)
	assert.Equal(t, http.StatusOK, w.Code, "the scheme is case insensitive")

	for name, header := range map[string]string{
		"missing header": "",
		"basic scheme":   "Basic abc",
		"empty token":    "Bearer ",
		"unknown token":  "Bearer unknown",
	} {
		t.Run(name, func(t *testing.T) {
			w := call(header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
			assert.Equal(t, ErrorCodeInvalidToken, decodeJSON(t, w)["error"])
		})
	}
}

func TestHandler_WriteErrorRedirect(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.server, nil)

	w := httptest.NewRecorder()
	h.writeError(w, protocol.AccessDenied("denied").WithRedirect(&protocol.RedirectContext{
		RedirectURI:  "https://cb/",
		ResponseMode: ResponseModeQuery,
		State:        "s",
	}))

	assert.Equal(t, http.StatusFound, w.Code)
	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Equal(t, "s", location.Query().Get("state"))

	w = httptest.NewRecorder()
	h.writeError(w, protocol.ServerError(assert.AnError))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, protocol.ErrorCodeServerError, body["error"])
	assert.NotContains(t, w.Body.String(), assert.AnError.Error(), "causes never reach the client")
}
