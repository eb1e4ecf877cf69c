package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

// Default endpoint paths, relative to the issuer.
const (
	PathToken                 = "/token"
	PathRegistration          = "/register"
	PathRevocation            = "/revoke"
	PathIntrospection         = "/introspect"
	PathMetadata              = "/.well-known/oauth-authorization-server"
	PathOpenIDConfiguration   = "/.well-known/openid-configuration"
	maxRegistrationBodyLength = 64 << 10
)

// ErrorCodeInvalidToken is returned by ValidateToken (RFC 6750).
const ErrorCodeInvalidToken = "invalid_token"

// Handler is a thin HTTP adapter for the Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger

	// RegistrationLimiter throttles client registration per client IP.
	RegistrationLimiter *security.RateLimiter
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: server,
		logger: logger,
	}
}

// RegisterRoutes mounts every endpoint on mux at its default path.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathToken, h.ServeToken)
	mux.HandleFunc("POST "+PathRegistration, h.ServeClientRegistration)
	mux.HandleFunc("POST "+PathRevocation, h.ServeRevocation)
	mux.HandleFunc("POST "+PathIntrospection, h.ServeIntrospection)
	mux.HandleFunc("GET "+PathMetadata, h.ServeMetadata)
	mux.HandleFunc("GET "+PathOpenIDConfiguration, h.ServeMetadata)
}

// ServeToken handles the token endpoint.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	resp, err := h.server.HandleTokenRequest(r.Context(), r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp.Body)
}

// ServeIntrospection handles the introspection endpoint (RFC 7662).
func (h *Handler) ServeIntrospection(w http.ResponseWriter, r *http.Request) {
	out, err := h.server.Introspect(r.Context(), r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ServeRevocation handles the revocation endpoint (RFC 7009). Success is an
// empty 200 response.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if err := h.server.Revoke(r.Context(), r); err != nil {
		h.writeError(w, err)
		return
	}
	security.SetNoCacheJSONHeaders(w)
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeClientRegistration handles dynamic client registration (RFC 7591).
// The initial access token is sent as a Bearer token.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	clientIP := h.server.clientIP(r)
	if h.RegistrationLimiter != nil && !h.RegistrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		if h.server.metrics != nil {
			h.server.metrics.RecordRateLimitExceeded(r.Context(), "registration")
		}
		w.Header().Set("Retry-After", "60")
		h.writeError(w, protocol.NewOAuthError("rate_limit_exceeded", "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests))
		return
	}

	var params model.DataBag
	body := io.LimitReader(r.Body, maxRegistrationBodyLength)
	if err := json.NewDecoder(body).Decode(&params); err != nil {
		h.writeError(w, protocol.InvalidClientMetadata("The request body must be a JSON object."))
		return
	}

	token, _ := bearerToken(r)
	client, err := h.server.RegisterClient(r.Context(), token, params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, RegistrationResponse(client))
}

// ServeMetadata serves the authorization server metadata (RFC 8414). The
// same document answers OpenID Connect discovery.
func (h *Handler) ServeMetadata(w http.ResponseWriter, _ *http.Request) {
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.Header().Set("Content-Type", security.ContentTypeJSON)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(h.server.Metadata())
}

type accessTokenKey struct{}

// AccessTokenFromContext returns the token stored by ValidateToken.
func AccessTokenFromContext(ctx context.Context) (*domain.AccessToken, bool) {
	at, ok := ctx.Value(accessTokenKey{}).(*domain.AccessToken)
	return at, ok
}

// ValidateToken is middleware protecting a resource with access tokens
// issued by this server.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, ok := bearerToken(r)
		if !ok {
			h.writeUnauthorized(w, "Missing or malformed Authorization header")
			return
		}
		at, err := h.server.ValidateAccessToken(r.Context(), value)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) && !errors.Is(err, ErrTokenInactive) {
				h.logger.Error("Token validation failed", "ip", h.server.clientIP(r), "error", err)
			}
			h.writeUnauthorized(w, "Token validation failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accessTokenKey{}, at)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], protocol.TokenTypeBearer) || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetNoCacheJSONHeaders(w)
	security.SetSecurityHeaders(w, h.server.config.Issuer)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes err as an OAuth error object. Server errors are logged
// with their cause, which never reaches the client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr := protocol.AsOAuthError(err)
	if oauthErr.Code == protocol.ErrorCodeServerError {
		h.logger.Error("Request failed", "error", err)
	}

	if oauthErr.Redirect != nil {
		if location, rerr := RedirectURL(oauthErr); rerr == nil {
			security.SetSecurityHeaders(w, h.server.config.Issuer)
			w.Header().Set("Location", location)
			w.WriteHeader(http.StatusFound)
			return
		}
	}

	status := oauthErr.Status
	if status == 0 || status == http.StatusFound {
		status = http.StatusBadRequest
	}
	if status == http.StatusUnauthorized {
		switch oauthErr.Code {
		case protocol.ErrorCodeInvalidClient:
			for _, scheme := range h.server.clientAuth.SchemesParameters() {
				w.Header().Add("WWW-Authenticate", scheme)
			}
		case protocol.ErrorCodeInvalidResourceServer:
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", h.server.config.Issuer))
		}
	}
	h.writeJSON(w, status, oauthErr.Response())
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`,
		h.server.config.Issuer, ErrorCodeInvalidToken, description))
	h.writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             ErrorCodeInvalidToken,
		"error_description": description,
	})
}
