package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/granttype"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// Token types reported to metrics and the audit log.
const (
	tokenTypeAccess  = "access_token"
	tokenTypeRefresh = "refresh_token"
)

// TokenResponse is the outcome of a successful token request.
type TokenResponse struct {
	// Body is the JSON response: access_token, token_type, expires_in and,
	// depending on the grant, refresh_token, scope and id_token.
	Body map[string]any

	AccessToken  *domain.AccessToken
	RefreshToken *domain.RefreshToken

	ClientID        model.ClientID
	ResourceOwnerID model.ResourceOwnerID
	UserAccountID   model.UserAccountID
}

// HandleTokenRequest runs the token endpoint pipeline for r: client
// authentication, grant dispatch, scope resolution, token issuance and
// extensions. The returned error is always an *protocol.OAuthError.
func (s *Server) HandleTokenRequest(ctx context.Context, r *http.Request) (*TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "token.grant")
	defer span.End()
	start := time.Now()

	grantType := ""
	resp, err := s.handleTokenRequest(ctx, r, span, &grantType)

	result := "success"
	if err != nil {
		result = "error"
		oauthErr := protocol.AsOAuthError(err)
		span.SetAttributes(attribute.String(instrumentation.AttrError, oauthErr.Code))
		instrumentation.RecordError(span, err)
		err = oauthErr
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.metrics != nil && grantType != "" {
		s.metrics.RecordGrant(ctx, grantType, result, float64(time.Since(start).Milliseconds()))
	}
	return resp, err
}

func (s *Server) handleTokenRequest(ctx context.Context, r *http.Request, span trace.Span, grantType *string) (*TokenResponse, error) {
	if err := r.ParseForm(); err != nil {
		return nil, protocol.InvalidRequest("The request body could not be parsed.").WithCause(err)
	}

	name := r.PostForm.Get(protocol.ParamGrantType)
	if name == "" {
		return nil, protocol.InvalidRequest(`The parameter "grant_type" is missing.`)
	}
	gt, err := s.grantTypes.Get(name)
	if err != nil {
		return nil, err
	}
	*grantType = name
	span.SetAttributes(attribute.String(instrumentation.AttrGrantType, name))

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		return nil, err
	}
	if client == nil && gt.ClientAuthenticationRequired() {
		s.auditor.LogClientAuthFailure("", s.clientIP(r), "no client credentials")
		return nil, protocol.InvalidClient("Client authentication failed.")
	}
	if client != nil && !client.IsGrantTypeAllowed(name) {
		return nil, unauthorizedGrant(name)
	}

	if err := gt.CheckRequest(r); err != nil {
		return nil, err
	}
	data := granttype.NewData(client)
	if err := gt.PrepareResponse(ctx, r, data); err != nil {
		return nil, err
	}
	if err := gt.Grant(ctx, r, data); err != nil {
		return nil, err
	}

	// The jwt-bearer grant may identify the client itself.
	if data.Client == nil {
		return nil, protocol.InvalidClient("Client authentication failed.")
	}
	if client == nil && !data.Client.IsGrantTypeAllowed(name) {
		return nil, unauthorizedGrant(name)
	}

	granted, err := s.resolveScope(r, data)
	if err != nil {
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, data.ClientID().String(), data.ResourceOwnerID.String(), granted)

	at, rt, err := s.createTokens(name, data, granted)
	if err != nil {
		return nil, err
	}

	body := at.ResponseData(s.now())
	if rt != nil {
		body[tokenTypeRefresh] = rt.ID().String()
	}
	for _, ext := range s.extensions {
		if err := ext.Process(ctx, data, at, body); err != nil {
			return nil, err
		}
	}

	if err := s.saveTokens(ctx, data, at, rt); err != nil {
		return nil, err
	}
	if data.RefreshToken != nil {
		if err := s.rotateRefreshToken(ctx, data, at, rt); err != nil {
			return nil, err
		}
	}

	s.auditor.LogTokenIssued(data.ResourceOwnerID.String(), data.ClientID().String(), name, granted)
	if s.metrics != nil {
		s.metrics.RecordTokenIssued(ctx, tokenTypeAccess, name)
		if rt != nil {
			s.metrics.RecordTokenIssued(ctx, tokenTypeRefresh, name)
		}
	}

	return &TokenResponse{
		Body:            body,
		AccessToken:     at,
		RefreshToken:    rt,
		ClientID:        data.ClientID(),
		ResourceOwnerID: data.ResourceOwnerID,
		UserAccountID:   data.UserAccountID,
	}, nil
}

func unauthorizedGrant(name string) error {
	return protocol.UnauthorizedClient(fmt.Sprintf("The grant type %q is unauthorized for this client.", name))
}

// authenticateClient returns the authenticated client, or nil when the
// request does not identify one.
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (*domain.Client, error) {
	res, err := s.clientAuth.FindClientIDAndCredentials(r)
	if err != nil {
		return nil, err
	}
	if res.ClientID == "" {
		return nil, nil
	}

	client, err := s.findClient(ctx, res.ClientID)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to load client: %w", err))
	}

	reason := ""
	switch {
	case client == nil:
		reason = "unknown client"
	case !s.clientAuth.IsClientAuthenticated(ctx, client, res, r):
		reason = "invalid credentials"
	}
	if reason == "" {
		return client, nil
	}

	s.auditor.LogClientAuthFailure(res.ClientID.String(), s.clientIP(r), reason)
	if s.metrics != nil {
		method := "unknown"
		if client != nil {
			method = client.TokenEndpointAuthMethod()
		} else if names := res.Method.SupportedMethods(); len(names) > 0 {
			method = names[0]
		}
		s.metrics.RecordClientAuthFailed(ctx, method)
	}
	return nil, protocol.InvalidClient("Client authentication failed.")
}

// resolveScope validates the requested scope against what the grant makes
// available. Without a request the recorded scope is reused, and without
// one either the client's scope policy decides.
func (s *Server) resolveScope(r *http.Request, data *granttype.Data) (string, error) {
	requested := r.PostForm.Get(protocol.ParamScope)
	if requested != "" {
		if err := scope.Check(requested); err != nil {
			return "", err
		}
		if data.AvailableScope != "" && !scope.IsSubset(requested, data.AvailableScope) {
			s.auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   data.ResourceOwnerID.String(),
				ClientID: data.ClientID().String(),
				Details:  map[string]any{"requested": requested, "available": data.AvailableScope},
			})
			return "", protocol.InvalidScope("An unsupported scope was requested.")
		}
		return requested, nil
	}
	if data.AvailableScope != "" {
		return data.AvailableScope, nil
	}

	granted, err := s.scopePolicies.Apply("", data.Client)
	if err != nil {
		var oauthErr *protocol.OAuthError
		if errors.As(err, &oauthErr) {
			return "", oauthErr
		}
		return "", protocol.ServerError(err)
	}
	return granted, nil
}

// createTokens creates the access token and, when the grant allows it, a
// refresh token. Nothing is persisted yet.
func (s *Server) createTokens(grantType string, data *granttype.Data, granted string) (*domain.AccessToken, *domain.RefreshToken, error) {
	now := s.now()

	params := data.Parameters.Clone()
	params.Delete(protocol.ParamScope)
	if granted != "" {
		params.Set(protocol.ParamScope, granted)
	}
	metadata := data.Metadata.Clone()
	metadata.Set(domain.MetadataGrantType, grantType)

	base := domain.TokenParams{
		ClientID:         data.ClientID(),
		ResourceOwnerID:  data.ResourceOwnerID,
		Parameters:       params,
		Metadata:         metadata,
		ResourceServerID: data.ResourceServerID,
	}

	var rt *domain.RefreshToken
	var rtID model.RefreshTokenID
	if data.IssueRefreshToken {
		p := base
		p.ExpiresAt = now.Add(s.config.RefreshTokenLifetime)
		var err error
		if rt, err = s.repos.RefreshTokens.Create(p); err != nil {
			return nil, nil, protocol.ServerError(fmt.Errorf("failed to create refresh token: %w", err))
		}
		rtID = rt.ID()
	}

	p := base
	p.ExpiresAt = now.Add(s.config.AccessTokenLifetime)
	at, err := s.repos.AccessTokens.Create(p, rtID)
	if err != nil {
		return nil, nil, protocol.ServerError(fmt.Errorf("failed to create access token: %w", err))
	}
	if rt != nil {
		if err := rt.AddAccessToken(at.ID(), now); err != nil {
			return nil, nil, protocol.ServerError(err)
		}
	}
	return at, rt, nil
}

// saveTokens persists the tokens created by createTokens. Tokens issued for
// an authorization code are recorded on the code. A failure after the first
// save revokes what was stored.
func (s *Server) saveTokens(ctx context.Context, data *granttype.Data, at *domain.AccessToken, rt *domain.RefreshToken) error {
	if err := s.repos.AccessTokens.Save(ctx, at); err != nil {
		return protocol.ServerError(fmt.Errorf("failed to save access token: %w", err))
	}
	if rt != nil {
		if err := s.repos.RefreshTokens.Save(ctx, rt); err != nil {
			s.revokeIssued(ctx, at, nil)
			return protocol.ServerError(fmt.Errorf("failed to save refresh token: %w", err))
		}
	}

	if code := data.AuthorizationCode; code != nil {
		if err := code.AddAccessToken(at.ID(), s.now()); err != nil {
			s.revokeIssued(ctx, at, rt)
			return protocol.ServerError(err)
		}
		if err := s.repos.AuthorizationCodes.Save(ctx, code); err != nil {
			s.revokeIssued(ctx, at, rt)
			if errors.Is(err, storage.ErrVersionConflict) {
				// The code was replayed concurrently and its tokens are
				// being revoked; this one must not survive either.
				return protocol.InvalidGrant(`The parameter "code" has already been used.`)
			}
			return protocol.ServerError(fmt.Errorf("failed to record access token on code: %w", err))
		}
	}
	return nil
}

// rotateRefreshToken revokes the presented refresh token once its
// successor is stored. If that fails, including a lost race against another
// exchange of the same token, the tokens just issued are revoked.
func (s *Server) rotateRefreshToken(ctx context.Context, data *granttype.Data, at *domain.AccessToken, rt *domain.RefreshToken) error {
	old := data.RefreshToken
	if err := old.MarkAsRevoked(s.now()); err != nil {
		return protocol.ServerError(err)
	}
	if err := s.repos.RefreshTokens.Save(ctx, old); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.revokeIssued(ctx, at, rt)
			s.auditor.LogEvent(security.Event{
				Type:     security.EventInvalidGrant,
				UserID:   old.ResourceOwnerID().String(),
				ClientID: old.ClientID().String(),
				Details:  map[string]any{"reason": "concurrent refresh token exchange"},
			})
			return protocol.InvalidGrant("The parameter 'refresh_token' is invalid.")
		}
		s.revokeIssued(ctx, at, rt)
		return protocol.ServerError(fmt.Errorf("failed to revoke refresh token: %w", err))
	}

	details := map[string]any{}
	if rt != nil {
		details["successor"] = util.SafeTruncate(rt.ID().String(), 8)
	}
	s.auditor.LogEvent(security.Event{
		Type:     security.EventRefreshTokenRotated,
		UserID:   old.ResourceOwnerID().String(),
		ClientID: old.ClientID().String(),
		Details:  details,
	})
	return nil
}

// revokeIssued revokes tokens of a request that failed after issuing them.
func (s *Server) revokeIssued(ctx context.Context, at *domain.AccessToken, rt *domain.RefreshToken) {
	now := s.now()
	if at != nil && at.MarkAsRevoked(now) == nil {
		if err := s.repos.AccessTokens.Save(ctx, at); err != nil {
			s.logger.Error("Failed to revoke access token", "token", util.SafeTruncate(at.ID().String(), 8), "error", err)
		}
	}
	if rt != nil && rt.MarkAsRevoked(now) == nil {
		if err := s.repos.RefreshTokens.Save(ctx, rt); err != nil {
			s.logger.Error("Failed to revoke refresh token", "token", util.SafeTruncate(rt.ID().String(), 8), "error", err)
		}
	}
}

func (s *Server) clientIP(r *http.Request) string {
	return security.GetClientIP(r, s.config.TrustProxy, s.config.TrustedProxyCount)
}
