package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/pkce"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// Response modes of the authorization response.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

// IssueAuthorizationCode issues a code for an approved authorization
// request. Errors detected once the redirect URI is known carry a redirect
// context; the caller redirects the user agent with RedirectURL.
func (s *Server) IssueAuthorizationCode(ctx context.Context, req AuthorizationRequest) (*domain.AuthorizationCode, error) {
	ctx, span := s.tracer.Start(ctx, "authorization.issue_code")
	defer span.End()

	if req.UserAccountID == "" {
		return nil, protocol.ServerError(fmt.Errorf("authorization request without user account"))
	}
	client, rc, err := s.checkAuthorizationRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	query := req.QueryParameters.Clone()

	if !client.IsGrantTypeAllowed(protocol.GrantTypeAuthorizationCode) {
		return nil, protocol.UnauthorizedClient("The client is not allowed to use the authorization code grant.").WithRedirect(rc)
	}

	method := ""
	if challenge, ok := query.GetString(protocol.ParamCodeChallenge); ok && challenge != "" {
		method, _ = query.GetString(protocol.ParamCodeChallengeMethod)
		if method == "" {
			method = pkce.DefaultMethod
		}
		if !s.pkceMethods.Has(method) {
			return nil, protocol.InvalidRequest(fmt.Sprintf("The challenge method %q is not supported.", method)).WithRedirect(rc)
		}
	} else if s.config.RequirePKCE {
		return nil, protocol.InvalidRequest(`The parameter "code_challenge" is required.`).WithRedirect(rc)
	}

	if req.Scope != "" {
		if err := scope.Check(req.Scope); err != nil {
			return nil, protocol.AsOAuthError(err).WithRedirect(rc)
		}
	}
	granted, err := s.scopePolicies.Apply(req.Scope, client)
	if err != nil {
		var oauthErr *protocol.OAuthError
		if errors.As(err, &oauthErr) {
			return nil, oauthErr.WithRedirect(rc)
		}
		return nil, protocol.ServerError(err)
	}

	params := model.NewDataBag(nil)
	if granted != "" {
		params.Set(protocol.ParamScope, granted)
	}
	now := s.now()
	code, err := s.repos.AuthorizationCodes.Create(domain.AuthorizationCodeParams{
		TokenParams: domain.TokenParams{
			ClientID:         client.ID(),
			ResourceOwnerID:  req.UserAccountID.ResourceOwnerID(),
			ExpiresAt:        now.Add(s.config.AuthorizationCodeLifetime),
			Parameters:       params,
			Metadata:         model.NewDataBag(nil),
			ResourceServerID: req.ResourceServerID,
		},
		UserAccountID:     req.UserAccountID,
		QueryParameters:   query,
		RedirectURI:       rc.RedirectURI,
		IssueRefreshToken: req.IssueRefreshToken,
	})
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to create authorization code: %w", err))
	}
	if err := s.repos.AuthorizationCodes.Save(ctx, code); err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to save authorization code: %w", err))
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		UserID:   req.UserAccountID.String(),
		ClientID: client.ID().String(),
		Details:  map[string]any{"scope": granted, "pkce_method": method},
	})
	if s.metrics != nil {
		if method == "" {
			method = "none"
		}
		s.metrics.RecordAuthorizationCodeIssued(ctx, method)
	}
	return code, nil
}

// DenyAuthorization returns the access_denied error to redirect to the
// client when the resource owner declines req.
func (s *Server) DenyAuthorization(ctx context.Context, req AuthorizationRequest) error {
	client, rc, err := s.checkAuthorizationRequest(ctx, req)
	if err != nil {
		return err
	}
	s.auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationDenied,
		UserID:   req.UserAccountID.String(),
		ClientID: client.ID().String(),
	})
	return protocol.AccessDenied("The resource owner denied access to your client.").WithRedirect(rc)
}

// checkAuthorizationRequest resolves the client and its redirect URI.
// Errors returned here must be shown to the user, never redirected.
func (s *Server) checkAuthorizationRequest(ctx context.Context, req AuthorizationRequest) (*domain.Client, *protocol.RedirectContext, error) {
	client, err := s.findClient(ctx, req.ClientID)
	if err != nil {
		return nil, nil, protocol.ServerError(fmt.Errorf("failed to load client: %w", err))
	}
	if client == nil {
		return nil, nil, protocol.InvalidRequest(`The parameter "client_id" is invalid.`)
	}

	registered := client.RedirectURIs()
	redirectURI := req.RedirectURI
	switch {
	case redirectURI == "" && len(registered) == 1:
		redirectURI = registered[0]
	case redirectURI == "":
		return nil, nil, protocol.InvalidRequest(`The parameter "redirect_uri" is missing.`)
	case !slices.Contains(registered, redirectURI):
		return nil, nil, protocol.InvalidRequest(`The parameter "redirect_uri" is invalid.`)
	}

	rc := &protocol.RedirectContext{RedirectURI: redirectURI, ResponseMode: ResponseModeQuery}
	if mode, ok := req.QueryParameters.GetString("response_mode"); ok && mode == ResponseModeFragment {
		rc.ResponseMode = ResponseModeFragment
	}
	if state, ok := req.QueryParameters.GetString(protocol.ParamState); ok {
		rc.State = state
	}
	return client, rc, nil
}

// AuthorizationResponseURL builds the redirect carrying a freshly issued code.
func AuthorizationResponseURL(code *domain.AuthorizationCode) (string, error) {
	rc := &protocol.RedirectContext{
		RedirectURI:  code.RedirectURI(),
		ResponseMode: ResponseModeQuery,
		Params:       map[string]string{protocol.ParamCode: code.ID().String()},
	}
	if mode, ok := code.QueryParameter("response_mode"); ok && mode == ResponseModeFragment {
		rc.ResponseMode = ResponseModeFragment
	}
	if state, ok := code.QueryParameter(protocol.ParamState); ok {
		rc.State = state
	}
	return buildRedirect(rc, nil)
}

// RedirectURL builds the redirect carrying err back to the client. It fails
// when err has no redirect context.
func RedirectURL(err *protocol.OAuthError) (string, error) {
	if err == nil || err.Redirect == nil {
		return "", fmt.Errorf("error cannot be redirected")
	}
	return buildRedirect(err.Redirect, err.Response())
}

func buildRedirect(rc *protocol.RedirectContext, values map[string]string) (string, error) {
	u, err := url.Parse(rc.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect uri: %w", err)
	}

	params := url.Values{}
	if rc.ResponseMode != ResponseModeFragment {
		params = u.Query()
	}
	for k, v := range rc.Params {
		params.Set(k, v)
	}
	for k, v := range values {
		params.Set(k, v)
	}
	if rc.State != "" {
		params.Set(protocol.ParamState, rc.State)
	}

	if rc.ResponseMode == ResponseModeFragment {
		u.Fragment = ""
		u.RawFragment = ""
		return u.String() + "#" + params.Encode(), nil
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// IsPreAuthorized reports whether owner has pre-approved client for
// exactly scopes on resourceServerID. Revoked approvals do not count.
func (s *Server) IsPreAuthorized(ctx context.Context, owner model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) (bool, error) {
	auth, err := s.repos.PreConfiguredAuthorizations.Find(ctx, owner, clientID, scopes, resourceServerID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load pre-configured authorization: %w", err)
	}
	return !auth.IsRevoked(), nil
}

// PreAuthorize records that owner approves client for scopes on
// resourceServerID, so that the consent screen can be skipped.
func (s *Server) PreAuthorize(ctx context.Context, owner model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) (*domain.PreConfiguredAuthorization, error) {
	auth, err := s.repos.PreConfiguredAuthorizations.Create(owner, clientID, scopes, resourceServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pre-configured authorization: %w", err)
	}
	if err := s.repos.PreConfiguredAuthorizations.Save(ctx, auth); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("pre-configured authorization already exists: %w", err)
		}
		return nil, fmt.Errorf("failed to save pre-configured authorization: %w", err)
	}
	return auth, nil
}

// RevokePreAuthorization withdraws a pre-configured authorization.
func (s *Server) RevokePreAuthorization(ctx context.Context, owner model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) error {
	auth, err := s.repos.PreConfiguredAuthorizations.Find(ctx, owner, clientID, scopes, resourceServerID)
	if err != nil {
		return err
	}
	if auth.IsRevoked() {
		return nil
	}
	if err := auth.MarkAsRevoked(s.now()); err != nil {
		return err
	}
	return s.repos.PreConfiguredAuthorizations.Save(ctx, auth)
}
