package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

const errInvalidInitialAccessToken = "The initial access token is invalid."

// CreateInitialAccessToken issues a token allowing userAccountID to
// register clients until it expires.
func (s *Server) CreateInitialAccessToken(ctx context.Context, userAccountID model.UserAccountID) (*domain.InitialAccessToken, error) {
	iat, err := s.repos.InitialAccessTokens.Create(userAccountID, s.now().Add(s.config.InitialAccessTokenLifetime))
	if err != nil {
		return nil, fmt.Errorf("failed to create initial access token: %w", err)
	}
	if err := s.repos.InitialAccessTokens.Save(ctx, iat); err != nil {
		return nil, fmt.Errorf("failed to save initial access token: %w", err)
	}
	return iat, nil
}

// RevokeInitialAccessToken revokes an initial access token. Revoking a
// revoked token is a no-op.
func (s *Server) RevokeInitialAccessToken(ctx context.Context, id model.InitialAccessTokenID) error {
	iat, err := s.repos.InitialAccessTokens.Find(ctx, id)
	if err != nil {
		return err
	}
	if iat.IsRevoked() {
		return nil
	}
	if err := iat.MarkAsRevoked(s.now()); err != nil {
		return err
	}
	return s.repos.InitialAccessTokens.Save(ctx, iat)
}

// checkInitialAccessToken loads a usable initial access token.
func (s *Server) checkInitialAccessToken(ctx context.Context, value string) (*domain.InitialAccessToken, error) {
	if value == "" {
		return nil, protocol.AccessDenied("An initial access token is required.")
	}
	iat, err := s.repos.InitialAccessTokens.Find(ctx, model.InitialAccessTokenID(value))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, protocol.AccessDenied(errInvalidInitialAccessToken)
		}
		return nil, protocol.ServerError(fmt.Errorf("failed to load initial access token: %w", err))
	}
	if iat.IsRevoked() || iat.IsExpired(s.now()) {
		return nil, protocol.AccessDenied(errInvalidInitialAccessToken)
	}
	return iat, nil
}

// RegisterClient registers a client (RFC 7591). initialAccessToken may be
// empty unless the configuration requires one; the client is then owned
// by the token's user account. For secret based authentication methods the
// returned client carries the generated client_secret.
func (s *Server) RegisterClient(ctx context.Context, initialAccessToken string, params model.DataBag) (*domain.Client, error) {
	var owner model.ResourceOwnerID
	if initialAccessToken != "" || s.config.RequireInitialAccessToken {
		iat, err := s.checkInitialAccessToken(ctx, initialAccessToken)
		if err != nil {
			s.rejectRegistration("", err)
			return nil, err
		}
		owner = iat.UserAccountID().ResourceOwnerID()
	}

	params, err := s.checkClientParameters(ctx, params)
	if err != nil {
		s.rejectRegistration("", err)
		return nil, err
	}

	client, err := s.repos.Clients.Create(owner, params)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to create client: %w", err))
	}
	if err := s.repos.Clients.Save(ctx, client); err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to save client: %w", err))
	}

	s.auditor.LogClientRegistered(client.ID().String(), client.TokenEndpointAuthMethod())
	if s.metrics != nil {
		s.metrics.RecordClientRegistration(ctx, client.TokenEndpointAuthMethod())
	}
	return client, nil
}

// UpdateClient replaces the metadata of a client. A client keeping its
// authentication method keeps its secret.
func (s *Server) UpdateClient(ctx context.Context, id model.ClientID, params model.DataBag) (*domain.Client, error) {
	client, err := s.findClient(ctx, id)
	if err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to load client: %w", err))
	}
	if client == nil {
		return nil, protocol.InvalidClient("The client does not exist.")
	}

	checked, err := s.checkClientParameters(ctx, params)
	if err != nil {
		s.rejectRegistration(id.String(), err)
		return nil, err
	}
	previous := client.Parameters()
	if method, _ := checked.GetString(clientauth.ParameterAuthMethod); method == client.TokenEndpointAuthMethod() {
		for _, key := range []string{clientauth.ParameterClientSecret, clientauth.ParameterClientSecretExpiresAt} {
			if v, ok := previous.Get(key); ok {
				checked.Set(key, v)
			}
		}
	}

	if err := client.SetParameters(checked, s.now()); err != nil {
		return nil, protocol.ServerError(err)
	}
	if err := s.repos.Clients.Save(ctx, client); err != nil {
		return nil, protocol.ServerError(fmt.Errorf("failed to save client: %w", err))
	}
	return client, nil
}

// DeleteClient marks a client deleted. Deleted clients fail authentication.
func (s *Server) DeleteClient(ctx context.Context, id model.ClientID) error {
	client, err := s.findClient(ctx, id)
	if err != nil {
		return protocol.ServerError(fmt.Errorf("failed to load client: %w", err))
	}
	if client == nil {
		return nil
	}
	if err := client.MarkAsDeleted(s.now()); err != nil {
		return protocol.ServerError(err)
	}
	if err := s.repos.Clients.Save(ctx, client); err != nil {
		return protocol.ServerError(fmt.Errorf("failed to save client: %w", err))
	}
	s.auditor.LogEvent(security.Event{Type: security.EventClientDeleted, ClientID: id.String()})
	return nil
}

// checkClientParameters validates registration metadata and lets the
// authentication method complete it.
func (s *Server) checkClientParameters(ctx context.Context, params model.DataBag) (model.DataBag, error) {
	params = params.Clone()
	// Credentials are minted by the server, never accepted from the client.
	params.Delete(clientauth.ParameterClientSecret)
	params.Delete(clientauth.ParameterClientSecretExpiresAt)

	if !params.Has(protocol.ClientParamGrantTypes) {
		params.Set(protocol.ClientParamGrantTypes, []string{protocol.GrantTypeAuthorizationCode})
	}
	grantTypes, ok := params.GetStringSlice(protocol.ClientParamGrantTypes)
	if !ok {
		return model.DataBag{}, protocol.InvalidClientMetadata(`The parameter "grant_types" must be a list of strings.`)
	}
	for _, gt := range grantTypes {
		if !s.grantTypes.Has(gt) {
			return model.DataBag{}, protocol.InvalidClientMetadata(fmt.Sprintf("The grant type %q is not supported.", gt))
		}
	}

	if params.Has(protocol.ClientParamRedirectURIs) {
		uris, ok := params.GetStringSlice(protocol.ClientParamRedirectURIs)
		if !ok {
			return model.DataBag{}, protocol.InvalidClientMetadata(`The parameter "redirect_uris" must be a list of strings.`)
		}
		for _, uri := range uris {
			if err := util.ValidateRedirectURI(uri); err != nil {
				return model.DataBag{}, protocol.InvalidRedirectURI(err.Error())
			}
		}
	}

	if policy, ok := params.GetString(protocol.ClientParamScopePolicy); ok && policy != "" && !s.scopePolicies.Has(policy) {
		return model.DataBag{}, protocol.InvalidClientMetadata(fmt.Sprintf("The scope policy %q is not supported.", policy))
	}

	out, err := s.clientAuth.CheckClientConfiguration(ctx, params)
	if err != nil {
		var oauthErr *protocol.OAuthError
		if errors.As(err, &oauthErr) {
			return model.DataBag{}, oauthErr
		}
		return model.DataBag{}, protocol.InvalidClientMetadata(err.Error())
	}
	return out, nil
}

func (s *Server) rejectRegistration(clientID string, err error) {
	s.auditor.LogEvent(security.Event{
		Type:     security.EventClientRegistrationRejected,
		ClientID: clientID,
		Details:  map[string]any{"error": protocol.AsOAuthError(err).Code},
	})
}

// RegistrationResponse returns the RFC 7591 response for client.
func RegistrationResponse(client *domain.Client) ClientRegistrationResponse {
	out := ClientRegistrationResponse(client.Parameters().All())
	out[protocol.ParamClientID] = client.ID().String()
	out["client_id_issued_at"] = client.CreatedAt().Unix()
	return out
}
