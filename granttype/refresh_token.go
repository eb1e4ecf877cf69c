package granttype

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

const errInvalidRefreshToken = "The parameter 'refresh_token' is invalid."

// RefreshTokenGrant exchanges a refresh token (RFC 6749 6). A new refresh
// token is always issued; revoking the presented one is left to the caller
// once the new token is stored.
type RefreshTokenGrant struct {
	Options

	RefreshTokens RefreshTokenStore
}

// NewRefreshTokenGrant creates the grant.
func NewRefreshTokenGrant(refreshTokens RefreshTokenStore, opts Options) *RefreshTokenGrant {
	return &RefreshTokenGrant{Options: opts, RefreshTokens: refreshTokens}
}

func (*RefreshTokenGrant) Name() string                       { return protocol.GrantTypeRefreshToken }
func (*RefreshTokenGrant) AssociatedResponseTypes() []string  { return nil }
func (*RefreshTokenGrant) ClientAuthenticationRequired() bool { return true }

func (g *RefreshTokenGrant) CheckRequest(r *http.Request) error {
	return checkParameters(r, protocol.ParamRefreshToken)
}

// PrepareResponse loads the refresh token and exposes its scope.
func (g *RefreshTokenGrant) PrepareResponse(ctx context.Context, r *http.Request, data *Data) error {
	token, err := g.RefreshTokens.Find(ctx, model.RefreshTokenID(r.PostForm.Get(protocol.ParamRefreshToken)))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return protocol.InvalidGrant(errInvalidRefreshToken)
		}
		return protocol.ServerError(fmt.Errorf("failed to load refresh token: %w", err))
	}
	data.RefreshToken = token
	data.AvailableScope = token.Scope()
	return nil
}

// Grant validates the refresh token and carries its owner and metadata over.
func (g *RefreshTokenGrant) Grant(ctx context.Context, r *http.Request, data *Data) error {
	if err := requireClient(data); err != nil {
		return err
	}
	if data.RefreshToken == nil {
		if err := g.PrepareResponse(ctx, r, data); err != nil {
			return err
		}
	}
	token := data.RefreshToken

	if token.ClientID() != data.ClientID() {
		g.audit(security.EventInvalidGrant, data, token.ResourceOwnerID().String(), "refresh token issued to another client")
		return protocol.InvalidGrant(errInvalidRefreshToken)
	}
	if token.IsRevoked() {
		// A rotated token presented again may have leaked.
		g.audit(security.EventInvalidGrant, data, token.ResourceOwnerID().String(), "revoked refresh token presented")
		return protocol.InvalidGrant(errInvalidRefreshToken)
	}
	if token.IsExpired(g.now()) {
		return protocol.InvalidGrant("Refresh token has expired.")
	}

	data.ResourceOwnerID = token.ResourceOwnerID()
	if token.ResourceOwnerID() != data.ClientID().ResourceOwnerID() {
		data.UserAccountID = model.UserAccountID(token.ResourceOwnerID())
	}
	data.ResourceServerID = token.ResourceServerID()
	data.IssueRefreshToken = true
	data.Parameters.Merge(token.Parameters())
	data.Metadata.Merge(token.Metadata())
	return nil
}
