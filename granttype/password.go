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

// ResourceOwnerPasswordCredentialManager verifies user passwords. It returns
// model.ErrInvalidCredentials or model.ErrNotFound when they do not match.
type ResourceOwnerPasswordCredentialManager interface {
	FindUserAccountWithPasswordCredentials(ctx context.Context, username, password string) (model.UserAccountID, error)
}

// PasswordGrant implements the resource owner password credentials grant
// (RFC 6749 4.3).
type PasswordGrant struct {
	Options

	Credentials ResourceOwnerPasswordCredentialManager

	// IssueRefreshToken enables refresh tokens for this grant.
	IssueRefreshToken bool

	// IssueRefreshTokenForPublicClients additionally allows them for
	// clients authenticating with "none".
	IssueRefreshTokenForPublicClients bool
}

// NewPasswordGrant creates the grant with refresh tokens enabled for
// confidential clients.
func NewPasswordGrant(credentials ResourceOwnerPasswordCredentialManager, opts Options) *PasswordGrant {
	return &PasswordGrant{Options: opts, Credentials: credentials, IssueRefreshToken: true}
}

func (*PasswordGrant) Name() string                       { return protocol.GrantTypePassword }
func (*PasswordGrant) AssociatedResponseTypes() []string  { return nil }
func (*PasswordGrant) ClientAuthenticationRequired() bool { return true }

func (g *PasswordGrant) CheckRequest(r *http.Request) error {
	return checkParameters(r, protocol.ParamUsername, protocol.ParamPassword)
}

func (*PasswordGrant) PrepareResponse(context.Context, *http.Request, *Data) error { return nil }

func (g *PasswordGrant) Grant(ctx context.Context, r *http.Request, data *Data) error {
	if err := requireClient(data); err != nil {
		return err
	}

	username := r.PostForm.Get(protocol.ParamUsername)
	id, err := g.Credentials.FindUserAccountWithPasswordCredentials(ctx, username, r.PostForm.Get(protocol.ParamPassword))
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) || errors.Is(err, model.ErrNotFound) {
			g.audit(security.EventInvalidGrant, data, username, "invalid password credentials")
			return protocol.InvalidGrant("Invalid username and password combination.")
		}
		return protocol.ServerError(fmt.Errorf("failed to verify password credentials: %w", err))
	}

	data.UserAccountID = id
	data.ResourceOwnerID = id.ResourceOwnerID()
	data.IssueRefreshToken = g.IssueRefreshToken && (!data.Client.IsPublic() || g.IssueRefreshTokenForPublicClients)
	return nil
}
