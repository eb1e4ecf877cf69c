package granttype

import (
	"context"
	"net/http"

	"github.com/giantswarm/oidc-engine/protocol"
)

// ClientCredentialsGrant issues tokens to a confidential client acting on
// its own behalf (RFC 6749 4.4).
type ClientCredentialsGrant struct {
	Options

	// IssueRefreshToken is usually false (RFC 6749 4.4.3).
	IssueRefreshToken bool
}

// NewClientCredentialsGrant creates the grant.
func NewClientCredentialsGrant(issueRefreshToken bool, opts Options) *ClientCredentialsGrant {
	return &ClientCredentialsGrant{Options: opts, IssueRefreshToken: issueRefreshToken}
}

func (*ClientCredentialsGrant) Name() string                       { return protocol.GrantTypeClientCredentials }
func (*ClientCredentialsGrant) AssociatedResponseTypes() []string  { return nil }
func (*ClientCredentialsGrant) ClientAuthenticationRequired() bool { return true }
func (*ClientCredentialsGrant) CheckRequest(*http.Request) error   { return nil }

func (*ClientCredentialsGrant) PrepareResponse(context.Context, *http.Request, *Data) error {
	return nil
}

func (g *ClientCredentialsGrant) Grant(_ context.Context, _ *http.Request, data *Data) error {
	if err := requireClient(data); err != nil {
		return err
	}
	if data.Client.IsPublic() {
		return protocol.InvalidClient("The client is not a confidential client.")
	}

	data.ResourceOwnerID = data.Client.ID().ResourceOwnerID()
	data.IssueRefreshToken = g.IssueRefreshToken
	return nil
}
