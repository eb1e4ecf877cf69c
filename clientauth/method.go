// Package clientauth authenticates OAuth clients at the token, introspection
// and revocation endpoints.
//
// Each Method recognises one way of presenting client credentials:
//
//   - None: a public client sends only client_id
//   - ClientSecretBasic: HTTP Basic authentication with the client secret
//   - ClientSecretPost: client_id and client_secret in the request body
//   - ClientAssertionJwt: a signed JWT assertion (client_secret_jwt and
//     private_key_jwt), optionally encrypted and optionally issued by a
//     trusted third party
//
// The Manager runs every registered method against a request. At most one
// method other than None may match.
package clientauth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Authentication method names (token_endpoint_auth_method values).
const (
	MethodNone              = domain.AuthMethodNone
	MethodClientSecretBasic = "client_secret_basic"
	MethodClientSecretPost  = "client_secret_post"
	MethodClientSecretJwt   = "client_secret_jwt"
	MethodPrivateKeyJwt     = "private_key_jwt"
)

// Client parameters written by CheckClientConfiguration.
const (
	ParameterAuthMethod            = protocol.ClientParamTokenEndpointAuthMethod
	ParameterClientSecret          = protocol.ClientParamClientSecret
	ParameterClientSecretExpiresAt = protocol.ClientParamClientSecretExpiresAt
)

// Method is one way for a client to authenticate.
type Method interface {
	// SupportedMethods lists the token_endpoint_auth_method values served.
	SupportedMethods() []string

	// SchemesParameters returns WWW-Authenticate challenges for 401 responses.
	SchemesParameters() []string

	// FindClientIDAndCredentials extracts the client id and credentials from
	// a request whose form has been parsed. An empty id means the request
	// does not use this method. A malformed attempt is an error.
	FindClientIDAndCredentials(r *http.Request) (model.ClientID, any, error)

	// IsClientAuthenticated checks the credentials against the client.
	IsClientAuthenticated(ctx context.Context, client *domain.Client, credentials any, r *http.Request) bool

	// CheckClientConfiguration validates and completes the parameters of a
	// client being registered with this method, e.g. by minting a secret.
	CheckClientConfiguration(ctx context.Context, params model.DataBag) (model.DataBag, error)
}

// secretIssuer mints client secrets for the secret based methods.
type secretIssuer struct {
	// SecretLifetime sets client_secret_expires_at. Zero means never.
	SecretLifetime time.Duration

	// Now is the clock (default time.Now).
	Now func() time.Time
}

func (s secretIssuer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// issueSecret sets a fresh client_secret and its expiry.
func (s secretIssuer) issueSecret(params model.DataBag) model.DataBag {
	out := params.Clone()
	out.Set(ParameterClientSecret, oauth2.GenerateVerifier())

	var expiresAt int64
	if s.SecretLifetime > 0 {
		expiresAt = s.now().Add(s.SecretLifetime).Unix()
	}
	out.Set(ParameterClientSecretExpiresAt, expiresAt)
	return out
}

// secretMatches compares the stored client secret with a presented one in
// constant time.
func secretMatches(client *domain.Client, presented any) bool {
	secret, ok := presented.(string)
	if !ok || secret == "" {
		return false
	}
	stored, ok := client.ClientSecret()
	if !ok || stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(secret)) == 1
}
