// Package granttype implements the token endpoint grant types:
// authorization_code, refresh_token, client_credentials, password and
// urn:ietf:params:oauth:grant-type:jwt-bearer.
//
// The token endpoint drives each request through three steps, in order:
//
//  1. CheckRequest validates the presence of the grant's parameters.
//  2. PrepareResponse performs read-only lookups and records the scope
//     available to the request.
//  3. Grant performs the authoritative check-and-consume step. It sets the
//     resource owner and the refresh token decision on Data.
//
// Any step may return a *protocol.OAuthError.
package granttype

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Data carries one token request through the grant pipeline.
type Data struct {
	// Client is the authenticated client. It may be nil for grants that do
	// not require client authentication.
	Client *domain.Client

	ResourceOwnerID  model.ResourceOwnerID
	UserAccountID    model.UserAccountID
	ResourceServerID model.ResourceServerID

	// AvailableScope is the scope recorded by the grant (code or refresh
	// token). Empty means the grant does not restrict the scope.
	AvailableScope string

	// Parameters and Metadata are copied onto the issued tokens.
	Parameters model.DataBag
	Metadata   model.DataBag

	IssueRefreshToken bool

	AuthorizationCode *domain.AuthorizationCode
	RefreshToken      *domain.RefreshToken
}

// NewData returns Data for the given client.
func NewData(client *domain.Client) *Data {
	return &Data{
		Client:     client,
		Parameters: model.NewDataBag(nil),
		Metadata:   model.NewDataBag(nil),
	}
}

// ClientID returns the id of the client, or empty.
func (d *Data) ClientID() model.ClientID {
	if d.Client == nil {
		return ""
	}
	return d.Client.ID()
}

// GrantType is one token endpoint grant.
type GrantType interface {
	Name() string

	// AssociatedResponseTypes lists the authorization endpoint response
	// types that lead to this grant.
	AssociatedResponseTypes() []string

	// ClientAuthenticationRequired is false for grants where the client
	// may remain anonymous.
	ClientAuthenticationRequired() bool

	CheckRequest(r *http.Request) error
	PrepareResponse(ctx context.Context, r *http.Request, data *Data) error
	Grant(ctx context.Context, r *http.Request, data *Data) error
}

// Manager is the registry of grant types.
type Manager struct {
	types map[string]GrantType
}

// NewManager creates a manager holding types.
func NewManager(types ...GrantType) *Manager {
	m := &Manager{types: make(map[string]GrantType)}
	for _, t := range types {
		m.Add(t)
	}
	return m
}

// Add registers a grant type, replacing any previous one with the same name.
func (m *Manager) Add(t GrantType) {
	m.types[t.Name()] = t
}

// Has reports whether name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.types[name]
	return ok
}

// Get returns the grant type registered as name, or unsupported_grant_type.
func (m *Manager) Get(name string) (GrantType, error) {
	t, ok := m.types[name]
	if !ok {
		return nil, protocol.UnsupportedGrantType(fmt.Sprintf("The grant type %q is not supported by this server.", name))
	}
	return t, nil
}

// Names lists the registered grant types in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.types))
	for name := range m.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResponseTypes lists the response types associated with the registered grants.
func (m *Manager) ResponseTypes() []string {
	var out []string
	for _, t := range m.types {
		for _, rt := range t.AssociatedResponseTypes() {
			if !slices.Contains(out, rt) {
				out = append(out, rt)
			}
		}
	}
	slices.Sort(out)
	return out
}

// AuthorizationCodeStore loads and saves authorization codes.
type AuthorizationCodeStore interface {
	Find(ctx context.Context, id model.AuthorizationCodeID) (*domain.AuthorizationCode, error)
	Save(ctx context.Context, c *domain.AuthorizationCode) error
}

// AccessTokenStore loads and saves access tokens.
type AccessTokenStore interface {
	Find(ctx context.Context, id model.AccessTokenID) (*domain.AccessToken, error)
	Save(ctx context.Context, t *domain.AccessToken) error
}

// RefreshTokenStore loads and saves refresh tokens.
type RefreshTokenStore interface {
	Find(ctx context.Context, id model.RefreshTokenID) (*domain.RefreshToken, error)
	Save(ctx context.Context, t *domain.RefreshToken) error
}

// ClientFinder loads clients. It returns model.ErrNotFound for unknown ids.
type ClientFinder interface {
	Find(ctx context.Context, id model.ClientID) (*domain.Client, error)
}

// checkParameters returns invalid_request listing the missing body parameters.
func checkParameters(r *http.Request, names ...string) error {
	var missing []string
	for _, name := range names {
		if r.PostForm.Get(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return protocol.InvalidRequest(fmt.Sprintf("Missing grant type parameter(s): %s.", strings.Join(missing, ", ")))
	}
	return nil
}

// requireClient guards grants that cannot run for anonymous clients.
func requireClient(data *Data) error {
	if data.Client == nil {
		return protocol.InvalidClient("Client authentication failed.")
	}
	return nil
}
