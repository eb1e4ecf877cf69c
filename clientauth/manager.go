package clientauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// ClientFinder loads clients by id. It returns model.ErrNotFound for unknown
// clients.
type ClientFinder interface {
	Find(ctx context.Context, id model.ClientID) (*domain.Client, error)
}

// Result is the outcome of FindClientIDAndCredentials.
type Result struct {
	ClientID    model.ClientID
	Method      Method
	Credentials any
}

// Manager dispatches client authentication to the registered methods.
type Manager struct {
	methods []Method
	byName  map[string]Method
	now     func() time.Time
}

// NewManager creates a manager holding methods, consulted in order.
func NewManager(methods ...Method) *Manager {
	m := &Manager{byName: make(map[string]Method), now: time.Now}
	for _, method := range methods {
		m.Add(method)
	}
	return m
}

// SetClock replaces the clock used for credential expiry.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Add registers a method under each name it supports.
func (m *Manager) Add(method Method) {
	m.methods = append(m.methods, method)
	for _, name := range method.SupportedMethods() {
		m.byName[name] = method
	}
}

// Has reports whether an authentication method name is supported.
func (m *Manager) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Get returns the method serving name.
func (m *Manager) Get(name string) (Method, error) {
	method, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("client authentication method %q is not supported", name)
	}
	return method, nil
}

// SupportedMethods lists every supported method name in sorted order.
func (m *Manager) SupportedMethods() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SchemesParameters collects the WWW-Authenticate challenges of all methods.
func (m *Manager) SchemesParameters() []string {
	var out []string
	for _, method := range m.methods {
		out = append(out, method.SchemesParameters()...)
	}
	return out
}

// FindClientIDAndCredentials runs every method against the request. A zero
// Result means the request carries no client identification. Two matching
// methods other than None are an invalid_request.
func (m *Manager) FindClientIDAndCredentials(r *http.Request) (Result, error) {
	var found, public Result
	for _, method := range m.methods {
		id, credentials, err := method.FindClientIDAndCredentials(r)
		if err != nil {
			return Result{}, err
		}
		if id == "" {
			continue
		}

		switch method.(type) {
		case None, *None:
			public = Result{ClientID: id, Method: method, Credentials: credentials}
			continue
		}
		if found.ClientID != "" {
			return Result{}, protocol.InvalidRequest("Only one authentication method may be used to authenticate the client.")
		}
		found = Result{ClientID: id, Method: method, Credentials: credentials}
	}

	if found.ClientID != "" {
		return found, nil
	}
	return public, nil
}

// IsClientAuthenticated checks that the client is active, registered for the
// matched method, that its credentials have not expired and that they verify.
func (m *Manager) IsClientAuthenticated(ctx context.Context, client *domain.Client, res Result, r *http.Request) bool {
	if client == nil || res.Method == nil || client.IsDeleted() {
		return false
	}
	if !slices.Contains(res.Method.SupportedMethods(), client.TokenEndpointAuthMethod()) {
		return false
	}
	if client.AreClientCredentialsExpired(m.now()) {
		return false
	}
	return res.Method.IsClientAuthenticated(ctx, client, res.Credentials, r)
}

// Authenticate identifies and authenticates the client of a request whose
// form has been parsed. It returns nil without error when the request does
// not identify a client.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request, clients ClientFinder) (*domain.Client, error) {
	res, err := m.FindClientIDAndCredentials(r)
	if err != nil {
		return nil, err
	}
	if res.ClientID == "" {
		return nil, nil
	}

	client, err := clients.Find(ctx, res.ClientID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, protocol.InvalidClient("Client authentication failed.")
		}
		return nil, protocol.ServerError(err)
	}
	if !m.IsClientAuthenticated(ctx, client, res, r) {
		return nil, protocol.InvalidClient("Client authentication failed.")
	}
	return client, nil
}

// CheckClientConfiguration resolves the token_endpoint_auth_method of a
// client being registered (default client_secret_basic) and lets the method
// validate and complete the parameters.
func (m *Manager) CheckClientConfiguration(ctx context.Context, params model.DataBag) (model.DataBag, error) {
	name, ok := params.GetString(ParameterAuthMethod)
	if !ok || name == "" {
		name = domain.DefaultTokenEndpointAuthMethod
	}
	method, ok := m.byName[name]
	if !ok {
		return model.DataBag{}, protocol.InvalidClientMetadata(fmt.Sprintf("The token endpoint authentication method %q is not supported.", name))
	}

	out := params.Clone()
	out.Set(ParameterAuthMethod, name)
	return method.CheckClientConfiguration(ctx, out)
}
