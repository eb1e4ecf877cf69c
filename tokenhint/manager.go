package tokenhint

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

const errResourceServerMismatch = "The token was not issued for this resource server."

// Options are the optional collaborators of a Manager.
type Options struct {
	Auditor *security.Auditor
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager is the registry of token type hints.
type Manager struct {
	hints  []TokenTypeHint
	byName map[string]TokenTypeHint
	opts   Options
}

// NewManager creates a manager trying hints in the given order.
func NewManager(opts Options, hints ...TokenTypeHint) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{byName: make(map[string]TokenTypeHint), opts: opts}
	for _, h := range hints {
		m.Add(h)
	}
	return m
}

// Add registers a hint. A hint replacing one with the same name moves to
// the end of the lookup order.
func (m *Manager) Add(h TokenTypeHint) {
	name := h.Hint()
	m.hints = slices.DeleteFunc(m.hints, func(e TokenTypeHint) bool { return e.Hint() == name })
	m.hints = append(m.hints, h)
	m.byName[name] = h
}

// Has reports whether a hint name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// Get returns the hint registered as name, or unsupported_token_type.
func (m *Manager) Get(name string) (TokenTypeHint, error) {
	h, ok := m.byName[name]
	if !ok {
		return nil, protocol.UnsupportedTokenType(fmt.Sprintf("The token type hint %q is not supported.", name))
	}
	return h, nil
}

// Names lists the registered hints in lookup order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.hints))
	for _, h := range m.hints {
		names = append(names, h.Hint())
	}
	return names
}

// ordered returns the hints with preferred first. Unknown preferred names
// are ignored (RFC 7662 2.1).
func (m *Manager) ordered(preferred string) []TokenTypeHint {
	first, ok := m.byName[preferred]
	if !ok {
		return m.hints
	}
	out := []TokenTypeHint{first}
	for _, h := range m.hints {
		if h.Hint() != preferred {
			out = append(out, h)
		}
	}
	return out
}

// Find looks value up with every hint. It returns model.ErrNotFound when no
// hint knows the token.
func (m *Manager) Find(ctx context.Context, value, preferred string) (TokenTypeHint, Token, error) {
	if value == "" {
		return nil, nil, model.ErrNotFound
	}
	for _, h := range m.ordered(preferred) {
		token, err := h.Find(ctx, value)
		if err == nil {
			return h, token, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, nil, protocol.ServerError(fmt.Errorf("failed to look up %s: %w", h.Hint(), err))
		}
	}
	return nil, nil, model.ErrNotFound
}

// Introspect returns the RFC 7662 response for value as seen by rs. Unknown
// tokens are inactive. A token bound to another resource server is an
// invalid_request.
func (m *Manager) Introspect(ctx context.Context, rs model.ResourceServer, value, preferred string) (map[string]any, error) {
	h, token, err := m.Find(ctx, value, preferred)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			m.recordIntrospection(ctx, false)
			return map[string]any{"active": false}, nil
		}
		return nil, err
	}
	if err := m.checkResourceServer(rs, token); err != nil {
		return nil, err
	}

	out := h.Introspect(token, m.opts.Now())
	active, _ := out["active"].(bool)
	m.recordIntrospection(ctx, active)
	return out, nil
}

// Revoke revokes value on behalf of rs. Unknown tokens are ignored
// (RFC 7009 2.2); an unregistered hint is unsupported_token_type.
func (m *Manager) Revoke(ctx context.Context, rs model.ResourceServer, value, hint string) error {
	if hint != "" && !m.Has(hint) {
		return protocol.UnsupportedTokenType(fmt.Sprintf("The token type hint %q is not supported.", hint))
	}

	h, token, err := m.Find(ctx, value, hint)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := m.checkResourceServer(rs, token); err != nil {
		return err
	}

	if err := h.Revoke(ctx, token, m.opts.Now()); err != nil {
		m.opts.Logger.Error("Failed to revoke token",
			"token", util.SafeTruncate(value, 8),
			"token_type", h.Hint(),
			"error", err)
		return protocol.ServerError(err)
	}

	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordTokenRevocation(ctx, h.Hint())
	}
	m.opts.Auditor.LogTokenRevoked(token.ResourceOwnerID().String(), token.ClientID().String(), h.Hint())
	return nil
}

func (m *Manager) checkResourceServer(rs model.ResourceServer, token Token) error {
	bound := token.ResourceServerID()
	if bound == "" {
		return nil
	}
	if rs != nil && rs.ID() == bound {
		return nil
	}

	caller := ""
	if rs != nil {
		caller = rs.ID().String()
	}
	m.opts.Auditor.LogEvent(security.Event{
		Type:     security.EventResourceServerMismatch,
		UserID:   token.ResourceOwnerID().String(),
		ClientID: token.ClientID().String(),
		Details:  map[string]any{"resource_server": caller, "bound_to": bound.String()},
	})
	return protocol.InvalidRequest(errResourceServerMismatch)
}

func (m *Manager) recordIntrospection(ctx context.Context, active bool) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordIntrospection(ctx, active)
	}
}

// ResourceServerAuthenticator identifies the resource server calling the
// introspection or revocation endpoint.
type ResourceServerAuthenticator interface {
	Authenticate(r *http.Request) (model.ResourceServer, error)
}

// BasicResourceServerAuthenticator authenticates resource servers with HTTP
// Basic credentials (id:secret).
type BasicResourceServerAuthenticator struct {
	Servers model.ResourceServerRepository
	Auditor *security.Auditor
}

// NewBasicResourceServerAuthenticator creates the authenticator.
func NewBasicResourceServerAuthenticator(servers model.ResourceServerRepository, auditor *security.Auditor) *BasicResourceServerAuthenticator {
	return &BasicResourceServerAuthenticator{Servers: servers, Auditor: auditor}
}

func (a *BasicResourceServerAuthenticator) Authenticate(r *http.Request) (model.ResourceServer, error) {
	id, secret, ok := r.BasicAuth()
	if !ok || id == "" {
		return nil, protocol.InvalidResourceServer("Resource server authentication failed.")
	}

	rs, err := a.Servers.Find(r.Context(), model.ResourceServerID(id))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			return nil, protocol.ServerError(fmt.Errorf("failed to load resource server: %w", err))
		}
		a.fail(r, id, "unknown resource server")
		return nil, protocol.InvalidResourceServer("Resource server authentication failed.")
	}
	if subtle.ConstantTimeCompare([]byte(rs.Secret()), []byte(secret)) != 1 {
		a.fail(r, id, "invalid secret")
		return nil, protocol.InvalidResourceServer("Resource server authentication failed.")
	}
	return rs, nil
}

func (a *BasicResourceServerAuthenticator) fail(r *http.Request, id, reason string) {
	a.Auditor.LogEvent(security.Event{
		Type:      security.EventResourceServerAuthFailure,
		ClientID:  id,
		IPAddress: security.GetClientIP(r, false, 0),
		Details:   map[string]any{"reason": reason},
	})
}
