// Package scope resolves and validates OAuth 2.0 scope strings.
//
// A scope string is a space-delimited list of tokens (RFC 6749 section 3.3).
// When a token request carries no scope, the client's scope_policy parameter
// selects a Policy that decides what is granted instead.
package scope

import (
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-engine/protocol"
)

const (
	// ClientParameterPolicy is the client parameter naming the scope policy.
	ClientParameterPolicy = protocol.ClientParamScopePolicy

	// ClientParameterDefaultScope is the client parameter read by DefaultPolicy.
	ClientParameterDefaultScope = protocol.ClientParamDefaultScope
)

// Client is the part of a client a policy reads.
type Client interface {
	GetString(key string) (string, bool)
}

// Policy decides the scope granted when none was requested.
type Policy interface {
	// Name is the value of the client's scope_policy parameter selecting it.
	Name() string

	// Apply returns the scope to use for requestedScope.
	Apply(requestedScope string, client Client) (string, error)
}

// NonePolicy grants exactly what was requested, including nothing.
type NonePolicy struct{}

func (NonePolicy) Name() string { return "none" }

func (NonePolicy) Apply(requestedScope string, _ Client) (string, error) {
	return requestedScope, nil
}

// DefaultPolicy grants a default scope when none was requested: the client's
// default_scope parameter when set, else Scope.
type DefaultPolicy struct {
	Scope string
}

func (DefaultPolicy) Name() string { return "default" }

func (p DefaultPolicy) Apply(requestedScope string, client Client) (string, error) {
	if requestedScope != "" {
		return requestedScope, nil
	}
	if client != nil {
		if s, ok := client.GetString(ClientParameterDefaultScope); ok && s != "" {
			return s, nil
		}
	}
	return p.Scope, nil
}

// ErrorPolicy rejects requests without a scope.
type ErrorPolicy struct{}

func (ErrorPolicy) Name() string { return "error" }

func (ErrorPolicy) Apply(requestedScope string, _ Client) (string, error) {
	if requestedScope == "" {
		return "", protocol.InvalidScope("No scope was requested.")
	}
	return requestedScope, nil
}

// PolicyManager holds the available policies keyed by name.
type PolicyManager struct {
	policies map[string]Policy
}

// NewPolicyManager creates a manager holding the given policies.
func NewPolicyManager(policies ...Policy) *PolicyManager {
	m := &PolicyManager{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		m.Add(p)
	}
	return m
}

// Add registers a policy, replacing any policy of the same name.
func (m *PolicyManager) Add(p Policy) {
	m.policies[p.Name()] = p
}

// Has reports whether a policy with the given name is registered.
func (m *PolicyManager) Has(name string) bool {
	_, ok := m.policies[name]
	return ok
}

// Names returns the registered policy names in sorted order.
func (m *PolicyManager) Names() []string {
	names := make([]string, 0, len(m.policies))
	for name := range m.policies {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Apply runs the policy named by the client's scope_policy parameter. A
// client without a policy gets requestedScope back unchanged. Naming an
// unregistered policy is a configuration error.
func (m *PolicyManager) Apply(requestedScope string, client Client) (string, error) {
	if client == nil {
		return requestedScope, nil
	}
	name, ok := client.GetString(ClientParameterPolicy)
	if !ok || name == "" {
		return requestedScope, nil
	}
	p, ok := m.policies[name]
	if !ok {
		return "", fmt.Errorf("scope policy %q is not supported", name)
	}
	return p.Apply(requestedScope, client)
}

// CheckUsedOnce fails when scope appears more than once in scopeString.
func CheckUsedOnce(scope, scopeString string) error {
	count := 0
	for _, s := range strings.Split(scopeString, " ") {
		if s == scope {
			count++
		}
	}
	if count > 1 {
		return protocol.InvalidScope(fmt.Sprintf("Scope %q appears more than once.", scope))
	}
	return nil
}

// CheckCharset fails when scopeString holds a character outside
// %x20 / %x23-5B / %x5D-7E.
func CheckCharset(scopeString string) error {
	for i := 0; i < len(scopeString); i++ {
		c := scopeString[i]
		if c == 0x20 || (c >= 0x23 && c <= 0x5B) || (c >= 0x5D && c <= 0x7E) {
			continue
		}
		return protocol.InvalidScope("Scope contains illegal characters.")
	}
	return nil
}

// Check validates a requested scope string: legal characters, no empty
// tokens and no duplicates.
func Check(scopeString string) error {
	if err := CheckCharset(scopeString); err != nil {
		return err
	}
	for _, s := range strings.Split(scopeString, " ") {
		if s == "" {
			return protocol.InvalidScope("Scope contains an empty token.")
		}
		if err := CheckUsedOnce(s, scopeString); err != nil {
			return err
		}
	}
	return nil
}

// IsSubset reports whether every token of requested is part of available.
func IsSubset(requested, available string) bool {
	allowed := strings.Fields(available)
	for _, s := range strings.Fields(requested) {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}
