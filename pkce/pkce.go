// Package pkce verifies Proof Key for Code Exchange challenges (RFC 7636).
//
// A Manager holds the challenge methods the server accepts. The
// authorization code grant looks up the method recorded with the code and
// checks the code_verifier of the token request against the stored
// code_challenge:
//
//	m := pkce.NewManager(pkce.S256{}, pkce.Plain{})
//	method, err := m.Get(code.CodeChallengeMethod())
//	ok := method.IsChallengeVerified(verifier, challenge)
package pkce

import (
	"crypto/subtle"
	"fmt"
	"sort"

	"golang.org/x/oauth2"
)

const (
	// MethodPlain compares the verifier with the challenge directly.
	MethodPlain = "plain"

	// MethodS256 compares base64url(sha256(verifier)) with the challenge.
	MethodS256 = "S256"

	// DefaultMethod applies when the authorization request omits
	// code_challenge_method.
	DefaultMethod = MethodPlain

	// MinVerifierLength and MaxVerifierLength bound code_verifier (RFC 7636 4.1).
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// Method is a code challenge method.
type Method interface {
	// Name is the code_challenge_method value, e.g. "S256".
	Name() string

	// IsChallengeVerified reports whether verifier matches challenge.
	IsChallengeVerified(verifier, challenge string) bool
}

// Plain is the "plain" method.
type Plain struct{}

func (Plain) Name() string { return MethodPlain }

func (Plain) IsChallengeVerified(verifier, challenge string) bool {
	return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
}

// S256 is the "S256" method.
type S256 struct{}

func (S256) Name() string { return MethodS256 }

func (S256) IsChallengeVerified(verifier, challenge string) bool {
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidateVerifier checks the length and character set of a code_verifier:
// 43 to 128 characters of [A-Za-z0-9-._~].
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be %d to %d characters", MinVerifierLength, MaxVerifierLength)
	}
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// Manager is a registry of challenge methods keyed by name.
type Manager struct {
	methods map[string]Method
}

// NewManager creates a manager holding the given methods.
func NewManager(methods ...Method) *Manager {
	m := &Manager{methods: make(map[string]Method, len(methods))}
	for _, method := range methods {
		m.Add(method)
	}
	return m
}

// Add registers a method, replacing any method of the same name.
func (m *Manager) Add(method Method) {
	m.methods[method.Name()] = method
}

// Has reports whether a method with the given name is registered.
func (m *Manager) Has(name string) bool {
	_, ok := m.methods[name]
	return ok
}

// Get returns the method with the given name.
func (m *Manager) Get(name string) (Method, error) {
	method, ok := m.methods[name]
	if !ok {
		return nil, fmt.Errorf("unsupported code_challenge_method %q", name)
	}
	return method, nil
}

// Names returns the registered method names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.methods))
	for name := range m.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
