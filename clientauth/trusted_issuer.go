package clientauth

import (
	"context"
	"slices"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/model"
)

// TrustedIssuer is a third party allowed to issue assertions on behalf of
// clients or users.
type TrustedIssuer interface {
	// Name is the value of the iss claim of its assertions.
	Name() string

	// AllowedAssertionTypes lists the assertion types the issuer may sign,
	// e.g. the client assertion type or the jwt-bearer grant type.
	AllowedAssertionTypes() []string

	// AllowedSignatureAlgorithms lists the algorithms accepted from the issuer.
	AllowedSignatureAlgorithms() []jose.SignatureAlgorithm

	// KeySet returns the issuer's public keys.
	KeySet(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// TrustedIssuerRepository finds trusted issuers by name. Implementations
// return model.ErrNotFound for unknown issuers.
type TrustedIssuerRepository interface {
	Find(ctx context.Context, name string) (TrustedIssuer, error)
}

// StaticTrustedIssuer is a TrustedIssuer with a fixed key set.
type StaticTrustedIssuer struct {
	Issuer         string
	AssertionTypes []string
	Algorithms     []jose.SignatureAlgorithm
	Keys           *jose.JSONWebKeySet
}

func (i *StaticTrustedIssuer) Name() string                    { return i.Issuer }
func (i *StaticTrustedIssuer) AllowedAssertionTypes() []string { return slices.Clone(i.AssertionTypes) }

func (i *StaticTrustedIssuer) AllowedSignatureAlgorithms() []jose.SignatureAlgorithm {
	return slices.Clone(i.Algorithms)
}

func (i *StaticTrustedIssuer) KeySet(context.Context) (*jose.JSONWebKeySet, error) {
	return i.Keys, nil
}

// MemoryTrustedIssuerRepository keeps trusted issuers in memory.
type MemoryTrustedIssuerRepository struct {
	mu      sync.RWMutex
	issuers map[string]TrustedIssuer
}

// NewMemoryTrustedIssuerRepository creates a repository holding issuers.
func NewMemoryTrustedIssuerRepository(issuers ...TrustedIssuer) *MemoryTrustedIssuerRepository {
	r := &MemoryTrustedIssuerRepository{issuers: make(map[string]TrustedIssuer, len(issuers))}
	for _, i := range issuers {
		r.Save(i)
	}
	return r
}

// Save adds or replaces an issuer.
func (r *MemoryTrustedIssuerRepository) Save(i TrustedIssuer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issuers[i.Name()] = i
}

func (r *MemoryTrustedIssuerRepository) Find(_ context.Context, name string) (TrustedIssuer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.issuers[name]
	if !ok {
		return nil, model.ErrNotFound
	}
	return i, nil
}
