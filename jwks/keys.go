package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Client parameters holding key material.
const (
	ParameterJWKS         = protocol.ClientParamJWKS
	ParameterJWKSURI      = protocol.ClientParamJWKSURI
	ParameterClientSecret = protocol.ClientParamClientSecret
)

// Key usages.
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

var (
	// ErrNoKeys is returned when a client carries no usable key material.
	ErrNoKeys = errors.New("no key material available")

	// ErrKeyNotFound is returned when no key fits the requested algorithm.
	ErrKeyNotFound = errors.New("no suitable key found")

	// ErrSignatureInvalid is returned when no candidate key verifies a JWS.
	ErrSignatureInvalid = errors.New("signature verification failed")
)

// SupportedSignatureAlgorithms lists every JWS algorithm a token may be
// parsed with before the party that signed it is known. Verification always
// narrows it to the list configured for that party.
var SupportedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.EdDSA,
}

// Client is the part of a client key resolution reads.
type Client interface {
	Parameters() model.DataBag
}

// ParseKeySet decodes a JWK Set given as a JSON string, raw JSON or a decoded
// JSON object.
func ParseKeySet(v any) (*jose.JSONWebKeySet, error) {
	var data []byte
	switch vv := v.(type) {
	case string:
		data = []byte(vv)
	case []byte:
		data = vv
	case json.RawMessage:
		data = vv
	default:
		encoded, err := json.Marshal(vv)
		if err != nil {
			return nil, fmt.Errorf("invalid JWKS: %w", err)
		}
		data = encoded
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("invalid JWKS: %w", err)
	}
	if len(set.Keys) == 0 {
		return nil, fmt.Errorf("invalid JWKS: %w", ErrNoKeys)
	}
	return &set, nil
}

// SharedSecretKeySet wraps a client secret as a symmetric key set.
func SharedSecretKeySet(secret string) *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: []byte(secret)}}}
}

// PublicKeySet returns the client's public keys from its jwks parameter, or
// fetched from its jwks_uri parameter.
func PublicKeySet(ctx context.Context, client Client, fetcher Fetcher) (*jose.JSONWebKeySet, error) {
	params := client.Parameters()
	if v, ok := params.Get(ParameterJWKS); ok {
		return ParseKeySet(v)
	}
	if uri, ok := params.GetString(ParameterJWKSURI); ok && uri != "" {
		if fetcher == nil {
			return nil, fmt.Errorf("client declares jwks_uri but no fetcher is configured: %w", ErrNoKeys)
		}
		return fetcher.Fetch(ctx, uri)
	}
	return nil, ErrNoKeys
}

// SecretKeySet returns the client's shared secret as a key set.
func SecretKeySet(client Client) (*jose.JSONWebKeySet, error) {
	secret, ok := client.Parameters().GetString(ParameterClientSecret)
	if !ok || secret == "" {
		return nil, ErrNoKeys
	}
	return SharedSecretKeySet(secret), nil
}

// AllKeySets merges the shared secret and public keys of a client. Missing
// material is skipped; an empty result is ErrNoKeys.
func AllKeySets(ctx context.Context, client Client, fetcher Fetcher) (*jose.JSONWebKeySet, error) {
	var out jose.JSONWebKeySet
	if set, err := SecretKeySet(client); err == nil {
		out.Keys = append(out.Keys, set.Keys...)
	}
	set, err := PublicKeySet(ctx, client, fetcher)
	switch {
	case err == nil:
		out.Keys = append(out.Keys, set.Keys...)
	case !errors.Is(err, ErrNoKeys):
		return nil, err
	}
	if len(out.Keys) == 0 {
		return nil, ErrNoKeys
	}
	return &out, nil
}

// VerifyCompact verifies a compact JWS carrying exactly one signature with an
// algorithm from allowed, trying every candidate key of set. It returns the
// parsed object and the verified payload.
func VerifyCompact(token string, set *jose.JSONWebKeySet, allowed []jose.SignatureAlgorithm) (*jose.JSONWebSignature, []byte, error) {
	jws, err := jose.ParseSignedCompact(token, allowed)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed JWS: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, nil, fmt.Errorf("JWS must carry exactly one signature, got %d", len(jws.Signatures))
	}
	if set == nil {
		return nil, nil, ErrNoKeys
	}

	header := jws.Signatures[0].Header
	for _, k := range candidates(set, header.KeyID, UseSignature, header.Algorithm) {
		payload, err := jws.Verify(verificationKey(k))
		if err == nil {
			return jws, payload, nil
		}
	}
	return nil, nil, ErrSignatureInvalid
}

// SigningKey selects a private (or symmetric) key of set able to produce alg.
func SigningKey(set *jose.JSONWebKeySet, alg string) (jose.JSONWebKey, error) {
	if set != nil {
		for _, k := range candidates(set, "", UseSignature, alg) {
			if _, symmetric := k.Key.([]byte); symmetric || !k.IsPublic() {
				return k, nil
			}
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w for %s signature", ErrKeyNotFound, alg)
}

// EncryptionKey selects a public (or symmetric) key of set usable with the
// key management algorithm alg.
func EncryptionKey(set *jose.JSONWebKeySet, alg string) (jose.JSONWebKey, error) {
	if set != nil {
		for _, k := range candidates(set, "", UseEncryption, alg) {
			switch k.Key.(type) {
			case []byte:
				return k, nil
			default:
				if k.IsPublic() {
					return k, nil
				}
				return k.Public(), nil
			}
		}
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w for %s encryption", ErrKeyNotFound, alg)
}

// DecryptionKeys returns the keys of set able to decrypt with alg.
func DecryptionKeys(set *jose.JSONWebKeySet, alg string) []jose.JSONWebKey {
	if set == nil {
		return nil
	}
	var out []jose.JSONWebKey
	for _, k := range candidates(set, "", UseEncryption, alg) {
		if _, symmetric := k.Key.([]byte); symmetric || !k.IsPublic() {
			out = append(out, k)
		}
	}
	return out
}

// DeriveSymmetricKey derives an encryption key from a client secret: the
// left-most bits of a SHA-2 hash of the secret, sized for alg (OpenID Connect
// Core 10.2).
func DeriveSymmetricKey(secret, alg string) ([]byte, error) {
	var size int
	var h hash.Hash
	switch jose.KeyAlgorithm(alg) {
	case jose.A128KW, jose.A128GCMKW:
		size, h = 16, sha256.New()
	case jose.A192KW, jose.A192GCMKW:
		size, h = 24, sha512.New384()
	case jose.A256KW, jose.A256GCMKW:
		size, h = 32, sha256.New()
	default:
		return nil, fmt.Errorf("cannot derive a key for %q", alg)
	}
	h.Write([]byte(secret))
	return h.Sum(nil)[:size], nil
}

// candidates returns the keys of set matching kid (when set), usage and alg,
// in set order.
func candidates(set *jose.JSONWebKeySet, kid, use, alg string) []jose.JSONWebKey {
	keys := set.Keys
	if kid != "" {
		keys = set.Key(kid)
	}

	var out []jose.JSONWebKey
	for _, k := range keys {
		if k.Use != "" && k.Use != use {
			continue
		}
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		if !KeyFitsAlgorithm(k, alg) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// KeyFitsAlgorithm reports whether the key type of k can be used with the
// JWS or JWE key management algorithm alg.
func KeyFitsAlgorithm(k jose.JSONWebKey, alg string) bool {
	switch k.Key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS") || strings.HasPrefix(alg, "RSA")
	case *ecdsa.PublicKey, *ecdsa.PrivateKey:
		return strings.HasPrefix(alg, "ES") || strings.HasPrefix(alg, "ECDH-ES")
	case ed25519.PublicKey, ed25519.PrivateKey:
		return alg == string(jose.EdDSA)
	case []byte:
		return strings.HasPrefix(alg, "HS") || (strings.HasPrefix(alg, "A") && strings.HasSuffix(alg, "KW")) || alg == string(jose.DIRECT)
	default:
		return false
	}
}

func verificationKey(k jose.JSONWebKey) jose.JSONWebKey {
	if _, symmetric := k.Key.([]byte); symmetric || k.IsPublic() {
		return k
	}
	return k.Public()
}
