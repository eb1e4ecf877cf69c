package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
)

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns (challenge, verifier) where challenge is the S256
// hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

var (
	keysOnce sync.Once
	rsaKey   jose.JSONWebKey
	ecKey    jose.JSONWebKey
	rsaEnc   jose.JSONWebKey
)

func generateKeys() {
	keysOnce.Do(func() {
		rk, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = jose.JSONWebKey{Key: rk, KeyID: "rsa-sig", Algorithm: string(jose.RS256), Use: "sig"}

		ek, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic(err)
		}
		ecKey = jose.JSONWebKey{Key: ek, KeyID: "ec-sig", Algorithm: string(jose.ES256), Use: "sig"}

		encKey, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaEnc = jose.JSONWebKey{Key: encKey, KeyID: "rsa-enc", Algorithm: string(jose.RSA_OAEP_256), Use: "enc"}
	})
}

// RSASigningKey returns a shared RS256 private key (kid "rsa-sig").
func RSASigningKey() jose.JSONWebKey {
	generateKeys()
	return rsaKey
}

// ECSigningKey returns a shared ES256 private key (kid "ec-sig").
func ECSigningKey() jose.JSONWebKey {
	generateKeys()
	return ecKey
}

// RSAEncryptionKey returns a shared RSA-OAEP-256 private key (kid "rsa-enc").
func RSAEncryptionKey() jose.JSONWebKey {
	generateKeys()
	return rsaEnc
}

// PrivateKeySet returns a set holding the given keys.
func PrivateKeySet(keys ...jose.JSONWebKey) *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{Keys: keys}
}

// PublicKeySet returns a set holding the public halves of the given keys.
func PublicKeySet(keys ...jose.JSONWebKey) *jose.JSONWebKeySet {
	set := &jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, k.Public())
	}
	return set
}

// SignJWT signs claims as a compact JWS with key. The key's kid is put in the
// header when set.
func SignJWT(t *testing.T, key jose.JSONWebKey, alg jose.SignatureAlgorithm, claims any) string {
	t.Helper()

	opts := (&jose.SignerOptions{}).WithType("JWT")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return token
}

// EncryptJWT wraps a compact JWS into a compact JWE for the public half of key.
func EncryptJWT(t *testing.T, jws string, key jose.JSONWebKey, alg jose.KeyAlgorithm, enc jose.ContentEncryption) string {
	t.Helper()

	recipient := key
	if _, symmetric := key.Key.([]byte); !symmetric {
		recipient = key.Public()
	}
	encrypter, err := jose.NewEncrypter(enc, jose.Recipient{Algorithm: alg, Key: recipient, KeyID: key.KeyID},
		(&jose.EncrypterOptions{}).WithContentType("JWT"))
	if err != nil {
		t.Fatalf("failed to create encrypter: %v", err)
	}
	obj, err := encrypter.Encrypt([]byte(jws))
	if err != nil {
		t.Fatalf("failed to encrypt: %v", err)
	}
	out, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("failed to serialize JWE: %v", err)
	}
	return out
}

// AssertionClaims returns the claims of a client assertion issued by clientID
// for audience, valid for five minutes after now.
func AssertionClaims(clientID, audience string, now time.Time) jwt.Claims {
	return jwt.Claims{
		Issuer:   clientID,
		Subject:  clientID,
		Audience: jwt.Audience{audience},
		ID:       GenerateRandomString(16),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
}

// ClientOption customises a test client.
type ClientOption func(params *model.DataBag)

// WithParameter sets a client parameter.
func WithParameter(key string, value any) ClientOption {
	return func(params *model.DataBag) { params.Set(key, value) }
}

// WithSecret makes the client authenticate with a shared secret.
func WithSecret(method, secret string) ClientOption {
	return func(params *model.DataBag) {
		params.Set("token_endpoint_auth_method", method)
		params.Set("client_secret", secret)
	}
}

// WithGrantTypes sets the grant types the client may use.
func WithGrantTypes(grantTypes ...string) ClientOption {
	return func(params *model.DataBag) { params.Set("grant_types", grantTypes) }
}

// NewClient builds a persisted-looking client. Without options it is a
// public client allowed to use the authorization_code and refresh_token
// grants with redirect URI https://cb/.
func NewClient(t *testing.T, id model.ClientID, opts ...ClientOption) *domain.Client {
	t.Helper()

	params := model.DataBag{}
	params.Set("token_endpoint_auth_method", "none")
	params.Set("grant_types", []string{"authorization_code", "refresh_token"})
	params.Set("redirect_uris", []string{"https://cb/"})
	for _, opt := range opts {
		opt(&params)
	}

	client, err := domain.NewClient(id, model.ResourceOwnerID("owner"), params, time.Now())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	client.MarkPersisted()
	return client
}

// NewTokenRequest builds a form-encoded POST request to /token.
func NewTokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// NewBasicAuthTokenRequest builds a /token request authenticated with HTTP Basic.
func NewBasicAuthTokenRequest(form url.Values, clientID, secret string) *http.Request {
	req := NewTokenRequest(form)
	req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(secret))
	return req
}
