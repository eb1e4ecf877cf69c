package openid

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/jwks"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// AlgorithmNone produces an unsecured ID token. It is only honoured when
// listed in the factory's signature algorithms.
const AlgorithmNone = "none"

// ErrScopeNotSet is returned by Build when WithScope was never called.
var ErrScopeNotSet = errors.New("id token scope is not set")

// IDTokenBuilderFactory creates builders sharing the server configuration.
type IDTokenBuilderFactory struct {
	Issuer   string
	Lifetime time.Duration

	// SignatureKeys holds the server's private signing keys.
	SignatureKeys *jose.JSONWebKeySet

	// DefaultSignatureAlgorithm is used when a client declares no
	// id_token_signed_response_alg.
	DefaultSignatureAlgorithm string

	SignatureAlgorithms         []string
	KeyEncryptionAlgorithms     []string
	ContentEncryptionAlgorithms []string

	// Fetcher resolves client jwks_uri key sets for encryption.
	Fetcher jwks.Fetcher

	Now func() time.Time
}

func (f *IDTokenBuilderFactory) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// CreateBuilder returns a builder for an ID token issued to client about
// user. The client's registered id_token algorithms are applied.
func (f *IDTokenBuilderFactory) CreateBuilder(client *domain.Client, user model.UserAccount) (*IDTokenBuilder, error) {
	b := &IDTokenBuilder{
		factory:   f,
		client:    client,
		user:      user,
		expiresAt: f.now().Add(f.Lifetime),
	}

	alg := f.DefaultSignatureAlgorithm
	if v, ok := client.GetString(protocol.ClientParamIDTokenSignedAlg); ok && v != "" {
		alg = v
	}
	if alg != "" {
		if err := b.WithSignature(alg); err != nil {
			return nil, err
		}
	}

	keyAlg, hasAlg := client.GetString(protocol.ClientParamIDTokenEncryptedAlg)
	if hasAlg && keyAlg != "" {
		enc, _ := client.GetString(protocol.ClientParamIDTokenEncryptedEnc)
		if enc == "" {
			enc = string(jose.A128CBC_HS256)
		}
		if err := b.WithEncryption(keyAlg, enc); err != nil {
			return nil, err
		}
	}

	if required, _ := client.Parameters().GetBool(protocol.ClientParamRequireAuthTime); required {
		b.WithAuthTime()
	}
	return b, nil
}

// IDTokenBuilder accumulates the content of one ID token.
type IDTokenBuilder struct {
	factory *IDTokenBuilderFactory
	client  *domain.Client
	user    model.UserAccount

	scope           string
	scopeSet        bool
	requestedClaims map[string]any

	accessTokenID       model.AccessTokenID
	authorizationCodeID model.AuthorizationCodeID
	nonce               string
	withAuthTime        bool
	expiresAt           time.Time

	signatureAlg string
	keyAlg       string
	contentEnc   string
}

func (b *IDTokenBuilder) WithScope(scope string) *IDTokenBuilder {
	b.scope, b.scopeSet = scope, true
	return b
}

// WithRequestedClaims sets the id_token member of the claims request.
func (b *IDTokenBuilder) WithRequestedClaims(claims map[string]any) *IDTokenBuilder {
	b.requestedClaims = maps.Clone(claims)
	return b
}

// WithAccessTokenID enables at_hash.
func (b *IDTokenBuilder) WithAccessTokenID(id model.AccessTokenID) *IDTokenBuilder {
	b.accessTokenID = id
	return b
}

// WithAuthorizationCodeID enables c_hash.
func (b *IDTokenBuilder) WithAuthorizationCodeID(id model.AuthorizationCodeID) *IDTokenBuilder {
	b.authorizationCodeID = id
	return b
}

func (b *IDTokenBuilder) WithNonce(nonce string) *IDTokenBuilder {
	b.nonce = nonce
	return b
}

// WithAuthTime includes auth_time when the user account has a last login.
func (b *IDTokenBuilder) WithAuthTime() *IDTokenBuilder {
	b.withAuthTime = true
	return b
}

func (b *IDTokenBuilder) WithExpiresAt(t time.Time) *IDTokenBuilder {
	b.expiresAt = t
	return b
}

// WithSignature selects the JWS algorithm. It fails when the algorithm is
// not supported or no key can produce it.
func (b *IDTokenBuilder) WithSignature(alg string) error {
	if !slices.Contains(b.factory.SignatureAlgorithms, alg) {
		return fmt.Errorf("signature algorithm %q is not supported", alg)
	}
	switch {
	case alg == AlgorithmNone:
	case strings.HasPrefix(alg, "HS"):
		if secret, ok := b.client.ClientSecret(); !ok || secret == "" {
			return fmt.Errorf("signature algorithm %q requires a client secret", alg)
		}
	default:
		if _, err := jwks.SigningKey(b.factory.SignatureKeys, alg); err != nil {
			return err
		}
	}
	b.signatureAlg = alg
	return nil
}

// WithEncryption selects the JWE key management and content encryption
// algorithms.
func (b *IDTokenBuilder) WithEncryption(keyAlg, contentEnc string) error {
	if !slices.Contains(b.factory.KeyEncryptionAlgorithms, keyAlg) {
		return fmt.Errorf("key encryption algorithm %q is not supported", keyAlg)
	}
	if !slices.Contains(b.factory.ContentEncryptionAlgorithms, contentEnc) {
		return fmt.Errorf("content encryption algorithm %q is not supported", contentEnc)
	}
	b.keyAlg, b.contentEnc = keyAlg, contentEnc
	return nil
}

// Build produces the ID token: a compact JWS, optionally wrapped in a
// compact JWE. Without a signature algorithm the claims are serialized as
// plain JSON.
func (b *IDTokenBuilder) Build(ctx context.Context) (string, error) {
	if !b.scopeSet {
		return "", ErrScopeNotSet
	}

	claims := releasedClaims(b.user.Claims(), b.scope, b.requestedClaims)
	claims["sub"] = b.user.ID().String()

	_, authTimeRequested := b.requestedClaims["auth_time"]
	if b.withAuthTime || authTimeRequested {
		if last, ok := b.user.LastLoginAt(); ok {
			claims["auth_time"] = last.Unix()
		}
	}
	if b.nonce != "" {
		claims["nonce"] = b.nonce
	}

	var (
		token string
		err   error
	)
	if b.signatureAlg != "" {
		token, err = b.sign(claims)
	} else {
		var raw []byte
		raw, err = json.Marshal(claims)
		token = string(raw)
	}
	if err != nil {
		return "", err
	}

	if b.keyAlg != "" {
		return b.encrypt(ctx, token)
	}
	return token, nil
}

func (b *IDTokenBuilder) sign(claims map[string]any) (string, error) {
	now := b.factory.now()
	clientID := b.client.ID().String()

	claims["iss"] = b.factory.Issuer
	claims["aud"] = []string{clientID, b.factory.Issuer}
	claims["azp"] = clientID
	claims["iat"] = now.Unix()
	claims["nbf"] = now.Unix()
	claims["exp"] = b.expiresAt.Unix()
	claims["jti"] = uuid.NewString()

	if b.signatureAlg == AlgorithmNone {
		return unsecured(claims)
	}

	if b.accessTokenID != "" {
		h, err := TokenHash(b.accessTokenID.String(), b.signatureAlg)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = h
	}
	if b.authorizationCodeID != "" {
		h, err := TokenHash(b.authorizationCodeID.String(), b.signatureAlg)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = h
	}

	key, err := b.signingKey()
	if err != nil {
		return "", err
	}
	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create id token signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return token, nil
}

func (b *IDTokenBuilder) signingKey() (jose.SigningKey, error) {
	alg := jose.SignatureAlgorithm(b.signatureAlg)
	if strings.HasPrefix(b.signatureAlg, "HS") {
		secret, _ := b.client.ClientSecret()
		return jose.SigningKey{Algorithm: alg, Key: []byte(secret)}, nil
	}
	k, err := jwks.SigningKey(b.factory.SignatureKeys, b.signatureAlg)
	if err != nil {
		return jose.SigningKey{}, err
	}
	return jose.SigningKey{Algorithm: alg, Key: k}, nil
}

// unsecured serializes an alg "none" JWT (RFC 7519 6.1).
func unsecured(claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".", nil
}

func (b *IDTokenBuilder) encrypt(ctx context.Context, token string) (string, error) {
	recipient := jose.Recipient{Algorithm: jose.KeyAlgorithm(b.keyAlg)}

	if strings.HasPrefix(b.keyAlg, "A") && strings.HasSuffix(b.keyAlg, "KW") {
		secret, ok := b.client.ClientSecret()
		if !ok || secret == "" {
			return "", fmt.Errorf("key encryption algorithm %q requires a client secret", b.keyAlg)
		}
		key, err := jwks.DeriveSymmetricKey(secret, b.keyAlg)
		if err != nil {
			return "", err
		}
		recipient.Key = key
	} else {
		set, err := jwks.PublicKeySet(ctx, b.client, b.factory.Fetcher)
		if err != nil {
			return "", fmt.Errorf("failed to load client encryption keys: %w", err)
		}
		key, err := jwks.EncryptionKey(set, b.keyAlg)
		if err != nil {
			return "", err
		}
		recipient.Key = key
		recipient.KeyID = key.KeyID
	}

	opts := &jose.EncrypterOptions{}
	if b.signatureAlg != "" {
		opts = opts.WithContentType("JWT")
	}
	encrypter, err := jose.NewEncrypter(jose.ContentEncryption(b.contentEnc), recipient, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create id token encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(token))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt id token: %w", err)
	}
	return obj.CompactSerialize()
}
