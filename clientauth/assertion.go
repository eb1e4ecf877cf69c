package clientauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/jwks"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

// AssertionType is the client_assertion_type of JWT client assertions (RFC 7523).
const AssertionType = protocol.ClientAssertionTypeJWTBearer

const errLoadAssertion = "Unable to load, decrypt or verify the client assertion."

// AssertionEncryption lets clients encrypt their assertions to the server.
type AssertionEncryption struct {
	// KeySet holds the server's private decryption keys.
	KeySet *jose.JSONWebKeySet

	KeyAlgorithms      []jose.KeyAlgorithm
	ContentEncryptions []jose.ContentEncryption

	// Required rejects assertions that are not encrypted.
	Required bool
}

// ClientAssertionJwt authenticates clients with a signed JWT
// (client_secret_jwt and private_key_jwt).
type ClientAssertionJwt struct {
	secretIssuer

	// SignatureAlgorithms lists the accepted JWS algorithms. HMAC algorithms
	// serve client_secret_jwt; the others private_key_jwt.
	SignatureAlgorithms []jose.SignatureAlgorithm

	// Fetcher retrieves jwks_uri key sets.
	Fetcher jwks.Fetcher

	// Audience, when set, must be part of the aud claim (usually the issuer
	// or the token endpoint URL).
	Audience string

	// TrustedIssuers enables assertions whose iss differs from sub.
	TrustedIssuers TrustedIssuerRepository

	// Encryption enables encrypted assertions.
	Encryption *AssertionEncryption

	// AllowInsecureJWKSURI permits http jwks_uri values at registration.
	AllowInsecureJWKSURI bool

	// ClockSkew is tolerated on exp, nbf and iat.
	ClockSkew time.Duration

	Logger *slog.Logger
}

// NewClientAssertionJwt creates the method with the given algorithms.
func NewClientAssertionJwt(algorithms []jose.SignatureAlgorithm, fetcher jwks.Fetcher) *ClientAssertionJwt {
	return &ClientAssertionJwt{
		SignatureAlgorithms: algorithms,
		Fetcher:             fetcher,
		ClockSkew:           security.DefaultClockSkewGracePeriod,
	}
}

// assertion is the credential extracted from a request.
type assertion struct {
	token  string
	claims jwt.Claims

	// verified is set when a trusted issuer's signature was already checked.
	verified bool
}

func (*ClientAssertionJwt) SupportedMethods() []string {
	return []string{MethodClientSecretJwt, MethodPrivateKeyJwt}
}

func (*ClientAssertionJwt) SchemesParameters() []string { return nil }

func (m *ClientAssertionJwt) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func (m *ClientAssertionJwt) FindClientIDAndCredentials(r *http.Request) (model.ClientID, any, error) {
	if r.PostForm.Get(protocol.ParamClientAssertionType) != AssertionType {
		return "", nil, nil
	}
	value := r.PostForm.Get(protocol.ParamClientAssertion)
	if value == "" {
		return "", nil, protocol.InvalidRequest(`Parameter "client_assertion" is missing.`)
	}

	token, err := m.decrypt(value)
	if err != nil {
		return "", nil, err
	}

	jws, err := jose.ParseSignedCompact(token, jwks.SupportedSignatureAlgorithms)
	if err != nil || len(jws.Signatures) != 1 {
		return "", nil, protocol.InvalidRequest(errLoadAssertion).WithCause(err)
	}

	var claims jwt.Claims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return "", nil, protocol.InvalidRequest(errLoadAssertion).WithCause(err)
	}
	if err := m.checkClaims(claims); err != nil {
		return "", nil, err
	}

	a := &assertion{token: token, claims: claims}
	alg := jws.Signatures[0].Header.Algorithm
	if claims.Subject != claims.Issuer {
		if err := m.verifyTrustedIssuer(r.Context(), a, alg); err != nil {
			return "", nil, err
		}
	} else if !slices.Contains(m.SignatureAlgorithms, jose.SignatureAlgorithm(alg)) {
		return "", nil, protocol.InvalidRequest(errLoadAssertion)
	}
	return model.ClientID(claims.Subject), a, nil
}

// decrypt unwraps a JWE. Undecryptable values are treated as a plain JWS
// unless encryption is required.
func (m *ClientAssertionJwt) decrypt(value string) (string, error) {
	if m.Encryption == nil {
		return value, nil
	}

	jwe, err := jose.ParseEncryptedCompact(value, m.Encryption.KeyAlgorithms, m.Encryption.ContentEncryptions)
	if err == nil {
		for _, k := range jwks.DecryptionKeys(m.Encryption.KeySet, jwe.Header.Algorithm) {
			if plaintext, derr := jwe.Decrypt(k); derr == nil {
				return string(plaintext), nil
			}
		}
		err = errors.New("no key decrypts the assertion")
	}

	if m.Encryption.Required {
		return "", protocol.InvalidRequest(errLoadAssertion).WithCause(err)
	}
	return value, nil
}

func (m *ClientAssertionJwt) checkClaims(claims jwt.Claims) error {
	var missing []string
	if claims.Issuer == "" {
		missing = append(missing, "iss")
	}
	if claims.Subject == "" {
		missing = append(missing, "sub")
	}
	if claims.Expiry == nil {
		missing = append(missing, "exp")
	}
	if m.Audience != "" && len(claims.Audience) == 0 {
		missing = append(missing, "aud")
	}
	if len(missing) > 0 {
		return protocol.InvalidRequest(fmt.Sprintf("The following claim(s) is/are mandatory: %s.", strings.Join(missing, ", ")))
	}

	expected := jwt.Expected{Time: m.now()}
	if m.Audience != "" {
		expected.AnyAudience = jwt.Audience{m.Audience}
	}
	if err := claims.ValidateWithLeeway(expected, m.ClockSkew); err != nil {
		return protocol.InvalidRequest(errLoadAssertion).WithCause(err)
	}
	return nil
}

func (m *ClientAssertionJwt) verifyTrustedIssuer(ctx context.Context, a *assertion, alg string) error {
	if m.TrustedIssuers == nil {
		return protocol.InvalidRequest(`The claims "sub" and "iss" must be the same.`)
	}

	issuer, err := m.TrustedIssuers.Find(ctx, a.claims.Issuer)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return protocol.InvalidRequest("The assertion issuer is not trusted.")
		}
		return err
	}
	if !slices.Contains(issuer.AllowedAssertionTypes(), AssertionType) {
		return protocol.InvalidRequest("The assertion type is not allowed for this issuer.")
	}
	allowed := issuer.AllowedSignatureAlgorithms()
	if !slices.Contains(allowed, jose.SignatureAlgorithm(alg)) {
		return protocol.InvalidRequest("The signature algorithm is not allowed for this issuer.")
	}

	keys, err := issuer.KeySet(ctx)
	if err != nil {
		return protocol.ServerError(fmt.Errorf("failed to load trusted issuer keys: %w", err))
	}
	if _, _, err := jwks.VerifyCompact(a.token, keys, allowed); err != nil {
		return protocol.InvalidRequest(errLoadAssertion).WithCause(err)
	}
	a.verified = true
	return nil
}

func (m *ClientAssertionJwt) IsClientAuthenticated(ctx context.Context, client *domain.Client, credentials any, _ *http.Request) bool {
	a, ok := credentials.(*assertion)
	if !ok {
		return false
	}
	if a.verified {
		return true
	}

	var (
		keys *jose.JSONWebKeySet
		err  error
	)
	switch client.TokenEndpointAuthMethod() {
	case MethodClientSecretJwt:
		keys, err = jwks.SecretKeySet(client)
	case MethodPrivateKeyJwt:
		keys, err = jwks.PublicKeySet(ctx, client, m.Fetcher)
	default:
		return false
	}
	if err != nil {
		m.logger().Warn("Client key material unavailable",
			"client_id", client.ID(),
			"error", err)
		return false
	}

	_, _, err = jwks.VerifyCompact(a.token, keys, m.algorithmsFor(client.TokenEndpointAuthMethod()))
	return err == nil
}

// algorithmsFor restricts client_secret_jwt to HMAC and private_key_jwt to
// asymmetric algorithms.
func (m *ClientAssertionJwt) algorithmsFor(method string) []jose.SignatureAlgorithm {
	var out []jose.SignatureAlgorithm
	for _, alg := range m.SignatureAlgorithms {
		hmac := strings.HasPrefix(string(alg), "HS")
		if hmac == (method == MethodClientSecretJwt) {
			out = append(out, alg)
		}
	}
	return out
}

func (m *ClientAssertionJwt) CheckClientConfiguration(_ context.Context, params model.DataBag) (model.DataBag, error) {
	method, _ := params.GetString(ParameterAuthMethod)
	switch method {
	case MethodClientSecretJwt:
		return m.issueSecret(params), nil

	case MethodPrivateKeyJwt:
		v, hasJWKS := params.Get(jwks.ParameterJWKS)
		uri, hasURI := params.GetString(jwks.ParameterJWKSURI)
		if hasJWKS == hasURI {
			return model.DataBag{}, protocol.InvalidClientMetadata(`Exactly one of the parameters "jwks" or "jwks_uri" must be set.`)
		}
		if hasJWKS {
			set, err := jwks.ParseKeySet(v)
			if err != nil {
				return model.DataBag{}, protocol.InvalidClientMetadata(`The parameter "jwks" must be a valid JWK Set.`).WithCause(err)
			}
			for _, k := range set.Keys {
				if !k.IsPublic() {
					return model.DataBag{}, protocol.InvalidClientMetadata(`The parameter "jwks" must only contain public keys.`)
				}
			}
		} else if err := util.ValidateFetchURL(uri, m.AllowInsecureJWKSURI); err != nil {
			return model.DataBag{}, protocol.InvalidClientMetadata(`The parameter "jwks_uri" must be a valid https URL.`).WithCause(err)
		}
		out := params.Clone()
		out.Delete(ParameterClientSecret)
		out.Delete(ParameterClientSecretExpiresAt)
		return out, nil

	default:
		return model.DataBag{}, protocol.InvalidClientMetadata(fmt.Sprintf("The token endpoint authentication method %q is not supported.", method))
	}
}
