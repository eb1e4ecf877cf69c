package granttype

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/jwks"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

const errInvalidAssertion = "Unable to load or verify the assertion."

// JWTBearerGrant exchanges a signed JWT for an access token (RFC 7523 2.1).
//
// An assertion whose iss names a trusted issuer is verified with that
// issuer's keys and its sub resolves to a user account or a client.
// Otherwise iss must be a registered client that asserts for itself
// (sub == iss), verified with the client's keys.
type JWTBearerGrant struct {
	Options

	SignatureAlgorithms []jose.SignatureAlgorithm

	Clients      ClientFinder
	UserAccounts model.UserAccountRepository

	// TrustedIssuers is optional.
	TrustedIssuers clientauth.TrustedIssuerRepository

	// Fetcher resolves client jwks_uri key sets.
	Fetcher jwks.Fetcher

	// Audience, when set, must be part of the aud claim.
	Audience string

	IssueRefreshToken bool
}

// NewJWTBearerGrant creates the grant.
func NewJWTBearerGrant(algorithms []jose.SignatureAlgorithm, clients ClientFinder, userAccounts model.UserAccountRepository, fetcher jwks.Fetcher, opts Options) *JWTBearerGrant {
	if opts.ClockSkew == 0 {
		opts.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	return &JWTBearerGrant{
		Options:             opts,
		SignatureAlgorithms: algorithms,
		Clients:             clients,
		UserAccounts:        userAccounts,
		Fetcher:             fetcher,
	}
}

func (*JWTBearerGrant) Name() string                       { return protocol.GrantTypeJWTBearer }
func (*JWTBearerGrant) AssociatedResponseTypes() []string  { return nil }
func (*JWTBearerGrant) ClientAuthenticationRequired() bool { return false }

func (g *JWTBearerGrant) CheckRequest(r *http.Request) error {
	return checkParameters(r, protocol.ParamAssertion)
}

func (*JWTBearerGrant) PrepareResponse(context.Context, *http.Request, *Data) error { return nil }

func (g *JWTBearerGrant) Grant(ctx context.Context, r *http.Request, data *Data) error {
	token := r.PostForm.Get(protocol.ParamAssertion)

	// Trusted issuers carry their own algorithm lists, so the server list
	// is only enforced once the issuer is known.
	jws, err := jose.ParseSignedCompact(token, jwks.SupportedSignatureAlgorithms)
	if err != nil || len(jws.Signatures) != 1 {
		return g.reject(data, "", "malformed assertion", protocol.InvalidGrant(errInvalidAssertion).WithCause(err))
	}
	var claims jwt.Claims
	if err := json.Unmarshal(jws.UnsafePayloadWithoutVerification(), &claims); err != nil {
		return g.reject(data, "", "malformed claims", protocol.InvalidGrant(errInvalidAssertion).WithCause(err))
	}
	if err := g.checkClaims(claims); err != nil {
		return g.reject(data, claims.Subject, "invalid claims", err)
	}
	alg := jose.SignatureAlgorithm(jws.Signatures[0].Header.Algorithm)

	if g.TrustedIssuers != nil {
		issuer, err := g.TrustedIssuers.Find(ctx, claims.Issuer)
		switch {
		case err == nil:
			return g.grantTrustedIssuer(ctx, token, alg, claims, issuer, data)
		case !errors.Is(err, model.ErrNotFound):
			return protocol.ServerError(fmt.Errorf("failed to load trusted issuer: %w", err))
		}
	}
	if !slices.Contains(g.SignatureAlgorithms, alg) {
		return g.reject(data, claims.Subject, "algorithm not allowed",
			protocol.InvalidGrant(errInvalidAssertion))
	}
	return g.grantClientAssertion(ctx, token, claims, data)
}

func (g *JWTBearerGrant) checkClaims(claims jwt.Claims) error {
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
	if g.Audience != "" && len(claims.Audience) == 0 {
		missing = append(missing, "aud")
	}
	if len(missing) > 0 {
		return protocol.InvalidGrant(fmt.Sprintf("The following claim(s) is/are mandatory: %s.", strings.Join(missing, ", ")))
	}

	expected := jwt.Expected{Time: g.now()}
	if g.Audience != "" {
		expected.AnyAudience = jwt.Audience{g.Audience}
	}
	if err := claims.ValidateWithLeeway(expected, g.ClockSkew); err != nil {
		return protocol.InvalidGrant(errInvalidAssertion).WithCause(err)
	}
	return nil
}

func (g *JWTBearerGrant) grantTrustedIssuer(ctx context.Context, token string, alg jose.SignatureAlgorithm, claims jwt.Claims, issuer clientauth.TrustedIssuer, data *Data) error {
	if !slices.Contains(issuer.AllowedAssertionTypes(), protocol.GrantTypeJWTBearer) {
		return g.reject(data, claims.Subject, "assertion type not allowed for issuer",
			protocol.InvalidGrant("The assertion type is not allowed for this issuer."))
	}
	allowed := issuer.AllowedSignatureAlgorithms()
	if !slices.Contains(allowed, alg) {
		return g.reject(data, claims.Subject, "algorithm not allowed for issuer",
			protocol.InvalidGrant("The signature algorithm is not allowed for this issuer."))
	}
	keys, err := issuer.KeySet(ctx)
	if err != nil {
		return protocol.ServerError(fmt.Errorf("failed to load trusted issuer keys: %w", err))
	}
	if _, _, err := jwks.VerifyCompact(token, keys, allowed); err != nil {
		return g.reject(data, claims.Subject, "signature verification failed",
			protocol.InvalidGrant(errInvalidAssertion).WithCause(err))
	}

	if g.UserAccounts != nil {
		account, err := g.UserAccounts.Find(ctx, model.UserAccountID(claims.Subject))
		switch {
		case err == nil:
			if data.Client == nil {
				return protocol.InvalidClient("Client authentication is required for this assertion.")
			}
			data.UserAccountID = account.ID()
			data.ResourceOwnerID = account.ID().ResourceOwnerID()
			data.IssueRefreshToken = g.IssueRefreshToken
			return nil
		case !errors.Is(err, model.ErrNotFound):
			return protocol.ServerError(fmt.Errorf("failed to load user account: %w", err))
		}
	}

	client, err := g.findClient(ctx, model.ClientID(claims.Subject))
	if err != nil {
		return err
	}
	if client == nil {
		return g.reject(data, claims.Subject, "unknown subject", protocol.InvalidGrant("Unable to find the resource owner."))
	}
	if data.Client == nil {
		data.Client = client
	}
	data.ResourceOwnerID = client.ID().ResourceOwnerID()
	data.IssueRefreshToken = g.IssueRefreshToken
	return nil
}

func (g *JWTBearerGrant) grantClientAssertion(ctx context.Context, token string, claims jwt.Claims, data *Data) error {
	client, err := g.findClient(ctx, model.ClientID(claims.Issuer))
	if err != nil {
		return err
	}
	if client == nil {
		return g.reject(data, claims.Subject, "unknown issuer", protocol.InvalidClient("The assertion issuer is not trusted."))
	}
	if claims.Subject != claims.Issuer {
		return g.reject(data, claims.Subject, "sub differs from iss",
			protocol.InvalidGrant(`The claims "sub" and "iss" must be the same.`))
	}
	if data.Client != nil && data.Client.ID() != client.ID() {
		return g.reject(data, claims.Subject, "assertion for another client", protocol.InvalidGrant(errInvalidAssertion))
	}

	keys, err := jwks.AllKeySets(ctx, client, g.Fetcher)
	if err != nil {
		if errors.Is(err, jwks.ErrNoKeys) {
			return g.reject(data, claims.Subject, "client has no keys", protocol.InvalidGrant(errInvalidAssertion))
		}
		return protocol.ServerError(fmt.Errorf("failed to load client keys: %w", err))
	}
	if _, _, err := jwks.VerifyCompact(token, keys, g.SignatureAlgorithms); err != nil {
		return g.reject(data, claims.Subject, "signature verification failed",
			protocol.InvalidGrant(errInvalidAssertion).WithCause(err))
	}

	data.Client = client
	data.ResourceOwnerID = client.ID().ResourceOwnerID()
	data.IssueRefreshToken = g.IssueRefreshToken
	return nil
}

// findClient returns nil without error for unknown or deleted clients.
func (g *JWTBearerGrant) findClient(ctx context.Context, id model.ClientID) (*domain.Client, error) {
	if g.Clients == nil {
		return nil, nil
	}
	client, err := g.Clients.Find(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, protocol.ServerError(fmt.Errorf("failed to load client: %w", err))
	}
	if client.IsDeleted() {
		return nil, nil
	}
	return client, nil
}

func (g *JWTBearerGrant) reject(data *Data, subject, reason string, err error) error {
	g.audit(security.EventAssertionRejected, data, subject, reason)
	return err
}
