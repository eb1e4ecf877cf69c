package granttype

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/internal/util"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/pkce"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	errInvalidCode     = `The parameter "code" is invalid.`
	errUsedCode        = `The parameter "code" has already been used.`
	errInvalidVerifier = "The parameter code_verifier is invalid."
)

// AuthorizationCodeGrant exchanges an authorization code (RFC 6749 4.1.3).
type AuthorizationCodeGrant struct {
	Options

	Codes         AuthorizationCodeStore
	AccessTokens  AccessTokenStore
	RefreshTokens RefreshTokenStore
	PKCE          *pkce.Manager
}

// NewAuthorizationCodeGrant creates the grant. A nil PKCE manager supports
// plain and S256.
func NewAuthorizationCodeGrant(codes AuthorizationCodeStore, accessTokens AccessTokenStore, refreshTokens RefreshTokenStore, methods *pkce.Manager, opts Options) *AuthorizationCodeGrant {
	if methods == nil {
		methods = pkce.NewManager(pkce.Plain{}, pkce.S256{})
	}
	if opts.ClockSkew == 0 {
		opts.ClockSkew = security.DefaultClockSkewGracePeriod
	}
	return &AuthorizationCodeGrant{
		Options:       opts,
		Codes:         codes,
		AccessTokens:  accessTokens,
		RefreshTokens: refreshTokens,
		PKCE:          methods,
	}
}

func (*AuthorizationCodeGrant) Name() string                       { return protocol.GrantTypeAuthorizationCode }
func (*AuthorizationCodeGrant) AssociatedResponseTypes() []string  { return []string{"code"} }
func (*AuthorizationCodeGrant) ClientAuthenticationRequired() bool { return true }

func (g *AuthorizationCodeGrant) CheckRequest(r *http.Request) error {
	return checkParameters(r, protocol.ParamCode, protocol.ParamRedirectURI)
}

// PrepareResponse loads the code and exposes its scope.
func (g *AuthorizationCodeGrant) PrepareResponse(ctx context.Context, r *http.Request, data *Data) error {
	code, err := g.Codes.Find(ctx, model.AuthorizationCodeID(r.PostForm.Get(protocol.ParamCode)))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return protocol.InvalidGrant(errInvalidCode)
		}
		return protocol.ServerError(fmt.Errorf("failed to load authorization code: %w", err))
	}
	data.AuthorizationCode = code
	data.AvailableScope = code.Scope()
	return nil
}

// Grant validates and consumes the code.
func (g *AuthorizationCodeGrant) Grant(ctx context.Context, r *http.Request, data *Data) error {
	if err := requireClient(data); err != nil {
		return err
	}
	if data.AuthorizationCode == nil {
		if err := g.PrepareResponse(ctx, r, data); err != nil {
			return err
		}
	}
	code := data.AuthorizationCode
	now := g.now()

	if code.ClientID() != data.ClientID() {
		g.audit(security.EventInvalidGrant, data, code.UserAccountID().String(), "code issued to another client")
		return protocol.InvalidGrant(errInvalidCode)
	}
	if code.IsUsed() {
		g.revokeIssuedTokens(ctx, code)
		return protocol.InvalidGrant(errUsedCode)
	}
	if code.IsRevoked() {
		return protocol.InvalidGrant(`The parameter "code" has been revoked.`)
	}
	if security.IsExpiredWithGracePeriod(code.ExpiresAt(), now, g.ClockSkew) {
		return protocol.InvalidGrant("The authorization code expired.")
	}
	if err := g.checkPKCE(ctx, r, code, data); err != nil {
		return err
	}
	if r.PostForm.Get(protocol.ParamRedirectURI) != code.RedirectURI() {
		return protocol.InvalidGrant(`The parameter "redirect_uri" is invalid.`)
	}

	if err := code.MarkAsUsed(now); err != nil {
		return protocol.ServerError(err)
	}
	if err := g.Codes.Save(ctx, code); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent request redeemed the code first.
			g.reportReuse(ctx, code, 0)
			return protocol.InvalidGrant(errUsedCode)
		}
		return protocol.ServerError(fmt.Errorf("failed to consume authorization code: %w", err))
	}

	data.UserAccountID = code.UserAccountID()
	data.ResourceOwnerID = code.ResourceOwnerID()
	data.ResourceServerID = code.ResourceServerID()
	data.IssueRefreshToken = code.IssueRefreshToken()
	data.Parameters.Merge(code.Parameters())
	data.Metadata.Merge(code.Metadata())
	data.Metadata.Set(domain.MetadataRedirectURI, code.RedirectURI())
	data.Metadata.Set(domain.MetadataAuthorizationCodeID, code.ID().String())
	if nonce, ok := code.QueryParameter(protocol.ParamNonce); ok && nonce != "" {
		data.Metadata.Set(domain.MetadataNonce, nonce)
	}
	return nil
}

// checkPKCE enforces the challenge registered with the code. A verifier
// sent for a code issued without challenge is rejected too.
func (g *AuthorizationCodeGrant) checkPKCE(ctx context.Context, r *http.Request, code *domain.AuthorizationCode, data *Data) error {
	verifier := r.PostForm.Get(protocol.ParamCodeVerifier)
	challenge, hasChallenge := code.CodeChallenge()
	if !hasChallenge {
		if verifier != "" {
			return g.pkceFailure(ctx, code, data, "verifier without challenge")
		}
		return nil
	}

	if verifier == "" {
		return g.pkceFailure(ctx, code, data, "missing verifier")
	}
	if err := pkce.ValidateVerifier(verifier); err != nil {
		return g.pkceFailure(ctx, code, data, err.Error())
	}
	method, err := g.PKCE.Get(code.CodeChallengeMethod())
	if err != nil {
		return g.pkceFailure(ctx, code, data, err.Error())
	}
	if !method.IsChallengeVerified(verifier, challenge) {
		return g.pkceFailure(ctx, code, data, "verifier does not match challenge")
	}
	return nil
}

func (g *AuthorizationCodeGrant) pkceFailure(ctx context.Context, code *domain.AuthorizationCode, data *Data, reason string) error {
	if g.Metrics != nil {
		g.Metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod())
	}
	g.audit(security.EventPKCEValidationFailed, data, code.UserAccountID().String(), reason)
	return protocol.InvalidGrant(errInvalidVerifier)
}

// revokeIssuedTokens answers a replayed code by revoking the code and every
// token issued for it (RFC 6749 4.1.2).
func (g *AuthorizationCodeGrant) revokeIssuedTokens(ctx context.Context, code *domain.AuthorizationCode) {
	now := g.now()
	logger := g.logger().With("code_id", util.SafeTruncate(code.ID().String(), 8), "client_id", code.ClientID())

	if !code.IsRevoked() {
		if err := code.MarkAsRevoked(now); err == nil {
			if err := g.Codes.Save(ctx, code); err != nil {
				logger.Warn("Failed to revoke replayed authorization code", "error", err)
			}
		}
	}

	revoked := 0
	for _, id := range code.AccessTokenIDs() {
		if g.revokeAccessToken(ctx, id, now) {
			revoked++
		}
	}
	if revoked < len(code.AccessTokenIDs()) {
		logger.Warn("Some tokens of a replayed authorization code could not be revoked",
			"revoked", revoked,
			"issued", len(code.AccessTokenIDs()))
	}
	g.reportReuse(ctx, code, revoked)
}

// revokeAccessToken revokes an access token and the refresh token it was
// issued with. It reports whether the access token is revoked afterwards.
func (g *AuthorizationCodeGrant) revokeAccessToken(ctx context.Context, id model.AccessTokenID, now time.Time) bool {
	if g.AccessTokens == nil {
		return false
	}
	token, err := g.AccessTokens.Find(ctx, id)
	if err != nil {
		return false
	}
	if !token.IsRevoked() {
		if err := token.MarkAsRevoked(now); err != nil {
			return false
		}
		if err := g.AccessTokens.Save(ctx, token); err != nil {
			return false
		}
	}

	if rtID := token.RefreshTokenID(); rtID != "" && g.RefreshTokens != nil {
		if rt, err := g.RefreshTokens.Find(ctx, rtID); err == nil && !rt.IsRevoked() {
			if err := rt.MarkAsRevoked(now); err == nil {
				_ = g.RefreshTokens.Save(ctx, rt)
			}
		}
	}
	return true
}

func (g *AuthorizationCodeGrant) reportReuse(ctx context.Context, code *domain.AuthorizationCode, revoked int) {
	if g.Metrics != nil {
		g.Metrics.RecordCodeReuseDetected(ctx)
	}
	g.Auditor.LogCodeReuse(code.UserAccountID().String(), code.ClientID().String(), revoked)
}
