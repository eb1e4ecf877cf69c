// Package tokenhint implements token introspection (RFC 7662) and token
// revocation (RFC 7009) over the engine's access and refresh tokens.
//
// A TokenTypeHint adapts one token kind. The Manager tries the hints in
// order, starting with the one named by the caller's token_type_hint, and
// enforces that the calling resource server owns the token when the token
// is bound to one.
package tokenhint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Hint names.
const (
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Token is the view of a stored token shared by all hints.
type Token interface {
	ClientID() model.ClientID
	ResourceOwnerID() model.ResourceOwnerID
	ResourceServerID() model.ResourceServerID
	ExpiresAt() time.Time
	CreatedAt() time.Time
	IsRevoked() bool
	IsExpired(now time.Time) bool
	Scope() string
}

// TokenTypeHint adapts one kind of token for introspection and revocation.
type TokenTypeHint interface {
	Hint() string

	// Find returns model.ErrNotFound when value is not a token of this kind.
	Find(ctx context.Context, value string) (Token, error)

	// Introspect always includes "active". Other claims are only present
	// when the token is active.
	Introspect(token Token, now time.Time) map[string]any

	// Revoke is idempotent.
	Revoke(ctx context.Context, token Token, now time.Time) error
}

// AccessTokenStore loads and saves access tokens.
type AccessTokenStore interface {
	Find(ctx context.Context, id model.AccessTokenID) (*domain.AccessToken, error)
	Save(ctx context.Context, t *domain.AccessToken) error
}

// RefreshTokenStore loads and saves refresh tokens.
type RefreshTokenStore interface {
	Find(ctx context.Context, id model.RefreshTokenID) (*domain.RefreshToken, error)
	Save(ctx context.Context, t *domain.RefreshToken) error
}

// AccessTokenHint handles access tokens.
type AccessTokenHint struct {
	Tokens AccessTokenStore
}

func (*AccessTokenHint) Hint() string { return HintAccessToken }

func (h *AccessTokenHint) Find(ctx context.Context, value string) (Token, error) {
	t, err := h.Tokens.Find(ctx, model.AccessTokenID(value))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (*AccessTokenHint) Introspect(token Token, now time.Time) map[string]any {
	out := introspect(token, now)
	if out["active"] == true {
		out["token_type"] = protocol.TokenTypeBearer
	}
	return out
}

func (h *AccessTokenHint) Revoke(ctx context.Context, token Token, now time.Time) error {
	t, ok := token.(*domain.AccessToken)
	if !ok {
		return fmt.Errorf("unexpected token type %T", token)
	}
	return revokeAccessToken(ctx, h.Tokens, t, now)
}

// RefreshTokenHint handles refresh tokens. Revoking a refresh token also
// revokes the access tokens issued with it when AccessTokens is set.
type RefreshTokenHint struct {
	Tokens       RefreshTokenStore
	AccessTokens AccessTokenStore
}

func (*RefreshTokenHint) Hint() string { return HintRefreshToken }

func (h *RefreshTokenHint) Find(ctx context.Context, value string) (Token, error) {
	t, err := h.Tokens.Find(ctx, model.RefreshTokenID(value))
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (*RefreshTokenHint) Introspect(token Token, now time.Time) map[string]any {
	return introspect(token, now)
}

func (h *RefreshTokenHint) Revoke(ctx context.Context, token Token, now time.Time) error {
	t, ok := token.(*domain.RefreshToken)
	if !ok {
		return fmt.Errorf("unexpected token type %T", token)
	}
	if !t.IsRevoked() {
		if err := t.MarkAsRevoked(now); err != nil {
			return err
		}
		if err := h.Tokens.Save(ctx, t); err != nil {
			return fmt.Errorf("failed to revoke refresh token: %w", err)
		}
	}

	if h.AccessTokens == nil {
		return nil
	}
	var errs []error
	for _, id := range t.AccessTokenIDs() {
		at, err := h.AccessTokens.Find(ctx, id)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if err := revokeAccessToken(ctx, h.AccessTokens, at, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func revokeAccessToken(ctx context.Context, store AccessTokenStore, t *domain.AccessToken, now time.Time) error {
	if t.IsRevoked() {
		return nil
	}
	if err := t.MarkAsRevoked(now); err != nil {
		return err
	}
	if err := store.Save(ctx, t); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// introspect builds the RFC 7662 response shared by all token kinds.
func introspect(token Token, now time.Time) map[string]any {
	if token.IsRevoked() || token.IsExpired(now) {
		return map[string]any{"active": false}
	}

	out := map[string]any{
		"active":    true,
		"client_id": token.ClientID().String(),
		"sub":       token.ResourceOwnerID().String(),
		"iat":       token.CreatedAt().Unix(),
	}
	if !token.ExpiresAt().IsZero() {
		out["exp"] = token.ExpiresAt().Unix()
	}
	if s := token.Scope(); s != "" {
		out["scope"] = s
	}
	if rs := token.ResourceServerID(); rs != "" {
		out["aud"] = rs.String()
	}
	return out
}
