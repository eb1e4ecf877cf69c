package openid

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/granttype"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// Extension adds an id_token to token endpoint responses whose scope
// contains openid and whose resource owner is a user account.
type Extension struct {
	Factory      *IDTokenBuilderFactory
	UserAccounts model.UserAccountRepository
	Logger       *slog.Logger
}

// NewExtension creates the token endpoint extension.
func NewExtension(factory *IDTokenBuilderFactory, users model.UserAccountRepository, logger *slog.Logger) *Extension {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extension{Factory: factory, UserAccounts: users, Logger: logger}
}

// Process adds the id_token member to response.
func (e *Extension) Process(ctx context.Context, data *granttype.Data, at *domain.AccessToken, response map[string]any) error {
	if data.Client == nil || data.UserAccountID == "" || !HasOpenIDScope(at.Scope()) {
		return nil
	}

	user, err := e.UserAccounts.Find(ctx, data.UserAccountID)
	if err != nil {
		return protocol.ServerError(fmt.Errorf("failed to load user account: %w", err))
	}

	builder, err := e.Factory.CreateBuilder(data.Client, user)
	if err != nil {
		e.Logger.Error("Failed to prepare id token",
			"client_id", data.Client.ID(),
			"error", err)
		return protocol.ServerError(err)
	}
	builder.WithScope(at.Scope()).WithAccessTokenID(at.ID())

	// A refreshed ID token carries no nonce (OpenID Connect Core 12.2).
	if data.RefreshToken == nil {
		if nonce, ok := data.Metadata.GetString(domain.MetadataNonce); ok {
			builder.WithNonce(nonce)
		}
	}

	if code := data.AuthorizationCode; code != nil {
		if raw, ok := code.QueryParameter(protocol.ParamClaims); ok {
			requested, err := ParseClaimsRequest(raw)
			if err != nil {
				return protocol.InvalidRequest("The parameter \"claims\" is invalid.").WithCause(err)
			}
			builder.WithRequestedClaims(requested)
		}
		if _, ok := code.QueryParameter(protocol.ParamMaxAge); ok {
			builder.WithAuthTime()
		}
	}

	token, err := builder.Build(ctx)
	if err != nil {
		e.Logger.Error("Failed to build id token",
			"client_id", data.Client.ID(),
			"error", err)
		return protocol.ServerError(err)
	}
	response["id_token"] = token
	return nil
}
