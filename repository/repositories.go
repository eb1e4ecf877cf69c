package repository

import (
	"context"
	"time"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/storage"
)

// Repositories groups the repository of every aggregate kind.
type Repositories struct {
	Clients                     *ClientRepository
	AccessTokens                *AccessTokenRepository
	RefreshTokens               *RefreshTokenRepository
	AuthorizationCodes          *AuthorizationCodeRepository
	InitialAccessTokens         *InitialAccessTokenRepository
	PreConfiguredAuthorizations *PreConfiguredAuthorizationRepository
}

// NewRepositories creates all repositories over one event store and an
// optional cache.
func NewRepositories(events storage.EventStore, cache storage.Cache, opts Options) *Repositories {
	opts = opts.withDefaults()
	return &Repositories{
		Clients: &ClientRepository{
			repo:     New(domain.KindClient, func() *domain.Client { return &domain.Client{} }, events, cache, opts),
			idLength: opts.ClientIDLength,
			now:      opts.Now,
		},
		AccessTokens: &AccessTokenRepository{
			repo:     New(domain.KindAccessToken, func() *domain.AccessToken { return &domain.AccessToken{} }, events, cache, opts),
			idLength: opts.AccessTokenIDLength,
			now:      opts.Now,
		},
		RefreshTokens: &RefreshTokenRepository{
			repo:     New(domain.KindRefreshToken, func() *domain.RefreshToken { return &domain.RefreshToken{} }, events, cache, opts),
			idLength: opts.RefreshTokenIDLength,
			now:      opts.Now,
		},
		AuthorizationCodes: &AuthorizationCodeRepository{
			repo:     New(domain.KindAuthorizationCode, func() *domain.AuthorizationCode { return &domain.AuthorizationCode{} }, events, cache, opts),
			idLength: opts.AuthorizationCodeIDLength,
			now:      opts.Now,
		},
		InitialAccessTokens: &InitialAccessTokenRepository{
			repo:     New(domain.KindInitialAccessToken, func() *domain.InitialAccessToken { return &domain.InitialAccessToken{} }, events, cache, opts),
			idLength: opts.InitialAccessTokenIDLength,
			now:      opts.Now,
		},
		PreConfiguredAuthorizations: &PreConfiguredAuthorizationRepository{
			repo: New(domain.KindPreConfiguredAuthorization, func() *domain.PreConfiguredAuthorization { return &domain.PreConfiguredAuthorization{} }, events, cache, opts),
			now:  opts.Now,
		},
	}
}

// ClientRepository stores clients.
type ClientRepository struct {
	repo     *Repository[*domain.Client]
	idLength int
	now      func() time.Time
}

// Create returns a new, unsaved client with a random identifier.
func (r *ClientRepository) Create(ownerID model.ResourceOwnerID, parameters model.DataBag) (*domain.Client, error) {
	id, err := GenerateID(r.idLength)
	if err != nil {
		return nil, err
	}
	return domain.NewClient(model.ClientID(id), ownerID, parameters, r.now())
}

func (r *ClientRepository) Find(ctx context.Context, id model.ClientID) (*domain.Client, error) {
	return r.repo.Find(ctx, id.String())
}

func (r *ClientRepository) Save(ctx context.Context, c *domain.Client) error {
	return r.repo.Save(ctx, c)
}

// AccessTokenRepository stores access tokens.
type AccessTokenRepository struct {
	repo     *Repository[*domain.AccessToken]
	idLength int
	now      func() time.Time
}

// Create returns a new, unsaved access token with a random identifier.
func (r *AccessTokenRepository) Create(p domain.TokenParams, refreshTokenID model.RefreshTokenID) (*domain.AccessToken, error) {
	id, err := GenerateID(r.idLength)
	if err != nil {
		return nil, err
	}
	return domain.NewAccessToken(model.AccessTokenID(id), p, refreshTokenID, r.now())
}

func (r *AccessTokenRepository) Find(ctx context.Context, id model.AccessTokenID) (*domain.AccessToken, error) {
	return r.repo.Find(ctx, id.String())
}

func (r *AccessTokenRepository) Save(ctx context.Context, t *domain.AccessToken) error {
	return r.repo.Save(ctx, t)
}

// RefreshTokenRepository stores refresh tokens.
type RefreshTokenRepository struct {
	repo     *Repository[*domain.RefreshToken]
	idLength int
	now      func() time.Time
}

// Create returns a new, unsaved refresh token with a random identifier.
func (r *RefreshTokenRepository) Create(p domain.TokenParams) (*domain.RefreshToken, error) {
	id, err := GenerateID(r.idLength)
	if err != nil {
		return nil, err
	}
	return domain.NewRefreshToken(model.RefreshTokenID(id), p, r.now())
}

func (r *RefreshTokenRepository) Find(ctx context.Context, id model.RefreshTokenID) (*domain.RefreshToken, error) {
	return r.repo.Find(ctx, id.String())
}

func (r *RefreshTokenRepository) Save(ctx context.Context, t *domain.RefreshToken) error {
	return r.repo.Save(ctx, t)
}

// AuthorizationCodeRepository stores authorization codes.
type AuthorizationCodeRepository struct {
	repo     *Repository[*domain.AuthorizationCode]
	idLength int
	now      func() time.Time
}

// Create returns a new, unsaved authorization code with a random identifier.
func (r *AuthorizationCodeRepository) Create(p domain.AuthorizationCodeParams) (*domain.AuthorizationCode, error) {
	id, err := GenerateID(r.idLength)
	if err != nil {
		return nil, err
	}
	return domain.NewAuthorizationCode(model.AuthorizationCodeID(id), p, r.now())
}

func (r *AuthorizationCodeRepository) Find(ctx context.Context, id model.AuthorizationCodeID) (*domain.AuthorizationCode, error) {
	return r.repo.Find(ctx, id.String())
}

func (r *AuthorizationCodeRepository) Save(ctx context.Context, c *domain.AuthorizationCode) error {
	return r.repo.Save(ctx, c)
}

// InitialAccessTokenRepository stores initial access tokens.
type InitialAccessTokenRepository struct {
	repo     *Repository[*domain.InitialAccessToken]
	idLength int
	now      func() time.Time
}

// Create returns a new, unsaved initial access token. A zero expiresAt
// creates a token that never expires.
func (r *InitialAccessTokenRepository) Create(userAccountID model.UserAccountID, expiresAt time.Time) (*domain.InitialAccessToken, error) {
	id, err := GenerateID(r.idLength)
	if err != nil {
		return nil, err
	}
	return domain.NewInitialAccessToken(model.InitialAccessTokenID(id), userAccountID, expiresAt, r.now())
}

func (r *InitialAccessTokenRepository) Find(ctx context.Context, id model.InitialAccessTokenID) (*domain.InitialAccessToken, error) {
	return r.repo.Find(ctx, id.String())
}

func (r *InitialAccessTokenRepository) Save(ctx context.Context, t *domain.InitialAccessToken) error {
	return r.repo.Save(ctx, t)
}

// PreConfiguredAuthorizationRepository stores pre-configured authorizations.
// Their identifier is derived from content, so there is no random Create.
type PreConfiguredAuthorizationRepository struct {
	repo *Repository[*domain.PreConfiguredAuthorization]
	now  func() time.Time
}

// Create returns a new, unsaved pre-configured authorization.
func (r *PreConfiguredAuthorizationRepository) Create(ownerID model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) (*domain.PreConfiguredAuthorization, error) {
	return domain.NewPreConfiguredAuthorization(ownerID, clientID, scopes, resourceServerID, r.now())
}

// Find looks up the authorization by its components.
func (r *PreConfiguredAuthorizationRepository) Find(ctx context.Context, ownerID model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) (*domain.PreConfiguredAuthorization, error) {
	id := domain.PreConfiguredAuthorizationIDFor(ownerID, clientID, scopes, resourceServerID)
	return r.repo.Find(ctx, id.String())
}

func (r *PreConfiguredAuthorizationRepository) Save(ctx context.Context, a *domain.PreConfiguredAuthorization) error {
	return r.repo.Save(ctx, a)
}
