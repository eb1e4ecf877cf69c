package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oidc-engine/clientauth"
	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/granttype"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/jwks"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/openid"
	"github.com/giantswarm/oidc-engine/pkce"
	"github.com/giantswarm/oidc-engine/repository"
	"github.com/giantswarm/oidc-engine/scope"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
	"github.com/giantswarm/oidc-engine/tokenhint"
)

// TokenEndpointExtension enriches a successful token response. It runs
// before the new tokens are saved; an error aborts the request and nothing
// is issued.
type TokenEndpointExtension interface {
	Process(ctx context.Context, data *granttype.Data, at *domain.AccessToken, response map[string]any) error
}

// Dependencies are the collaborators of a Server. Every field is optional;
// a missing collaborator disables the features that need it.
type Dependencies struct {
	// UserAccounts enables ID tokens (with SignatureKeys) and user
	// subjects in jwt-bearer assertions.
	UserAccounts model.UserAccountRepository

	// Passwords enables the password grant.
	Passwords granttype.ResourceOwnerPasswordCredentialManager

	// ResourceServers enables introspection and revocation.
	ResourceServers model.ResourceServerRepository

	// TrustedIssuers enables assertions issued by third parties.
	TrustedIssuers clientauth.TrustedIssuerRepository

	// SignatureKeys holds the private keys signing ID tokens.
	SignatureKeys *jose.JSONWebKeySet

	// AssertionEncryption lets clients encrypt their assertions.
	AssertionEncryption *clientauth.AssertionEncryption

	// Fetcher resolves jwks_uri key sets.
	Fetcher jwks.Fetcher

	// Encryptor seals cached snapshots at rest.
	Encryptor *security.Encryptor

	Instrumentation *instrumentation.Instrumentation

	// Extensions run after the built-in OpenID Connect extension.
	Extensions []TokenEndpointExtension

	Logger *slog.Logger

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// Server implements the authorization server: the token endpoint pipeline,
// authorization code issuance, client registration, introspection and
// revocation.
type Server struct {
	config *Config
	repos  *repository.Repositories

	clientAuth      *clientauth.Manager
	grantTypes      *granttype.Manager
	pkceMethods     *pkce.Manager
	scopePolicies   *scope.PolicyManager
	tokenHints      *tokenhint.Manager
	resourceServers tokenhint.ResourceServerAuthenticator
	extensions      []TokenEndpointExtension
	idTokenLoader   *openid.IDTokenLoader

	auditor      *security.Auditor
	auditLimiter *security.RateLimiter
	metrics      *instrumentation.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
	now          func() time.Time
}

// NewServer creates a server storing its aggregates in events, with cache
// as read-through snapshot cache (nil disables caching).
func NewServer(config *Config, events storage.EventStore, cache storage.Cache, deps Dependencies) (*Server, error) {
	if events == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	config = applySecureDefaults(config, logger)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{
		config: config,
		logger: logger,
		now:    now,
		tracer: noop.NewTracerProvider().Tracer("oauth"),
	}
	if deps.Instrumentation != nil {
		s.metrics = deps.Instrumentation.Metrics()
		s.tracer = deps.Instrumentation.Tracer("oauth")
	}

	s.auditor = security.NewAuditor(logger, config.AuditEnabled)
	s.auditor.SetInstrumentation(deps.Instrumentation)
	if config.AuditEnabled && config.AuditRate > 0 {
		s.auditLimiter = security.NewRateLimiter(config.AuditRate, config.AuditBurst, logger)
		s.auditor.SetRateLimiter(s.auditLimiter)
	}

	s.repos = repository.NewRepositories(events, cache, repository.Options{
		CacheTTL:                   config.CacheTTL,
		Encryptor:                  deps.Encryptor,
		Instrumentation:            deps.Instrumentation,
		Logger:                     logger,
		Now:                        now,
		AccessTokenIDLength:        config.AccessTokenIDLength,
		RefreshTokenIDLength:       config.RefreshTokenIDLength,
		AuthorizationCodeIDLength:  config.AuthorizationCodeIDLength,
		InitialAccessTokenIDLength: repository.DefaultIDLength,
	})

	s.pkceMethods = pkce.NewManager()
	for _, name := range config.PKCEMethods {
		switch name {
		case pkce.MethodPlain:
			s.pkceMethods.Add(pkce.Plain{})
		case pkce.MethodS256:
			s.pkceMethods.Add(pkce.S256{})
		}
	}

	s.scopePolicies = scope.NewPolicyManager(scope.NonePolicy{}, scope.DefaultPolicy{Scope: config.DefaultScope}, scope.ErrorPolicy{})

	algorithms := make([]jose.SignatureAlgorithm, 0, len(config.SignatureAlgorithms))
	for _, alg := range config.SignatureAlgorithms {
		algorithms = append(algorithms, jose.SignatureAlgorithm(alg))
	}
	s.clientAuth = s.newClientAuthManager(algorithms, deps)
	s.grantTypes = s.newGrantTypeManager(algorithms, deps)

	hintOpts := tokenhint.Options{Auditor: s.auditor, Metrics: s.metrics, Logger: logger, Now: now}
	s.tokenHints = tokenhint.NewManager(hintOpts,
		&tokenhint.AccessTokenHint{Tokens: s.repos.AccessTokens},
		&tokenhint.RefreshTokenHint{Tokens: s.repos.RefreshTokens, AccessTokens: s.repos.AccessTokens},
	)
	if deps.ResourceServers != nil {
		s.resourceServers = tokenhint.NewBasicResourceServerAuthenticator(deps.ResourceServers, s.auditor)
	}

	if deps.SignatureKeys != nil && deps.UserAccounts != nil {
		factory := &openid.IDTokenBuilderFactory{
			Issuer:                      config.Issuer,
			Lifetime:                    config.IDTokenLifetime,
			SignatureKeys:               deps.SignatureKeys,
			DefaultSignatureAlgorithm:   config.SignatureAlgorithm,
			SignatureAlgorithms:         config.SignatureAlgorithms,
			KeyEncryptionAlgorithms:     config.KeyEncryptionAlgorithms,
			ContentEncryptionAlgorithms: config.ContentEncryptionAlgorithms,
			Fetcher:                     deps.Fetcher,
			Now:                         now,
		}
		s.extensions = append(s.extensions, openid.NewExtension(factory, deps.UserAccounts, logger))
		s.idTokenLoader = &openid.IDTokenLoader{
			SignatureKeys:       publicKeys(deps.SignatureKeys),
			SignatureAlgorithms: config.SignatureAlgorithms,
		}
	}
	s.extensions = append(s.extensions, deps.Extensions...)

	return s, nil
}

func (s *Server) newClientAuthManager(algorithms []jose.SignatureAlgorithm, deps Dependencies) *clientauth.Manager {
	basic := clientauth.NewClientSecretBasic(s.config.Issuer, s.config.ClientSecretLifetime)
	basic.Now = s.now
	post := clientauth.NewClientSecretPost(s.config.ClientSecretLifetime)
	post.Now = s.now

	assertion := clientauth.NewClientAssertionJwt(algorithms, deps.Fetcher)
	assertion.Now = s.now
	assertion.SecretLifetime = s.config.ClientSecretLifetime
	assertion.Audience = s.config.Issuer
	assertion.TrustedIssuers = deps.TrustedIssuers
	assertion.Encryption = deps.AssertionEncryption
	assertion.AllowInsecureJWKSURI = s.config.AllowInsecureJWKSURI
	assertion.ClockSkew = s.config.ClockSkewGracePeriod
	assertion.Logger = s.logger

	m := clientauth.NewManager(clientauth.None{}, basic, post, assertion)
	m.SetClock(s.now)
	return m
}

func (s *Server) newGrantTypeManager(algorithms []jose.SignatureAlgorithm, deps Dependencies) *granttype.Manager {
	opts := granttype.Options{
		Auditor:   s.auditor,
		Metrics:   s.metrics,
		Logger:    s.logger,
		Now:       s.now,
		ClockSkew: s.config.ClockSkewGracePeriod,
	}

	m := granttype.NewManager(
		granttype.NewAuthorizationCodeGrant(s.repos.AuthorizationCodes, s.repos.AccessTokens, s.repos.RefreshTokens, s.pkceMethods, opts),
		granttype.NewRefreshTokenGrant(s.repos.RefreshTokens, opts),
		granttype.NewClientCredentialsGrant(s.config.IssueRefreshTokenWithClientCredentials, opts),
	)

	if deps.Passwords != nil {
		password := granttype.NewPasswordGrant(deps.Passwords, opts)
		password.IssueRefreshToken = s.config.IssueRefreshTokenWithPassword
		password.IssueRefreshTokenForPublicClients = s.config.IssueRefreshTokenForPublicClients
		m.Add(password)
	}

	if s.config.EnableJWTBearerGrant {
		bearer := granttype.NewJWTBearerGrant(algorithms, s.repos.Clients, deps.UserAccounts, deps.Fetcher, opts)
		bearer.TrustedIssuers = deps.TrustedIssuers
		bearer.Audience = s.config.Issuer
		m.Add(bearer)
	}
	return m
}

func publicKeys(set *jose.JSONWebKeySet) *jose.JSONWebKeySet {
	out := &jose.JSONWebKeySet{}
	for _, k := range set.Keys {
		if _, symmetric := k.Key.([]byte); symmetric {
			out.Keys = append(out.Keys, k)
			continue
		}
		out.Keys = append(out.Keys, k.Public())
	}
	return out
}

// Config returns the effective configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Repositories gives access to the aggregate repositories, for example to
// provision clients out of band.
func (s *Server) Repositories() *repository.Repositories {
	return s.repos
}

// Auditor returns the security auditor.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// LoadIDToken verifies an ID token issued by this server (id_token_hint).
func (s *Server) LoadIDToken(token string) (map[string]any, bool) {
	if s.idTokenLoader == nil {
		return nil, false
	}
	return s.idTokenLoader.Load(token)
}

// Metadata returns the discovery document. Endpoint URLs are derived from the
// issuer and the default route paths.
func (s *Server) Metadata() AuthorizationServerMetadata {
	base := strings.TrimSuffix(s.config.Issuer, "/")
	md := AuthorizationServerMetadata{
		Issuer:                            s.config.Issuer,
		TokenEndpoint:                     base + PathToken,
		RegistrationEndpoint:              base + PathRegistration,
		ResponseTypesSupported:            s.grantTypes.ResponseTypes(),
		GrantTypesSupported:               s.grantTypes.Names(),
		TokenEndpointAuthMethodsSupported: s.clientAuth.SupportedMethods(),
		CodeChallengeMethodsSupported:     s.pkceMethods.Names(),
	}
	md.TokenEndpointAuthSigningAlgValuesSupported = append(md.TokenEndpointAuthSigningAlgValuesSupported, s.config.SignatureAlgorithms...)
	if s.resourceServers != nil {
		md.RevocationEndpoint = base + PathRevocation
		md.IntrospectionEndpoint = base + PathIntrospection
	}
	if s.idTokenLoader != nil {
		md.IDTokenSigningAlgValuesSupported = s.config.SignatureAlgorithms
		md.IDTokenEncryptionAlgValuesSupported = s.config.KeyEncryptionAlgorithms
		md.IDTokenEncryptionEncValuesSupported = s.config.ContentEncryptionAlgorithms
		md.ClaimsParameterSupported = true
	}
	return md
}

// Shutdown stops background work.
func (s *Server) Shutdown(_ context.Context) error {
	if s.auditLimiter != nil {
		s.auditLimiter.Stop()
	}
	return nil
}

// ErrTokenInactive is returned by ValidateAccessToken for revoked and
// expired tokens.
var ErrTokenInactive = errors.New("access token is revoked or expired")

// ValidateAccessToken loads an access token issued by this server and
// checks that it is still active.
func (s *Server) ValidateAccessToken(ctx context.Context, value string) (*domain.AccessToken, error) {
	at, err := s.repos.AccessTokens.Find(ctx, model.AccessTokenID(value))
	if err != nil {
		return nil, err
	}
	if at.IsRevoked() || at.IsExpired(s.now()) {
		return nil, ErrTokenInactive
	}
	return at, nil
}

// findClient loads a client, mapping unknown and deleted clients to
// invalid_client.
func (s *Server) findClient(ctx context.Context, id model.ClientID) (*domain.Client, error) {
	client, err := s.repos.Clients.Find(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if client.IsDeleted() {
		return nil, nil
	}
	return client, nil
}
