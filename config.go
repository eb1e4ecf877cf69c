package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/giantswarm/oidc-engine/pkce"
	"github.com/giantswarm/oidc-engine/repository"
)

// Default values applied by applySecureDefaults.
const (
	DefaultAccessTokenLifetime        = time.Hour
	DefaultRefreshTokenLifetime       = 14 * 24 * time.Hour
	DefaultAuthorizationCodeLifetime  = 30 * time.Second
	DefaultIDTokenLifetime            = time.Hour
	DefaultInitialAccessTokenLifetime = 24 * time.Hour
	DefaultClockSkewGracePeriod       = 5 * time.Second
	DefaultSignatureAlgorithm         = "RS256"
	DefaultCacheTTL                   = time.Hour
)

// Config holds the authorization server configuration.
//
// Every field can be read from the environment with LoadConfigFromEnv. A
// Config built in code should start from DefaultConfig so that the options
// that default to true are set.
type Config struct {
	// Issuer is the server's issuer identifier (base URL). Required.
	Issuer string `env:"OIDC_ISSUER" env-description:"issuer identifier of the server"`

	// Token lifetimes
	AccessTokenLifetime        time.Duration `env:"OIDC_ACCESS_TOKEN_LIFETIME" env-default:"1h"`
	RefreshTokenLifetime       time.Duration `env:"OIDC_REFRESH_TOKEN_LIFETIME" env-default:"336h"`
	AuthorizationCodeLifetime  time.Duration `env:"OIDC_AUTHORIZATION_CODE_LIFETIME" env-default:"30s"`
	IDTokenLifetime            time.Duration `env:"OIDC_ID_TOKEN_LIFETIME" env-default:"1h"`
	InitialAccessTokenLifetime time.Duration `env:"OIDC_INITIAL_ACCESS_TOKEN_LIFETIME" env-default:"24h"`

	// Identifier lengths of generated tokens and codes
	AccessTokenIDLength       int `env:"OIDC_ACCESS_TOKEN_ID_LENGTH" env-default:"50"`
	RefreshTokenIDLength      int `env:"OIDC_REFRESH_TOKEN_ID_LENGTH" env-default:"50"`
	AuthorizationCodeIDLength int `env:"OIDC_AUTHORIZATION_CODE_ID_LENGTH" env-default:"50"`

	// ClockSkewGracePeriod is tolerated on code and assertion expiry.
	ClockSkewGracePeriod time.Duration `env:"OIDC_CLOCK_SKEW_GRACE_PERIOD" env-default:"5s"`

	// Refresh token issuance per grant type
	IssueRefreshTokenWithClientCredentials bool `env:"OIDC_ISSUE_REFRESH_TOKEN_WITH_CLIENT_CREDENTIALS" env-default:"false"`
	IssueRefreshTokenWithPassword          bool `env:"OIDC_ISSUE_REFRESH_TOKEN_WITH_PASSWORD" env-default:"true"`
	IssueRefreshTokenForPublicClients      bool `env:"OIDC_ISSUE_REFRESH_TOKEN_FOR_PUBLIC_CLIENTS" env-default:"false"`

	// DefaultScope is granted by the "default" scope policy.
	DefaultScope string `env:"OIDC_DEFAULT_SCOPE"`

	// SignatureAlgorithm is the default id_token signature algorithm.
	SignatureAlgorithm string `env:"OIDC_SIGNATURE_ALGORITHM" env-default:"RS256"`

	// SignatureAlgorithms lists the algorithms accepted for client
	// assertions and jwt-bearer grants and offered for ID tokens.
	SignatureAlgorithms []string `env:"OIDC_SIGNATURE_ALGORITHMS" env-default:"RS256,RS384,RS512,PS256,ES256,ES384,HS256,HS512"`

	// ID token encryption algorithms offered to clients
	KeyEncryptionAlgorithms     []string `env:"OIDC_KEY_ENCRYPTION_ALGORITHMS" env-default:"RSA-OAEP-256,ECDH-ES,A128KW,A256KW"`
	ContentEncryptionAlgorithms []string `env:"OIDC_CONTENT_ENCRYPTION_ALGORITHMS" env-default:"A128CBC-HS256,A256GCM"`

	// PKCEMethods lists the accepted code_challenge_method values.
	PKCEMethods []string `env:"OIDC_PKCE_METHODS" env-default:"plain,S256"`

	// RequirePKCE rejects authorization requests without code_challenge.
	RequirePKCE bool `env:"OIDC_REQUIRE_PKCE" env-default:"false"`

	// EnableJWTBearerGrant registers the jwt-bearer grant type.
	EnableJWTBearerGrant bool `env:"OIDC_ENABLE_JWT_BEARER_GRANT" env-default:"false"`

	// RequireInitialAccessToken protects client registration.
	RequireInitialAccessToken bool `env:"OIDC_REQUIRE_INITIAL_ACCESS_TOKEN" env-default:"true"`

	// ClientSecretLifetime sets client_secret_expires_at. Zero means never.
	ClientSecretLifetime time.Duration `env:"OIDC_CLIENT_SECRET_LIFETIME" env-default:"0s"`

	// AllowInsecureJWKSURI permits http and internal jwks_uri values.
	// Only for local development.
	AllowInsecureJWKSURI bool `env:"OIDC_ALLOW_INSECURE_JWKS_URI" env-default:"false"`

	// TrustProxy reads client IPs from X-Forwarded-For for audit logs.
	TrustProxy        bool `env:"OIDC_TRUST_PROXY" env-default:"false"`
	TrustedProxyCount int  `env:"OIDC_TRUSTED_PROXY_COUNT" env-default:"1"`

	// CacheTTL bounds the lifetime of cached aggregate snapshots.
	CacheTTL time.Duration `env:"OIDC_CACHE_TTL" env-default:"1h"`

	// Audit logging and its per user/client throttling. A zero rate
	// disables throttling.
	AuditEnabled bool    `env:"OIDC_AUDIT_ENABLED" env-default:"true"`
	AuditRate    float64 `env:"OIDC_AUDIT_RATE" env-default:"10"`
	AuditBurst   int     `env:"OIDC_AUDIT_BURST" env-default:"20"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig(issuer string) *Config {
	config := &Config{
		Issuer:                        issuer,
		IssueRefreshTokenWithPassword: true,
		RequireInitialAccessToken:     true,
		AuditEnabled:                  true,
		AuditRate:                     10,
		AuditBurst:                    20,
	}
	return applySecureDefaults(config, nil)
}

// LoadConfigFromEnv reads the configuration from OIDC_* environment variables.
func LoadConfigFromEnv() (*Config, error) {
	var config Config
	if err := cleanenv.ReadEnv(&config); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	applySecureDefaults(&config, nil)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applySecureDefaults fills unset values. Options that weaken security are
// never switched on here; when they are set explicitly a warning is logged.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AccessTokenLifetime == 0 {
		config.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if config.RefreshTokenLifetime == 0 {
		config.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}
	if config.AuthorizationCodeLifetime == 0 {
		config.AuthorizationCodeLifetime = DefaultAuthorizationCodeLifetime
	}
	if config.IDTokenLifetime == 0 {
		config.IDTokenLifetime = DefaultIDTokenLifetime
	}
	if config.InitialAccessTokenLifetime == 0 {
		config.InitialAccessTokenLifetime = DefaultInitialAccessTokenLifetime
	}
	if config.AccessTokenIDLength == 0 {
		config.AccessTokenIDLength = repository.DefaultIDLength
	}
	if config.RefreshTokenIDLength == 0 {
		config.RefreshTokenIDLength = repository.DefaultIDLength
	}
	if config.AuthorizationCodeIDLength == 0 {
		config.AuthorizationCodeIDLength = repository.DefaultIDLength
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = DefaultClockSkewGracePeriod
	}
	if config.SignatureAlgorithm == "" {
		config.SignatureAlgorithm = DefaultSignatureAlgorithm
	}
	if len(config.SignatureAlgorithms) == 0 {
		config.SignatureAlgorithms = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "HS256", "HS512"}
	}
	if len(config.KeyEncryptionAlgorithms) == 0 {
		config.KeyEncryptionAlgorithms = []string{"RSA-OAEP-256", "ECDH-ES", "A128KW", "A256KW"}
	}
	if len(config.ContentEncryptionAlgorithms) == 0 {
		config.ContentEncryptionAlgorithms = []string{"A128CBC-HS256", "A256GCM"}
	}
	if len(config.PKCEMethods) == 0 {
		config.PKCEMethods = []string{pkce.MethodPlain, pkce.MethodS256}
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = DefaultCacheTTL
	}

	if logger != nil {
		if config.AllowInsecureJWKSURI {
			logger.Warn("SECURITY WARNING: insecure jwks_uri values are allowed",
				"risk", "Server-side request forgery through client key URLs",
				"recommendation", "Only enable for local development")
		}
		if !config.RequireInitialAccessToken {
			logger.Warn("SECURITY WARNING: client registration is open",
				"risk", "Unauthenticated mass client registration",
				"recommendation", "Set RequireInitialAccessToken=true")
		}
		if !config.AuditEnabled {
			logger.Warn("Audit logging is disabled")
		}
	}
	return config
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer %q must be an absolute URL", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer %q must not carry a query or fragment", c.Issuer)
	}
	if !slices.Contains(c.SignatureAlgorithms, c.SignatureAlgorithm) && c.SignatureAlgorithm != "none" {
		return fmt.Errorf("signature algorithm %q is not in the list of signature algorithms", c.SignatureAlgorithm)
	}
	for _, m := range c.PKCEMethods {
		if m != pkce.MethodPlain && m != pkce.MethodS256 {
			return fmt.Errorf("unknown PKCE method %q", m)
		}
	}
	if c.AccessTokenLifetime < 0 || c.RefreshTokenLifetime < 0 || c.AuthorizationCodeLifetime < 0 {
		return fmt.Errorf("token lifetimes must not be negative")
	}
	return nil
}
