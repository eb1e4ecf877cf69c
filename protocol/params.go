package protocol

// Grant type names
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// ClientAssertionTypeJWTBearer is the only supported client_assertion_type.
const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// Request parameter names
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamCode                = "code"
	ParamRedirectURI         = "redirect_uri"
	ParamCodeVerifier        = "code_verifier"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamRefreshToken        = "refresh_token"
	ParamUsername            = "username"
	ParamPassword            = "password"
	ParamAssertion           = "assertion"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamMaxAge              = "max_age"
	ParamClaims              = "claims"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
)

// Client parameter names stored in the client DataBag
const (
	ClientParamTokenEndpointAuthMethod = "token_endpoint_auth_method"
	ClientParamClientSecret            = "client_secret"
	ClientParamClientSecretExpiresAt   = "client_secret_expires_at"
	ClientParamJWKS                    = "jwks"
	ClientParamJWKSURI                 = "jwks_uri"
	ClientParamRedirectURIs            = "redirect_uris"
	ClientParamGrantTypes              = "grant_types"
	ClientParamScopePolicy             = "scope_policy"
	ClientParamDefaultScope            = "default_scope"
	ClientParamIDTokenSignedAlg        = "id_token_signed_response_alg"
	ClientParamIDTokenEncryptedAlg     = "id_token_encrypted_response_alg"
	ClientParamIDTokenEncryptedEnc     = "id_token_encrypted_response_enc"
	ClientParamRequireAuthTime         = "require_auth_time"
)
