package oauth

import (
	"github.com/giantswarm/oidc-engine/model"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata represents OAuth 2.0 Authorization Server
// Metadata (RFC 8414), extended with the OpenID Connect discovery members
// the engine supports.
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL of the dynamic client registration endpoint (RFC 7591)
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the URL of the OAuth 2.0 token revocation endpoint (RFC 7009)
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// IntrospectionEndpoint is the URL of the OAuth 2.0 token introspection endpoint (RFC 7662)
	IntrospectionEndpoint string `json:"introspection_endpoint,omitempty"`

	// ResponseTypesSupported lists the response types leading to a supported grant
	ResponseTypesSupported []string `json:"response_types_supported"`

	// GrantTypesSupported lists the grant types registered at the token endpoint
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// TokenEndpointAuthSigningAlgValuesSupported lists the client assertion algorithms
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods supported
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// IDTokenSigningAlgValuesSupported is set when ID tokens are enabled
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported,omitempty"`

	// ID token encryption algorithms, set when ID tokens are enabled
	IDTokenEncryptionAlgValuesSupported []string `json:"id_token_encryption_alg_values_supported,omitempty"`
	IDTokenEncryptionEncValuesSupported []string `json:"id_token_encryption_enc_values_supported,omitempty"`

	// ClaimsParameterSupported reports support of the claims request parameter
	ClaimsParameterSupported bool `json:"claims_parameter_supported,omitempty"`
}

// AuthorizationRequest is an authorization request approved by the resource
// owner. The consent layer builds it once the user has logged in.
type AuthorizationRequest struct {
	ClientID      model.ClientID
	UserAccountID model.UserAccountID
	RedirectURI   string

	// Scope is the scope granted by the resource owner. When empty the
	// client's scope policy applies.
	Scope string

	ResourceServerID model.ResourceServerID

	// QueryParameters holds every parameter of the original request
	// (state, nonce, max_age, claims, code_challenge, ...).
	QueryParameters model.DataBag

	// IssueRefreshToken lets the code be exchanged for a refresh token too.
	IssueRefreshToken bool
}

// ClientRegistrationResponse is the RFC 7591 registration response: the
// client parameters plus the generated identifier.
type ClientRegistrationResponse map[string]any
