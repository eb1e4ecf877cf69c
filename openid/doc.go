// Package openid adds OpenID Connect to the token endpoint.
//
// IDTokenBuilderFactory creates one IDTokenBuilder per response. The builder
// releases user claims according to the granted scope and the claims request
// parameter, signs the result with the server keys (or the client secret for
// HS* algorithms) and optionally encrypts it for the client.
//
// Extension plugs the builder into the token endpoint: every response whose
// scope contains openid and whose resource owner is a user account receives
// an id_token.
package openid
