// Package jwks resolves the key material of clients and trusted issuers and
// selects keys for signing, encryption and verification.
//
// A client carries its keys in one of three client parameters:
//
//   - jwks: an inline JWK Set (private_key_jwt)
//   - jwks_uri: a URL the set is fetched from (private_key_jwt)
//   - client_secret: a shared secret used as an HMAC key (client_secret_jwt)
//
// Remote sets are fetched through RemoteFetcher, which keeps them in a
// refreshing cache (github.com/lestrrat-go/jwx/v3/jwk over httprc) and refuses
// URLs that point at internal addresses. Keys are handed out as go-jose
// JSONWebKeys.
package jwks
