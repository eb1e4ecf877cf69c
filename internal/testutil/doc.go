// Package testutil provides fixtures shared by the engine tests: a
// controllable clock, signing and encryption keys as go-jose JWKs, client
// builders, assertion helpers and form-encoded token requests.
package testutil
