// Package model contains the identifier value types, the DataBag parameter
// container and the resource-owner contracts shared by every other package.
package model

// ClientID identifies a registered OAuth client.
type ClientID string

// String returns the wrapped identifier.
func (id ClientID) String() string { return string(id) }

// ResourceOwnerID converts the client identifier into a resource owner
// identifier. Clients act as their own resource owner for the
// client_credentials and jwt-bearer grants.
func (id ClientID) ResourceOwnerID() ResourceOwnerID { return ResourceOwnerID(id) }

// AccessTokenID identifies an issued access token.
type AccessTokenID string

func (id AccessTokenID) String() string { return string(id) }

// RefreshTokenID identifies an issued refresh token.
type RefreshTokenID string

func (id RefreshTokenID) String() string { return string(id) }

// AuthorizationCodeID identifies an issued authorization code.
type AuthorizationCodeID string

func (id AuthorizationCodeID) String() string { return string(id) }

// InitialAccessTokenID identifies an initial access token used for client registration.
type InitialAccessTokenID string

func (id InitialAccessTokenID) String() string { return string(id) }

// PreConfiguredAuthorizationID is the content hash identifying a pre-configured authorization.
type PreConfiguredAuthorizationID string

func (id PreConfiguredAuthorizationID) String() string { return string(id) }

// ResourceOwnerID identifies the owner of the protected resources (a user account or a client).
type ResourceOwnerID string

func (id ResourceOwnerID) String() string { return string(id) }

// UserAccountID identifies an end-user account.
type UserAccountID string

func (id UserAccountID) String() string { return string(id) }

// ResourceOwnerID converts the user account identifier into a resource owner identifier.
func (id UserAccountID) ResourceOwnerID() ResourceOwnerID { return ResourceOwnerID(id) }

// ResourceServerID identifies a resource server (an API protected by issued tokens).
type ResourceServerID string

func (id ResourceServerID) String() string { return string(id) }
