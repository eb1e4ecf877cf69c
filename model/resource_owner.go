package model

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// UserAccount is an end-user account that can own resources and be the
// subject of an ID token.
type UserAccount interface {
	// ID returns the account identifier.
	ID() UserAccountID

	// LastLoginAt returns the time of the last successful authentication.
	// The boolean is false when the account never logged in.
	LastLoginAt() (time.Time, bool)

	// Claims returns the userinfo claims available for the account
	// (e.g. name, email, email_verified).
	Claims() map[string]any
}

// UserAccountRepository finds user accounts. Implementations return
// ErrNotFound when the account does not exist.
type UserAccountRepository interface {
	Find(ctx context.Context, id UserAccountID) (UserAccount, error)
}

// ResourceServer is an API that introspects or revokes tokens issued by the engine.
type ResourceServer interface {
	ID() ResourceServerID

	// Secret returns the shared secret the resource server authenticates with.
	Secret() string
}

// ResourceServerRepository finds resource servers. Implementations return
// ErrNotFound when the resource server does not exist.
type ResourceServerRepository interface {
	Find(ctx context.Context, id ResourceServerID) (ResourceServer, error)
}
