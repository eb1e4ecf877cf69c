package domain

import (
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindInitialAccessToken is the aggregate kind of initial access tokens.
const KindInitialAccessToken = "initial_access_token"

// Initial access token event types
const (
	EventInitialAccessTokenCreated = "initial_access_token.created"
	EventInitialAccessTokenRevoked = "initial_access_token.revoked"
)

type initialAccessTokenCreated struct {
	UserAccountID model.UserAccountID `json:"user_account_id,omitempty"`
	ExpiresAt     time.Time           `json:"expires_at,omitempty"`
}

type initialAccessTokenState struct {
	ID model.InitialAccessTokenID `json:"id"`
	initialAccessTokenCreated
	Revoked bool `json:"revoked,omitempty"`
}

// InitialAccessToken authorizes dynamic client registration.
type InitialAccessToken struct {
	root
	state initialAccessTokenState
}

var _ Aggregate = (*InitialAccessToken)(nil)

// NewInitialAccessToken creates an initial access token. A zero expiresAt
// never expires.
func NewInitialAccessToken(id model.InitialAccessTokenID, userAccountID model.UserAccountID, expiresAt, now time.Time) (*InitialAccessToken, error) {
	t := &InitialAccessToken{}
	err := record(t, id.String(), EventInitialAccessTokenCreated, initialAccessTokenCreated{
		UserAccountID: userAccountID,
		ExpiresAt:     expiresAt.UTC(),
	}, now)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkAsRevoked revokes the token.
func (t *InitialAccessToken) MarkAsRevoked(now time.Time) error {
	return record(t, t.AggregateID(), EventInitialAccessTokenRevoked, nil, now)
}

func (t *InitialAccessToken) Kind() string        { return KindInitialAccessToken }
func (t *InitialAccessToken) AggregateID() string { return t.state.ID.String() }

// Apply folds one initial access token event into state.
func (t *InitialAccessToken) Apply(e storage.Event) error {
	created := t.state.ID != ""
	switch e.Type {
	case EventInitialAccessTokenCreated:
		if err := checkEvent(t, e, created, true); err != nil {
			return err
		}
		var p initialAccessTokenCreated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		t.state = initialAccessTokenState{ID: model.InitialAccessTokenID(e.DomainID), initialAccessTokenCreated: p}
	case EventInitialAccessTokenRevoked:
		if err := checkEvent(t, e, created, false); err != nil {
			return err
		}
		t.state.Revoked = true
	default:
		return unknownEvent(t, e)
	}
	return nil
}

func (t *InitialAccessToken) ID() model.InitialAccessTokenID     { return t.state.ID }
func (t *InitialAccessToken) UserAccountID() model.UserAccountID { return t.state.UserAccountID }
func (t *InitialAccessToken) ExpiresAt() time.Time               { return t.state.ExpiresAt }
func (t *InitialAccessToken) IsRevoked() bool                    { return t.state.Revoked }

// IsExpired reports whether the token has an expiry in the past.
func (t *InitialAccessToken) IsExpired(now time.Time) bool {
	return security.IsExpired(t.state.ExpiresAt, now)
}

func (t *InitialAccessToken) MarshalJSON() ([]byte, error) { return marshalSnapshot(&t.root, t.state) }

func (t *InitialAccessToken) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &t.root, &t.state)
}
