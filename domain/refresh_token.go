package domain

import (
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindRefreshToken is the aggregate kind of refresh tokens.
const KindRefreshToken = "refresh_token"

// Refresh token event types
const (
	EventRefreshTokenCreated          = "refresh_token.created"
	EventRefreshTokenAccessTokenAdded = "refresh_token.access_token_added"
	EventRefreshTokenRevoked          = "refresh_token.revoked"
)

type accessTokenAdded struct {
	AccessTokenID model.AccessTokenID `json:"access_token_id"`
}

type refreshTokenState struct {
	ID model.RefreshTokenID `json:"id"`
	tokenState
	AccessTokenIDs []model.AccessTokenID `json:"access_token_ids,omitempty"`
}

// RefreshToken is a long-lived credential that can be exchanged for new
// access tokens. It remembers every access token issued through it.
type RefreshToken struct {
	root
	state refreshTokenState
}

var _ Aggregate = (*RefreshToken)(nil)

// NewRefreshToken creates a refresh token.
func NewRefreshToken(id model.RefreshTokenID, p TokenParams, now time.Time) (*RefreshToken, error) {
	t := &RefreshToken{}
	if err := record(t, id.String(), EventRefreshTokenCreated, newTokenState(p, now), now); err != nil {
		return nil, err
	}
	return t, nil
}

// AddAccessToken records an access token issued with this refresh token.
func (t *RefreshToken) AddAccessToken(id model.AccessTokenID, now time.Time) error {
	return record(t, t.AggregateID(), EventRefreshTokenAccessTokenAdded, accessTokenAdded{AccessTokenID: id}, now)
}

// MarkAsRevoked revokes the token.
func (t *RefreshToken) MarkAsRevoked(now time.Time) error {
	return record(t, t.AggregateID(), EventRefreshTokenRevoked, nil, now)
}

func (t *RefreshToken) Kind() string        { return KindRefreshToken }
func (t *RefreshToken) AggregateID() string { return t.state.ID.String() }

// Apply folds one refresh token event into state.
func (t *RefreshToken) Apply(e storage.Event) error {
	created := t.state.ID != ""
	switch e.Type {
	case EventRefreshTokenCreated:
		if err := checkEvent(t, e, created, true); err != nil {
			return err
		}
		var p tokenState
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		t.state = refreshTokenState{ID: model.RefreshTokenID(e.DomainID), tokenState: p}
	case EventRefreshTokenAccessTokenAdded:
		if err := checkEvent(t, e, created, false); err != nil {
			return err
		}
		var p accessTokenAdded
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if !slices.Contains(t.state.AccessTokenIDs, p.AccessTokenID) {
			t.state.AccessTokenIDs = append(t.state.AccessTokenIDs, p.AccessTokenID)
		}
	case EventRefreshTokenRevoked:
		if err := checkEvent(t, e, created, false); err != nil {
			return err
		}
		t.state.Revoked = true
	default:
		return unknownEvent(t, e)
	}
	return nil
}

func (t *RefreshToken) ID() model.RefreshTokenID                 { return t.state.ID }
func (t *RefreshToken) ClientID() model.ClientID                 { return t.state.ClientID }
func (t *RefreshToken) ResourceOwnerID() model.ResourceOwnerID   { return t.state.ResourceOwnerID }
func (t *RefreshToken) ResourceServerID() model.ResourceServerID { return t.state.ResourceServerID }
func (t *RefreshToken) ExpiresAt() time.Time                     { return t.state.ExpiresAt }
func (t *RefreshToken) CreatedAt() time.Time                     { return t.state.CreatedAt }
func (t *RefreshToken) IsRevoked() bool                          { return t.state.Revoked }
func (t *RefreshToken) IsExpired(now time.Time) bool             { return t.state.isExpired(now) }
func (t *RefreshToken) ExpiresIn(now time.Time) int64            { return t.state.expiresIn(now) }
func (t *RefreshToken) Parameters() model.DataBag                { return t.state.Parameters.Clone() }
func (t *RefreshToken) Metadata() model.DataBag                  { return t.state.Metadata.Clone() }
func (t *RefreshToken) Scope() string                            { return t.state.scope() }

// AccessTokenIDs returns the access tokens issued with this refresh token.
func (t *RefreshToken) AccessTokenIDs() []model.AccessTokenID {
	return slices.Clone(t.state.AccessTokenIDs)
}

func (t *RefreshToken) MarshalJSON() ([]byte, error) { return marshalSnapshot(&t.root, t.state) }

func (t *RefreshToken) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &t.root, &t.state)
}
