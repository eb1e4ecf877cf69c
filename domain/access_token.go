package domain

import (
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindAccessToken is the aggregate kind of access tokens.
const KindAccessToken = "access_token"

// Access token event types
const (
	EventAccessTokenCreated = "access_token.created"
	EventAccessTokenRevoked = "access_token.revoked"
)

type accessTokenCreated struct {
	tokenState
	RefreshTokenID model.RefreshTokenID `json:"refresh_token_id,omitempty"`
}

type accessTokenState struct {
	ID model.AccessTokenID `json:"id"`
	tokenState
	RefreshTokenID model.RefreshTokenID `json:"refresh_token_id,omitempty"`
}

// AccessToken is an issued bearer token.
type AccessToken struct {
	root
	state accessTokenState
}

var _ Aggregate = (*AccessToken)(nil)

// NewAccessToken creates an access token, optionally linked to the refresh
// token issued with it.
func NewAccessToken(id model.AccessTokenID, p TokenParams, refreshTokenID model.RefreshTokenID, now time.Time) (*AccessToken, error) {
	t := &AccessToken{}
	err := record(t, id.String(), EventAccessTokenCreated, accessTokenCreated{
		tokenState:     newTokenState(p, now),
		RefreshTokenID: refreshTokenID,
	}, now)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// MarkAsRevoked revokes the token.
func (t *AccessToken) MarkAsRevoked(now time.Time) error {
	return record(t, t.AggregateID(), EventAccessTokenRevoked, nil, now)
}

func (t *AccessToken) Kind() string        { return KindAccessToken }
func (t *AccessToken) AggregateID() string { return t.state.ID.String() }

// Apply folds one access token event into state.
func (t *AccessToken) Apply(e storage.Event) error {
	created := t.state.ID != ""
	switch e.Type {
	case EventAccessTokenCreated:
		if err := checkEvent(t, e, created, true); err != nil {
			return err
		}
		var p accessTokenCreated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		t.state = accessTokenState{
			ID:             model.AccessTokenID(e.DomainID),
			tokenState:     p.tokenState,
			RefreshTokenID: p.RefreshTokenID,
		}
	case EventAccessTokenRevoked:
		if err := checkEvent(t, e, created, false); err != nil {
			return err
		}
		t.state.Revoked = true
	default:
		return unknownEvent(t, e)
	}
	return nil
}

func (t *AccessToken) ID() model.AccessTokenID                  { return t.state.ID }
func (t *AccessToken) ClientID() model.ClientID                 { return t.state.ClientID }
func (t *AccessToken) ResourceOwnerID() model.ResourceOwnerID   { return t.state.ResourceOwnerID }
func (t *AccessToken) ResourceServerID() model.ResourceServerID { return t.state.ResourceServerID }
func (t *AccessToken) RefreshTokenID() model.RefreshTokenID     { return t.state.RefreshTokenID }
func (t *AccessToken) ExpiresAt() time.Time                     { return t.state.ExpiresAt }
func (t *AccessToken) CreatedAt() time.Time                     { return t.state.CreatedAt }
func (t *AccessToken) IsRevoked() bool                          { return t.state.Revoked }
func (t *AccessToken) IsExpired(now time.Time) bool             { return t.state.isExpired(now) }
func (t *AccessToken) ExpiresIn(now time.Time) int64            { return t.state.expiresIn(now) }
func (t *AccessToken) Parameters() model.DataBag                { return t.state.Parameters.Clone() }
func (t *AccessToken) Metadata() model.DataBag                  { return t.state.Metadata.Clone() }
func (t *AccessToken) Scope() string                            { return t.state.scope() }

// ResponseData returns the token endpoint response members of this token:
// access_token, token_type, expires_in and every parameter.
func (t *AccessToken) ResponseData(now time.Time) map[string]any {
	out := t.state.Parameters.All()
	out["access_token"] = t.state.ID.String()
	out["token_type"] = protocol.TokenTypeBearer
	out["expires_in"] = t.ExpiresIn(now)
	return out
}

func (t *AccessToken) MarshalJSON() ([]byte, error) { return marshalSnapshot(&t.root, t.state) }

func (t *AccessToken) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &t.root, &t.state)
}
