package domain

import (
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindAuthorizationCode is the aggregate kind of authorization codes.
const KindAuthorizationCode = "authorization_code"

// Authorization code event types
const (
	EventAuthorizationCodeCreated          = "authorization_code.created"
	EventAuthorizationCodeUsed             = "authorization_code.used"
	EventAuthorizationCodeRevoked          = "authorization_code.revoked"
	EventAuthorizationCodeAccessTokenAdded = "authorization_code.access_token_added"
)

// AuthorizationCodeParams are the creation inputs of an authorization code.
type AuthorizationCodeParams struct {
	TokenParams

	UserAccountID model.UserAccountID

	// QueryParameters are the parameters of the original authorization
	// request, needed later for nonce, max_age and the PKCE challenge.
	QueryParameters model.DataBag

	RedirectURI       string
	IssueRefreshToken bool
}

type authorizationCodeCreated struct {
	tokenState
	UserAccountID     model.UserAccountID `json:"user_account_id"`
	QueryParameters   model.DataBag       `json:"query_parameters"`
	RedirectURI       string              `json:"redirect_uri"`
	IssueRefreshToken bool                `json:"issue_refresh_token,omitempty"`
}

type authorizationCodeState struct {
	ID model.AuthorizationCodeID `json:"id"`
	authorizationCodeCreated
	Used           bool                  `json:"used,omitempty"`
	AccessTokenIDs []model.AccessTokenID `json:"access_token_ids,omitempty"`
}

// AuthorizationCode is a single-use code issued by the authorization endpoint.
type AuthorizationCode struct {
	root
	state authorizationCodeState
}

var _ Aggregate = (*AuthorizationCode)(nil)

// NewAuthorizationCode creates an authorization code. The resource owner is
// the user account.
func NewAuthorizationCode(id model.AuthorizationCodeID, p AuthorizationCodeParams, now time.Time) (*AuthorizationCode, error) {
	if p.ResourceOwnerID == "" {
		p.ResourceOwnerID = p.UserAccountID.ResourceOwnerID()
	}
	c := &AuthorizationCode{}
	err := record(c, id.String(), EventAuthorizationCodeCreated, authorizationCodeCreated{
		tokenState:        newTokenState(p.TokenParams, now),
		UserAccountID:     p.UserAccountID,
		QueryParameters:   p.QueryParameters.Clone(),
		RedirectURI:       p.RedirectURI,
		IssueRefreshToken: p.IssueRefreshToken,
	}, now)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MarkAsUsed consumes the code. Callers must reject a code that IsUsed
// already: a second redemption is a replay.
func (c *AuthorizationCode) MarkAsUsed(now time.Time) error {
	return record(c, c.AggregateID(), EventAuthorizationCodeUsed, nil, now)
}

// MarkAsRevoked revokes the code.
func (c *AuthorizationCode) MarkAsRevoked(now time.Time) error {
	return record(c, c.AggregateID(), EventAuthorizationCodeRevoked, nil, now)
}

// AddAccessToken records an access token issued for this code, so that the
// token can be revoked if the code is replayed.
func (c *AuthorizationCode) AddAccessToken(id model.AccessTokenID, now time.Time) error {
	return record(c, c.AggregateID(), EventAuthorizationCodeAccessTokenAdded, accessTokenAdded{AccessTokenID: id}, now)
}

func (c *AuthorizationCode) Kind() string        { return KindAuthorizationCode }
func (c *AuthorizationCode) AggregateID() string { return c.state.ID.String() }

// Apply folds one authorization code event into state.
func (c *AuthorizationCode) Apply(e storage.Event) error {
	created := c.state.ID != ""
	switch e.Type {
	case EventAuthorizationCodeCreated:
		if err := checkEvent(c, e, created, true); err != nil {
			return err
		}
		var p authorizationCodeCreated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		c.state = authorizationCodeState{ID: model.AuthorizationCodeID(e.DomainID), authorizationCodeCreated: p}
	case EventAuthorizationCodeUsed:
		if err := checkEvent(c, e, created, false); err != nil {
			return err
		}
		c.state.Used = true
	case EventAuthorizationCodeRevoked:
		if err := checkEvent(c, e, created, false); err != nil {
			return err
		}
		c.state.Revoked = true
	case EventAuthorizationCodeAccessTokenAdded:
		if err := checkEvent(c, e, created, false); err != nil {
			return err
		}
		var p accessTokenAdded
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		if !slices.Contains(c.state.AccessTokenIDs, p.AccessTokenID) {
			c.state.AccessTokenIDs = append(c.state.AccessTokenIDs, p.AccessTokenID)
		}
	default:
		return unknownEvent(c, e)
	}
	return nil
}

func (c *AuthorizationCode) ID() model.AuthorizationCodeID            { return c.state.ID }
func (c *AuthorizationCode) ClientID() model.ClientID                 { return c.state.ClientID }
func (c *AuthorizationCode) UserAccountID() model.UserAccountID       { return c.state.UserAccountID }
func (c *AuthorizationCode) ResourceOwnerID() model.ResourceOwnerID   { return c.state.ResourceOwnerID }
func (c *AuthorizationCode) ResourceServerID() model.ResourceServerID { return c.state.ResourceServerID }
func (c *AuthorizationCode) RedirectURI() string                      { return c.state.RedirectURI }
func (c *AuthorizationCode) IssueRefreshToken() bool                  { return c.state.IssueRefreshToken }
func (c *AuthorizationCode) ExpiresAt() time.Time                     { return c.state.ExpiresAt }
func (c *AuthorizationCode) IsUsed() bool                             { return c.state.Used }
func (c *AuthorizationCode) IsRevoked() bool                          { return c.state.Revoked }
func (c *AuthorizationCode) IsExpired(now time.Time) bool             { return c.state.isExpired(now) }
func (c *AuthorizationCode) Parameters() model.DataBag                { return c.state.Parameters.Clone() }
func (c *AuthorizationCode) Metadata() model.DataBag                  { return c.state.Metadata.Clone() }
func (c *AuthorizationCode) QueryParameters() model.DataBag           { return c.state.QueryParameters.Clone() }
func (c *AuthorizationCode) Scope() string                            { return c.state.scope() }

// AccessTokenIDs returns the access tokens issued for this code.
func (c *AuthorizationCode) AccessTokenIDs() []model.AccessTokenID {
	return slices.Clone(c.state.AccessTokenIDs)
}

// QueryParameter returns a string parameter of the original authorization request.
func (c *AuthorizationCode) QueryParameter(name string) (string, bool) {
	return c.state.QueryParameters.GetString(name)
}

// CodeChallenge returns the PKCE challenge registered with the code.
func (c *AuthorizationCode) CodeChallenge() (string, bool) {
	v, ok := c.QueryParameter(protocol.ParamCodeChallenge)
	return v, ok && v != ""
}

// CodeChallengeMethod returns the PKCE method, "plain" when absent.
func (c *AuthorizationCode) CodeChallengeMethod() string {
	if m, ok := c.QueryParameter(protocol.ParamCodeChallengeMethod); ok && m != "" {
		return m
	}
	return "plain"
}

func (c *AuthorizationCode) MarshalJSON() ([]byte, error) { return marshalSnapshot(&c.root, c.state) }

func (c *AuthorizationCode) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &c.root, &c.state)
}
