package domain

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindPreConfiguredAuthorization is the aggregate kind of pre-configured authorizations.
const KindPreConfiguredAuthorization = "pre_configured_authorization"

// Pre-configured authorization event types
const (
	EventPreConfiguredAuthorizationCreated = "pre_configured_authorization.created"
	EventPreConfiguredAuthorizationRevoked = "pre_configured_authorization.revoked"
)

// PreConfiguredAuthorizationIDFor derives the identifier of an authorization
// from its content. Scope order does not matter.
func PreConfiguredAuthorizationIDFor(ownerID model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID) model.PreConfiguredAuthorizationID {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	data, _ := json.Marshal([]any{ownerID, clientID, sorted, resourceServerID})
	sum := sha256.Sum256(data)
	return model.PreConfiguredAuthorizationID(base64.RawURLEncoding.EncodeToString(sum[:]))
}

type preConfiguredAuthorizationCreated struct {
	ResourceOwnerID  model.ResourceOwnerID  `json:"resource_owner_id"`
	ClientID         model.ClientID         `json:"client_id"`
	Scopes           []string               `json:"scopes"`
	ResourceServerID model.ResourceServerID `json:"resource_server_id,omitempty"`
}

type preConfiguredAuthorizationState struct {
	ID model.PreConfiguredAuthorizationID `json:"id"`
	preConfiguredAuthorizationCreated
	Revoked bool `json:"revoked,omitempty"`
}

// PreConfiguredAuthorization records that a resource owner approved a client
// for a set of scopes ahead of time, so no consent screen is needed.
type PreConfiguredAuthorization struct {
	root
	state preConfiguredAuthorizationState
}

var _ Aggregate = (*PreConfiguredAuthorization)(nil)

// NewPreConfiguredAuthorization creates an authorization identified by the
// hash of its content.
func NewPreConfiguredAuthorization(ownerID model.ResourceOwnerID, clientID model.ClientID, scopes []string, resourceServerID model.ResourceServerID, now time.Time) (*PreConfiguredAuthorization, error) {
	id := PreConfiguredAuthorizationIDFor(ownerID, clientID, scopes, resourceServerID)
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)

	a := &PreConfiguredAuthorization{}
	err := record(a, id.String(), EventPreConfiguredAuthorizationCreated, preConfiguredAuthorizationCreated{
		ResourceOwnerID:  ownerID,
		ClientID:         clientID,
		Scopes:           slices.Compact(sorted),
		ResourceServerID: resourceServerID,
	}, now)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// MarkAsRevoked revokes the authorization.
func (a *PreConfiguredAuthorization) MarkAsRevoked(now time.Time) error {
	return record(a, a.AggregateID(), EventPreConfiguredAuthorizationRevoked, nil, now)
}

func (a *PreConfiguredAuthorization) Kind() string        { return KindPreConfiguredAuthorization }
func (a *PreConfiguredAuthorization) AggregateID() string { return a.state.ID.String() }

// Apply folds one pre-configured authorization event into state.
func (a *PreConfiguredAuthorization) Apply(e storage.Event) error {
	created := a.state.ID != ""
	switch e.Type {
	case EventPreConfiguredAuthorizationCreated:
		if err := checkEvent(a, e, created, true); err != nil {
			return err
		}
		var p preConfiguredAuthorizationCreated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		a.state = preConfiguredAuthorizationState{
			ID:                                model.PreConfiguredAuthorizationID(e.DomainID),
			preConfiguredAuthorizationCreated: p,
		}
	case EventPreConfiguredAuthorizationRevoked:
		if err := checkEvent(a, e, created, false); err != nil {
			return err
		}
		a.state.Revoked = true
	default:
		return unknownEvent(a, e)
	}
	return nil
}

func (a *PreConfiguredAuthorization) ID() model.PreConfiguredAuthorizationID   { return a.state.ID }
func (a *PreConfiguredAuthorization) ResourceOwnerID() model.ResourceOwnerID   { return a.state.ResourceOwnerID }
func (a *PreConfiguredAuthorization) ClientID() model.ClientID                 { return a.state.ClientID }
func (a *PreConfiguredAuthorization) Scopes() []string                         { return slices.Clone(a.state.Scopes) }
func (a *PreConfiguredAuthorization) ResourceServerID() model.ResourceServerID { return a.state.ResourceServerID }
func (a *PreConfiguredAuthorization) IsRevoked() bool                          { return a.state.Revoked }

func (a *PreConfiguredAuthorization) MarshalJSON() ([]byte, error) {
	return marshalSnapshot(&a.root, a.state)
}

func (a *PreConfiguredAuthorization) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &a.root, &a.state)
}
