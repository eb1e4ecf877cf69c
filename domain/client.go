package domain

import (
	"slices"
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/storage"
)

// KindClient is the aggregate kind of clients.
const KindClient = "client"

// Client event types
const (
	EventClientCreated           = "client.created"
	EventClientParametersUpdated = "client.parameters_updated"
	EventClientDeleted           = "client.deleted"
)

// AuthMethodNone is the token_endpoint_auth_method of public clients.
const AuthMethodNone = "none"

// DefaultTokenEndpointAuthMethod applies when a client declares none.
const DefaultTokenEndpointAuthMethod = "client_secret_basic"

type clientCreated struct {
	OwnerID    model.ResourceOwnerID `json:"owner_id,omitempty"`
	Parameters model.DataBag         `json:"parameters"`
}

type clientParametersUpdated struct {
	Parameters model.DataBag `json:"parameters"`
}

type clientState struct {
	ID         model.ClientID        `json:"id"`
	OwnerID    model.ResourceOwnerID `json:"owner_id,omitempty"`
	Parameters model.DataBag         `json:"parameters"`
	Deleted    bool                  `json:"deleted,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

// Client is a registered OAuth2 client.
type Client struct {
	root
	state clientState
}

var _ Aggregate = (*Client)(nil)

// NewClient creates a client. The event is pending until saved.
func NewClient(id model.ClientID, ownerID model.ResourceOwnerID, parameters model.DataBag, now time.Time) (*Client, error) {
	c := &Client{}
	err := record(c, id.String(), EventClientCreated, clientCreated{
		OwnerID:    ownerID,
		Parameters: parameters.Clone(),
	}, now)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// SetParameters replaces the client metadata.
func (c *Client) SetParameters(parameters model.DataBag, now time.Time) error {
	return record(c, c.AggregateID(), EventClientParametersUpdated, clientParametersUpdated{Parameters: parameters.Clone()}, now)
}

// MarkAsDeleted deletes the client. Deleted clients cannot authenticate.
func (c *Client) MarkAsDeleted(now time.Time) error {
	return record(c, c.AggregateID(), EventClientDeleted, nil, now)
}

func (c *Client) Kind() string        { return KindClient }
func (c *Client) AggregateID() string { return c.state.ID.String() }

// Apply folds one client event into state.
func (c *Client) Apply(e storage.Event) error {
	created := c.state.ID != ""
	switch e.Type {
	case EventClientCreated:
		if err := checkEvent(c, e, created, true); err != nil {
			return err
		}
		var p clientCreated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		c.state = clientState{
			ID:         model.ClientID(e.DomainID),
			OwnerID:    p.OwnerID,
			Parameters: p.Parameters,
			CreatedAt:  e.OccurredAt,
			UpdatedAt:  e.OccurredAt,
		}
	case EventClientParametersUpdated:
		if err := checkEvent(c, e, created, false); err != nil {
			return err
		}
		var p clientParametersUpdated
		if err := e.DecodePayload(&p); err != nil {
			return err
		}
		c.state.Parameters = p.Parameters
		c.state.UpdatedAt = e.OccurredAt
	case EventClientDeleted:
		if err := checkEvent(c, e, created, false); err != nil {
			return err
		}
		c.state.Deleted = true
		c.state.UpdatedAt = e.OccurredAt
	default:
		return unknownEvent(c, e)
	}
	return nil
}

func (c *Client) ID() model.ClientID                  { return c.state.ID }
func (c *Client) OwnerID() model.ResourceOwnerID      { return c.state.OwnerID }
func (c *Client) IsDeleted() bool                     { return c.state.Deleted }
func (c *Client) CreatedAt() time.Time                { return c.state.CreatedAt }
func (c *Client) Parameters() model.DataBag           { return c.state.Parameters.Clone() }
func (c *Client) Has(key string) bool                 { return c.state.Parameters.Has(key) }
func (c *Client) GetString(key string) (string, bool) { return c.state.Parameters.GetString(key) }

// TokenEndpointAuthMethod returns the declared authentication method,
// client_secret_basic when unset.
func (c *Client) TokenEndpointAuthMethod() string {
	if m, ok := c.state.Parameters.GetString(protocol.ClientParamTokenEndpointAuthMethod); ok && m != "" {
		return m
	}
	return DefaultTokenEndpointAuthMethod
}

// IsPublic reports whether the client authenticates with method "none".
func (c *Client) IsPublic() bool {
	return c.TokenEndpointAuthMethod() == AuthMethodNone
}

// ClientSecret returns the shared secret, if any.
func (c *Client) ClientSecret() (string, bool) {
	return c.state.Parameters.GetString(protocol.ClientParamClientSecret)
}

// AreClientCredentialsExpired reports whether client_secret_expires_at lies
// in the past. Zero or absent means the credentials never expire.
func (c *Client) AreClientCredentialsExpired(now time.Time) bool {
	exp, ok := c.state.Parameters.GetInt64(protocol.ClientParamClientSecretExpiresAt)
	if !ok || exp == 0 {
		return false
	}
	return now.Unix() > exp
}

// IsGrantTypeAllowed reports whether grantType is listed in grant_types.
func (c *Client) IsGrantTypeAllowed(grantType string) bool {
	types, _ := c.state.Parameters.GetStringSlice(protocol.ClientParamGrantTypes)
	return slices.Contains(types, grantType)
}

// RedirectURIs returns the registered redirect URIs.
func (c *Client) RedirectURIs() []string {
	uris, _ := c.state.Parameters.GetStringSlice(protocol.ClientParamRedirectURIs)
	return uris
}

func (c *Client) MarshalJSON() ([]byte, error) { return marshalSnapshot(&c.root, c.state) }

func (c *Client) UnmarshalJSON(data []byte) error {
	return unmarshalSnapshot(data, &c.root, &c.state)
}
