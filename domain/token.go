package domain

import (
	"strings"
	"time"

	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
	"github.com/giantswarm/oidc-engine/security"
)

// Metadata keys recorded on tokens and codes. Metadata is internal and never
// returned to clients.
const (
	MetadataRedirectURI         = "redirect_uri"
	MetadataAuthorizationCodeID = "authorization_code_id"
	MetadataGrantType           = "grant_type"
	MetadataAuthTime            = "auth_time"
	MetadataNonce               = "nonce"
)

// TokenParams holds the data shared by access tokens, refresh tokens and
// authorization codes at creation time.
type TokenParams struct {
	ClientID         model.ClientID
	ResourceOwnerID  model.ResourceOwnerID
	ExpiresAt        time.Time
	Parameters       model.DataBag
	Metadata         model.DataBag
	ResourceServerID model.ResourceServerID
}

// tokenState is the state shared by token-like aggregates.
type tokenState struct {
	ClientID         model.ClientID         `json:"client_id"`
	ResourceOwnerID  model.ResourceOwnerID  `json:"resource_owner_id"`
	ExpiresAt        time.Time              `json:"expires_at"`
	Parameters       model.DataBag          `json:"parameters"`
	Metadata         model.DataBag          `json:"metadata"`
	ResourceServerID model.ResourceServerID `json:"resource_server_id,omitempty"`
	Revoked          bool                   `json:"revoked,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

func newTokenState(p TokenParams, createdAt time.Time) tokenState {
	return tokenState{
		ClientID:         p.ClientID,
		ResourceOwnerID:  p.ResourceOwnerID,
		ExpiresAt:        p.ExpiresAt.UTC(),
		Parameters:       p.Parameters.Clone(),
		Metadata:         p.Metadata.Clone(),
		ResourceServerID: p.ResourceServerID,
		CreatedAt:        createdAt.UTC(),
	}
}

func (t *tokenState) isExpired(now time.Time) bool {
	return security.IsExpired(t.ExpiresAt, now)
}

func (t *tokenState) expiresIn(now time.Time) int64 {
	return security.ExpiresIn(t.ExpiresAt, now)
}

func (t *tokenState) scope() string {
	s, _ := t.Parameters.GetString(protocol.ParamScope)
	return s
}

// ScopeList splits a space-delimited scope string.
func ScopeList(scope string) []string {
	return strings.Fields(scope)
}
