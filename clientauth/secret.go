package clientauth

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oidc-engine/domain"
	"github.com/giantswarm/oidc-engine/model"
	"github.com/giantswarm/oidc-engine/protocol"
)

// None authenticates public clients, which only identify themselves.
type None struct{}

func (None) SupportedMethods() []string  { return []string{MethodNone} }
func (None) SchemesParameters() []string { return nil }

func (None) FindClientIDAndCredentials(r *http.Request) (model.ClientID, any, error) {
	id := r.PostForm.Get(protocol.ParamClientID)
	if id == "" {
		return "", nil, nil
	}
	return model.ClientID(id), nil, nil
}

func (None) IsClientAuthenticated(context.Context, *domain.Client, any, *http.Request) bool {
	return true
}

func (None) CheckClientConfiguration(_ context.Context, params model.DataBag) (model.DataBag, error) {
	out := params.Clone()
	out.Delete(ParameterClientSecret)
	out.Delete(ParameterClientSecretExpiresAt)
	return out, nil
}

// ClientSecretBasic reads credentials from the Authorization header
// (RFC 6749 section 2.3.1).
type ClientSecretBasic struct {
	secretIssuer

	// Realm is announced in the WWW-Authenticate challenge.
	Realm string
}

// NewClientSecretBasic creates the method. See ClientSecretPost for secretLifetime.
func NewClientSecretBasic(realm string, secretLifetime time.Duration) *ClientSecretBasic {
	return &ClientSecretBasic{Realm: realm, secretIssuer: secretIssuer{SecretLifetime: secretLifetime}}
}

func (*ClientSecretBasic) SupportedMethods() []string { return []string{MethodClientSecretBasic} }

func (m *ClientSecretBasic) SchemesParameters() []string {
	return []string{fmt.Sprintf(`Basic realm="%s",charset="UTF-8"`, m.Realm)}
}

func (*ClientSecretBasic) FindClientIDAndCredentials(r *http.Request) (model.ClientID, any, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", nil, nil
	}
	id, secret, ok := strings.Cut(string(decoded), ":")
	if !ok || id == "" {
		return "", nil, nil
	}

	// Credentials are form-urlencoded before being joined; raw values are
	// accepted as well.
	if unescaped, err := url.QueryUnescape(id); err == nil {
		id = unescaped
	}
	if unescaped, err := url.QueryUnescape(secret); err == nil {
		secret = unescaped
	}
	return model.ClientID(id), secret, nil
}

func (*ClientSecretBasic) IsClientAuthenticated(_ context.Context, client *domain.Client, credentials any, _ *http.Request) bool {
	return secretMatches(client, credentials)
}

func (m *ClientSecretBasic) CheckClientConfiguration(_ context.Context, params model.DataBag) (model.DataBag, error) {
	return m.issueSecret(params), nil
}

// ClientSecretPost reads client_id and client_secret from the request body.
type ClientSecretPost struct {
	secretIssuer
}

// NewClientSecretPost creates the method. Secrets minted at registration
// expire after secretLifetime; zero means never.
func NewClientSecretPost(secretLifetime time.Duration) *ClientSecretPost {
	return &ClientSecretPost{secretIssuer: secretIssuer{SecretLifetime: secretLifetime}}
}

func (*ClientSecretPost) SupportedMethods() []string  { return []string{MethodClientSecretPost} }
func (*ClientSecretPost) SchemesParameters() []string { return nil }

func (*ClientSecretPost) FindClientIDAndCredentials(r *http.Request) (model.ClientID, any, error) {
	id := r.PostForm.Get(protocol.ParamClientID)
	secret := r.PostForm.Get(protocol.ParamClientSecret)
	if id == "" || secret == "" {
		return "", nil, nil
	}
	return model.ClientID(id), secret, nil
}

func (*ClientSecretPost) IsClientAuthenticated(_ context.Context, client *domain.Client, credentials any, _ *http.Request) bool {
	return secretMatches(client, credentials)
}

func (m *ClientSecretPost) CheckClientConfiguration(_ context.Context, params model.DataBag) (model.DataBag, error) {
	return m.issueSecret(params), nil
}
