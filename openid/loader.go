package openid

import (
	"encoding/json"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oidc-engine/jwks"
)

// IDTokenLoader verifies ID tokens previously issued by this server, such as
// an id_token_hint.
type IDTokenLoader struct {
	SignatureKeys       *jose.JSONWebKeySet
	SignatureAlgorithms []string
}

// Load verifies token and returns its claims. Any failure, including a
// payload that is not a JSON object, reports false.
func (l *IDTokenLoader) Load(token string) (map[string]any, bool) {
	allowed := make([]jose.SignatureAlgorithm, 0, len(l.SignatureAlgorithms))
	for _, alg := range l.SignatureAlgorithms {
		if alg != AlgorithmNone {
			allowed = append(allowed, jose.SignatureAlgorithm(alg))
		}
	}
	if len(allowed) == 0 {
		return nil, false
	}

	_, payload, err := jwks.VerifyCompact(token, l.SignatureKeys, allowed)
	if err != nil {
		return nil, false
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil || claims == nil {
		return nil, false
	}
	return claims, true
}
