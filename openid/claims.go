package openid

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ScopeOpenID marks an OpenID Connect request.
const ScopeOpenID = "openid"

// scopeClaims maps the standard scopes to the claims they release
// (OpenID Connect Core 5.4).
var scopeClaims = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
		"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// HasOpenIDScope reports whether scope contains "openid".
func HasOpenIDScope(scope string) bool {
	return slices.Contains(strings.Fields(scope), ScopeOpenID)
}

// ParseClaimsRequest returns the id_token member of a claims request
// parameter (OpenID Connect Core 5.5). An empty parameter yields nil.
func ParseClaimsRequest(param string) (map[string]any, error) {
	if param == "" {
		return nil, nil
	}
	var request struct {
		IDToken map[string]any `json:"id_token"`
	}
	if err := json.Unmarshal([]byte(param), &request); err != nil {
		return nil, fmt.Errorf("invalid claims parameter: %w", err)
	}
	return request.IDToken, nil
}

// releasedClaims selects the user claims released by scope and by the
// individually requested claims.
func releasedClaims(userClaims map[string]any, scope string, requested map[string]any) map[string]any {
	out := make(map[string]any)
	for _, s := range strings.Fields(scope) {
		for _, name := range scopeClaims[s] {
			if v, ok := userClaims[name]; ok {
				out[name] = v
			}
		}
	}
	for name := range requested {
		if v, ok := userClaims[name]; ok {
			out[name] = v
		}
	}
	return out
}
