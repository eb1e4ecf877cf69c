package security

import (
	"net/http"
	"net/url"
)

// Header values of every token, introspection and revocation response.
const (
	ContentTypeJSON  = "application/json; charset=UTF-8"
	CacheControlNone = "no-cache, no-store, max-age=0, must-revalidate, private"
)

// SetNoCacheJSONHeaders sets the content type and the caching headers that
// token endpoint responses must carry.
func SetNoCacheJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.Header().Set("Cache-Control", CacheControlNone)
	w.Header().Set("Pragma", "no-cache")
}

// SetSecurityHeaders sets hardening headers on HTTP responses.
// HSTS is only sent when issuer uses https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
