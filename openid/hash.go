package openid

import (
	"crypto"
	_ "crypto/sha256" // register SHA-256
	_ "crypto/sha512" // register SHA-384 and SHA-512
	"encoding/base64"
	"fmt"
	"strings"
)

// hashFor returns the hash function and the number of leading bytes kept
// for at_hash and c_hash with the JWS algorithm alg (OpenID Connect Core
// 3.1.3.6).
func hashFor(alg string) (crypto.Hash, int, error) {
	switch {
	case strings.HasSuffix(alg, "256"):
		return crypto.SHA256, 16, nil
	case strings.HasSuffix(alg, "384"):
		return crypto.SHA384, 24, nil
	case strings.HasSuffix(alg, "512"):
		return crypto.SHA512, 32, nil
	default:
		return 0, 0, fmt.Errorf("no hash function defined for algorithm %q", alg)
	}
}

// TokenHash computes at_hash or c_hash of value for the JWS algorithm alg.
func TokenHash(value, alg string) (string, error) {
	h, size, err := hashFor(alg)
	if err != nil {
		return "", err
	}
	hasher := h.New()
	hasher.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(hasher.Sum(nil)[:size]), nil
}
