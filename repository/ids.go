package repository

import (
	"fmt"

	"golang.org/x/oauth2"
)

const (
	// DefaultIDLength is the length of generated identifiers.
	DefaultIDLength = 50

	// MinIDLength is the shortest identifier length accepted (about 192 bits).
	MinIDLength = 32
)

// GenerateID returns a random URL-safe identifier of the given length.
// A length of zero selects DefaultIDLength.
func GenerateID(length int) (string, error) {
	if length == 0 {
		length = DefaultIDLength
	}
	if length < MinIDLength {
		return "", fmt.Errorf("identifier length %d is below the minimum of %d", length, MinIDLength)
	}

	// Each verifier carries 256 bits as 43 base64url characters.
	id := ""
	for len(id) < length {
		id += oauth2.GenerateVerifier()
	}
	return id[:length], nil
}
