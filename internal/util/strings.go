package util

import "strings"

// SafeTruncate returns at most the first maxLen bytes of s. A negative maxLen
// yields "". Used to log token identifiers without revealing them.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL removes trailing slashes so that issuer and audience values
// with and without them compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// SameURL compares two URLs after normalisation.
func SameURL(a, b string) bool {
	return NormalizeURL(a) == NormalizeURL(b)
}
