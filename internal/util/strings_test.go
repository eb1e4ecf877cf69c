package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		input  string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10c", 10, "exactly10c"},
		{"this-is-a-very-long-token-string", 8, "this-is-"},
		{"", 5, ""},
		{"anything", 0, ""},
		{"anything", -1, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeTruncate(tt.input, tt.maxLen), "SafeTruncate(%q, %d)", tt.input, tt.maxLen)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com", NormalizeURL("https://example.com/"))
	assert.Equal(t, "https://example.com", NormalizeURL("https://example.com///"))
	assert.Equal(t, "https://example.com/path", NormalizeURL("https://example.com/path/"))
	assert.Equal(t, "", NormalizeURL("/"))

	assert.True(t, SameURL("https://issuer.example.com/", "https://issuer.example.com"))
	assert.False(t, SameURL("https://issuer.example.com/a", "https://issuer.example.com/b"))
}
