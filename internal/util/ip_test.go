package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.255.255.255", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"ff02::1", IPClassificationLinkLocal},
		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.0.1", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fd00::1", IPClassificationPrivate},
		{"8.8.8.8", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			require.NotNil(t, ip)
			assert.Equal(t, tt.want, ClassifyIP(ip))
			assert.Equal(t, tt.want != IPClassificationPublic, IsPrivateOrInternal(ip))
		})
	}

	assert.Equal(t, IPClassificationUnspecified, ClassifyIP(nil))
	assert.Equal(t, "link_local", IPClassificationLinkLocal.String())
	assert.Equal(t, "unknown", IPClassification(99).String())
}

func TestIsLoopbackHostname(t *testing.T) {
	assert.True(t, IsLoopbackHostname("localhost"))
	assert.True(t, IsLoopbackHostname("127.0.0.5"))
	assert.True(t, IsLoopbackHostname("[::1]"))
	assert.False(t, IsLoopbackHostname("0.0.0.0"))
	assert.False(t, IsLoopbackHostname("example.com"))
	assert.False(t, IsLoopbackHostname(""))
}

func TestValidateFetchURL(t *testing.T) {
	tests := []struct {
		name          string
		url           string
		allowInsecure bool
		wantErr       error
		wantAnyErr    bool
	}{
		{name: "https public host", url: "https://keys.example.com/jwks.json"},
		{name: "http rejected", url: "http://keys.example.com/jwks.json", wantErr: ErrInsecureURL},
		{name: "http allowed for development", url: "http://127.0.0.1:8080/jwks", allowInsecure: true},
		{name: "metadata address", url: "https://169.254.169.254/latest", wantErr: ErrInternalAddress},
		{name: "private address", url: "https://10.1.2.3/jwks", wantErr: ErrInternalAddress},
		{name: "no host", url: "https:///jwks", wantAnyErr: true},
		{name: "unsupported scheme", url: "file:///etc/passwd", wantAnyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFetchURL(tt.url, tt.allowInsecure)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantAnyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRedirectURI(t *testing.T) {
	assert.NoError(t, ValidateRedirectURI("https://client.example.com/cb"))
	assert.NoError(t, ValidateRedirectURI("http://localhost:3000/cb"))
	assert.NoError(t, ValidateRedirectURI("http://127.0.0.1/cb"))
	assert.NoError(t, ValidateRedirectURI("com.example.app:/oauth2redirect"))

	assert.ErrorIs(t, ValidateRedirectURI("http://client.example.com/cb"), ErrInsecureURL)
	assert.ErrorIs(t, ValidateRedirectURI("https://0.0.0.0/cb"), ErrInternalAddress)
	assert.Error(t, ValidateRedirectURI("/relative/cb"))
	assert.Error(t, ValidateRedirectURI("https://client.example.com/cb#frag"))
}
