package util

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// IPClassification is the security class of an address, used to keep key set
// fetches and redirect URIs away from internal networks.
type IPClassification int

const (
	IPClassificationPublic IPClassification = iota
	IPClassificationLoopback
	IPClassificationPrivate
	IPClassificationLinkLocal
	IPClassificationUnspecified
)

func (c IPClassification) String() string {
	switch c {
	case IPClassificationPublic:
		return "public"
	case IPClassificationLoopback:
		return "loopback"
	case IPClassificationPrivate:
		return "private"
	case IPClassificationLinkLocal:
		return "link_local"
	case IPClassificationUnspecified:
		return "unspecified"
	default:
		return "unknown"
	}
}

// ClassifyIP returns the security classification of ip. Link-local covers the
// cloud metadata address 169.254.169.254.
func ClassifyIP(ip net.IP) IPClassification {
	switch {
	case ip == nil, ip.IsUnspecified():
		return IPClassificationUnspecified
	case ip.IsLoopback():
		return IPClassificationLoopback
	case IsLinkLocal(ip):
		return IPClassificationLinkLocal
	case ip.IsPrivate():
		return IPClassificationPrivate
	default:
		return IPClassificationPublic
	}
}

// IsLinkLocal checks for link-local unicast or multicast addresses.
func IsLinkLocal(ip net.IP) bool {
	return ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// IsPrivateOrInternal reports whether ip is anything but a public address.
func IsPrivateOrInternal(ip net.IP) bool {
	return ClassifyIP(ip) != IPClassificationPublic
}

// IsLoopbackHostname checks if a hostname (without port) is "localhost" or a
// loopback literal. 0.0.0.0 is not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

var (
	// ErrInsecureURL is returned for non-https URLs when plain http is not allowed.
	ErrInsecureURL = errors.New("url must use https")
	// ErrInternalAddress is returned for URLs pointing at a non-public address literal.
	ErrInternalAddress = errors.New("url points to an internal address")
)

// ValidateFetchURL checks a URL the engine will fetch itself, such as a
// client's jwks_uri. It must be absolute and use https, unless allowInsecure
// is set, and must not name a private, loopback or link-local address literal.
// Hostnames are not resolved here.
func ValidateFetchURL(rawURL string, allowInsecure bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", rawURL)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !allowInsecure {
			return ErrInsecureURL
		}
	default:
		return fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if allowInsecure {
		return nil
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && IsPrivateOrInternal(ip) {
		return fmt.Errorf("%w: %s", ErrInternalAddress, ClassifyIP(ip))
	}
	return nil
}

// ValidateRedirectURI checks a redirect URI at client registration. Fragments
// are forbidden. Plain http is allowed only for loopback hosts.
func ValidateRedirectURI(rawURI string) error {
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid redirect uri: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect uri %q must be absolute", rawURI)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect uri %q must not contain a fragment", rawURI)
	}
	if u.Scheme == "http" && !IsLoopbackHostname(u.Hostname()) {
		return fmt.Errorf("redirect uri %q: %w", rawURI, ErrInsecureURL)
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ClassifyIP(ip) == IPClassificationUnspecified {
		return fmt.Errorf("redirect uri %q: %w", rawURI, ErrInternalAddress)
	}
	return nil
}
