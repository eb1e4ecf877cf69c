package security

import "time"

// DefaultClockSkewGracePeriod is the default tolerance applied when checking
// expiry of tokens, codes and assertions, absorbing NTP drift between hosts.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired reports whether expiresAt lies in the past relative to now.
// A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, 0)
}

// IsExpiredWithGracePeriod reports whether expiresAt lies more than
// gracePeriod in the past relative to now.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// ExpiresIn returns the number of whole seconds until expiresAt, never negative.
func ExpiresIn(expiresAt, now time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
