// Package security provides the security plumbing shared by the engine:
// audit logging, snapshot encryption at rest, rate limiting, expiry checks
// and response headers.
//
// # Audit Logging
//
// Auditor writes security_audit records through log/slog. User identifiers
// are hashed before they are logged; secrets and token values are never
// logged. Attach a RateLimiter to throttle repeated events per user/client:
//
//	auditor := security.NewAuditor(logger, true)
//	limiter := security.NewRateLimiter(5, 20, logger)
//	defer limiter.Stop()
//	auditor.SetRateLimiter(limiter)
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction. At most DefaultRateLimiterMaxEntries identifiers are tracked;
// idle ones are dropped by a background goroutine until Stop is called.
//
// # Encryption at Rest
//
// Encryptor seals cached aggregate snapshots with AES-256-GCM. The storage
// key is used as additional authenticated data, so a snapshot copied under
// another key fails to open. Entries written before encryption was enabled
// are read back unchanged.
//
//	key, _ := security.GenerateKey()
//	enc, err := security.NewEncryptor(key)
//
// # Expiry
//
// IsExpiredWithGracePeriod applies a clock skew tolerance
// (DefaultClockSkewGracePeriod) to expiry checks of codes, tokens and
// assertions.
package security
