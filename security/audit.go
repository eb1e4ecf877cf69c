package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/giantswarm/oidc-engine/instrumentation"
)

// Auditor handles security event logging with PII protection.
//
// When a RateLimiter is attached, events are throttled per user/client pair so
// that a flood of failures (for example a brute-forced client secret) cannot
// flood the log. The first dropped event of a burst is replaced by a single
// rate_limit_exceeded entry.
type Auditor struct {
	logger  *slog.Logger
	enabled bool

	limiter *RateLimiter
	metrics *instrumentation.Metrics

	mu        sync.Mutex
	throttled map[string]bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:    logger,
		enabled:   enabled,
		throttled: make(map[string]bool),
	}
}

// SetRateLimiter enables per user/client throttling of audit events.
func (a *Auditor) SetRateLimiter(rl *RateLimiter) {
	a.limiter = rl
}

// SetInstrumentation records audit events as metrics.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		a.metrics = inst.Metrics()
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if a.limiter != nil {
		key := event.UserID + ":" + event.ClientID
		if !a.limiter.Allow(key) {
			a.noteThrottled(key, event)
			return
		}
		a.mu.Lock()
		delete(a.throttled, key)
		a.mu.Unlock()
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		detailsGroup(event.Details),
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// detailsGroup renders details as a group with sorted keys, so that text
// output reads details.reason=... instead of a Go map literal.
func detailsGroup(details map[string]any) slog.Attr {
	attrs := make([]any, 0, len(details))
	for _, k := range slices.Sorted(maps.Keys(details)) {
		attrs = append(attrs, slog.Any(k, details[k]))
	}
	return slog.Group("details", attrs...)
}

// noteThrottled logs a single rate_limit_exceeded entry per throttled burst.
func (a *Auditor) noteThrottled(key string, dropped Event) {
	a.mu.Lock()
	already := a.throttled[key]
	a.throttled[key] = true
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordRateLimitExceeded(context.Background(), "audit")
	}
	if already {
		return
	}

	a.logger.Warn("security_audit",
		"event_type", EventRateLimitExceeded,
		"user_id_hash", hashForLogging(dropped.UserID),
		"client_id", dropped.ClientID,
		"dropped", dropped.Type,
		"timestamp", time.Now(),
	)
}

// LogTokenIssued logs when an access token is issued
func (a *Auditor) LogTokenIssued(userID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(userID, clientID, tokenType string) {
	a.LogEvent(Event{
		Type:     EventTokenRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogClientAuthFailure logs a client authentication failure
func (a *Auditor) LogClientAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventClientAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogCodeReuse logs a second redemption of an authorization code
func (a *Auditor) LogCodeReuse(userID, clientID string, revokedTokens int) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"severity":       "critical",
			"revoked_tokens": revokedTokens,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, authMethod string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"token_endpoint_auth_method": authMethod,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
