package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the engine
type Metrics struct {
	// Token endpoint metrics
	GrantTotal           metric.Int64Counter
	TokenIssued          metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	IntrospectionTotal   metric.Int64Counter
	ClientRegistered     metric.Int64Counter
	AuthorizationCodes   metric.Int64Counter
	GrantDuration        metric.Float64Histogram
	ClientAuthFailed     metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageStreamsCount      metric.Int64ObservableGauge
	StorageCacheEntriesCount metric.Int64ObservableGauge

	// Audit metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption metrics
	EncryptionOperationsTotal metric.Int64Counter
}

type counterSpec struct {
	target      *metric.Int64Counter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	serverCounters := []counterSpec{
		{&m.GrantTotal, "oauth.grant.total", "Token requests processed per grant type and result", "{request}"},
		{&m.TokenIssued, "oauth.token.issued", "Tokens issued", "{token}"},
		{&m.TokenRevoked, "oauth.token.revoked", "Tokens revoked", "{revocation}"},
		{&m.IntrospectionTotal, "oauth.introspection.total", "Introspection requests", "{request}"},
		{&m.ClientRegistered, "oauth.client.registered", "Clients registered", "{client}"},
		{&m.AuthorizationCodes, "oauth.code.issued", "Authorization codes issued", "{code}"},
	}
	securityCounters := []counterSpec{
		{&m.ClientAuthFailed, "oauth.client_auth.failed", "Failed client authentications", "{failure}"},
		{&m.CodeReuseDetected, "oauth.code.reuse_detected", "Authorization code reuse attempts", "{attempt}"},
		{&m.PKCEValidationFailed, "oauth.pkce.validation_failed", "PKCE verifications that failed", "{failure}"},
		{&m.RateLimitExceeded, "oauth.rate_limit.exceeded", "Rate limit violations", "{violation}"},
		{&m.AuditEventsTotal, "oauth.audit.events.total", "Audit events logged", "{event}"},
		{&m.EncryptionOperationsTotal, "oauth.encryption.operations.total", "Snapshot encryption operations", "{operation}"},
	}

	var err error
	for _, c := range serverCounters {
		if *c.target, err = serverMeter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit)); err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}
	for _, c := range securityCounters {
		if *c.target, err = securityMeter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit)); err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.GrantDuration, err = serverMeter.Float64Histogram(
		"oauth.grant.duration",
		metric.WithDescription("Token request processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.duration histogram: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageStreamsCount, err = storageMeter.Int64ObservableGauge(
		"storage.streams.count",
		metric.WithDescription("Number of event streams held by the store"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.streams.count gauge: %w", err)
	}

	m.StorageCacheEntriesCount, err = storageMeter.Int64ObservableGauge(
		"storage.cache.entries.count",
		metric.WithDescription("Number of cached snapshots"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.cache.entries.count gauge: %w", err)
	}

	return m, nil
}

// RecordGrant records a processed token request
func (m *Metrics) RecordGrant(ctx context.Context, grantType, result string, durationMs float64) {
	m.GrantTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("grant_type", grantType),
		attribute.String("result", result),
	))
	m.GrantDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenIssued records an issued access or refresh token
func (m *Metrics) RecordTokenIssued(ctx context.Context, tokenType, grantType string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRevocation records a token revocation
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType string) {
	m.TokenRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_type", tokenType),
	))
}

// RecordIntrospection records an introspection request
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.IntrospectionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordClientRegistration records a client registration
func (m *Metrics) RecordClientRegistration(ctx context.Context, authMethod string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("token_endpoint_auth_method", authMethod),
	))
}

// RecordAuthorizationCodeIssued records an issued authorization code
func (m *Metrics) RecordAuthorizationCodeIssued(ctx context.Context, pkceMethod string) {
	m.AuthorizationCodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordClientAuthFailed records a failed client authentication
func (m *Metrics) RecordClientAuthFailed(ctx context.Context, method string) {
	m.ClientAuthFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, storageType, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("storage_type", storageType),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("storage_type", storageType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string) {
	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
