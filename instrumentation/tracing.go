package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never record actual credential values (access tokens,
// refresh tokens, authorization codes, client secrets, assertions) in traces
// or metrics. Only record metadata such as grant types, methods and results.
const (
	AttrClientID         = "oauth.client_id"
	AttrResourceOwner    = "oauth.resource_owner_id"
	AttrScope            = "oauth.scope"
	AttrGrantType        = "oauth.grant_type"
	AttrAuthMethod       = "oauth.client_auth.method"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrTokenTypeHint    = "oauth.token_type_hint" //nolint:gosec // hint name, not a token
	AttrError            = "oauth.error"
	AttrAggregateKind    = "repository.aggregate"
	AttrAggregateID      = "repository.aggregate_id"
	AttrCacheHit         = "repository.cache_hit"
	AttrEventCount       = "repository.event_count"
	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddOAuthFlowAttributes adds common OAuth flow attributes to a span (nil-safe)
func AddOAuthFlowAttributes(span trace.Span, clientID, resourceOwnerID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if resourceOwnerID != "" {
		SetSpanAttributes(span, attribute.String(AttrResourceOwner, resourceOwnerID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddRepositoryAttributes adds aggregate attributes to a repository span (nil-safe)
func AddRepositoryAttributes(span trace.Span, kind, id string) {
	SetSpanAttributes(span,
		attribute.String(AttrAggregateKind, kind),
		attribute.String(AttrAggregateID, id),
	)
}

// StartStorageOperation starts a "storage.<operation>" span and returns a
// function that ends it, setting the span status and recording the operation
// duration. It is safe to call on a nil Instrumentation.
func (i *Instrumentation) StartStorageOperation(ctx context.Context, storageType, operation string) (context.Context, func(error)) {
	if i == nil {
		return ctx, func(error) {}
	}

	ctx, span := i.Tracer("storage").Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(AttrStorageOperation, operation),
			attribute.String(AttrStorageType, storageType),
		))
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()

		result := "success"
		if err != nil {
			result = "error"
			RecordError(span, err)
		} else {
			SetSpanSuccess(span)
		}
		i.Metrics().RecordStorageOperation(ctx, operation, storageType, result, float64(time.Since(start).Milliseconds()))
	}
}
