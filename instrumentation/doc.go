// Package instrumentation provides OpenTelemetry instrumentation for the engine.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-authorization-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	server.SetInstrumentation(inst)
//
// Exporters are the embedding application's concern: build an SDK
// MeterProvider / TracerProvider with the exporters of your choice and pass
// them through Config.MeterProvider and Config.TracerProvider.
//
// # Available Metrics
//
// Token endpoint:
//   - oauth.grant.total{grant_type, result} - Token requests processed
//   - oauth.grant.duration{grant_type} - Token request duration in milliseconds
//   - oauth.token.issued{token_type, grant_type} - Access and refresh tokens issued
//   - oauth.token.revoked{token_type} - Tokens revoked
//   - oauth.introspection.total{active} - Introspection requests
//   - oauth.code.issued{pkce_method} - Authorization codes issued
//   - oauth.client.registered{token_endpoint_auth_method} - Clients registered
//
// Security:
//   - oauth.client_auth.failed{method} - Failed client authentications
//   - oauth.code.reuse_detected - Authorization code reuse attempts
//   - oauth.pkce.validation_failed{method} - PKCE failures
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - oauth.audit.events.total{event_type} - Audit events
//   - oauth.encryption.operations.total{operation} - Snapshot encryption operations
//
// Storage:
//   - storage.operation.total{operation, storage_type, result}
//   - storage.operation.duration{operation, storage_type}
//   - storage.streams.count, storage.cache.entries.count (memory backend gauges)
//
// # Spans
//
// repository.find, repository.save, token.grant and storage.{operation}.
// Span attributes never carry credential values.
package instrumentation
