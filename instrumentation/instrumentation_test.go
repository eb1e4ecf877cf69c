package instrumentation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "disabled", config: Config{Enabled: false}},
		{name: "enabled with sdk providers", config: Config{Enabled: true, ServiceName: "test", ServiceVersion: "1.0.0"}},
		{name: "empty service name gets default", config: Config{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			require.NoError(t, err)
			require.NotNil(t, inst)

			assert.NotNil(t, inst.Meter("server"))
			assert.NotNil(t, inst.Tracer("repository"))
			assert.NotNil(t, inst.Metrics())
			assert.NotNil(t, inst.MeterProvider())
			assert.NotNil(t, inst.TracerProvider())

			assert.NoError(t, inst.Shutdown(context.Background()))
			// second shutdown is a no-op
			assert.NoError(t, inst.Shutdown(context.Background()))
		})
	}
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_RecordedWithManualReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	inst, err := New(Config{Enabled: true, MeterProvider: mp})
	require.NoError(t, err)

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordGrant(ctx, "authorization_code", "success", 3)
	m.RecordGrant(ctx, "authorization_code", "error", 1)
	m.RecordTokenIssued(ctx, "access_token", "authorization_code")
	m.RecordCodeReuseDetected(ctx)
	m.RecordPKCEValidationFailed(ctx, "S256")
	m.RecordClientAuthFailed(ctx, "client_secret_basic")
	m.RecordTokenRevocation(ctx, "refresh_token")
	m.RecordStorageOperation(ctx, "append", "memory", "success", 0)

	got := collect(t, reader)

	grants, ok := got["oauth.grant.total"].(metricdata.Sum[int64])
	require.True(t, ok, "oauth.grant.total should be an int64 sum")
	var total int64
	for _, dp := range grants.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	for _, name := range []string{
		"oauth.token.issued",
		"oauth.code.reuse_detected",
		"oauth.pkce.validation_failed",
		"oauth.client_auth.failed",
		"oauth.token.revoked",
		"storage.operation.total",
		"storage.operation.duration",
		"oauth.grant.duration",
	} {
		assert.Contains(t, got, name)
	}
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	inst, err := New(Config{Enabled: true, MeterProvider: mp})
	require.NoError(t, err)

	require.NoError(t, inst.RegisterStorageSizeCallbacks(
		func() int64 { return 7 },
		func() int64 { return 3 },
	))

	got := collect(t, reader)
	streams, ok := got["storage.streams.count"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, streams.DataPoints, 1)
	assert.Equal(t, int64(7), streams.DataPoints[0].Value)
}

func TestSpanHelpers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	require.NoError(t, err)

	_, span := inst.Tracer("repository").Start(context.Background(), "repository.save")
	AddRepositoryAttributes(span, "access_token", "abc")
	AddOAuthFlowAttributes(span, "client-1", "", "openid")
	RecordError(span, errors.New("boom"))
	span.End()

	_, ok := inst.Tracer("server").Start(context.Background(), "token.grant")
	SetSpanSuccess(ok)
	ok.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "repository.save", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, codes.Ok, spans[1].Status.Code)

	// nil spans are tolerated
	RecordError(nil, errors.New("ignored"))
	SetSpanSuccess(nil)
	SetSpanAttributes(nil)
}
