package trace

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), &Config{}, "node-a", zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_EnabledHTTP(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := InitTracing(context.Background(), &Config{
		Enabled:     true,
		ServiceName: "test",
		Protocol:    ProtocolHTTP,
		Insecure:    true,
		SamplerRate: 2,
	}, "node-a", zap.NewNop())
	require.NoError(t, err)
	_ = shutdown(context.Background())
}

func TestInitTracing_UnknownProtocol(t *testing.T) {
	_, err := InitTracing(context.Background(), &Config{Enabled: true, Protocol: "zipkin"}, "", zap.NewNop())
	assert.ErrorContains(t, err, "zipkin")
}

func TestExportTarget(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		wantProtocol string
		wantEndpoint string
	}{
		{"defaults to grpc", Config{}, ProtocolGRPC, "localhost:4317"},
		{"http default port", Config{Protocol: ProtocolHTTP}, ProtocolHTTP, "localhost:4318"},
		{"explicit endpoint", Config{Protocol: ProtocolGRPC, Endpoint: "otel:4317"}, ProtocolGRPC, "otel:4317"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, e, err := tt.cfg.exportTarget()
			require.NoError(t, err)
			assert.Equal(t, tt.wantProtocol, p)
			assert.Equal(t, tt.wantEndpoint, e)
		})
	}
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, sampler(5).Description(), "root:AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "root:AlwaysOffSampler")
	assert.Contains(t, sampler(0.25).Description(), "root:TraceIDRatioBased")
}

func TestSpanScope(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	scope := Tracer("test").Start(context.Background(), "commit").
		WithAttrs(attribute.String("session_id", "s1"))
	scope.Fail(nil)
	scope.Finish(errors.New("conflict"))

	Tracer("test").Start(context.Background(), "load").Finish(nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "commit", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("session_id", "s1"))
	assert.Equal(t, "load", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)

	var nilScope *SpanScope
	nilScope.End()
	nilScope.Finish(errors.New("x"))
	assert.Nil(t, nilScope.WithAttrs())
}
