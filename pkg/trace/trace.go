package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Exporter protocols
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

const attrServiceInstance = attribute.Key("service.instance.id")

// Config controls span export for one node
type Config struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	ServiceName string            `yaml:"service_name" toml:"service_name"`
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"` // host:port of the collector
	Protocol    string            `yaml:"protocol" toml:"protocol"` // grpc or http
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	SamplerRate float64           `yaml:"sampler_rate" toml:"sampler_rate"` // 0.0~1.0
	Environment string            `yaml:"environment" toml:"environment"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
}

// exportTarget resolves the protocol and endpoint, filling the OTLP defaults
func (c *Config) exportTarget() (protocol, endpoint string, err error) {
	protocol, endpoint = c.Protocol, c.Endpoint
	switch protocol {
	case "", ProtocolGRPC:
		protocol = ProtocolGRPC
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
	case ProtocolHTTP:
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
	default:
		return "", "", fmt.Errorf("unsupported tracing protocol %q", protocol)
	}
	return protocol, endpoint, nil
}

// InitTracing installs the global tracer provider for this node and returns
// its shutdown func. Spans carry nodeID as the service instance so traces of
// a session hopping between nodes can be told apart. When tracing is
// disabled the global no-op provider stays in place.
func InitTracing(ctx context.Context, cfg *Config, nodeID string, lg *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	protocol, endpoint, err := cfg.exportTarget()
	if err != nil {
		return nil, err
	}
	exp, err := newExporter(ctx, protocol, endpoint, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	if nodeID != "" {
		attrs = append(attrs, attrServiceInstance.String(nodeID))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sampler(cfg.SamplerRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		lg.Warn("span export failed", zap.Error(err))
	}))

	lg.Info("tracing enabled",
		zap.String("endpoint", endpoint),
		zap.String("protocol", protocol),
		zap.Float64("sampler_rate", cfg.SamplerRate),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, protocol, endpoint string, cfg *Config) (sdktrace.SpanExporter, error) {
	if protocol == ProtocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// sampler honours upstream decisions and samples root spans at rate
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// Builder starts spans on a named tracer
type Builder struct {
	tracer trace.Tracer
}

// Tracer returns a Builder for the named instrumentation scope
func Tracer(name string) *Builder {
	return &Builder{tracer: otel.Tracer(name)}
}

// SpanScope pairs a started span with the context that carries it
type SpanScope struct {
	Ctx  context.Context
	Span trace.Span
}

// Start opens a span under ctx
func (b *Builder) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) *SpanScope {
	nctx, sp := b.tracer.Start(ctx, spanName, opts...)
	return &SpanScope{Ctx: nctx, Span: sp}
}

// WithAttrs is chainable and safe on a nil scope
func (s *SpanScope) WithAttrs(attrs ...attribute.KeyValue) *SpanScope {
	if s == nil || s.Span == nil {
		return s
	}
	s.Span.SetAttributes(attrs...)
	return s
}

// Fail marks the span errored. A nil err is a no-op.
func (s *SpanScope) Fail(err error) {
	if err == nil || s == nil || s.Span == nil {
		return
	}
	s.Span.RecordError(err)
	s.Span.SetStatus(codes.Error, err.Error())
}

// Finish records err, if any, and ends the span
func (s *SpanScope) Finish(err error) {
	s.Fail(err)
	s.End()
}

// End is safe on a nil scope
func (s *SpanScope) End() {
	if s == nil || s.Span == nil {
		return
	}
	s.Span.End()
}
