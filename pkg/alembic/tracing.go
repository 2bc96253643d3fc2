package alembic

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing interceptor.
type TracingConfig struct {
	// TracerProvider creates the tracer (default: otel.GetTracerProvider())
	TracerProvider trace.TracerProvider
	// TracerName is the name of the tracer (default: "alembic")
	TracerName string
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "alembic",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns an interceptor that adds OpenTelemetry tracing to requests.
func Tracing() Interceptor {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a tracing interceptor with custom configuration.
// It starts a server span per request, continuing any incoming trace context.
func TracingWithConfig(config TracingConfig) Interceptor {
	if config.TracerName == "" {
		config.TracerName = "alembic"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	skip := skipSet(config.SkipPaths)
	tracer := config.TracerProvider.Tracer(config.TracerName)

	return InterceptorFunc(func(ctx context.Context, req *Request, next Next) (*Response, error) {
		path := pathOnly(req.Path())
		if skip[path] {
			return next(ctx, req)
		}

		parent := config.Propagator.Extract(ctx, headerCarrier{h: req.Head.Header})
		spanCtx, span := tracer.Start(parent, req.Method()+" "+path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.request.method", req.Method()),
			attribute.String("url.path", path),
			attribute.String("network.protocol.version", req.Head.Version),
			attribute.Int("http.request.body.size", len(req.Body)),
		)
		if host := req.Header().Get("host"); host != "" {
			span.SetAttributes(attribute.String("server.address", host))
		}
		if id := RequestIDFrom(ctx); id != "" {
			span.SetAttributes(attribute.String("http.request_id", id))
		}

		resp, err := next(spanCtx, req)

		status := StatusOf(resp, err)
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 500:
			span.SetStatus(codes.Error, "HTTP error")
		default:
			span.SetStatus(codes.Ok, "")
		}
		return resp, err
	})
}

// headerCarrier adapts a request header list to propagation.TextMapCarrier.
// Set is a no-op: request headers are read-only here.
type headerCarrier struct {
	h Header
}

func (hc headerCarrier) Get(key string) string { return hc.h.Get(key) }

func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.h))
	for _, kv := range hc.h {
		keys = append(keys, kv[0])
	}
	return keys
}
