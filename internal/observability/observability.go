// Package observability provides OpenTelemetry tracing setup.
//
// Spans are exported over OTLP HTTP to a local collector (default
// localhost:4318), which handles authentication and forwarding to
// whatever backend the deployment uses. Exporter creation failure
// degrades to a no-op provider rather than failing startup.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultCollectorEndpoint is the default OTLP HTTP endpoint.
const DefaultCollectorEndpoint = "localhost:4318"

// Config for tracing setup.
type Config struct {
	// Endpoint is the OTLP HTTP collector endpoint (default: localhost:4318)
	Endpoint string
	// Environment is the deployment environment (dev, staging, prod)
	Environment string
	// ServiceName is the service name shown in the tracing backend
	ServiceName string
}

// Setup creates a tracer exporting to the local OTLP collector. Returns
// the tracer and a shutdown function that flushes pending spans.
//
// If the exporter cannot be created, tracing is disabled (no-op tracer)
// and the error is logged, not returned: tracing never blocks the tool.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultCollectorEndpoint
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "repochat"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // localhost doesn't need TLS
	)
	if err != nil {
		logger.Warn("failed to create trace exporter, tracing disabled", "error", err)
		noopTracer := noop.NewTracerProvider().Tracer(serviceName)
		return noopTracer, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return provider.Tracer(serviceName), provider.Shutdown
}
