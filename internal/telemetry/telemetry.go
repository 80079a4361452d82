// Package telemetry wires OpenTelemetry tracing around xcd's major
// server operations (instantiate, destroy, commit, purge), exporting via
// OTLP/gRPC when an endpoint is configured. Ambient observability
// concern, carried regardless of spec.md's metrics Non-goal per
// SPEC_FULL.md's AMBIENT STACK section.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer provider's lifecycle; Shutdown flushes and
// closes the exporter connection.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup configures global tracing. If endpoint is empty, spans are
// still created but never exported (a no-op exporter), so call sites
// don't need to branch on whether tracing is enabled.
func Setup(ctx context.Context, serviceName, endpoint string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: dial otlp collector %s: %w", endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and tears down the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the named tracer from the global provider, used by
// server package operations to open their root spans.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
