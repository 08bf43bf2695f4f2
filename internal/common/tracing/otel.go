// Package tracing initializes the process-wide OTel tracer provider used by
// the node HTTP surface and the remote transport client. Without a configured
// OTLP endpoint the provider stays no-op and spans cost nothing.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "devflow"

var (
	mu       sync.Mutex
	provider trace.TracerProvider = noop.NewTracerProvider()
	active   *sdktrace.TracerProvider
)

// Init wires the OTLP exporter when an endpoint is configured. An empty
// endpoint falls back to OTEL_EXPORTER_OTLP_ENDPOINT; when neither is set
// the provider stays no-op and Init reports nil. Repeat calls are no-ops.
func Init(ctx context.Context, endpoint, service string) error {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return nil
	}

	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		return nil
	}
	// Collector endpoints are commonly given as bare host:port.
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	if service == "" {
		service = defaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		res = resource.Default()
	}

	active = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = active
	otel.SetTracerProvider(active)
	return nil
}

// Tracer returns a named tracer from the active provider.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return nil
	}
	return active.Shutdown(ctx)
}
