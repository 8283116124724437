// Package otelinit bootstraps OpenTelemetry tracing and metrics for a
// process, falling back to no-op providers when an exporter cannot dial.
package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// noShutdown is the fallback shutdown func handed back when an exporter
// fails to dial: nothing was started, so nothing needs tearing down.
func noShutdown(context.Context) error { return nil }

func endpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

func serviceResource(service string) *resource.Resource {
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(service)))
	return res
}

// InitTracer configures a global tracer provider with an OTLP gRPC exporter
// and returns its shutdown function. Dial failure is not fatal: the
// process logs a warning and runs with tracing disabled.
func InitTracer(ctx context.Context, service string) func(context.Context) error {
	ep := endpoint()
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(ep), otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err, "endpoint", ep)
		return noShutdown
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(serviceResource(service)))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", ep)
	return tp.Shutdown
}

// InitMetrics configures a global meter provider with an OTLP gRPC exporter
// and returns its shutdown function, mirroring InitTracer's dial-or-noop
// fallback for the metric pipeline.
func InitMetrics(ctx context.Context, service string) func(context.Context) error {
	ep := endpoint()
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(ep), otlpmetricgrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err, "endpoint", ep)
		return noShutdown
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)), sdkmetric.WithResource(serviceResource(service)))
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "endpoint", ep)
	return mp.Shutdown
}

// Tracer returns the named tracer from the global provider.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// Meter returns the named meter from the global provider.
func Meter(name string) metric.Meter { return otel.Meter(name) }

// WithSpan starts a child span under name and returns the derived context
// plus an end function.
func WithSpan(ctx context.Context, tracerName, spanName string) (context.Context, func()) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	return ctx, func() { span.End() }
}

// flushTimeout bounds how long Flush waits for a provider to drain.
const flushTimeout = 3 * time.Second

// Flush shuts a provider down within flushTimeout, logging rather than
// propagating a failure: callers invoke this at process exit, where
// there is nothing left to do with an error but report it.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("otel provider shutdown failed", "error", err)
	}
}
