package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/agentethan/weaveflow/telemetry"
)

// setupTracing wires an OTLP/HTTP span exporter into a process-wide tracer
// provider and returns the schedule-facing tracer plus a shutdown function
// that flushes buffered spans. Exporter wiring is a host concern -- the
// engine only ever sees the telemetry.Tracer -- which is why this lives in
// the driver rather than in the telemetry package itself.
func setupTracing(ctx context.Context, endpoint string) (*telemetry.Tracer, func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, nil, fmt.Errorf("creating OTLP trace exporter for %s: %w", endpoint, err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return telemetry.NewTracer(tp.Tracer("weaverun")), tp.Shutdown, nil
}
