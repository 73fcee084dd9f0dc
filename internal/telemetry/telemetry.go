// Package telemetry wires Memora's tracing and metrics: a process-global
// TracerProvider/MeterProvider, and an instrumented *http.Client for the
// embedder/reranker's outbound calls. Grounded on the teacher's
// internal/telemetry.Setup and internal/observability/otel.go, simplified to
// drop the OTLP exporter (not part of this repo's dependency set — see
// DESIGN.md) while keeping the SDK wiring and instrumented transport.
package telemetry

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls whether tracing/metrics providers are installed.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Setup installs a TracerProvider and MeterProvider as process globals when
// enabled, and returns a shutdown func. Spans and metrics stay in-process
// (no remote exporter is configured); this still exercises the SDK's
// sampling, batching, and resource-attribution machinery, and lets
// internal/retrieve and internal/write create named spans that downstream
// span processors (added by an operator) will pick up.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := mp.Shutdown(ctx); err != nil {
			return err
		}
		return tp.Shutdown(ctx)
	}, nil
}

// InstrumentedClient wraps base (or http.DefaultClient) with an otelhttp
// transport, so outbound embedder/reranker calls emit client spans.
func InstrumentedClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	wrapped := *base
	wrapped.Transport = otelhttp.NewTransport(base.Transport)
	return &wrapped
}
