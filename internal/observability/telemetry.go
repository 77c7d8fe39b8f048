// Package observability wires OpenTelemetry tracing for resolve calls,
// cache probes, store fetches and inbound HTTP requests. Tracing is off
// until Init enables it; the helpers are safe to call either way.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporters accepted by Config.Exporter.
const (
	ExporterOTLP = "otlp-http"
	ExporterNone = "none" // record spans, export nothing
)

// Version is stamped into the service resource.
var Version = "dev"

// Config holds tracing settings.
type Config struct {
	Enabled     bool
	Exporter    string  // ExporterOTLP (default) or ExporterNone
	Endpoint    string  // collector host:port, e.g. localhost:4318
	Insecure    bool    // plain HTTP to the collector
	ServiceName string  // default "snapcache"
	SampleRate  float64 // fraction of root traces kept, 0..1
}

type provider struct {
	sdk    *sdktrace.TracerProvider // nil when disabled
	tracer trace.Tracer
}

var current atomic.Pointer[provider]

func init() {
	current.Store(disabled())
}

func disabled() *provider {
	return &provider{tracer: noop.NewTracerProvider().Tracer("snapcache")}
}

// Init installs a tracer provider built from cfg as the process default.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		current.Store(disabled())
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "snapcache"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(Version),
	))
	if err != nil {
		return fmt.Errorf("tracing resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	switch cfg.Exporter {
	case ExporterOTLP, "otlp", "":
		exp, err := otlpExporter(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	case ExporterNone:
	default:
		return fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	sdk := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	current.Store(&provider{sdk: sdk, tracer: sdk.Tracer(cfg.ServiceName)})
	return nil
}

func otlpExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	return exp, nil
}

// sampler keeps every trace at rate >= 1 and otherwise follows the parent,
// sampling new roots at rate.
func sampler(rate float64) sdktrace.Sampler {
	if rate >= 1 || rate < 0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes buffered spans, waiting at most 5s, and disables tracing.
func Shutdown(ctx context.Context) error {
	p := current.Swap(disabled())
	if p.sdk == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.sdk.Shutdown(ctx)
}

// Tracer returns the active tracer; a no-op one while disabled.
func Tracer() trace.Tracer {
	return current.Load().tracer
}

// Enabled reports whether Init turned tracing on.
func Enabled() bool {
	return current.Load().sdk != nil
}
