// Package tracing sets up OpenTelemetry export and provides spans around
// reload batches and function compiles.
package tracing

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/GoCodeAlone/funcwatch/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	instrumentationName = "funcwatch.reload"
	defaultServiceName  = "funcwatch"
)

// Resource attributes describing the engine instance.
const (
	AttrDatapacksDir = attribute.Key("funcwatch.datapacks.dir")
	AttrWatched      = attribute.Key("funcwatch.datapacks.watched")
)

// Option customizes NewProvider.
type Option func(*providerOptions)

type providerOptions struct {
	exporter sdktrace.SpanExporter
	attrs    []attribute.KeyValue
}

// WithExporter sends spans to exp instead of an OTLP/HTTP collector.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *providerOptions) { o.exporter = exp }
}

// WithEngine tags every span with the datapacks directory and the datapacks
// watched at startup.
func WithEngine(datapacksDir string, watched []string) Option {
	return func(o *providerOptions) {
		if abs, err := filepath.Abs(datapacksDir); err == nil {
			datapacksDir = abs
		}
		o.attrs = append(o.attrs, AttrDatapacksDir.String(datapacksDir))
		if len(watched) > 0 {
			o.attrs = append(o.attrs, AttrWatched.StringSlice(watched))
		}
	}
}

// Provider owns the SDK tracer provider installed for the process.
type Provider struct {
	tp     *sdktrace.TracerProvider
	reload *ReloadTracer
}

// NewProvider builds a tracer provider from the tracing section of the
// configuration and installs it globally.
func NewProvider(ctx context.Context, cfg config.TracingConfig, opts ...Option) (*Provider, error) {
	var o providerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.exporter == nil {
		httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: exporter for %s: %w", cfg.Endpoint, err)
		}
		o.exporter = exp
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := append([]attribute.KeyValue{semconv.ServiceName(name)}, o.attrs...)
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(o.exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		reload: NewReloadTracer(tp.Tracer(instrumentationName)),
	}, nil
}

// sampler keeps every trace for rates outside (0, 1). Compile spans follow
// their batch's decision.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// ReloadTracer returns the tracer the reload orchestrator should use.
func (p *Provider) ReloadTracer() *ReloadTracer {
	return p.reload
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
