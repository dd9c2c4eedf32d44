package tracing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/GoCodeAlone/funcwatch/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func newInMemoryProvider(t *testing.T, cfg config.TracingConfig, opts ...Option) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := tracetest.NewInMemoryExporter()
	p, err := NewProvider(context.Background(), cfg, append(opts, WithExporter(exporter))...)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, exporter
}

func flushed(t *testing.T, p *Provider, exporter *tracetest.InMemoryExporter) tracetest.SpanStubs {
	t.Helper()
	if err := p.tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return exporter.GetSpans()
}

func resourceValue(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	return s.Resource.Set().Value(key)
}

func TestNewProvider_ResourceDescribesEngine(t *testing.T) {
	dir := t.TempDir()
	p, exporter := newInMemoryProvider(t, config.Default().Tracing,
		WithEngine(dir, []string{"survival", "lobby"}))

	_, span := p.ReloadTracer().StartBatch(context.Background(), "b-1", 1, 0, 0)
	span.End()

	spans := flushed(t, p, exporter)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.InstrumentationScope.Name != instrumentationName {
		t.Errorf("expected scope %s, got %s", instrumentationName, s.InstrumentationScope.Name)
	}
	if v, ok := resourceValue(s, semconv.ServiceNameKey); !ok || v.AsString() != "funcwatch" {
		t.Errorf("expected service.name funcwatch, got %v", v)
	}
	abs, _ := filepath.Abs(dir)
	if v, ok := resourceValue(s, AttrDatapacksDir); !ok || v.AsString() != abs {
		t.Errorf("expected datapacks dir %s, got %v", abs, v)
	}
	v, ok := resourceValue(s, AttrWatched)
	if !ok || len(v.AsStringSlice()) != 2 || v.AsStringSlice()[1] != "lobby" {
		t.Errorf("expected watched datapacks, got %v", v)
	}
}

func TestNewProvider_ServiceNameFallback(t *testing.T) {
	cfg := config.Default().Tracing
	cfg.ServiceName = ""
	p, exporter := newInMemoryProvider(t, cfg)

	_, span := p.ReloadTracer().StartPublish(context.Background())
	span.End()

	spans := flushed(t, p, exporter)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if v, _ := resourceValue(spans[0], semconv.ServiceNameKey); v.AsString() != defaultServiceName {
		t.Errorf("expected %s, got %q", defaultServiceName, v.AsString())
	}
	if _, ok := resourceValue(spans[0], AttrWatched); ok {
		t.Error("watched datapacks should be absent without WithEngine")
	}
}

func TestNewProvider_InstallsGlobal(t *testing.T) {
	p, exporter := newInMemoryProvider(t, config.Default().Tracing)

	var nilTracer *ReloadTracer
	_, span := nilTracer.StartBatch(context.Background(), "b-global", 0, 0, 1)
	span.End()

	if spans := flushed(t, p, exporter); len(spans) != 1 || spans[0].Name != "reload.batch" {
		t.Fatalf("expected the global provider to record the batch span, got %d spans", len(spans))
	}
}

func TestNewProvider_OTLPExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	// The exporter connects lazily, so no collector is needed.
	p, err := NewProvider(context.Background(), config.Default().Tracing)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.ReloadTracer() == nil {
		t.Fatal("expected a reload tracer")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestProvider_ShutdownNil(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown of nil provider should not error: %v", err)
	}
}

func TestSampler(t *testing.T) {
	always := sdktrace.AlwaysSample().Description()
	for _, rate := range []float64{-1, 0, 1, 2} {
		if got := sampler(rate).Description(); got != always {
			t.Errorf("rate %v: expected %q, got %q", rate, always, got)
		}
	}
	if got := sampler(0.5).Description(); got == always {
		t.Errorf("rate 0.5 should use ratio sampling, got %q", got)
	}
}
