package observability

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"dgmonitor/internal/config"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracing should produce invalid span contexts")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, zerolog.Nop())
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestTracingConfigFromClampsRatio(t *testing.T) {
	c := TracingConfigFrom(config.Config{TracingEnabled: true, TracingExporter: "otlp", TracingSampleRatio: 4})
	if c.SampleRatio != 1 || c.Exporter != "otlp" || !c.Enabled {
		t.Fatalf("cfg = %+v", c)
	}
}
