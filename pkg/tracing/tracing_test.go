package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestInitialize_StdoutExporterWritesSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Exporter = ExporterStdout
	cfg.Output = &buf

	p, err := Initialize(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "stream.Append")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "stream.Append") {
		t.Fatalf("exported spans missing span name: %s", buf.String())
	}
}

func TestInitialize_NoneIsNoop(t *testing.T) {
	p, err := Initialize(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, span := p.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("noop provider produced a recording span")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInitialize_RejectsBadExporter(t *testing.T) {
	for _, cfg := range []Config{
		{Exporter: "carrier-pigeon"},
		{Exporter: ExporterZipkin},
		{Exporter: ExporterJaeger},
	} {
		if _, err := Initialize(context.Background(), cfg); err == nil {
			t.Fatalf("Initialize(%+v) succeeded", cfg)
		}
	}
}
