// Package tracing installs the OpenTelemetry tracer provider used by streams.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporters understood by Initialize.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterZipkin = "zipkin"
	ExporterJaeger = "jaeger"
)

// Config selects and configures the span exporter.
type Config struct {
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	Exporter       string  `yaml:"exporter" json:"exporter"`
	Endpoint       string  `yaml:"endpoint" json:"endpoint"`
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`

	// Output receives stdout exporter spans. Defaults to os.Stdout.
	Output io.Writer `yaml:"-" json:"-"`
}

// DefaultConfig disables tracing.
func DefaultConfig() Config {
	return Config{
		ServiceName: "replstream",
		Environment: "development",
		Exporter:    ExporterNone,
		SampleRate:  1.0,
	}
}

// Provider owns the installed tracer provider.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// Initialize builds a tracer provider for cfg and installs it globally.
func Initialize(ctx context.Context, cfg Config) (*Provider, error) {
	exporter := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporter == "" || exporter == ExporterNone {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return &Provider{TracerProvider: tp}, nil
	}

	exp, err := newExporter(exporter, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "replstream"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return &Provider{TracerProvider: tp, shutdown: tp.Shutdown}, nil
}

func newExporter(name string, cfg Config) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(out))
	case ExporterZipkin:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("zipkin exporter requires an endpoint")
		}
		return zipkin.New(cfg.Endpoint)
	case ExporterJaeger:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("jaeger exporter requires an endpoint")
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", name)
	}
}
