// Package tracing builds the OpenTelemetry tracer provider the service and
// the batch writer report their spans to.
package tracing

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	ExporterNone   = "none"
	ExporterJaeger = "jaeger"
)

type Config struct {
	// Exporter is "none" or "jaeger". With "none" spans are sampled but
	// never leave the process.
	Exporter       string  `mapstructure:"exporter" default:"none"`
	JaegerEndpoint string  `mapstructure:"jaeger_endpoint" default:"http://localhost:14268/api/traces"`
	ServiceName    string  `mapstructure:"service_name" default:"stock-sync"`
	SampleRatio    float64 `mapstructure:"sample_ratio" default:"1"`
}

// InitTracerProvider builds a provider from cfg and registers it as the
// global one. The caller owns Shutdown, which flushes buffered spans.
func InitTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
	}

	switch cfg.Exporter {
	case "", ExporterNone:
	case ExporterJaeger:
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("create jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}
