// Package trace sets up the process-wide OpenTelemetry tracer provider.
package trace

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Config selects the exporter. Endpoint wins over Stdout; with neither set tracing
// stays on the global no-op provider.
type Config struct {
	// Endpoint is an OTLP gRPC collector, e.g. localhost:4317.
	Endpoint string  `mapstructure:"endpoint"`
	Stdout   bool    `mapstructure:"stdout"`
	Ratio    float64 `mapstructure:"ratio"`

	// Writer overrides os.Stdout for the stdout exporter.
	Writer io.Writer `mapstructure:"-"`
}

func (c Config) Enabled() bool { return c.Endpoint != "" || c.Stdout }

// InitTrace installs a tracer provider for serviceName and returns its shutdown func.
func InitTrace(ctx context.Context, serviceName string, c Config) (func(context.Context) error, error) {
	if !c.Enabled() {
		return func(context.Context) error { return nil }, nil
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if c.Endpoint != "" {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(c.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		exporter, err = otlptrace.New(ctx, client)
	} else {
		w := c.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	}
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	ratio := c.Ratio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
