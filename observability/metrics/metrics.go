// Package metrics builds the OpenTelemetry MeterProvider the consumer
// process hands to the queue engine.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// MetricExporter owns an SDK MeterProvider wired to an OTLP exporter or to
// a caller supplied reader.
type MetricExporter struct {
	meterProvider    *sdkmetric.MeterProvider
	resource         *resource.Resource
	reader           sdkmetric.Reader
	serviceName      string
	serviceNamespace string
	serviceVersion   string
	otlpEndpoint     string
	otlpGRPCEndpoint string
	environment      string
	interval         time.Duration
	global           bool
}

// Option is a function that configures a MetricExporter
type Option func(*MetricExporter)

// WithServiceName sets the service name
func WithServiceName(name string) Option {
	return func(mc *MetricExporter) {
		mc.serviceName = name
	}
}

// WithServiceNamespace sets the service namespace
func WithServiceNamespace(namespace string) Option {
	return func(mc *MetricExporter) {
		mc.serviceNamespace = namespace
	}
}

// WithServiceVersion sets the service version
func WithServiceVersion(version string) Option {
	return func(mc *MetricExporter) {
		mc.serviceVersion = version
	}
}

// WithOTLPEndpoint sets the OTLP HTTP endpoint
func WithOTLPEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpEndpoint = endpoint
	}
}

// WithOTLPGRPCEndpoint sets the OTLP gRPC endpoint. It wins over HTTP.
func WithOTLPGRPCEndpoint(endpoint string) Option {
	return func(mc *MetricExporter) {
		mc.otlpGRPCEndpoint = endpoint
	}
}

// WithEnvironment sets the deployment environment
func WithEnvironment(env string) Option {
	return func(mc *MetricExporter) {
		mc.environment = env
	}
}

// WithReader skips the OTLP exporter and collects through r instead.
func WithReader(r sdkmetric.Reader) Option {
	return func(mc *MetricExporter) {
		mc.reader = r
	}
}

// WithExportInterval sets how often the periodic reader pushes.
func WithExportInterval(d time.Duration) Option {
	return func(mc *MetricExporter) {
		if d > 0 {
			mc.interval = d
		}
	}
}

// WithGlobal controls whether the provider is installed with
// otel.SetMeterProvider. On by default.
func WithGlobal(enabled bool) Option {
	return func(mc *MetricExporter) {
		mc.global = enabled
	}
}

func defaultConfig() *MetricExporter {
	return &MetricExporter{
		serviceName:      "queue-consumer",
		serviceNamespace: "default",
		serviceVersion:   "1.0.0",
		otlpEndpoint:     "localhost:4318",
		environment:      "development",
		interval:         10 * time.Second,
		global:           true,
	}
}

// NewMetricExporter creates a new metric exporter instance
func NewMetricExporter(ctx context.Context, opts ...Option) (*MetricExporter, error) {
	mc := defaultConfig()
	for _, opt := range opts {
		opt(mc)
	}

	if mc.reader == nil && mc.otlpGRPCEndpoint == "" && mc.otlpEndpoint == "" {
		return nil, fmt.Errorf("OTLP HTTP endpoint is required when gRPC endpoint is not configured")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(mc.serviceName),
			semconv.ServiceNamespace(mc.serviceNamespace),
			semconv.ServiceVersion(mc.serviceVersion),
			semconv.DeploymentEnvironment(mc.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	reader := mc.reader
	if reader == nil {
		exporter, err := mc.exporter(ctx)
		if err != nil {
			return nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(mc.interval))
	}

	mc.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	mc.resource = res
	mc.reader = reader

	if mc.global {
		otel.SetMeterProvider(mc.meterProvider)
	}
	return mc, nil
}

func (mc *MetricExporter) exporter(ctx context.Context) (sdkmetric.Exporter, error) {
	if mc.otlpGRPCEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(mc.otlpGRPCEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		return exporter, nil
	}
	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(mc.otlpEndpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP HTTP exporter: %w", err)
	}
	return exporter, nil
}

// MeterProvider is handed to queue.WithMeterProvider.
func (mc *MetricExporter) MeterProvider() metric.MeterProvider {
	return mc.meterProvider
}

// Close flushes pending metrics and shuts the provider down.
func (mc *MetricExporter) Close(ctx context.Context) error {
	return mc.meterProvider.Shutdown(ctx)
}
