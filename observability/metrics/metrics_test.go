package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap/zaptest"

	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/queue/driver/inmem"
)

func TestNewMetricExporter(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{
			name: "valid config with HTTP",
			opts: []Option{
				WithServiceName("test-service"),
				WithOTLPEndpoint("localhost:4318"),
				WithEnvironment("test"),
			},
		},
		{
			name: "gRPC takes precedence over HTTP",
			opts: []Option{
				WithOTLPEndpoint(""),
				WithOTLPGRPCEndpoint("localhost:4317"),
			},
		},
		{
			name:    "empty OTLP endpoint",
			opts:    []Option{WithOTLPEndpoint("")},
			wantErr: true,
		},
		{
			name: "reader without endpoint",
			opts: []Option{WithOTLPEndpoint(""), WithReader(sdkmetric.NewManualReader())},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc, err := NewMetricExporter(context.Background(), append(tt.opts, WithGlobal(false))...)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, mc.MeterProvider())
			assert.NotNil(t, mc.resource)

			ctx, cancel := context.WithTimeout(context.Background(), 0)
			defer cancel()
			// nothing listens on the endpoints, so the final flush may fail
			_ = mc.Close(ctx)
		})
	}
}

func TestGlobalProvider(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	mc, err := NewMetricExporter(context.Background(), WithReader(sdkmetric.NewManualReader()))
	require.NoError(t, err)
	defer mc.Close(context.Background())

	assert.Same(t, mc.meterProvider, otel.GetMeterProvider())
}

func TestEngineTelemetryThroughExporter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mc, err := NewMetricExporter(context.Background(),
		WithServiceName("billing-consumer"),
		WithReader(reader),
		WithGlobal(false),
	)
	require.NoError(t, err)
	defer mc.Close(context.Background())

	tr := inmem.New("orders")
	for i := 0; i < 3; i++ {
		msg, err := queue.NewOutbound("orders", "", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		require.NoError(t, tr.Publish(context.Background(), msg))
	}

	registry := queue.NewStrategyRegistry().RegisterFunc("orders", func(context.Context, *queue.Envelope) error { return nil })
	e, err := queue.NewEngine(tr, registry,
		queue.WithLogger(zaptest.NewLogger(t)),
		queue.WithMeterProvider(mc.MeterProvider()),
	)
	require.NoError(t, err)
	require.NoError(t, e.Run(context.Background(), "orders", queue.WithMaxMessages(3)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	name, ok := rm.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "billing-consumer", name.AsString())

	require.NotEmpty(t, rm.ScopeMetrics)
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	assert.Contains(t, names, "queue.consumer.messages.consumed")
}
