package queue

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/infigaming-com/go-queue/queue"

// telemetry mirrors the recorder counters as OTel instruments.
type telemetry struct {
	consumed     metric.Int64Counter
	bytes        metric.Int64Counter
	acked        metric.Int64Counter
	nacked       metric.Int64Counter
	unroutable   metric.Int64Counter
	produced     metric.Int64Counter
	commits      metric.Int64Counter
	commitFails  metric.Int64Counter
	rebalances   metric.Int64Counter
	errors       metric.Int64Counter
	batchSeconds metric.Float64Histogram
	registration metric.Registration
}

func newTelemetry(mp metric.MeterProvider, snapshot func() Snapshot) (*telemetry, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		t    telemetry
		err  error
		errs []error
	)
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		errs = append(errs, cerr)
		return c
	}
	t.consumed = counter("queue.consumer.messages.consumed", "Messages fetched from the transport", "{message}")
	t.bytes = counter("queue.consumer.bytes.consumed", "Payload bytes fetched from the transport", "By")
	t.acked = counter("queue.consumer.messages.acked", "Messages acknowledged after handling", "{message}")
	t.nacked = counter("queue.consumer.messages.nacked", "Messages negatively acknowledged", "{message}")
	t.unroutable = counter("queue.consumer.messages.unroutable", "Messages without a registered handler", "{message}")
	t.produced = counter("queue.producer.messages.produced", "Messages published", "{message}")
	t.commits = counter("queue.consumer.commits", "Successful offset commits", "{commit}")
	t.commitFails = counter("queue.consumer.commit.failures", "Offset commits that exhausted their retries", "{commit}")
	t.rebalances = counter("queue.consumer.rebalances", "Observed partition assignment changes", "{rebalance}")
	t.errors = counter("queue.consumer.errors", "Failed loop iterations", "{error}")

	t.batchSeconds, err = meter.Float64Histogram("queue.consumer.batch.duration",
		metric.WithDescription("Time spent processing one batch"),
		metric.WithUnit("s"),
	)
	errs = append(errs, err)

	working, err := meter.Int64ObservableGauge("queue.consumer.batch.size.working",
		metric.WithDescription("Current working batch size"),
		metric.WithUnit("{message}"),
	)
	errs = append(errs, err)
	throughput, err := meter.Float64ObservableGauge("queue.consumer.throughput",
		metric.WithDescription("Messages consumed per second since start"),
		metric.WithUnit("{message}/s"),
	)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	t.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(working, int64(s.WorkingBatchSize))
		o.ObserveFloat64(throughput, s.Throughput)
		return nil
	}, working, throughput)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *telemetry) recordBatch(ctx context.Context, topic string, messages, bytes int, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	t.consumed.Add(ctx, int64(messages), attrs)
	t.bytes.Add(ctx, int64(bytes), attrs)
	t.batchSeconds.Record(ctx, seconds, attrs)
}

func (t *telemetry) recordOutcome(ctx context.Context, topic string, partition int32, outcome string) {
	attrs := metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("partition", int(partition)),
	)
	switch outcome {
	case outcomeAcked:
		t.acked.Add(ctx, 1, attrs)
	case outcomeNacked:
		t.nacked.Add(ctx, 1, attrs)
	case outcomeUnroutable:
		t.unroutable.Add(ctx, 1, attrs)
	}
}

func (t *telemetry) recordCommit(ctx context.Context, topic string, err error) {
	attrs := metric.WithAttributes(attribute.String("topic", topic))
	if err != nil {
		t.commitFails.Add(ctx, 1, attrs)
		return
	}
	t.commits.Add(ctx, 1, attrs)
}

func (t *telemetry) recordRebalance(ctx context.Context, topic string) {
	t.rebalances.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (t *telemetry) recordError(ctx context.Context, topic string, class ErrorClass) {
	t.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("class", class.String()),
	))
}

func (t *telemetry) recordPublish(ctx context.Context, topic string) {
	t.produced.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (t *telemetry) close() error {
	if t.registration == nil {
		return nil
	}
	return t.registration.Unregister()
}
