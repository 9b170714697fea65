// Command queue-consumer runs the queue engine against the configured
// transport and logs every message it receives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/config"
	"github.com/infigaming-com/go-queue/observability/metrics"
	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/util"
)

type inflightRequeuer interface {
	RequeueInflight(ctx context.Context) (int, error)
}

func main() {
	flags := pflag.NewFlagSet("queue-consumer", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("transport", "", "inmem, kafka, sqs, redis or google")
	flags.String("topic", "", "topic to consume")
	flags.Int("batch-size", 0, "initial batch size")
	flags.String("log-level", "", "log level, LOG_LEVEL when empty")
	eventTypes := flags.StringSlice("event-types", nil, "event types handled besides the topic itself")
	requeue := flags.Bool("requeue-inflight", false, "return messages left in flight by a previous run (redis)")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, flags, *eventTypes, *requeue); err != nil {
		fmt.Fprintf(os.Stderr, "queue-consumer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet, eventTypes []string, requeue bool) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}

	logger, done := util.NewLogger(cfg.Log.Level)
	defer done()

	ctx := context.Background()
	opts := append(cfg.EngineOptions(), queue.WithLogger(logger))

	if cfg.Metrics.Enabled {
		mc, err := metrics.NewMetricExporter(ctx,
			metrics.WithServiceName(cfg.Metrics.ServiceName),
			metrics.WithEnvironment(cfg.Metrics.Environment),
			metrics.WithOTLPEndpoint(cfg.Metrics.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.Metrics.OTLPGRPCEndpoint),
		)
		if err != nil {
			return err
		}
		defer func() {
			if err := mc.Close(context.Background()); err != nil {
				logger.Warn("failed to flush metrics", zap.Error(err))
			}
		}()
		opts = append(opts, queue.WithMeterProvider(mc.MeterProvider()))
	}

	transport, err := cfg.NewTransport(ctx, logger)
	if err != nil {
		return err
	}
	if r, ok := transport.(inflightRequeuer); ok && requeue {
		n, err := r.RequeueInflight(ctx)
		if err != nil {
			return err
		}
		logger.Info("requeued in-flight messages", zap.Int("count", n))
	}

	handler := loggingHandler{logger: logger}
	registry := queue.NewStrategyRegistry().Register(cfg.Topic, handler)
	for _, et := range eventTypes {
		registry.Register(et, handler)
	}

	engine, err := queue.NewEngine(transport, registry, opts...)
	if err != nil {
		_ = transport.Close(ctx)
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		s, ok := <-sig
		if !ok {
			return
		}
		logger.Info("shutting down", zap.String("signal", s.String()))
		engine.Stop()
	}()

	logger.Info("consumer starting",
		zap.String("transport", cfg.Transport),
		zap.String("topic", cfg.Topic))
	return engine.Run(ctx, cfg.Topic)
}

type loggingHandler struct {
	logger *zap.Logger
}

func (h loggingHandler) Handle(_ context.Context, m *queue.Envelope) error {
	h.logger.Info("message received",
		zap.String("message_id", m.ID()),
		zap.String("event_type", m.EventType()),
		zap.Int32("partition", m.Partition()),
		zap.Int64("offset", m.Offset()),
		zap.Int("attempt", m.Attempt()),
		zap.Int("size", m.Size()))
	return nil
}
