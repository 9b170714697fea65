// Command queue-producer publishes synthetic messages at a fixed rate, for
// load testing a consumer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/infigaming-com/go-queue/config"
	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/util"
)

type options struct {
	topic     string
	count     int
	rate      float64
	keys      int
	eventType string
}

func main() {
	flags := pflag.NewFlagSet("queue-producer", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	flags.String("transport", "", "inmem, kafka, sqs, redis or google")
	flags.String("topic", "", "topic to publish to")
	flags.String("log-level", "", "log level, LOG_LEVEL when empty")
	var o options
	flags.IntVar(&o.count, "count", 10, "messages to publish")
	flags.Float64Var(&o.rate, "rate", 5, "messages per second, 0 for unlimited")
	flags.IntVar(&o.keys, "keys", 16, "distinct partition keys")
	flags.StringVar(&o.eventType, "event-type", "", "event type header")
	_ = flags.Parse(os.Args[1:])

	if err := run(*configPath, flags, o); err != nil {
		fmt.Fprintf(os.Stderr, "queue-producer: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, flags *pflag.FlagSet, o options) error {
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return err
	}
	o.topic = cfg.Topic

	logger, done := util.NewLogger(cfg.Log.Level)
	defer done()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := cfg.NewTransport(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(context.Background()); err != nil {
			logger.Warn("failed to close transport", zap.Error(err))
		}
	}()

	pub, err := queue.NewPublisher(transport, append(cfg.EngineOptions(), queue.WithLogger(logger))...)
	if err != nil {
		return err
	}
	_, err = produce(ctx, pub, o, logger)
	return err
}

type payload struct {
	ID        int       `json:"id"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// produce publishes o.count messages and returns how many were sent.
func produce(ctx context.Context, pub *queue.Publisher, o options, logger *zap.Logger) (int, error) {
	limit := rate.Inf
	if o.rate > 0 {
		limit = rate.Limit(o.rate)
	}
	limiter := rate.NewLimiter(limit, 1)
	keys := max(o.keys, 1)
	start := time.Now()

	for i := 1; i <= o.count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return i - 1, err
		}
		headers := map[string]string{}
		if o.eventType != "" {
			headers[queue.HeaderEventType] = o.eventType
		}
		body := payload{ID: i, Data: fmt.Sprintf("sample data for message %d", i), Timestamp: time.Now().UTC()}
		if _, err := pub.PublishValue(ctx, o.topic, strconv.Itoa(i%keys), body, headers); err != nil {
			return i - 1, err
		}
		if i%100 == 0 {
			logger.Info("progress", zap.Int("sent", i), zap.Int("total", o.count))
		}
	}

	elapsed := time.Since(start)
	logger.Info("producer completed",
		zap.Int("messages", o.count),
		zap.Duration("elapsed", elapsed),
		zap.Float64("rate", float64(o.count)/max(elapsed.Seconds(), 1e-9)))
	return o.count, nil
}
