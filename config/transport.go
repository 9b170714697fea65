package config

import (
	"context"
	"fmt"
	"os"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	qerrors "github.com/infigaming-com/go-queue/errors"
	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/queue/driver/google"
	"github.com/infigaming-com/go-queue/queue/driver/inmem"
	"github.com/infigaming-com/go-queue/queue/driver/kafka"
	"github.com/infigaming-com/go-queue/queue/driver/redis"
	"github.com/infigaming-com/go-queue/queue/driver/sqs"
)

// NewTransport connects the configured transport bound to c.Topic.
func (c *Config) NewTransport(ctx context.Context, logger *zap.Logger) (queue.Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch c.Transport {
	case TransportInmem:
		return inmem.New(c.Topic), nil
	case TransportKafka:
		return c.kafka(logger)
	case TransportSQS:
		return c.sqs(ctx, logger)
	case TransportRedis:
		t, err := redis.New(ctx, c.Topic,
			redis.WithLogger(logger),
			redis.WithAddr(c.Redis.Addr),
			redis.WithPassword(c.Redis.Password),
			redis.WithDB(c.Redis.DB),
			redis.WithKeyPrefix(c.Redis.KeyPrefix),
			redis.WithBlockTimeout(c.Redis.BlockTimeout),
		)
		if err != nil {
			return nil, err
		}
		return t, nil
	case TransportGoogle:
		return c.google(ctx, logger)
	}
	return nil, qerrors.NewError(qerrors.CodeConfiguration, fmt.Sprintf("unknown transport %q", c.Transport), nil)
}

func (c *Config) kafka(logger *zap.Logger) (queue.Transport, error) {
	k := c.Kafka
	opts := []kafka.Option{
		kafka.WithLogger(logger),
		kafka.WithBrokers(k.Brokers...),
		kafka.WithClientID(k.ClientID),
		kafka.WithGroupID(k.GroupID),
		kafka.WithTLS(k.TLS),
		kafka.WithOffsetReset(k.OffsetReset),
		kafka.WithPartitioner(k.Partitioner),
		kafka.WithInboxSize(k.InboxSize),
		kafka.WithAutoCommit(c.Engine.AutoCommit),
	}
	if c.Engine.SessionTimeout > 0 {
		opts = append(opts, kafka.WithSessionTimeout(c.Engine.SessionTimeout))
	}
	if c.Engine.HeartbeatInterval > 0 {
		opts = append(opts, kafka.WithHeartbeatInterval(c.Engine.HeartbeatInterval))
	}
	if k.Username != "" {
		opts = append(opts, kafka.WithSaslPlain(k.Username, k.Password))
	}
	if k.GmkAuth {
		opts = append(opts, kafka.WithGmkAuth())
	}
	strategy, err := balanceStrategy(k.RebalanceStrategy)
	if err != nil {
		return nil, err
	}
	opts = append(opts, kafka.WithRebalanceStrategy(strategy))
	t, err := kafka.New(c.Topic, opts...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func balanceStrategy(name string) (sarama.BalanceStrategy, error) {
	switch name {
	case "", "roundrobin":
		return sarama.NewBalanceStrategyRoundRobin(), nil
	case "range":
		return sarama.NewBalanceStrategyRange(), nil
	case "sticky":
		return sarama.NewBalanceStrategySticky(), nil
	}
	return nil, qerrors.NewError(qerrors.CodeConfiguration, fmt.Sprintf("kafka: unknown rebalance strategy %q", name), nil)
}

func (c *Config) sqs(ctx context.Context, logger *zap.Logger) (queue.Transport, error) {
	s := c.SQS
	name := s.QueueName
	if name == "" {
		name = c.Topic
	}
	opts := []sqs.Option{
		sqs.WithLogger(logger),
		sqs.WithRegion(s.Region),
		sqs.WithEndpoint(s.Endpoint),
		sqs.WithQueueURL(s.QueueURL),
		sqs.WithVisibilityTimeout(s.VisibilityTimeout),
	}
	if s.AccessKeyID != "" {
		opts = append(opts, sqs.WithStaticCredentials(s.AccessKeyID, s.SecretAccessKey))
	}
	t, err := sqs.New(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Config) google(ctx context.Context, logger *zap.Logger) (queue.Transport, error) {
	g := c.Google
	cfg := google.Config{
		ProjectID:    g.ProjectID,
		Endpoint:     g.Endpoint,
		Logger:       logger,
		Subscription: g.Subscription,
		Topic:        c.Topic,
		Receive: google.ReceiveSettings{
			NumGoroutines:          g.NumGoroutines,
			MaxOutstandingMessages: g.MaxOutstandingMessages,
			MaxExtension:           g.MaxExtension,
		},
	}
	if g.CredentialsFile != "" {
		data, err := os.ReadFile(g.CredentialsFile)
		if err != nil {
			return nil, qerrors.NewError(qerrors.CodeConfiguration, "google: read credentials file", err)
		}
		cfg.CredentialsJSON = data
	}
	t, err := google.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}
