package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/infigaming-com/go-queue/errors"
	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/queue/driver/inmem"
)

const sampleYAML = `
transport: kafka
topic: orders
log:
  level: debug
engine:
  batchSize: 250
  commitInterval: 50
  sessionTimeout: 30s
  nackDelay: 2s
  partitionConcurrency: 4
kafka:
  brokers:
    - kafka-1:9092
    - kafka-2:9092
  groupId: billing
  rebalanceStrategy: sticky
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUEUE_TOPIC", "orders")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	d := queue.DefaultConfig()
	assert.Equal(t, TransportInmem, cfg.Transport)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, d.InitialBatchSize, cfg.Engine.BatchSize)
	assert.Equal(t, d.CommitInterval, cfg.Engine.CommitInterval)
	assert.Equal(t, d.SessionTimeout, cfg.Engine.SessionTimeout)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Second, cfg.Redis.BlockTimeout)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML), nil)
	require.NoError(t, err)

	assert.Equal(t, TransportKafka, cfg.Transport)
	assert.Equal(t, "orders", cfg.Topic)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250, cfg.Engine.BatchSize)
	assert.Equal(t, 50, cfg.Engine.CommitInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.SessionTimeout)
	assert.Equal(t, 2*time.Second, cfg.Engine.NackDelay)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "billing", cfg.Kafka.GroupID)
	assert.Equal(t, "sticky", cfg.Kafka.RebalanceStrategy)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	t.Setenv("QUEUE_ENGINE_BATCHSIZE", "300")
	t.Setenv("QUEUE_KAFKA_GROUPID", "payments")

	t.Run("env over file", func(t *testing.T) {
		cfg, err := Load(path, nil)
		require.NoError(t, err)
		assert.Equal(t, 300, cfg.Engine.BatchSize)
		assert.Equal(t, "payments", cfg.Kafka.GroupID)
	})

	t.Run("flags over env", func(t *testing.T) {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.Int("batch-size", 0, "")
		fs.String("topic", "", "")
		require.NoError(t, fs.Parse([]string{"--batch-size=50"}))

		cfg, err := Load(path, fs)
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.Engine.BatchSize)
		assert.Equal(t, "orders", cfg.Topic, "unset flags keep lower layers")
	})
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		assert.True(t, qerrors.HasCode(err, qerrors.CodeConfiguration))
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeConfig(t, "topic: orders\nengine:\n  sessionTimeout: soon\n"), nil)
		assert.True(t, qerrors.HasCode(err, qerrors.CodeConfiguration))
	})
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Transport: TransportKafka,
			Topic:     "orders",
			Kafka:     KafkaConfig{Brokers: []string{"k:9092"}, GroupID: "g"},
			Redis:     RedisConfig{Addr: "localhost:6379"},
			Google:    GoogleConfig{ProjectID: "p", Subscription: "s"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid"},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport = "nats" }, wantErr: "unknown transport"},
		{name: "no topic", mutate: func(c *Config) { c.Topic = "" }, wantErr: "topic required"},
		{name: "no brokers", mutate: func(c *Config) { c.Kafka.Brokers = nil }, wantErr: "broker"},
		{name: "no group", mutate: func(c *Config) { c.Kafka.GroupID = "" }, wantErr: "group id"},
		{name: "half credentials", mutate: func(c *Config) { c.Kafka.Username = "u" }, wantErr: "username and password"},
		{name: "redis without addr", mutate: func(c *Config) { c.Transport = TransportRedis; c.Redis.Addr = "" }, wantErr: "redis"},
		{name: "google without subscription", mutate: func(c *Config) { c.Transport = TransportGoogle; c.Google.Subscription = "" }, wantErr: "google"},
		{name: "sqs", mutate: func(c *Config) { c.Transport = TransportSQS }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.True(t, qerrors.HasCode(err, qerrors.CodeConfiguration))
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML), nil)
	require.NoError(t, err)

	qc := cfg.Engine.QueueConfig()
	assert.Equal(t, 250, qc.InitialBatchSize)
	assert.Equal(t, 4, qc.PartitionConcurrency)
	assert.Equal(t, 2*time.Second, qc.NackDelay)

	e, err := queue.NewEngine(inmem.New("orders"), queue.NewStrategyRegistry(), cfg.EngineOptions()...)
	require.NoError(t, err)
	got := e.Config()
	assert.Equal(t, 250, got.InitialBatchSize)
	assert.Equal(t, 30*time.Second, got.SessionTimeout)
	assert.Equal(t, 10*time.Second, got.HeartbeatInterval)
	assert.Equal(t, 7500*time.Millisecond, got.CommitTimeThreshold)
}

func TestNewTransport(t *testing.T) {
	cfg := &Config{Transport: TransportInmem, Topic: "orders"}
	tr, err := cfg.NewTransport(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "inmem", tr.Capabilities().Name)

	cfg = &Config{Transport: TransportKafka, Topic: "orders", Kafka: KafkaConfig{RebalanceStrategy: "fastest"}}
	_, err = cfg.NewTransport(context.Background(), nil)
	assert.ErrorContains(t, err, "unknown rebalance strategy")
}
