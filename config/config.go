// Package config loads the consumer process configuration from a YAML file,
// QUEUE_ prefixed environment variables and command line flags, in rising
// order of precedence.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	qerrors "github.com/infigaming-com/go-queue/errors"
	"github.com/infigaming-com/go-queue/queue"
)

const EnvPrefix = "QUEUE"

// Transport names accepted by Config.Transport.
const (
	TransportInmem  = "inmem"
	TransportKafka  = "kafka"
	TransportSQS    = "sqs"
	TransportRedis  = "redis"
	TransportGoogle = "google"
)

var transports = []string{TransportInmem, TransportKafka, TransportSQS, TransportRedis, TransportGoogle}

type Config struct {
	Transport string        `mapstructure:"transport"`
	Topic     string        `mapstructure:"topic"`
	Log       LogConfig     `mapstructure:"log"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Engine    EngineConfig  `mapstructure:"engine"`
	Kafka     KafkaConfig   `mapstructure:"kafka"`
	SQS       SQSConfig     `mapstructure:"sqs"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Google    GoogleConfig  `mapstructure:"google"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	ServiceName      string `mapstructure:"serviceName"`
	Environment      string `mapstructure:"environment"`
	OTLPEndpoint     string `mapstructure:"otlpEndpoint"`
	OTLPGRPCEndpoint string `mapstructure:"otlpGrpcEndpoint"`
}

// EngineConfig mirrors the tunables of queue.Config that operators set.
type EngineConfig struct {
	BatchSize            int           `mapstructure:"batchSize"`
	MaxBatchSize         int           `mapstructure:"maxBatchSize"`
	MinBatchSize         int           `mapstructure:"minBatchSize"`
	CommitInterval       int           `mapstructure:"commitInterval"`
	CommitTimeThreshold  time.Duration `mapstructure:"commitTimeThreshold"`
	AutoCommit           bool          `mapstructure:"autoCommit"`
	SessionTimeout       time.Duration `mapstructure:"sessionTimeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
	MaxPollInterval      time.Duration `mapstructure:"maxPollInterval"`
	PollTimeout          time.Duration `mapstructure:"pollTimeout"`
	MaxMemoryMB          int           `mapstructure:"maxMemoryMB"`
	PartitionConcurrency int           `mapstructure:"partitionConcurrency"`
	EventTypeHeader      string        `mapstructure:"eventTypeHeader"`
	NackDelay            time.Duration `mapstructure:"nackDelay"`
	ReportEvery          int           `mapstructure:"reportEvery"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	ClientID          string   `mapstructure:"clientId"`
	GroupID           string   `mapstructure:"groupId"`
	Username          string   `mapstructure:"username"`
	Password          string   `mapstructure:"password"`
	GmkAuth           bool     `mapstructure:"gmkAuth"`
	TLS               bool     `mapstructure:"tls"`
	RebalanceStrategy string   `mapstructure:"rebalanceStrategy"`
	OffsetReset       string   `mapstructure:"offsetReset"`
	Partitioner       string   `mapstructure:"partitioner"`
	InboxSize         int      `mapstructure:"inboxSize"`
}

type SQSConfig struct {
	QueueName         string        `mapstructure:"queueName"`
	QueueURL          string        `mapstructure:"queueUrl"`
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	AccessKeyID       string        `mapstructure:"accessKeyId"`
	SecretAccessKey   string        `mapstructure:"secretAccessKey"`
	VisibilityTimeout time.Duration `mapstructure:"visibilityTimeout"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"keyPrefix"`
	BlockTimeout time.Duration `mapstructure:"blockTimeout"`
}

type GoogleConfig struct {
	ProjectID              string        `mapstructure:"projectId"`
	Subscription           string        `mapstructure:"subscription"`
	Endpoint               string        `mapstructure:"endpoint"`
	CredentialsFile        string        `mapstructure:"credentialsFile"`
	NumGoroutines          int           `mapstructure:"numGoroutines"`
	MaxOutstandingMessages int           `mapstructure:"maxOutstandingMessages"`
	MaxExtension           time.Duration `mapstructure:"maxExtension"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"transport":  "transport",
	"topic":      "topic",
	"batch-size": "engine.batchSize",
	"log-level":  "log.level",
}

func setDefaults(v *viper.Viper) {
	d := queue.DefaultConfig()

	v.SetDefault("transport", TransportInmem)
	v.SetDefault("topic", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.serviceName", "queue-consumer")
	v.SetDefault("metrics.environment", "development")
	v.SetDefault("metrics.otlpEndpoint", "localhost:4318")
	v.SetDefault("metrics.otlpGrpcEndpoint", "")

	v.SetDefault("engine.batchSize", d.InitialBatchSize)
	v.SetDefault("engine.maxBatchSize", d.MaxBatchSize)
	v.SetDefault("engine.minBatchSize", d.MinBatchSize)
	v.SetDefault("engine.commitInterval", d.CommitInterval)
	v.SetDefault("engine.commitTimeThreshold", time.Duration(0))
	v.SetDefault("engine.autoCommit", false)
	v.SetDefault("engine.sessionTimeout", d.SessionTimeout)
	v.SetDefault("engine.heartbeatInterval", time.Duration(0))
	v.SetDefault("engine.maxPollInterval", d.MaxPollInterval)
	v.SetDefault("engine.pollTimeout", d.PollTimeout)
	v.SetDefault("engine.maxMemoryMB", d.MaxMemoryMB)
	v.SetDefault("engine.partitionConcurrency", d.PartitionConcurrency)
	v.SetDefault("engine.eventTypeHeader", d.EventTypeHeader)
	v.SetDefault("engine.nackDelay", time.Duration(0))
	v.SetDefault("engine.reportEvery", d.ReportEvery)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.clientId", "queue-consumer")
	v.SetDefault("kafka.groupId", "queue-consumer")
	v.SetDefault("kafka.username", "")
	v.SetDefault("kafka.password", "")
	v.SetDefault("kafka.gmkAuth", false)
	v.SetDefault("kafka.tls", false)
	v.SetDefault("kafka.rebalanceStrategy", "roundrobin")
	v.SetDefault("kafka.offsetReset", "newest")
	v.SetDefault("kafka.partitioner", "hash")
	v.SetDefault("kafka.inboxSize", 2000)

	v.SetDefault("sqs.queueName", "")
	v.SetDefault("sqs.queueUrl", "")
	v.SetDefault("sqs.region", "")
	v.SetDefault("sqs.endpoint", "")
	v.SetDefault("sqs.accessKeyId", "")
	v.SetDefault("sqs.secretAccessKey", "")
	v.SetDefault("sqs.visibilityTimeout", time.Duration(0))

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "queue:")
	v.SetDefault("redis.blockTimeout", time.Second)

	v.SetDefault("google.projectId", "")
	v.SetDefault("google.subscription", "")
	v.SetDefault("google.endpoint", "")
	v.SetDefault("google.credentialsFile", "")
	v.SetDefault("google.numGoroutines", 0)
	v.SetDefault("google.maxOutstandingMessages", 0)
	v.SetDefault("google.maxExtension", time.Duration(0))
}

// Load reads path (optional), the environment and the flags that were set.
// Environment keys are the upper cased key path with dots replaced by
// underscores, e.g. QUEUE_ENGINE_BATCHSIZE or QUEUE_KAFKA_BROKERS.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, qerrors.NewError(qerrors.CodeConfiguration, fmt.Sprintf("read config %s", path), err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, qerrors.NewError(qerrors.CodeConfiguration, "bind flag "+name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, qerrors.NewError(qerrors.CodeConfiguration, "decode config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the chosen transport needs. Engine tunables
// are validated when the engine is built.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return qerrors.NewError(qerrors.CodeConfiguration, fmt.Sprintf(format, args...), nil)
	}
	if !slices.Contains(transports, c.Transport) {
		return fail("unknown transport %q, want one of %v", c.Transport, transports)
	}
	if c.Topic == "" {
		return fail("topic required")
	}
	switch c.Transport {
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fail("kafka: at least one broker required")
		}
		if c.Kafka.GroupID == "" {
			return fail("kafka: group id required")
		}
		if (c.Kafka.Username == "") != (c.Kafka.Password == "") {
			return fail("kafka: username and password must be set together")
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			return fail("redis: addr required")
		}
	case TransportGoogle:
		if c.Google.ProjectID == "" || c.Google.Subscription == "" {
			return fail("google: project id and subscription required")
		}
	}
	return nil
}

// QueueConfig converts the engine section into engine tunables. Unset
// values fall back to the engine defaults.
func (e EngineConfig) QueueConfig() queue.Config {
	c := queue.DefaultConfig()
	c.InitialBatchSize = e.BatchSize
	c.MaxBatchSize = e.MaxBatchSize
	c.MinBatchSize = e.MinBatchSize
	c.CommitInterval = e.CommitInterval
	c.CommitTimeThreshold = e.CommitTimeThreshold
	c.AutoCommit = e.AutoCommit
	c.SessionTimeout = e.SessionTimeout
	c.HeartbeatInterval = e.HeartbeatInterval
	c.MaxPollInterval = e.MaxPollInterval
	c.PollTimeout = e.PollTimeout
	c.MaxMemoryMB = e.MaxMemoryMB
	c.PartitionConcurrency = e.PartitionConcurrency
	c.EventTypeHeader = e.EventTypeHeader
	c.NackDelay = e.NackDelay
	c.ReportEvery = e.ReportEvery
	return c
}

// EngineOptions returns the engine options this configuration implies.
func (c *Config) EngineOptions() []queue.Option {
	return []queue.Option{queue.WithConfig(c.Engine.QueueConfig())}
}
