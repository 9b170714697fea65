package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
)

// Partitioner strategy constants
const (
	PartitionerHash       = "hash"
	PartitionerRandom     = "random"
	PartitionerRoundRobin = "roundrobin"
	PartitionerManual     = "manual"
)

// Offset reset strategy constants
const (
	OffsetResetNewest = "newest"
	OffsetResetOldest = "oldest"
)

type config struct {
	logger            *zap.Logger
	brokers           []string
	clientID          string
	groupID           string
	plainAuth         *plainAuth
	tokenProvider     sarama.AccessTokenProvider
	tls               bool
	sessionTimeout    time.Duration
	heartbeatInterval time.Duration
	rebalanceStrategy sarama.BalanceStrategy
	offsetReset       string
	partitioner       string
	autoCommit        bool
	inboxSize         int
	version           sarama.KafkaVersion

	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
}

type Option func(*config)

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithBrokers(brokers ...string) Option {
	return func(c *config) {
		c.brokers = brokers
	}
}

func WithClientID(clientID string) Option {
	return func(c *config) {
		c.clientID = clientID
	}
}

func WithGroupID(groupID string) Option {
	return func(c *config) {
		c.groupID = groupID
	}
}

// WithSaslPlain enables SASL/PLAIN over TLS.
func WithSaslPlain(username, password string) Option {
	return func(c *config) {
		c.plainAuth = &plainAuth{username: username, password: password}
	}
}

// WithGmkAuth authenticates with OAUTHBEARER tokens from the Google default
// credentials, as Google Managed Kafka expects.
func WithGmkAuth() Option {
	return func(c *config) {
		c.tokenProvider = gmkTokenProvider{}
	}
}

func WithTLS(enabled bool) Option {
	return func(c *config) {
		c.tls = enabled
	}
}

func WithSessionTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.sessionTimeout = timeout
	}
}

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) {
		c.heartbeatInterval = interval
	}
}

func WithRebalanceStrategy(strategy sarama.BalanceStrategy) Option {
	return func(c *config) {
		c.rebalanceStrategy = strategy
	}
}

// WithOffsetReset sets where a group without committed offsets starts.
// Valid values: OffsetResetNewest or OffsetResetOldest
func WithOffsetReset(reset string) Option {
	return func(c *config) {
		c.offsetReset = reset
	}
}

func WithPartitioner(partitioner string) Option {
	return func(c *config) {
		c.partitioner = partitioner
	}
}

// WithAutoCommit lets sarama commit marked offsets on its own interval in
// addition to the engine's explicit commits.
func WithAutoCommit(enabled bool) Option {
	return func(c *config) {
		c.autoCommit = enabled
	}
}

// WithInboxSize bounds the messages buffered between the consumer group and
// the engine.
func WithInboxSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.inboxSize = n
		}
	}
}

func WithVersion(v sarama.KafkaVersion) Option {
	return func(c *config) {
		c.version = v
	}
}

// WithConsumerGroup uses an existing consumer group instead of dialing one.
// The transport closes it.
func WithConsumerGroup(g sarama.ConsumerGroup) Option {
	return func(c *config) {
		c.group = g
	}
}

// WithSyncProducer uses an existing producer instead of dialing one. The
// transport closes it.
func WithSyncProducer(p sarama.SyncProducer) Option {
	return func(c *config) {
		c.producer = p
	}
}

func defaultConfig() config {
	return config{
		logger:            zap.NewNop(),
		brokers:           []string{"localhost:9092"},
		clientID:          "go-queue",
		groupID:           "go-queue-consumer",
		sessionTimeout:    45 * time.Second,
		heartbeatInterval: 15 * time.Second,
		rebalanceStrategy: sarama.NewBalanceStrategyRoundRobin(),
		offsetReset:       OffsetResetNewest,
		partitioner:       PartitionerHash,
		inboxSize:         2000,
		version:           sarama.V2_3_0_0,
	}
}

func (c config) sarama() (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.ClientID = c.clientID
	sc.Version = c.version

	sc.Consumer.Return.Errors = true
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{c.rebalanceStrategy}
	sc.Consumer.Group.Session.Timeout = c.sessionTimeout
	sc.Consumer.Group.Heartbeat.Interval = c.heartbeatInterval
	sc.Consumer.Offsets.AutoCommit.Enable = c.autoCommit
	if c.offsetReset == OffsetResetOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	sc.Producer.Return.Successes = true // sync producer
	sc.Producer.RequiredAcks = sarama.WaitForAll
	switch c.partitioner {
	case PartitionerRandom:
		sc.Producer.Partitioner = sarama.NewRandomPartitioner
	case PartitionerRoundRobin:
		sc.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case PartitionerManual:
		sc.Producer.Partitioner = sarama.NewManualPartitioner
	default:
		sc.Producer.Partitioner = sarama.NewHashPartitioner
	}

	switch {
	case c.tokenProvider != nil:
		enableTLS(sc)
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypeOAuth
		sc.Net.SASL.TokenProvider = c.tokenProvider
		sc.Net.SASL.Handshake = true
	case c.plainAuth != nil:
		enableTLS(sc)
		username, password, err := c.plainAuth.Credentials()
		if err != nil {
			return nil, fmt.Errorf("failed to get SASL/PLAIN credentials: %w", err)
		}
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = username
		sc.Net.SASL.Password = password
		sc.Net.SASL.Handshake = true
	case c.tls:
		enableTLS(sc)
	}
	return sc, sc.Validate()
}

func enableTLS(sc *sarama.Config) {
	sc.Net.TLS.Enable = true
	sc.Net.TLS.Config = &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
}

type plainAuth struct {
	username string
	password string
}

func (a *plainAuth) Credentials() (string, string, error) {
	if a.username == "" {
		return "", "", fmt.Errorf("username required")
	}
	return a.username, a.password, nil
}

type gmkTokenProvider struct{}

func (gmkTokenProvider) Token() (*sarama.AccessToken, error) {
	ctx := context.Background()

	creds, err := google.FindDefaultCredentials(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("failed to find default credentials: %w", err)
	}
	token, err := creds.TokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &sarama.AccessToken{Token: token.AccessToken}, nil
}
