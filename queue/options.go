package queue

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config holds the engine tunables. Zero values are replaced by defaults when
// the engine is built; the result is never modified afterwards.
type Config struct {
	// InitialBatchSize is the working batch size before any tuning.
	InitialBatchSize int
	// MaxBatchSize caps the working batch size and any batch size hint.
	MaxBatchSize int
	// MinBatchSize is the floor the tuner never shrinks below.
	MinBatchSize int

	CommitInterval      int
	CommitTimeThreshold time.Duration
	CommitRetries       int
	CommitRetryBackoff  time.Duration
	AutoCommit          bool

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxPollInterval   time.Duration
	PollTimeout       time.Duration
	IdleBackoff       time.Duration
	ShutdownTimeout   time.Duration

	MaxMemoryMB     int
	MemoryThreshold float64

	SlowBatchThreshold time.Duration
	FastBatchThreshold time.Duration

	PartitionConcurrency int
	EventTypeHeader      string
	NackDelay            time.Duration
	ReportEvery          int
	PublishRetries       int

	ErrorBackoff ErrorBackoff
}

// ErrorBackoff sets the pause after a failed iteration per error class.
// Connection errors back off exponentially from Connection to ConnectionMax.
type ErrorBackoff struct {
	Transient     time.Duration
	Connection    time.Duration
	ConnectionMax time.Duration
	Rebalance     time.Duration
	Throttled     time.Duration
}

// DefaultConfig returns the stock tunables. CommitTimeThreshold is left zero
// and derived from SessionTimeout when the engine is built.
func DefaultConfig() Config {
	return Config{
		InitialBatchSize:     500,
		MaxBatchSize:         1000,
		MinBatchSize:         100,
		CommitInterval:       200,
		CommitRetries:        3,
		CommitRetryBackoff:   100 * time.Millisecond,
		SessionTimeout:       45 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		MaxPollInterval:      10 * time.Minute,
		PollTimeout:          time.Second,
		IdleBackoff:          200 * time.Millisecond,
		ShutdownTimeout:      10 * time.Second,
		MaxMemoryMB:          1024,
		MemoryThreshold:      0.8,
		SlowBatchThreshold:   5 * time.Second,
		FastBatchThreshold:   time.Second,
		PartitionConcurrency: 1,
		EventTypeHeader:      HeaderEventType,
		ReportEvery:          50,
		PublishRetries:       3,
		ErrorBackoff: ErrorBackoff{
			Transient:     time.Second,
			Connection:    2 * time.Second,
			ConnectionMax: 30 * time.Second,
			Rebalance:     5 * time.Second,
			Throttled:     5 * time.Second,
		},
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.InitialBatchSize == 0 {
		c.InitialBatchSize = d.InitialBatchSize
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = max(d.MaxBatchSize, c.InitialBatchSize)
	}
	if c.InitialBatchSize > c.MaxBatchSize && c.MaxBatchSize > 0 {
		c.InitialBatchSize = c.MaxBatchSize
	}
	if c.MinBatchSize == 0 {
		c.MinBatchSize = min(d.MinBatchSize, c.MaxBatchSize)
	}
	if c.InitialBatchSize < c.MinBatchSize && c.MinBatchSize <= c.MaxBatchSize {
		c.InitialBatchSize = c.MinBatchSize
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = d.CommitInterval
	}
	if c.CommitRetries == 0 {
		c.CommitRetries = d.CommitRetries
	}
	if c.CommitRetryBackoff == 0 {
		c.CommitRetryBackoff = d.CommitRetryBackoff
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = d.SessionTimeout
	}
	if c.CommitTimeThreshold == 0 {
		c.CommitTimeThreshold = c.SessionTimeout / 4
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = min(d.HeartbeatInterval, c.SessionTimeout/3)
	}
	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = d.MaxPollInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.IdleBackoff == 0 {
		c.IdleBackoff = d.IdleBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = d.MaxMemoryMB
	}
	if c.MemoryThreshold == 0 {
		c.MemoryThreshold = d.MemoryThreshold
	}
	if c.SlowBatchThreshold == 0 {
		c.SlowBatchThreshold = d.SlowBatchThreshold
	}
	if c.FastBatchThreshold == 0 {
		c.FastBatchThreshold = d.FastBatchThreshold
	}
	if c.PartitionConcurrency == 0 {
		c.PartitionConcurrency = d.PartitionConcurrency
	}
	if c.EventTypeHeader == "" {
		c.EventTypeHeader = d.EventTypeHeader
	}
	if c.ReportEvery == 0 {
		c.ReportEvery = d.ReportEvery
	}
	if c.PublishRetries == 0 {
		c.PublishRetries = d.PublishRetries
	}
	if c.ErrorBackoff.Transient == 0 {
		c.ErrorBackoff.Transient = d.ErrorBackoff.Transient
	}
	if c.ErrorBackoff.Connection == 0 {
		c.ErrorBackoff.Connection = d.ErrorBackoff.Connection
	}
	if c.ErrorBackoff.ConnectionMax == 0 {
		c.ErrorBackoff.ConnectionMax = max(d.ErrorBackoff.ConnectionMax, c.ErrorBackoff.Connection)
	}
	if c.ErrorBackoff.Rebalance == 0 {
		c.ErrorBackoff.Rebalance = d.ErrorBackoff.Rebalance
	}
	if c.ErrorBackoff.Throttled == 0 {
		c.ErrorBackoff.Throttled = d.ErrorBackoff.Throttled
	}
	return c
}

// Validate reports the first invalid setting as a configuration error.
func (c Config) Validate() error {
	switch {
	case c.MaxBatchSize <= 0:
		return ConfigError(fmt.Sprintf("max batch size must be positive, got %d", c.MaxBatchSize), nil)
	case c.InitialBatchSize <= 0:
		return ConfigError(fmt.Sprintf("initial batch size must be positive, got %d", c.InitialBatchSize), nil)
	case c.MinBatchSize <= 0 || c.MinBatchSize > c.MaxBatchSize:
		return ConfigError(fmt.Sprintf("min batch size %d outside (0, %d]", c.MinBatchSize, c.MaxBatchSize), nil)
	case c.CommitInterval <= 0:
		return ConfigError(fmt.Sprintf("commit interval must be positive, got %d", c.CommitInterval), nil)
	case c.CommitRetries <= 0:
		return ConfigError(fmt.Sprintf("commit retries must be positive, got %d", c.CommitRetries), nil)
	case c.SessionTimeout <= 0 || c.HeartbeatInterval <= 0 || c.MaxPollInterval <= 0:
		return ConfigError("session timeout, heartbeat interval and max poll interval must be positive", nil)
	case c.HeartbeatInterval >= c.SessionTimeout:
		return ConfigError(fmt.Sprintf("heartbeat interval %s must be below session timeout %s", c.HeartbeatInterval, c.SessionTimeout), nil)
	case c.CommitTimeThreshold <= 0:
		return ConfigError("commit time threshold must be positive", nil)
	case c.PollTimeout < 0 || c.IdleBackoff < 0 || c.NackDelay < 0:
		return ConfigError("poll timeout, idle backoff and nack delay must not be negative", nil)
	case c.MaxMemoryMB <= 0:
		return ConfigError(fmt.Sprintf("max memory must be positive, got %d MB", c.MaxMemoryMB), nil)
	case c.MemoryThreshold <= 0 || c.MemoryThreshold > 1:
		return ConfigError(fmt.Sprintf("memory threshold %.2f outside (0, 1]", c.MemoryThreshold), nil)
	case c.PartitionConcurrency <= 0:
		return ConfigError(fmt.Sprintf("partition concurrency must be positive, got %d", c.PartitionConcurrency), nil)
	case c.PublishRetries <= 0:
		return ConfigError(fmt.Sprintf("publish retries must be positive, got %d", c.PublishRetries), nil)
	}
	return nil
}

type Option func(*options)

type options struct {
	config        Config
	logger        *zap.Logger
	hooks         Hooks
	meterProvider metric.MeterProvider
	memory        MemoryProbe
	encoder       Encoder
	decoder       Decoder
	now           func() time.Time
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

// WithConfig replaces the whole configuration. Options applied after it
// override individual fields.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

func WithMemoryProbe(p MemoryProbe) Option {
	return func(o *options) {
		o.memory = p
	}
}

func WithEncoder(e Encoder) Option {
	return func(o *options) {
		o.encoder = e
	}
}

func WithDecoder(d Decoder) Option {
	return func(o *options) {
		o.decoder = d
	}
}

// WithClock replaces time.Now for commit, heartbeat and tuning decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithInitialBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.config.InitialBatchSize = n
		}
	}
}

func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.config.MaxBatchSize = n
		}
	}
}

func WithMinBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.config.MinBatchSize = n
		}
	}
}

func WithCommitInterval(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.config.CommitInterval = n
		}
	}
}

func WithCommitTimeThreshold(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.CommitTimeThreshold = d
		}
	}
}

func WithCommitRetries(attempts int, base time.Duration) Option {
	return func(o *options) {
		if attempts > 0 {
			o.config.CommitRetries = attempts
		}
		if base > 0 {
			o.config.CommitRetryBackoff = base
		}
	}
}

func WithAutoCommit(enabled bool) Option {
	return func(o *options) {
		o.config.AutoCommit = enabled
	}
}

func WithSessionTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.SessionTimeout = d
		}
	}
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.HeartbeatInterval = d
		}
	}
}

func WithMaxPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.MaxPollInterval = d
		}
	}
}

func WithPollTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.PollTimeout = d
		}
	}
}

func WithIdleBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.IdleBackoff = d
		}
	}
}

func WithMaxMemoryMB(mb int) Option {
	return func(o *options) {
		if mb > 0 {
			o.config.MaxMemoryMB = mb
		}
	}
}

func WithPartitionConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.config.PartitionConcurrency = n
		}
	}
}

func WithEventTypeHeader(header string) Option {
	return func(o *options) {
		if header != "" {
			o.config.EventTypeHeader = header
		}
	}
}

func WithNackDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.config.NackDelay = d
		}
	}
}

func WithReportEvery(batches int) Option {
	return func(o *options) {
		if batches > 0 {
			o.config.ReportEvery = batches
		}
	}
}

func WithPublishRetries(attempts int) Option {
	return func(o *options) {
		if attempts > 0 {
			o.config.PublishRetries = attempts
		}
	}
}

func WithErrorBackoff(b ErrorBackoff) Option {
	return func(o *options) {
		o.config.ErrorBackoff = b
	}
}

type RunOption func(*runOptions)

type runOptions struct {
	batchSize   int
	pollTimeout time.Duration
	maxMessages int
}

// WithBatchSize caps each fetch at n messages. It never raises the fetch
// size above the configured maximum.
func WithBatchSize(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

func WithRunPollTimeout(d time.Duration) RunOption {
	return func(o *runOptions) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithMaxMessages stops the run once n messages were dispatched.
func WithMaxMessages(n int) RunOption {
	return func(o *runOptions) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}
