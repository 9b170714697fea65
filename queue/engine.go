package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/queue/internal/backoff"
	"github.com/infigaming-com/go-queue/queue/internal/worker"
)

// Engine consumes a topic through a Transport, dispatching every message to
// the handler its routing key resolves to. Batch transports are fetched in
// batches; everything else is driven one message at a time.
//
// Within a partition messages are handled and acknowledged in arrival order.
// Offsets of handled messages are committed periodically; a failed commit
// keeps them for the next attempt.
type Engine struct {
	transport Transport
	batcher   BatchTransport
	caps      Capabilities
	registry  Registry
	config    Config
	logger    *zap.Logger
	hooks     Hooks
	decoder   Decoder
	now       func() time.Time

	stats       *recorder
	telemetry   *telemetry
	publisher   *Publisher
	offsets     *offsetTable
	commits     *commitScheduler
	tuner       *batchTuner
	memory      *memoryGuard
	connBackoff *backoff.Exponential
	pool        *worker.Pool

	state     atomic.Int32
	running   atomic.Bool
	closed    atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	// owned by the processing loop
	partitions     []int32
	rebalanceArmed bool
	lastHeartbeat  time.Time
	dispatched     int
}

func NewEngine(transport Transport, registry Registry, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, ConfigError("transport required", nil)
	}
	if registry == nil {
		return nil, ConfigError("registry required", nil)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.config.normalized()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decoder := o.decoder
	if decoder == nil {
		decoder = jsonCodec{}
	}

	e := &Engine{
		transport: transport,
		caps:      transport.Capabilities(),
		registry:  registry,
		config:    cfg,
		logger:    o.logger,
		hooks:     o.hooks,
		decoder:   decoder,
		now:       o.now,
		stats:     newRecorder(o.now),
		offsets:   newOffsetTable(),
		commits:   newCommitScheduler(cfg, o.now()),
		tuner:     newBatchTuner(cfg),
		memory:    newMemoryGuard(o.memory, cfg),
		connBackoff: backoff.New(backoff.Config{
			Initial:    cfg.ErrorBackoff.Connection,
			Max:        cfg.ErrorBackoff.ConnectionMax,
			Multiplier: 2,
		}),
		stop: make(chan struct{}),
	}
	if bt, ok := transport.(BatchTransport); ok && e.caps.Batching {
		e.batcher = bt
	}
	e.stats.working(e.tuner.size())

	tel, err := newTelemetry(o.meterProvider, e.Metrics)
	if err != nil {
		return nil, fmt.Errorf("queue: create telemetry: %w", err)
	}
	e.telemetry = tel
	e.publisher = newPublisher(transport, o, cfg, func(ctx context.Context, msg *Outbound) {
		e.stats.produced(msg.Size())
		e.telemetry.recordPublish(ctx, msg.Topic)
	})
	if cfg.PartitionConcurrency > 1 {
		e.pool = worker.New(cfg.PartitionConcurrency, 0)
	}
	return e, nil
}

// Run consumes topic until Stop is called, ctx is done, the WithMaxMessages
// limit is reached or a configuration error surfaces. Transport errors are
// logged and retried after a backoff; they never end the run.
//
// On the way out pending offsets are committed, a last heartbeat is sent and
// the transport is closed.
func (e *Engine) Run(ctx context.Context, topic string, opts ...RunOption) error {
	if topic == "" {
		return ConfigError("topic required", nil)
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)
	if err := e.bind(topic); err != nil {
		return err
	}

	ro := runOptions{batchSize: e.config.MaxBatchSize, pollTimeout: e.config.PollTimeout}
	for _, opt := range opts {
		opt(&ro)
	}
	ro.batchSize = min(ro.batchSize, e.config.MaxBatchSize)

	log := e.logger.With(zap.String("topic", topic))

	// Stop aborts a pending fetch but never the handlers of a batch in flight.
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	go func() {
		select {
		case <-e.stop:
			cancelPoll()
		case <-pollCtx.Done():
		}
	}()

	now := e.now()
	e.stats.start(e.tuner.size())
	e.lastHeartbeat = now
	e.commits.reset(now)
	log.Info("queue consumer started",
		zap.String("transport", e.caps.Name),
		zap.String("mode", e.mode()),
		zap.Int("batch_size", e.tuner.size()),
		zap.Int("max_batch_size", e.config.MaxBatchSize),
		zap.Int("commit_interval", e.config.CommitInterval),
		zap.Duration("session_timeout", e.config.SessionTimeout),
		zap.Bool("auto_commit", e.config.AutoCommit))

	var runErr error
	for !e.stopping(ctx) {
		done, err := e.iterate(ctx, pollCtx, topic, ro, log)
		if err != nil {
			if e.stopping(ctx) {
				break
			}
			class := Classify(err)
			if class == ClassConfiguration {
				log.Error("queue consumer configuration error", zap.Error(err))
				runErr = err
				break
			}
			e.backoffAfter(ctx, topic, class, err, log)
			continue
		}
		if done {
			break
		}
	}
	e.shutdown(ctx, topic, log)
	return runErr
}

// Stop asks a running engine to finish its current batch and shut down.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Close releases the transport of an engine that is not running. For a
// running engine it only requests a stop; Run closes the transport itself.
func (e *Engine) Close(ctx context.Context) error {
	if e.running.Load() {
		e.Stop()
		return nil
	}
	e.Stop()
	return e.close(ctx)
}

func (e *Engine) Publish(ctx context.Context, msg *Outbound) error {
	return e.publisher.Publish(ctx, msg)
}

func (e *Engine) PublishValue(ctx context.Context, topic, key string, body any, headers map[string]string) (*Outbound, error) {
	return e.publisher.PublishValue(ctx, topic, key, body, headers)
}

func (e *Engine) Metrics() Snapshot { return e.stats.snapshot(e.State()) }

// WorkingBatchSize is the size the tuner settled on for the next fetch.
func (e *Engine) WorkingBatchSize() int { return e.Metrics().WorkingBatchSize }

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Config() Config { return e.config }

func (e *Engine) Capabilities() Capabilities { return e.caps }

func (e *Engine) iterate(ctx, pollCtx context.Context, topic string, ro runOptions, log *zap.Logger) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: recovered from panic: %v", r)
		}
	}()

	e.setState(StatePolling)
	e.heartbeat(ctx, log)
	batch, err := e.fetch(pollCtx, e.fetchSize(ro), ro.pollTimeout)
	if err != nil {
		return false, err
	}
	e.connBackoff.Reset()
	if len(batch) == 0 {
		e.setState(StateIdle)
		e.sleep(ctx, e.config.IdleBackoff)
		return false, nil
	}

	e.setState(StateBatchReceived)
	started := e.now()
	bytes := lo.SumBy(batch, func(d *Delivery) int { return d.Size() })
	e.stats.consumed(len(batch), bytes)

	e.setState(StatePartitionGrouping)
	groups := groupByPartition(batch, e.caps.Partitioned)
	e.observePartitions(ctx, topic, groups, log)

	e.setState(StateDispatching)
	e.dispatch(ctx, topic, groups, log)

	elapsed := e.now().Sub(started)
	e.stats.batch(elapsed)
	e.telemetry.recordBatch(ctx, topic, len(batch), bytes, elapsed.Seconds())
	if elapsed > e.config.MaxPollInterval {
		log.Warn("batch processing exceeded max poll interval",
			zap.Duration("elapsed", elapsed),
			zap.Duration("max_poll_interval", e.config.MaxPollInterval),
			zap.Int("batch_size", len(batch)))
	}

	e.setState(StateCommitCheck)
	e.commits.observe(len(batch))
	if !e.config.AutoCommit && e.commits.due(e.now()) {
		_ = e.commit(ctx, topic, log)
	}

	e.setState(StateMemoryCheck)
	e.checkMemory(log)

	e.setState(StateTuneCheck)
	e.tune(log)

	if n := e.stats.batches(); n%int64(e.config.ReportEvery) == 0 {
		e.report(log, "queue consumer performance")
	}
	e.dispatched += len(batch)
	return ro.maxMessages > 0 && e.dispatched >= ro.maxMessages, nil
}

func (e *Engine) fetch(ctx context.Context, size int, timeout time.Duration) ([]*Delivery, error) {
	if e.batcher != nil {
		return e.batcher.FetchBatch(ctx, size, timeout)
	}
	d, err := e.transport.FetchOne(ctx)
	if err != nil || d == nil {
		return nil, err
	}
	return []*Delivery{d}, nil
}

func (e *Engine) fetchSize(ro runOptions) int {
	size := min(ro.batchSize, e.tuner.size())
	if e.caps.MaxBatchSize > 0 {
		size = min(size, e.caps.MaxBatchSize)
	}
	if ro.maxMessages > 0 {
		size = min(size, ro.maxMessages-e.dispatched)
	}
	return max(size, 1)
}

func (e *Engine) mode() string {
	if e.batcher != nil {
		return "batch"
	}
	return "single"
}

func (e *Engine) observePartitions(ctx context.Context, topic string, groups []partitionGroup, log *zap.Logger) {
	current := lo.Map(groups, func(g partitionGroup, _ int) int32 { return g.partition })
	e.stats.assigned(current)
	if e.partitions != nil {
		if slices.Equal(e.partitions, current) {
			e.rebalanceArmed = false
		} else {
			added, revoked := lo.Difference(current, e.partitions)
			log.Warn("partition assignment changed",
				zap.Int32s("previous", e.partitions),
				zap.Int32s("current", current),
				zap.Int32s("added", added),
				zap.Int32s("revoked", revoked))
			e.stats.rebalance()
			e.telemetry.recordRebalance(ctx, topic)
			if e.hooks.OnRebalance != nil {
				e.hooks.OnRebalance(ctx, slices.Clone(e.partitions), slices.Clone(current))
			}
			e.rebalanceArmed = true
		}
	}
	e.partitions = current
}

func (e *Engine) heartbeat(ctx context.Context, log *zap.Logger) {
	now := e.now()
	if now.Sub(e.lastHeartbeat) < e.config.HeartbeatInterval {
		return
	}
	e.lastHeartbeat = now
	if err := e.transport.Heartbeat(ctx); err != nil {
		log.Warn("heartbeat failed", zap.Error(err))
	}
}

// commit flushes the offset table, retrying with a linearly growing pause.
// Offsets stay pending when every attempt fails.
func (e *Engine) commit(ctx context.Context, topic string, log *zap.Logger) error {
	if e.offsets.len() == 0 {
		e.commits.reset(e.now())
		return nil
	}
	pending := e.offsets.pending()
	processed := e.commits.processedSinceCommit()
	var err error
	for attempt := 1; attempt <= e.config.CommitRetries; attempt++ {
		if err = e.transport.Commit(ctx, pending); err == nil {
			break
		}
		log.Warn("offset commit attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.config.CommitRetries),
			zap.Error(err))
		if attempt < e.config.CommitRetries && !e.sleep(ctx, backoff.Linear(attempt, e.config.CommitRetryBackoff)) {
			break
		}
	}
	e.stats.commit(err)
	e.telemetry.recordCommit(ctx, topic, err)
	if e.hooks.OnCommit != nil {
		e.hooks.OnCommit(ctx, pending.Clone(), err)
	}
	if err != nil {
		log.Error("offset commit failed, offsets kept for next attempt",
			zap.Int32s("partitions", pending.Partitions()),
			zap.Error(err))
		return err
	}
	e.offsets.clear(pending)
	e.commits.reset(e.now())
	log.Debug("offsets committed",
		zap.Any("offsets", pending),
		zap.Int("processed_since_commit", processed))
	return nil
}

func (e *Engine) checkMemory(log *zap.Logger) {
	r := e.memory.check()
	e.stats.memory(r.before)
	if r.reclaimed {
		log.Warn("memory usage above threshold, reclaimed",
			zap.Uint64("before_bytes", r.before),
			zap.Uint64("after_bytes", r.after),
			zap.Int("max_memory_mb", e.config.MaxMemoryMB))
	}
}

func (e *Engine) tune(log *zap.Logger) {
	avg := e.stats.avgBatchTime()
	prev, next := e.tuner.adjust(avg)
	if prev == next {
		return
	}
	e.stats.working(next)
	log.Info("batch size adjusted",
		zap.Int("previous", prev),
		zap.Int("current", next),
		zap.Duration("avg_batch_time", avg))
}

func (e *Engine) backoffAfter(ctx context.Context, topic string, class ErrorClass, err error, log *zap.Logger) {
	eb := e.config.ErrorBackoff
	var delay time.Duration
	switch class {
	case ClassRebalance:
		delay = eb.Rebalance
	case ClassThrottled:
		delay = eb.Throttled
	case ClassConnection:
		delay = e.connBackoff.Next()
		if e.hooks.OnConnectionErr != nil {
			e.hooks.OnConnectionErr(ctx, err)
		}
	default:
		delay = eb.Transient
	}
	// a rebalance seen on the last batch usually surfaces as a plain
	// transport error on the next fetch
	if e.rebalanceArmed && (class == ClassConnection || class == ClassTransient) {
		delay = max(delay, eb.Rebalance)
		e.rebalanceArmed = false
	}
	e.stats.failure(class)
	e.telemetry.recordError(ctx, topic, class)
	log.Error("queue consumer iteration failed",
		zap.Stringer("class", class),
		zap.Duration("backoff", delay),
		zap.Error(err))
	e.sleep(ctx, delay)
}

func (e *Engine) shutdown(ctx context.Context, topic string, log *zap.Logger) {
	e.setState(StateStopping)
	log.Info("stopping queue consumer")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.ShutdownTimeout)
	defer cancel()

	if !e.config.AutoCommit {
		_ = e.commit(sctx, topic, log)
	}
	if err := e.transport.Heartbeat(sctx); err != nil {
		log.Warn("final heartbeat failed", zap.Error(err))
	}
	e.setState(StateDrained)
	e.report(log, "queue consumer stopped")
	if err := e.close(sctx); err != nil {
		log.Warn("failed to close transport", zap.Error(err))
	}
}

func (e *Engine) close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.pool != nil {
			e.pool.Close()
			e.pool.Wait()
		}
		e.closeErr = errors.Join(e.transport.Close(ctx), e.telemetry.close())
		e.setState(StateClosed)
	})
	return e.closeErr
}

func (e *Engine) report(log *zap.Logger, msg string) {
	s := e.Metrics()
	log.Info(msg,
		zap.Int64("messages_consumed", s.MessagesConsumed),
		zap.Int64("bytes_consumed", s.BytesConsumed),
		zap.Int64("messages_acked", s.MessagesAcked),
		zap.Int64("messages_nacked", s.MessagesNacked),
		zap.Int64("messages_unroutable", s.MessagesUnroutable),
		zap.Int64("messages_produced", s.MessagesProduced),
		zap.Int64("batches", s.BatchesProcessed),
		zap.Float64("avg_batch_size", s.AvgBatchSize),
		zap.Duration("avg_batch_time", s.AvgBatchTime),
		zap.Float64("throughput", s.Throughput),
		zap.Int("working_batch_size", s.WorkingBatchSize),
		zap.Int64("errors", s.Errors),
		zap.Int64("connection_errors", s.ConnectionErrors),
		zap.Int64("commits", s.Commits),
		zap.Int64("commit_failures", s.CommitFailures),
		zap.Int64("rebalances", s.Rebalances),
		zap.Int32s("partitions", s.AssignedPartitions),
		zap.Uint64("peak_memory_bytes", s.PeakMemoryBytes),
		zap.Duration("uptime", s.Uptime))
}

func (e *Engine) bind(topic string) error {
	b, ok := e.transport.(TopicBinder)
	if !ok {
		return nil
	}
	topics := b.Topics()
	if len(topics) == 0 || slices.Contains(topics, topic) {
		return nil
	}
	return ConfigError(fmt.Sprintf("transport %q is bound to %v, not %q", e.caps.Name, topics, topic), nil)
}

func (e *Engine) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	return backoff.Sleep(ctx, d, e.stop)
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }
