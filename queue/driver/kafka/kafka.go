// Package kafka binds the queue engine to a Kafka consumer group.
//
// Claims are consumed in the background and buffered; the engine pulls them
// in batches and commits offsets through the live group session.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/queue/driver/internal/inbox"
)

type Transport struct {
	config   config
	topic    string
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	inbox    *inbox.Inbox
	logger   *zap.Logger

	startOnce sync.Once
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	consumed  chan struct{}

	mu        sync.Mutex
	session   sarama.ConsumerGroupSession
	lastErr   error
	commitErr error
}

// New dials the brokers and joins the consumer group for topic. Consumption
// starts with the first fetch.
func New(topic string, opts ...Option) (*Transport, error) {
	if topic == "" {
		return nil, queue.ConfigError("kafka: topic required", nil)
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.brokers) == 0 && (cfg.group == nil || cfg.producer == nil) {
		return nil, queue.ConfigError("kafka: brokers required", nil)
	}
	sc, err := cfg.sarama()
	if err != nil {
		return nil, queue.ConfigError("kafka: invalid client config", err)
	}

	group := cfg.group
	if group == nil {
		group, err = sarama.NewConsumerGroup(cfg.brokers, cfg.groupID, sc)
		if err != nil {
			return nil, fmt.Errorf("%w: create consumer group: %w", queue.ErrConnection, err)
		}
	}
	producer := cfg.producer
	if producer == nil {
		producer, err = sarama.NewSyncProducer(cfg.brokers, sc)
		if err != nil {
			_ = group.Close()
			return nil, fmt.Errorf("%w: create producer: %w", queue.ErrConnection, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config:   cfg,
		topic:    topic,
		group:    group,
		producer: producer,
		inbox:    inbox.New(cfg.inboxSize),
		logger:   cfg.logger.With(zap.String("topic", topic), zap.String("group_id", cfg.groupID)),
		ctx:      ctx,
		cancel:   cancel,
		consumed: make(chan struct{}),
	}, nil
}

func (t *Transport) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Name:            "kafka",
		Batching:        true,
		Partitioned:     true,
		MaxBatchSize:    t.config.inboxSize,
		NativeHeartbeat: true,
	}
}

func (t *Transport) Topics() []string { return []string{t.topic} }

func (t *Transport) FetchOne(ctx context.Context) (*queue.Delivery, error) {
	batch, err := t.FetchBatch(ctx, 1, 0)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

func (t *Transport) FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]*queue.Delivery, error) {
	t.start()
	if err := t.takeErr(); err != nil {
		return nil, err
	}
	batch, err := t.inbox.Drain(ctx, max, timeout)
	if errors.Is(err, inbox.ErrClosed) {
		return nil, fmt.Errorf("%w: transport closed", queue.ErrConnection)
	}
	return batch, err
}

// Ack is a no-op: progress is recorded by Commit.
func (t *Transport) Ack(context.Context, *queue.Delivery) error { return nil }

// Nack is a no-op. Kafka cannot redeliver a single message; a later commit
// on the same partition moves past it.
func (t *Transport) Nack(_ context.Context, d *queue.Delivery, _ time.Duration) error {
	t.logger.Debug("nack has no effect on kafka",
		zap.Int32("partition", d.Partition),
		zap.Int64("offset", d.Offset))
	return nil
}

// Commit marks the offsets on the current group session and commits them.
// Partitions the session no longer owns are skipped; their new owner
// resumes from the last committed offset.
//
// sarama reports commit failures asynchronously on the group error channel,
// so a failure is returned by the first Commit that drains it, which may be
// the one after the failed flush. Marked offsets stay on the session, so the
// retry commits them again.
func (t *Transport) Commit(_ context.Context, offsets queue.PartitionOffsets) error {
	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session == nil || session.Context().Err() != nil {
		return fmt.Errorf("%w: no live consumer group session", queue.ErrRebalance)
	}

	owned := session.Claims()[t.topic]
	for _, p := range offsets.Partitions() {
		if !slices.Contains(owned, p) {
			t.logger.Warn("skipping commit for revoked partition",
				zap.Int32("partition", p),
				zap.Int64("offset", offsets[p]))
			continue
		}
		session.MarkOffset(t.topic, p, offsets[p], "")
	}
	session.Commit()
	t.drainErrors()

	t.mu.Lock()
	err := t.commitErr
	t.commitErr = nil
	t.mu.Unlock()
	return err
}

// Heartbeat reports consumer group errors; sarama sends group heartbeats
// itself. Commit failures found here are kept for the next Commit.
func (t *Transport) Heartbeat(context.Context) error {
	t.drainErrors()
	return nil
}

func (t *Transport) drainErrors() {
	for {
		select {
		case err, ok := <-t.group.Errors():
			if !ok {
				return
			}
			if cerr := commitError(err); cerr != nil {
				t.logger.Warn("offset commit failed", zap.Error(err))
				t.mu.Lock()
				t.commitErr = errors.Join(t.commitErr, cerr)
				t.mu.Unlock()
				continue
			}
			t.logger.Warn("consumer group error", zap.Error(err))
		default:
			return
		}
	}
}

// commitError classifies errors raised by the group's offset manager. Other
// group errors are only logged.
func commitError(err error) error {
	var kerr sarama.KError
	switch {
	case errors.As(err, &kerr):
		switch kerr {
		case sarama.ErrIllegalGeneration, sarama.ErrUnknownMemberId, sarama.ErrRebalanceInProgress, sarama.ErrFencedInstancedId:
			return fmt.Errorf("%w: kafka offset commit: %w", queue.ErrRebalance, err)
		case sarama.ErrNotCoordinatorForConsumer, sarama.ErrOffsetMetadataTooLarge, sarama.ErrInvalidCommitOffsetSize:
			return fmt.Errorf("%w: kafka offset commit: %w", queue.ErrConnection, err)
		}
	case errors.Is(err, sarama.ErrIncompleteResponse):
		return fmt.Errorf("%w: kafka offset commit: %w", queue.ErrConnection, err)
	}
	return nil
}

func (t *Transport) Publish(_ context.Context, msg *queue.Outbound) error {
	if msg == nil {
		return errors.New("kafka: message required")
	}
	topic := msg.Topic
	if topic == "" {
		topic = t.topic
	}
	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for _, k := range lo.Keys(msg.Headers) {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(msg.Headers[k])})
	}
	pm := &sarama.ProducerMessage{
		Topic:   topic,
		Value:   sarama.ByteEncoder(msg.Data),
		Headers: headers,
	}
	if msg.Key != "" {
		pm.Key = sarama.StringEncoder(msg.Key)
	}
	partition, offset, err := t.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("kafka: failed to publish message: %w", err)
	}
	t.logger.Debug("message published",
		zap.String("message_id", msg.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (t *Transport) Close(context.Context) error {
	t.cancel()
	t.inbox.Close()
	if t.started.Load() {
		<-t.consumed
	}
	err := errors.Join(t.group.Close(), t.producer.Close())
	t.logger.Info("kafka transport closed", zap.Strings("brokers", t.config.brokers))
	return err
}

func (t *Transport) start() {
	t.startOnce.Do(func() {
		t.started.Store(true)
		go t.consume()
	})
}

func (t *Transport) consume() {
	defer close(t.consumed)
	handler := &groupHandler{transport: t}
	for t.ctx.Err() == nil {
		err := t.group.Consume(t.ctx, []string{t.topic}, handler)
		switch {
		case err == nil:
			// rebalance finished, join the next generation
		case errors.Is(err, sarama.ErrClosedConsumerGroup), t.ctx.Err() != nil:
			return
		default:
			t.logger.Error("consumer group session ended", zap.Error(err))
			t.setErr(err)
			select {
			case <-time.After(time.Second):
			case <-t.ctx.Done():
				return
			}
		}
	}
}

func (t *Transport) setSession(s sarama.ConsumerGroupSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = s
}

func (t *Transport) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
}

func (t *Transport) takeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.lastErr
	t.lastErr = nil
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", queue.ErrConnection, err)
}

type groupHandler struct {
	transport *Transport
}

func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.transport.setSession(session)
	h.transport.logger.Info("partitions assigned",
		zap.Int32s("partitions", session.Claims()[h.transport.topic]),
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation", session.GenerationID()))
	return nil
}

func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.transport.setSession(nil)
	h.transport.logger.Info("partitions revoked", zap.Int32("generation", session.GenerationID()))
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.transport.inbox.Push(ctx, toDelivery(msg)); err != nil {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func toDelivery(msg *sarama.ConsumerMessage) *queue.Delivery {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			headers[string(h.Key)] = string(h.Value)
		}
	}
	id := headers[queue.HeaderMessageID]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	return &queue.Delivery{
		ID:         id,
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		Key:        string(msg.Key),
		Headers:    headers,
		Data:       msg.Value,
		Token:      msg,
		ReceivedAt: time.Now(),
		Attempt:    1,
	}
}
