// Package google binds the queue engine to a Google Cloud Pub/Sub
// subscription. Streaming pull runs in the background and feeds a bounded
// inbox that FetchBatch drains; the client keeps extending the lease of
// every message until the engine acks or nacks it.
package google

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-queue/queue"
	"github.com/infigaming-com/go-queue/queue/driver/internal/inbox"
)

type Config struct {
	ProjectID       string
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string
	Client          *gcppubsub.Client
	Logger          *zap.Logger

	// Subscription is consumed by FetchBatch.
	Subscription string
	// Topic is the topic name the engine runs on and publishes to.
	Topic     string
	InboxSize int
	Receive   ReceiveSettings
}

type ReceiveSettings struct {
	NumGoroutines          int
	MaxOutstandingMessages int
	MaxOutstandingBytes    int
	MaxExtension           time.Duration
}

type Transport struct {
	client     *gcppubsub.Client
	ownsClient bool
	logger     *zap.Logger
	sub        *gcppubsub.Subscription
	topicName  string
	inbox      *inbox.Inbox
	inboxSize  int

	startOnce sync.Once
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	received  chan struct{}

	mu      sync.Mutex
	topics  map[string]*gcppubsub.Topic
	lastErr error
}

func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Subscription == "" {
		return nil, queue.ConfigError("googlepubsub: subscription required", nil)
	}
	var (
		client *gcppubsub.Client
		err    error
		owns   bool
	)

	if cfg.Client != nil {
		client = cfg.Client
	} else {
		if cfg.ProjectID == "" {
			return nil, queue.ConfigError("googlepubsub: project id required when client is not provided", nil)
		}
		opts := make([]option.ClientOption, 0, 3)
		if len(cfg.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, option.WithUserAgent(cfg.UserAgent))
		}
		client, err = gcppubsub.NewClient(ctx, cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: googlepubsub: create client: %w", queue.ErrConnection, err)
		}
		owns = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.InboxSize
	if size <= 0 {
		size = 1000
	}

	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings = receiveSettings(sub.ReceiveSettings, cfg.Receive)

	runCtx, cancel := context.WithCancel(context.Background())
	return &Transport{
		client:     client,
		ownsClient: owns,
		logger:     logger.With(zap.String("subscription", cfg.Subscription)),
		sub:        sub,
		topicName:  cfg.Topic,
		inbox:      inbox.New(size),
		inboxSize:  size,
		ctx:        runCtx,
		cancel:     cancel,
		received:   make(chan struct{}),
		topics:     map[string]*gcppubsub.Topic{},
	}, nil
}

func receiveSettings(settings gcppubsub.ReceiveSettings, rs ReceiveSettings) gcppubsub.ReceiveSettings {
	if rs.NumGoroutines > 0 {
		settings.NumGoroutines = rs.NumGoroutines
	}
	if rs.MaxOutstandingMessages > 0 {
		settings.MaxOutstandingMessages = rs.MaxOutstandingMessages
	}
	if rs.MaxOutstandingBytes > 0 {
		settings.MaxOutstandingBytes = rs.MaxOutstandingBytes
	}
	if rs.MaxExtension > 0 {
		settings.MaxExtension = rs.MaxExtension
	}
	return settings
}

func (t *Transport) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Name:         "googlepubsub",
		Batching:     true,
		MaxBatchSize: t.inboxSize,
	}
}

func (t *Transport) Topics() []string {
	if t.topicName == "" {
		return nil
	}
	return []string{t.topicName}
}

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

func (t *Transport) Ack(_ context.Context, d *queue.Delivery) error {
	m, err := message(d)
	if err != nil {
		return err
	}
	m.Ack()
	return nil
}

// Nack asks for immediate redelivery. The delay is ignored; a subscription
// retry policy controls the backoff.
func (t *Transport) Nack(_ context.Context, d *queue.Delivery, _ time.Duration) error {
	m, err := message(d)
	if err != nil {
		return err
	}
	m.Nack()
	return nil
}

// Commit is a no-op: Pub/Sub acknowledges messages individually.
func (t *Transport) Commit(context.Context, queue.PartitionOffsets) error { return nil }

func (t *Transport) Heartbeat(context.Context) error { return t.takeErr() }

func (t *Transport) Publish(ctx context.Context, msg *queue.Outbound) error {
	if msg == nil {
		return errors.New("googlepubsub: message required")
	}
	name := t.topicName
	if name == "" {
		name = msg.Topic
	}
	if name == "" {
		return queue.ConfigError("googlepubsub: topic required", nil)
	}
	topic := t.topic(name, msg.Key != "")
	res := topic.Publish(ctx, &gcppubsub.Message{
		Data:        append([]byte(nil), msg.Data...),
		Attributes:  cloneMap(msg.Headers),
		OrderingKey: msg.Key,
	})
	id, err := res.Get(ctx)
	if err != nil {
		if msg.Key != "" {
			topic.ResumePublish(msg.Key)
		}
		return classify(fmt.Errorf("googlepubsub: publish: %w", err))
	}
	t.logger.Debug("message published",
		zap.String("topic", name),
		zap.String("message_id", msg.ID),
		zap.String("server_id", id))
	return nil
}

func (t *Transport) Close(context.Context) error {
	t.cancel()
	t.inbox.Close()
	if t.started.Load() {
		<-t.received
	}
	t.mu.Lock()
	for _, topic := range t.topics {
		topic.Stop()
	}
	t.mu.Unlock()
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

func (t *Transport) topic(name string, ordered bool) *gcppubsub.Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	topic, ok := t.topics[name]
	if !ok {
		topic = t.client.Topic(name)
		t.topics[name] = topic
	}
	if ordered {
		topic.EnableMessageOrdering = true
	}
	return topic
}

func (t *Transport) start() {
	t.startOnce.Do(func() {
		t.started.Store(true)
		go t.receive()
	})
}

func (t *Transport) receive() {
	defer close(t.received)
	for t.ctx.Err() == nil {
		err := t.sub.Receive(t.ctx, func(msgCtx context.Context, m *gcppubsub.Message) {
			if err := t.inbox.Push(msgCtx, toDelivery(t.deliveryTopic(), m)); err != nil {
				m.Nack()
			}
		})
		if err == nil || t.ctx.Err() != nil {
			return
		}
		t.logger.Error("streaming pull ended", zap.Error(err))
		t.setErr(classify(err))
		select {
		case <-time.After(time.Second):
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Transport) deliveryTopic() string {
	if t.topicName != "" {
		return t.topicName
	}
	return t.sub.ID()
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
	return err
}

func toDelivery(topic string, m *gcppubsub.Message) *queue.Delivery {
	id := m.ID
	if v, ok := m.Attributes[queue.HeaderMessageID]; ok && v != "" {
		id = v
	}
	attempt := 1
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	headers := cloneMap(m.Attributes)
	if headers == nil {
		headers = map[string]string{}
	}
	headers["publish_time"] = strconv.FormatInt(m.PublishTime.UnixMilli(), 10)
	return &queue.Delivery{
		ID:         id,
		Topic:      topic,
		Offset:     queue.NoOffset,
		Key:        m.OrderingKey,
		Headers:    headers,
		Data:       m.Data,
		Token:      m,
		ReceivedAt: time.Now(),
		Attempt:    attempt,
	}
}

func message(d *queue.Delivery) (*gcppubsub.Message, error) {
	if d == nil {
		return nil, errors.New("googlepubsub: delivery required")
	}
	m, ok := d.Token.(*gcppubsub.Message)
	if !ok || m == nil {
		return nil, fmt.Errorf("googlepubsub: foreign delivery %q", d.ID)
	}
	return m, nil
}

// classify maps gRPC status codes onto the engine's error classes.
func classify(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound, codes.PermissionDenied, codes.InvalidArgument, codes.Unauthenticated:
		return queue.ConfigError("googlepubsub: subscription not usable", err)
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %w", queue.ErrThrottled, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return fmt.Errorf("%w: %w", queue.ErrConnection, err)
	}
	return err
}

func cloneMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
