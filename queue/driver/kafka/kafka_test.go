package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/infigaming-com/go-queue/queue"
)

const topic = "orders"

type fakeSession struct {
	ctx    context.Context
	claims map[string][]int32

	mu      sync.Mutex
	marked  map[int32]int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return s.claims }
func (s *fakeSession) MemberID() string            { return "member-1" }
func (s *fakeSession) GenerationID() int32         { return 1 }
func (s *fakeSession) Context() context.Context    { return s.ctx }

func (s *fakeSession) MarkOffset(_ string, partition int32, offset int64, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[partition] = offset
}

func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, metadata)
}

func (s *fakeSession) snapshot() (map[int32]int64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int32]int64, len(s.marked))
	for k, v := range s.marked {
		out[k] = v
	}
	return out, s.commits
}

type fakeClaim struct {
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                              { return topic }
func (c *fakeClaim) Partition() int32                           { return c.partition }
func (c *fakeClaim) InitialOffset() int64                       { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64                 { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// fakeGroup runs a single generation that owns the given claims until the
// consume context ends.
type fakeGroup struct {
	sarama.ConsumerGroup

	claims []*fakeClaim
	errs   chan error

	mu      sync.Mutex
	session *fakeSession
	closed  bool
}

func newFakeGroup(partitions ...int32) *fakeGroup {
	g := &fakeGroup{errs: make(chan error, 10)}
	for _, p := range partitions {
		g.claims = append(g.claims, &fakeClaim{partition: p, messages: make(chan *sarama.ConsumerMessage, 100)})
	}
	return g
}

func (g *fakeGroup) send(partition int32, offset int64, headers map[string]string) {
	msg := &sarama.ConsumerMessage{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       []byte(fmt.Sprintf("key-%d", offset)),
		Value:     []byte(fmt.Sprintf(`{"offset":%d}`, offset)),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, &sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	for _, c := range g.claims {
		if c.partition == partition {
			c.messages <- msg
		}
	}
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	owned := make([]int32, 0, len(g.claims))
	for _, c := range g.claims {
		owned = append(owned, c.partition)
	}
	s := &fakeSession{ctx: sctx, claims: map[string][]int32{topics[0]: owned}, marked: map[int32]int64{}}
	g.mu.Lock()
	g.session = s
	g.mu.Unlock()

	if err := handler.Setup(s); err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, c := range g.claims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = handler.ConsumeClaim(s, c)
		}()
	}
	<-ctx.Done()
	cancel()
	wg.Wait()
	_ = handler.Cleanup(s)
	return ctx.Err()
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func (g *fakeGroup) currentSession() *fakeSession {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func newTransport(t *testing.T, group *fakeGroup, producer sarama.SyncProducer) *Transport {
	t.Helper()
	if producer == nil {
		producer = mocks.NewSyncProducer(t, nil)
	}
	tr, err := New(topic,
		WithLogger(zaptest.NewLogger(t)),
		WithConsumerGroup(group),
		WithSyncProducer(producer),
	)
	require.NoError(t, err)
	return tr
}

func TestTransportFetchAndCommit(t *testing.T) {
	ctx := context.Background()
	group := newFakeGroup(0, 1)
	tr := newTransport(t, group, nil)

	group.send(0, 10, map[string]string{queue.HeaderMessageID: "order-10"})
	group.send(1, 5, nil)

	var got []*queue.Delivery
	require.Eventually(t, func() bool {
		batch, err := tr.FetchBatch(ctx, 10, 10*time.Millisecond)
		require.NoError(t, err)
		got = append(got, batch...)
		return len(got) == 2
	}, 5*time.Second, time.Millisecond)

	byPartition := map[int32]*queue.Delivery{}
	for _, d := range got {
		byPartition[d.Partition] = d
	}
	assert.Equal(t, "order-10", byPartition[0].ID)
	assert.Equal(t, int64(10), byPartition[0].Offset)
	assert.Equal(t, "key-10", byPartition[0].Key)
	assert.Equal(t, "orders-1-5", byPartition[1].ID)
	assert.JSONEq(t, `{"offset":5}`, string(byPartition[1].Data))

	require.NoError(t, tr.Ack(ctx, byPartition[0]))
	require.NoError(t, tr.Nack(ctx, byPartition[1], time.Second))
	require.NoError(t, tr.Commit(ctx, queue.PartitionOffsets{0: 11, 1: 6, 7: 3}))

	marked, commits := group.currentSession().snapshot()
	assert.Equal(t, map[int32]int64{0: 11, 1: 6}, marked)
	assert.Equal(t, 1, commits)

	require.NoError(t, tr.Close(ctx))
	assert.True(t, group.closed)
}

func TestTransportCommitWithoutSession(t *testing.T) {
	tr := newTransport(t, newFakeGroup(0), nil)
	err := tr.Commit(context.Background(), queue.PartitionOffsets{0: 1})
	assert.ErrorIs(t, err, queue.ErrRebalance)
	assert.Equal(t, queue.ClassRebalance, queue.Classify(err))
	require.NoError(t, tr.Close(context.Background()))
}

func TestTransportCommitReportsGroupErrors(t *testing.T) {
	ctx := context.Background()
	group := newFakeGroup(0)
	tr := newTransport(t, group, nil)
	group.send(0, 1, nil)
	require.Eventually(t, func() bool {
		batch, err := tr.FetchBatch(ctx, 1, 10*time.Millisecond)
		require.NoError(t, err)
		return len(batch) == 1
	}, 5*time.Second, time.Millisecond)

	tests := []struct {
		name      string
		groupErr  error
		wantErr   error
		wantClass queue.ErrorClass
	}{
		{
			name:      "generation fenced",
			groupErr:  &sarama.ConsumerError{Topic: topic, Partition: 0, Err: sarama.ErrUnknownMemberId},
			wantErr:   queue.ErrRebalance,
			wantClass: queue.ClassRebalance,
		},
		{
			name:      "coordinator moved",
			groupErr:  &sarama.ConsumerError{Topic: topic, Partition: 0, Err: sarama.ErrNotCoordinatorForConsumer},
			wantErr:   queue.ErrConnection,
			wantClass: queue.ClassConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			group.errs <- tt.groupErr
			err := tr.Commit(ctx, queue.PartitionOffsets{0: 2})
			require.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, tt.groupErr.(*sarama.ConsumerError).Err)
			assert.Equal(t, tt.wantClass, queue.Classify(err))

			// the failure is reported once, the retry succeeds
			require.NoError(t, tr.Commit(ctx, queue.PartitionOffsets{0: 2}))
		})
	}

	t.Run("heartbeat keeps commit failures for the next commit", func(t *testing.T) {
		group.errs <- &sarama.ConsumerError{Topic: topic, Partition: 0, Err: sarama.ErrIllegalGeneration}
		require.NoError(t, tr.Heartbeat(ctx))
		assert.ErrorIs(t, tr.Commit(ctx, queue.PartitionOffsets{0: 2}), queue.ErrRebalance)
	})

	marked, commits := group.currentSession().snapshot()
	assert.Equal(t, map[int32]int64{0: 2}, marked)
	assert.Equal(t, 5, commits)
	require.NoError(t, tr.Close(ctx))
}

func TestTransportHeartbeatDrainsErrors(t *testing.T) {
	group := newFakeGroup(0)
	group.errs <- errors.New("kafka: error while consuming orders/0")
	group.errs <- errors.New("kafka: offset commit failed")
	tr := newTransport(t, group, nil)

	require.NoError(t, tr.Heartbeat(context.Background()))
	assert.Empty(t, group.errs)
	require.NoError(t, tr.Close(context.Background()))
}

func TestTransportPublish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != topic {
			return fmt.Errorf("unexpected topic %q", pm.Topic)
		}
		key, err := pm.Key.Encode()
		if err != nil || string(key) != "user-1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		headers := map[string]string{}
		for _, h := range pm.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers[queue.HeaderEventType] != "order.created" {
			return fmt.Errorf("unexpected headers %v", headers)
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	tr := newTransport(t, newFakeGroup(0), producer)
	ctx := context.Background()

	msg, err := queue.NewOutbound(topic, "user-1", map[string]int{"amount": 3}, map[string]string{queue.HeaderEventType: "order.created"})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, msg))

	err = tr.Publish(ctx, &queue.Outbound{Data: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, queue.ClassConnection, queue.Classify(err))

	require.NoError(t, tr.Close(ctx))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		opts  []Option
	}{
		{name: "missing topic", topic: ""},
		{name: "no brokers", topic: topic, opts: []Option{WithBrokers()}},
		{name: "sasl without user", topic: topic, opts: []Option{WithSaslPlain("", "secret")}},
		{name: "heartbeat above session", topic: topic, opts: []Option{WithSessionTimeout(time.Second), WithHeartbeatInterval(2 * time.Second)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.topic, tt.opts...)
			require.Error(t, err)
			assert.True(t, queue.IsConfigError(err))
		})
	}
}

func TestEngineOverKafka(t *testing.T) {
	group := newFakeGroup(0, 1)
	tr := newTransport(t, group, nil)
	group.send(0, 10, nil)
	group.send(0, 11, nil)
	group.send(1, 5, nil)

	var mu sync.Mutex
	var seen []string
	registry := queue.NewStrategyRegistry().RegisterFunc(topic, func(_ context.Context, m *queue.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, m.ID())
		return nil
	})
	e, err := queue.NewEngine(tr, registry,
		queue.WithLogger(zaptest.NewLogger(t)),
		queue.WithPollTimeout(20*time.Millisecond),
		queue.WithIdleBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, topic, queue.WithMaxMessages(3)))

	assert.ElementsMatch(t, []string{"orders-0-10", "orders-0-11", "orders-1-5"}, seen)
	marked, commits := group.currentSession().snapshot()
	assert.Equal(t, map[int32]int64{0: 12, 1: 6}, marked)
	assert.GreaterOrEqual(t, commits, 1)
	assert.True(t, group.closed)
}
