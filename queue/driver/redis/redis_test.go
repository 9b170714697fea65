package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/infigaming-com/go-queue/queue"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newTransport(t *testing.T, client *redis.Client, name string) *Transport {
	t.Helper()
	tr, err := New(context.Background(), name,
		WithClient(client),
		WithLogger(zaptest.NewLogger(t)),
		WithBlockTimeout(time.Second),
	)
	require.NoError(t, err)
	return tr
}

func publish(t *testing.T, tr *Transport, key, id string) {
	t.Helper()
	msg, err := queue.NewOutbound(tr.name, key, map[string]string{"id": id}, map[string]string{queue.HeaderMessageID: id})
	require.NoError(t, err)
	msg.ID = id
	require.NoError(t, tr.Publish(context.Background(), msg))
}

func TestNew(t *testing.T) {
	mr, client := setupMiniredis(t)

	t.Run("requires a name", func(t *testing.T) {
		_, err := New(context.Background(), "", WithClient(client))
		assert.True(t, queue.IsConfigError(err))
	})

	t.Run("dials addr", func(t *testing.T) {
		tr, err := New(context.Background(), "orders", WithAddr(mr.Addr()), WithKeyPrefix("q:"))
		require.NoError(t, err)
		assert.Equal(t, "q:orders:processing", tr.processing)
		assert.Equal(t, []string{"orders"}, tr.Topics())
		assert.Equal(t, queue.Capabilities{Name: "redis", DelayedNack: true}, tr.Capabilities())
		require.NoError(t, tr.Close(context.Background()))
	})

	t.Run("unreachable server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := New(ctx, "orders", WithAddr("127.0.0.1:1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, queue.ErrConnection)
	})
}

func TestFetchAndAck(t *testing.T) {
	mr, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")
	ctx := context.Background()

	publish(t, tr, "user-1", "a")
	publish(t, tr, "user-2", "b")

	d, err := tr.FetchOne(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", d.ID)
	assert.Equal(t, "orders", d.Topic)
	assert.Equal(t, "user-1", d.Key)
	assert.Equal(t, queue.NoOffset, d.Offset)
	assert.Equal(t, 1, d.Attempt)
	assert.JSONEq(t, `{"id":"a"}`, string(d.Data))

	ready, inflight, delayed, err := tr.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, [3]int64{1, 1, 0}, [3]int64{ready, inflight, delayed})

	require.NoError(t, tr.Ack(ctx, d))
	processing, err := mr.List("queue:orders:processing")
	if !errors.Is(err, miniredis.ErrKeyNotFound) {
		require.NoError(t, err)
	}
	assert.Empty(t, processing)

	d, err = tr.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", d.ID)
}

func TestFetchEmpty(t *testing.T) {
	_, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")

	d, err := tr.FetchOne(context.Background())
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestNack(t *testing.T) {
	_, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")
	ctx := context.Background()

	t.Run("immediate redelivery", func(t *testing.T) {
		publish(t, tr, "", "a")
		d, err := tr.FetchOne(ctx)
		require.NoError(t, err)
		require.NoError(t, tr.Nack(ctx, d, 0))

		again, err := tr.FetchOne(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "a", again.ID)
		assert.Equal(t, 2, again.Attempt)
		require.NoError(t, tr.Ack(ctx, again))
	})

	t.Run("delayed redelivery", func(t *testing.T) {
		now := time.Now()
		tr.now = func() time.Time { return now }

		publish(t, tr, "", "b")
		d, err := tr.FetchOne(ctx)
		require.NoError(t, err)
		require.NoError(t, tr.Nack(ctx, d, time.Minute))

		ready, inflight, delayed, err := tr.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, [3]int64{0, 0, 1}, [3]int64{ready, inflight, delayed})

		moved, err := tr.promote(ctx)
		require.NoError(t, err)
		assert.Zero(t, moved)

		now = now.Add(2 * time.Minute)
		again, err := tr.FetchOne(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "b", again.ID)
		assert.Equal(t, 2, again.Attempt)
	})
}

func TestForeignDelivery(t *testing.T) {
	_, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")

	err := tr.Ack(context.Background(), &queue.Delivery{ID: "x", Token: 42})
	assert.ErrorContains(t, err, "foreign delivery")
	assert.Error(t, tr.Nack(context.Background(), nil, 0))
}

func TestRequeueInflight(t *testing.T) {
	_, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")
	ctx := context.Background()

	publish(t, tr, "", "a")
	publish(t, tr, "", "b")
	_, err := tr.FetchOne(ctx)
	require.NoError(t, err)
	_, err = tr.FetchOne(ctx)
	require.NoError(t, err)

	n, err := tr.RequeueInflight(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	d, err := tr.FetchOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", d.ID)
}

func TestConnectionErrors(t *testing.T) {
	mr, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")
	mr.SetError("ERR server unavailable")

	_, err := tr.FetchOne(context.Background())
	require.Error(t, err)
	assert.Equal(t, queue.ClassConnection, queue.Classify(err))
	assert.Error(t, tr.Heartbeat(context.Background()))
	mr.SetError("")
	assert.NoError(t, tr.Heartbeat(context.Background()))
}

func TestEngineOverRedis(t *testing.T) {
	_, client := setupMiniredis(t)
	tr := newTransport(t, client, "orders")
	for _, id := range []string{"a", "b", "c"} {
		publish(t, tr, "", id)
	}

	var seen []string
	registry := queue.NewStrategyRegistry().RegisterFunc("orders", func(_ context.Context, m *queue.Envelope) error {
		seen = append(seen, m.ID())
		if m.ID() == "b" {
			return errors.New("invalid order")
		}
		return nil
	})
	e, err := queue.NewEngine(tr, registry,
		queue.WithLogger(zaptest.NewLogger(t)),
		queue.WithNackDelay(time.Hour),
		queue.WithIdleBackoff(time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, "orders", queue.WithMaxMessages(3)))

	assert.Equal(t, []string{"a", "b", "c"}, seen)
	assert.Equal(t, int64(2), e.Metrics().MessagesAcked)
	assert.Equal(t, int64(3), e.Metrics().MessagesConsumed)
	assert.Equal(t, int64(1), e.Metrics().MessagesNacked)

	ready, inflight, delayed, err := tr.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [3]int64{0, 0, 1}, [3]int64{ready, inflight, delayed})
}
