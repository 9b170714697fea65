// Package redis binds the queue engine to a reliable Redis list queue.
//
// Messages are moved atomically from the queue list to a processing list
// when fetched and removed from it when acked, so a crashed consumer leaves
// them recoverable. Delayed nacks park messages in a sorted set scored by
// their due time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/queue"
)

type config struct {
	logger       *zap.Logger
	client       redis.UniversalClient
	addr         string
	password     string
	db           int
	keyPrefix    string
	blockTimeout time.Duration
	promoteLimit int64
}

type Option func(*config)

func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClient uses an existing client. The transport does not close it.
func WithClient(client redis.UniversalClient) Option {
	return func(c *config) {
		c.client = client
	}
}

func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

func WithPassword(password string) Option {
	return func(c *config) {
		c.password = password
	}
}

func WithDB(db int) Option {
	return func(c *config) {
		c.db = db
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.keyPrefix = prefix
	}
}

// WithBlockTimeout bounds how long a fetch waits on an empty queue.
func WithBlockTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.blockTimeout = d
		}
	}
}

type record struct {
	ID          string            `json:"id"`
	Key         string            `json:"key,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Data        []byte            `json:"data"`
	Attempt     int               `json:"attempt"`
	PublishedAt time.Time         `json:"published_at"`
}

type Transport struct {
	client       redis.UniversalClient
	ownsClient   bool
	name         string
	queueKey     string
	processing   string
	delayed      string
	blockTimeout time.Duration
	promoteLimit int64
	logger       *zap.Logger
	now          func() time.Time
}

// New binds to the list queue called name. Without WithClient it connects
// to addr and verifies the connection.
func New(ctx context.Context, name string, opts ...Option) (*Transport, error) {
	if name == "" {
		return nil, queue.ConfigError("redis: queue name required", nil)
	}
	cfg := config{
		logger:       zap.NewNop(),
		addr:         "localhost:6379",
		keyPrefix:    "queue:",
		blockTimeout: time.Second,
		promoteLimit: 100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, owns := cfg.client, false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.addr,
			Password: cfg.password,
			DB:       cfg.db,
		})
		owns = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if owns {
			_ = client.Close()
		}
		return nil, fmt.Errorf("%w: redis ping: %w", queue.ErrConnection, err)
	}

	base := cfg.keyPrefix + name
	return &Transport{
		client:       client,
		ownsClient:   owns,
		name:         name,
		queueKey:     base,
		processing:   base + ":processing",
		delayed:      base + ":delayed",
		blockTimeout: cfg.blockTimeout,
		promoteLimit: cfg.promoteLimit,
		logger:       cfg.logger.With(zap.String("queue", name)),
		now:          time.Now,
	}, nil
}

func (t *Transport) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Name:        "redis",
		DelayedNack: true,
	}
}

func (t *Transport) Topics() []string { return []string{t.name} }

// FetchOne moves the oldest message to the processing list, waiting up to
// the block timeout. Due delayed messages are requeued first.
func (t *Transport) FetchOne(ctx context.Context) (*queue.Delivery, error) {
	if _, err := t.promote(ctx); err != nil {
		return nil, err
	}
	raw, err := t.client.BLMove(ctx, t.queueKey, t.processing, "RIGHT", "LEFT", t.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, t.wrap(ctx, "fetch", err)
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		// a payload nobody can decode would loop forever
		t.logger.Error("dropping undecodable message", zap.Error(err))
		_ = t.client.LRem(ctx, t.processing, 1, raw).Err()
		return nil, fmt.Errorf("redis: decode message: %w", err)
	}
	headers := r.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &queue.Delivery{
		ID:         r.ID,
		Topic:      t.name,
		Offset:     queue.NoOffset,
		Key:        r.Key,
		Headers:    headers,
		Data:       r.Data,
		Token:      raw,
		ReceivedAt: t.now(),
		Attempt:    max(r.Attempt, 1),
	}, nil
}

func (t *Transport) Ack(ctx context.Context, d *queue.Delivery) error {
	raw, err := token(d)
	if err != nil {
		return err
	}
	if err := t.client.LRem(ctx, t.processing, 1, raw).Err(); err != nil {
		return t.wrap(ctx, "ack", err)
	}
	return nil
}

// Nack puts the message back at the head of the queue, or into the delayed
// set when delay is positive. The attempt counter is incremented.
func (t *Transport) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	raw, err := token(d)
	if err != nil {
		return err
	}
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return fmt.Errorf("redis: decode message: %w", err)
	}
	r.Attempt = max(r.Attempt, 1) + 1
	next, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: encode message: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, t.processing, 1, raw)
		if delay > 0 {
			p.ZAdd(ctx, t.delayed, redis.Z{Score: float64(t.now().Add(delay).UnixMilli()), Member: string(next)})
		} else {
			p.RPush(ctx, t.queueKey, string(next))
		}
		return nil
	})
	if err != nil {
		return t.wrap(ctx, "nack", err)
	}
	return nil
}

// Commit is a no-op: acked messages are already gone.
func (t *Transport) Commit(context.Context, queue.PartitionOffsets) error { return nil }

func (t *Transport) Heartbeat(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return t.wrap(ctx, "heartbeat", err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, msg *queue.Outbound) error {
	if msg == nil {
		return errors.New("redis: message required")
	}
	raw, err := json.Marshal(record{
		ID:          msg.ID,
		Key:         msg.Key,
		Headers:     msg.Headers,
		Data:        msg.Data,
		Attempt:     1,
		PublishedAt: t.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("redis: encode message: %w", err)
	}
	if err := t.client.LPush(ctx, t.queueKey, raw).Err(); err != nil {
		return t.wrap(ctx, "publish", err)
	}
	return nil
}

// RequeueInflight moves every message left in the processing list back to
// the queue. Call it before consuming when no other consumer is running.
func (t *Transport) RequeueInflight(ctx context.Context) (int, error) {
	var n int
	for {
		_, err := t.client.LMove(ctx, t.processing, t.queueKey, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			if n > 0 {
				t.logger.Warn("requeued in-flight messages", zap.Int("count", n))
			}
			return n, nil
		}
		if err != nil {
			return n, t.wrap(ctx, "requeue", err)
		}
		n++
	}
}

// Len reports the ready, in-flight and delayed message counts.
func (t *Transport) Len(ctx context.Context) (ready, inflight, delayed int64, err error) {
	var cmds [3]*redis.IntCmd
	_, err = t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		cmds[0] = p.LLen(ctx, t.queueKey)
		cmds[1] = p.LLen(ctx, t.processing)
		cmds[2] = p.ZCard(ctx, t.delayed)
		return nil
	})
	if err != nil {
		return 0, 0, 0, t.wrap(ctx, "len", err)
	}
	return cmds[0].Val(), cmds[1].Val(), cmds[2].Val(), nil
}

func (t *Transport) Close(context.Context) error {
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// promote requeues delayed messages whose due time has passed. ZRem decides
// which consumer moves a message when several race.
func (t *Transport) promote(ctx context.Context) (int, error) {
	due, err := t.client.ZRangeByScore(ctx, t.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(t.now().UnixMilli(), 10),
		Count: t.promoteLimit,
	}).Result()
	if err != nil {
		return 0, t.wrap(ctx, "promote", err)
	}
	var moved int
	for _, raw := range due {
		removed, err := t.client.ZRem(ctx, t.delayed, raw).Result()
		if err != nil {
			return moved, t.wrap(ctx, "promote", err)
		}
		if removed == 0 {
			continue
		}
		if err := t.client.RPush(ctx, t.queueKey, raw).Err(); err != nil {
			return moved, t.wrap(ctx, "promote", err)
		}
		moved++
	}
	return moved, nil
}

func (t *Transport) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: redis %s: %w", queue.ErrConnection, op, err)
}

func token(d *queue.Delivery) (string, error) {
	if d == nil {
		return "", errors.New("redis: delivery required")
	}
	raw, ok := d.Token.(string)
	if !ok || raw == "" {
		return "", fmt.Errorf("redis: foreign delivery %q", d.ID)
	}
	return raw, nil
}
