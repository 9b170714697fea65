package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-queue/queue/internal/backoff"
)

// Publisher sends messages through a Transport, retrying transient failures.
type Publisher struct {
	transport Transport
	encoder   Encoder
	retries   int
	backoff   backoff.Config
	logger    *zap.Logger
	hooks     Hooks
	published func(ctx context.Context, msg *Outbound)
}

func NewPublisher(transport Transport, opts ...Option) (*Publisher, error) {
	if transport == nil {
		return nil, ConfigError("transport required", nil)
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newPublisher(transport, o, o.config.normalized(), nil), nil
}

func newPublisher(transport Transport, o options, cfg Config, published func(context.Context, *Outbound)) *Publisher {
	encoder := o.encoder
	if encoder == nil {
		encoder = jsonCodec{}
	}
	return &Publisher{
		transport: transport,
		encoder:   encoder,
		retries:   cfg.PublishRetries,
		backoff:   backoff.Config{Initial: 100 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2},
		logger:    o.logger,
		hooks:     o.hooks,
		published: published,
	}
}

// Publish sends msg, retrying up to the configured number of attempts.
// Configuration errors are returned immediately.
func (p *Publisher) Publish(ctx context.Context, msg *Outbound) error {
	if msg == nil {
		return errors.New("queue: message required")
	}
	if msg.Topic == "" {
		return errors.New("queue: topic required")
	}
	bo := backoff.New(p.backoff)
	var attempt int
	for {
		attempt++
		err := p.transport.Publish(ctx, msg)
		if err == nil {
			if p.published != nil {
				p.published(ctx, msg)
			}
			if p.hooks.OnPublish != nil {
				p.hooks.OnPublish(ctx, msg, nil)
			}
			return nil
		}
		if IsConfigError(err) || attempt >= p.retries {
			p.logger.Error("failed to publish message",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.ID),
				zap.Int("attempts", attempt),
				zap.Error(err))
			if p.hooks.OnPublish != nil {
				p.hooks.OnPublish(ctx, msg, err)
			}
			return err
		}
		delay := bo.Next()
		p.logger.Warn("publish failed, retrying",
			zap.String("topic", msg.Topic),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if !backoff.Sleep(ctx, delay, nil) {
			return ctx.Err()
		}
	}
}

// PublishValue encodes body and publishes it to topic.
func (p *Publisher) PublishValue(ctx context.Context, topic, key string, body any, headers map[string]string) (*Outbound, error) {
	msg, err := newOutbound(ctx, p.encoder, topic, key, body, headers)
	if err != nil {
		return nil, err
	}
	return msg, p.Publish(ctx, msg)
}
