package queue

import (
	"context"
	"fmt"
	"slices"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	outcomeAcked      = "acked"
	outcomeNacked     = "nacked"
	outcomeUnroutable = "unroutable"
)

type partitionGroup struct {
	partition  int32
	deliveries []*Delivery
}

// groupByPartition splits a batch by partition, keeping arrival order inside
// each group. Groups are returned in ascending partition order.
func groupByPartition(batch []*Delivery, partitioned bool) []partitionGroup {
	byPartition := lo.GroupBy(batch, func(d *Delivery) int32 { return d.ResolvedPartition(partitioned) })
	ids := lo.Keys(byPartition)
	slices.Sort(ids)
	groups := make([]partitionGroup, 0, len(ids))
	for _, id := range ids {
		groups = append(groups, partitionGroup{partition: id, deliveries: byPartition[id]})
	}
	return groups
}

type result struct {
	delivery *Delivery
	envelope *Envelope
	routed   bool
	err      error
}

// dispatch runs the handlers of a batch and settles every message. With a
// worker pool, partitions are handled concurrently and settled afterwards
// from this goroutine in partition order.
func (e *Engine) dispatch(ctx context.Context, topic string, groups []partitionGroup, log *zap.Logger) {
	settleCtx := context.WithoutCancel(ctx)
	if e.pool == nil || len(groups) < 2 {
		for _, g := range groups {
			for _, d := range g.deliveries {
				e.settle(settleCtx, topic, e.handle(ctx, topic, d), log)
			}
		}
		return
	}

	results := make([][]result, len(groups))
	tasks := make([]func(context.Context), len(groups))
	for i, g := range groups {
		tasks[i] = func(ctx context.Context) {
			out := make([]result, 0, len(g.deliveries))
			for _, d := range g.deliveries {
				out = append(out, e.handle(ctx, topic, d))
			}
			results[i] = out
		}
	}
	e.pool.RunAll(ctx, tasks)
	for _, group := range results {
		for _, r := range group {
			e.settle(settleCtx, topic, r, log)
		}
	}
}

func (e *Engine) handle(ctx context.Context, topic string, d *Delivery) (res result) {
	env := newEnvelope(d, topic, e.decoder, e.caps.Partitioned)
	res = result{delivery: d, envelope: env}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	if e.hooks.OnReceive != nil {
		e.hooks.OnReceive(ctx, env)
	}
	h, ok := e.registry.Resolve(e.routingKey(env))
	if !ok || h == nil {
		return res
	}
	res.routed = true
	res.err = h.Handle(ctx, env)
	return res
}

func (e *Engine) routingKey(env *Envelope) string {
	if v, ok := env.Header(e.config.EventTypeHeader); ok && v != "" {
		return v
	}
	return env.Topic()
}

func (e *Engine) settle(ctx context.Context, topic string, res result, log *zap.Logger) {
	env := res.envelope
	fields := []zap.Field{
		zap.String("message_id", env.ID()),
		zap.Int32("partition", env.Partition()),
		zap.Int64("offset", env.Offset()),
	}
	switch {
	case res.err != nil:
		log.Error("message handling failed", append(fields, zap.Int("attempt", env.Attempt()), zap.Error(res.err))...)
		e.stats.nacked()
		e.telemetry.recordOutcome(ctx, topic, env.Partition(), outcomeNacked)
		if err := e.transport.Nack(ctx, res.delivery, e.config.NackDelay); err != nil {
			log.Error("failed to nack message", append(fields, zap.Error(err))...)
			e.stats.ackFailure()
		}
		if e.hooks.OnNack != nil {
			e.hooks.OnNack(ctx, env, res.err)
		}
	case !res.routed:
		log.Warn("no handler registered, acknowledging message", append(fields, zap.String("key", e.routingKey(env)))...)
		e.stats.unroutable()
		e.telemetry.recordOutcome(ctx, topic, env.Partition(), outcomeUnroutable)
		e.ack(ctx, res, fields, log)
		if e.hooks.OnUnroutable != nil {
			e.hooks.OnUnroutable(ctx, env)
		}
	default:
		if !e.ack(ctx, res, fields, log) {
			return
		}
		e.stats.acked()
		e.telemetry.recordOutcome(ctx, topic, env.Partition(), outcomeAcked)
		if e.hooks.OnAck != nil {
			e.hooks.OnAck(ctx, env)
		}
	}
}

// ack acknowledges a message and records its offset for the next commit.
func (e *Engine) ack(ctx context.Context, res result, fields []zap.Field, log *zap.Logger) bool {
	if err := e.transport.Ack(ctx, res.delivery); err != nil {
		log.Error("failed to ack message", append(fields, zap.Error(err))...)
		e.stats.ackFailure()
		return false
	}
	e.offsets.track(res.envelope.Partition(), res.envelope.Offset())
	return true
}
