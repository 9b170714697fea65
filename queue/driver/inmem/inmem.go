package inmem

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/infigaming-com/go-queue/queue"
)

var ErrClosed = errors.New("inmem: transport closed")

// Transport is a partitioned in-memory broker bound to one topic. It keeps
// a journal of acks, nacks, commits and heartbeats and can be told to fail
// upcoming calls.
type Transport struct {
	topic      string
	partitions int32

	mu         sync.Mutex
	changed    chan struct{}
	log        []*record
	cursor     int
	redeliver  []*record
	nextOffset map[int32]int64
	roundRobin int32
	closed     bool

	fetchFailures   []error
	commitFailures  []error
	publishFailures []error

	acks       []string
	nacks      []string
	commits    []queue.PartitionOffsets
	committed  queue.PartitionOffsets
	heartbeats int
	fetches    int
}

type record struct {
	delivery  queue.Delivery
	available time.Time
	inflight  bool
}

type Option func(*Transport)

// WithPartitions sets the partition count used to place keyed messages.
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

func New(topic string, opts ...Option) *Transport {
	t := &Transport{
		topic:      topic,
		partitions: 1,
		changed:    make(chan struct{}),
		nextOffset: map[int32]int64{},
		committed:  queue.PartitionOffsets{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Capabilities() queue.Capabilities {
	return queue.Capabilities{
		Name:        "inmem",
		Batching:    true,
		Partitioned: true,
		DelayedNack: true,
	}
}

func (t *Transport) Topics() []string { return []string{t.topic} }

func (t *Transport) Publish(ctx context.Context, msg *queue.Outbound) error {
	if msg == nil {
		return errors.New("inmem: message required")
	}
	return t.PublishToPartition(ctx, t.partitionFor(msg.Key), msg)
}

// PublishToPartition appends msg to the given partition, bypassing the
// key based placement.
func (t *Transport) PublishToPartition(ctx context.Context, partition int32, msg *queue.Outbound) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Topic != "" && msg.Topic != t.topic {
		return fmt.Errorf("inmem: transport bound to %q, cannot publish to %q", t.topic, msg.Topic)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := pop(&t.publishFailures); err != nil {
		return err
	}
	offset := t.nextOffset[partition]
	t.nextOffset[partition] = offset + 1
	headers := make(map[string]string, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}
	id := msg.ID
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", t.topic, partition, offset)
	}
	t.log = append(t.log, &record{delivery: queue.Delivery{
		ID:        id,
		Topic:     t.topic,
		Partition: partition,
		Offset:    offset,
		Key:       msg.Key,
		Headers:   headers,
		Data:      append([]byte(nil), msg.Data...),
		Attempt:   1,
	}})
	t.notifyLocked()
	return nil
}

func (t *Transport) FetchOne(ctx context.Context) (*queue.Delivery, error) {
	batch, err := t.FetchBatch(ctx, 1, 0)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return batch[0], nil
}

// FetchBatch returns up to max messages in arrival order, due redeliveries
// first. It waits at most timeout for the first message.
func (t *Transport) FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]*queue.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		deadline = tmr.C
	}
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		t.fetches++
		if err := pop(&t.fetchFailures); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		batch := t.takeLocked(max, time.Now())
		changed := t.changed
		t.mu.Unlock()
		if len(batch) > 0 || deadline == nil {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-changed:
		}
	}
}

func (t *Transport) takeLocked(max int, now time.Time) []*queue.Delivery {
	out := make([]*queue.Delivery, 0, max)
	kept := t.redeliver[:0]
	for _, r := range t.redeliver {
		if len(out) < max && !r.available.After(now) {
			out = append(out, t.deliverLocked(r))
			continue
		}
		kept = append(kept, r)
	}
	t.redeliver = kept
	for len(out) < max && t.cursor < len(t.log) {
		out = append(out, t.deliverLocked(t.log[t.cursor]))
		t.cursor++
	}
	return out
}

func (t *Transport) deliverLocked(r *record) *queue.Delivery {
	r.inflight = true
	d := r.delivery
	d.Headers = make(map[string]string, len(r.delivery.Headers))
	for k, v := range r.delivery.Headers {
		d.Headers[k] = v
	}
	d.Data = append([]byte(nil), r.delivery.Data...)
	d.Token = r
	d.ReceivedAt = time.Now()
	return &d
}

func (t *Transport) Ack(_ context.Context, d *queue.Delivery) error {
	r, err := t.recordOf(d)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.inflight = false
	t.acks = append(t.acks, d.ID)
	return nil
}

// Nack schedules the message for redelivery after delay.
func (t *Transport) Nack(_ context.Context, d *queue.Delivery, delay time.Duration) error {
	r, err := t.recordOf(d)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r.inflight = false
	r.delivery.Attempt++
	r.available = time.Now().Add(delay)
	t.redeliver = append(t.redeliver, r)
	t.nacks = append(t.nacks, d.ID)
	t.notifyLocked()
	return nil
}

func (t *Transport) Commit(ctx context.Context, offsets queue.PartitionOffsets) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := pop(&t.commitFailures); err != nil {
		return err
	}
	t.commits = append(t.commits, offsets.Clone())
	for p, off := range offsets {
		if off > t.committed[p] {
			t.committed[p] = off
		}
	}
	return nil
}

func (t *Transport) Heartbeat(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heartbeats++
	return nil
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.notifyLocked()
	}
	return nil
}

// FailNextFetches makes the next len(errs) fetches return those errors.
func (t *Transport) FailNextFetches(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fetchFailures = append(t.fetchFailures, errs...)
}

// FailNextCommits makes the next len(errs) commits return those errors.
func (t *Transport) FailNextCommits(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.commitFailures = append(t.commitFailures, errs...)
}

// FailNextPublishes makes the next len(errs) publishes return those errors.
func (t *Transport) FailNextPublishes(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishFailures = append(t.publishFailures, errs...)
}

func (t *Transport) Acks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.acks)
}

func (t *Transport) Nacks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.nacks)
}

func (t *Transport) Commits() []queue.PartitionOffsets {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]queue.PartitionOffsets, 0, len(t.commits))
	for _, c := range t.commits {
		out = append(out, c.Clone())
	}
	return out
}

// Committed returns the highest committed offset per partition.
func (t *Transport) Committed() queue.PartitionOffsets {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed.Clone()
}

func (t *Transport) Heartbeats() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heartbeats
}

func (t *Transport) Fetches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetches
}

// Pending counts messages not yet handed out, redeliveries included.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.log) - t.cursor + len(t.redeliver)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SingleMessage returns a view of t that does not support batch fetching.
func (t *Transport) SingleMessage() queue.Transport {
	return singleMessage{t: t}
}

func (t *Transport) partitionFor(key string) int32 {
	if key == "" {
		t.mu.Lock()
		defer t.mu.Unlock()
		p := t.roundRobin % t.partitions
		t.roundRobin++
		return p
	}
	if p, err := strconv.ParseInt(key, 10, 32); err == nil && p >= 0 && int32(p) < t.partitions {
		return int32(p)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32() % uint32(t.partitions))
}

func (t *Transport) recordOf(d *queue.Delivery) (*record, error) {
	if d == nil {
		return nil, errors.New("inmem: delivery required")
	}
	r, ok := d.Token.(*record)
	if !ok {
		return nil, fmt.Errorf("inmem: foreign delivery %q", d.ID)
	}
	return r, nil
}

func (t *Transport) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

type singleMessage struct {
	t *Transport
}

func (s singleMessage) Capabilities() queue.Capabilities {
	c := s.t.Capabilities()
	c.Name = "inmem-single"
	c.Batching = false
	return c
}

func (s singleMessage) FetchOne(ctx context.Context) (*queue.Delivery, error) {
	return s.t.FetchOne(ctx)
}

func (s singleMessage) Publish(ctx context.Context, msg *queue.Outbound) error {
	return s.t.Publish(ctx, msg)
}

func (s singleMessage) Ack(ctx context.Context, d *queue.Delivery) error { return s.t.Ack(ctx, d) }

func (s singleMessage) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	return s.t.Nack(ctx, d, delay)
}

func (s singleMessage) Commit(ctx context.Context, offsets queue.PartitionOffsets) error {
	return s.t.Commit(ctx, offsets)
}

func (s singleMessage) Heartbeat(ctx context.Context) error { return s.t.Heartbeat(ctx) }

func (s singleMessage) Close(ctx context.Context) error { return s.t.Close(ctx) }

func (s singleMessage) Topics() []string { return s.t.Topics() }
