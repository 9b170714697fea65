package queue

import (
	"context"
	"slices"
	"time"

	"github.com/samber/lo"
)

// Capabilities describes what a transport supports so the engine can pick
// between batch and single-message consumption.
type Capabilities struct {
	Name            string
	Batching        bool
	Partitioned     bool
	MaxBatchSize    int
	NativeHeartbeat bool
	DelayedNack     bool
}

// Transport is the minimum a queue binding must provide. FetchOne returns
// (nil, nil) when no message is available. Commit and Heartbeat are no-ops
// for transports without offsets or group membership.
type Transport interface {
	Capabilities() Capabilities
	FetchOne(ctx context.Context) (*Delivery, error)
	Publish(ctx context.Context, msg *Outbound) error
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Commit(ctx context.Context, offsets PartitionOffsets) error
	Heartbeat(ctx context.Context) error
	Close(ctx context.Context) error
}

// BatchTransport is implemented by transports that can return up to max
// messages in one call, waiting at most timeout for the first one.
type BatchTransport interface {
	Transport
	FetchBatch(ctx context.Context, max int, timeout time.Duration) ([]*Delivery, error)
}

// TopicBinder is implemented by transports bound to a fixed set of topics.
type TopicBinder interface {
	Topics() []string
}

// PartitionOffsets maps a partition to the next offset to consume.
type PartitionOffsets map[int32]int64

func (p PartitionOffsets) Clone() PartitionOffsets {
	out := make(PartitionOffsets, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Partitions returns the partition ids in ascending order.
func (p PartitionOffsets) Partitions() []int32 {
	keys := lo.Keys(p)
	slices.Sort(keys)
	return keys
}
