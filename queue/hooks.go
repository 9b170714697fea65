package queue

import "context"

type Hooks struct {
	OnReceive       func(ctx context.Context, m *Envelope)
	OnAck           func(ctx context.Context, m *Envelope)
	OnNack          func(ctx context.Context, m *Envelope, err error)
	OnUnroutable    func(ctx context.Context, m *Envelope)
	OnCommit        func(ctx context.Context, offsets PartitionOffsets, err error)
	OnRebalance     func(ctx context.Context, previous, current []int32)
	OnConnectionErr func(ctx context.Context, err error)
	OnPublish       func(ctx context.Context, msg *Outbound, err error)
}
