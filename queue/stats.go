package queue

import (
	"slices"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of the engine counters.
type Snapshot struct {
	State            State
	StartedAt        time.Time
	Uptime           time.Duration
	WorkingBatchSize int

	MessagesConsumed   int64
	BytesConsumed      int64
	MessagesProduced   int64
	BytesProduced      int64
	MessagesAcked      int64
	MessagesNacked     int64
	MessagesUnroutable int64

	BatchesProcessed   int64
	ProcessingTime     time.Duration
	LastProcessingTime time.Duration
	AvgBatchSize       float64
	AvgBatchTime       time.Duration
	Throughput         float64

	Errors           int64
	ConnectionErrors int64
	HandlerFailures  int64
	Commits          int64
	CommitFailures   int64
	Rebalances       int64

	AssignedPartitions []int32
	PeakMemoryBytes    uint64
}

// recorder accumulates counters. The processing loop writes, any goroutine
// may read through snapshot.
type recorder struct {
	mu  sync.Mutex
	now func() time.Time
	s   Snapshot
}

func newRecorder(now func() time.Time) *recorder {
	return &recorder{now: now}
}

func (r *recorder) start(working int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.StartedAt = r.now()
	r.s.WorkingBatchSize = working
}

func (r *recorder) consumed(messages, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.MessagesConsumed += int64(messages)
	r.s.BytesConsumed += int64(bytes)
}

func (r *recorder) produced(bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.MessagesProduced++
	r.s.BytesProduced += int64(bytes)
}

func (r *recorder) acked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.MessagesAcked++
}

func (r *recorder) nacked() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.MessagesNacked++
	r.s.HandlerFailures++
}

func (r *recorder) unroutable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.MessagesUnroutable++
}

func (r *recorder) batch(elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.BatchesProcessed++
	r.s.ProcessingTime += elapsed
	r.s.LastProcessingTime = elapsed
}

func (r *recorder) failure(class ErrorClass) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Errors++
	if class == ClassConnection {
		r.s.ConnectionErrors++
	}
}

func (r *recorder) ackFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Errors++
}

func (r *recorder) commit(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.s.CommitFailures++
		return
	}
	r.s.Commits++
}

func (r *recorder) rebalance() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.Rebalances++
}

func (r *recorder) assigned(partitions []int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.AssignedPartitions = slices.Clone(partitions)
}

func (r *recorder) memory(usage uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usage > r.s.PeakMemoryBytes {
		r.s.PeakMemoryBytes = usage
	}
}

func (r *recorder) working(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s.WorkingBatchSize = n
}

func (r *recorder) avgBatchTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.BatchesProcessed == 0 {
		return 0
	}
	return r.s.ProcessingTime / time.Duration(r.s.BatchesProcessed)
}

func (r *recorder) batches() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.BatchesProcessed
}

func (r *recorder) snapshot(state State) Snapshot {
	r.mu.Lock()
	s := r.s
	s.AssignedPartitions = slices.Clone(r.s.AssignedPartitions)
	r.mu.Unlock()

	s.State = state
	if !s.StartedAt.IsZero() {
		s.Uptime = r.now().Sub(s.StartedAt)
	}
	if s.BatchesProcessed > 0 {
		s.AvgBatchSize = float64(s.MessagesConsumed) / float64(s.BatchesProcessed)
		s.AvgBatchTime = s.ProcessingTime / time.Duration(s.BatchesProcessed)
	}
	s.Throughput = float64(s.MessagesConsumed) / max(1, s.Uptime.Seconds())
	return s
}
