// Package inbox turns push style consumers into the pull interface the
// engine drives. Producers block once the buffer is full.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/infigaming-com/go-queue/queue"
)

var ErrClosed = errors.New("inbox: closed")

type Inbox struct {
	ch        chan *queue.Delivery
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Inbox{
		ch:   make(chan *queue.Delivery, capacity),
		done: make(chan struct{}),
	}
}

// Push blocks until d is buffered, ctx is done or the inbox is closed.
func (b *Inbox) Push(ctx context.Context, d *queue.Delivery) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Drain waits up to timeout for the first delivery, then takes whatever else
// is already buffered, up to max. An empty result with a nil error means the
// timeout passed.
func (b *Inbox) Drain(ctx context.Context, max int, timeout time.Duration) ([]*queue.Delivery, error) {
	if max <= 0 {
		max = 1
	}
	var first *queue.Delivery
	select {
	case first = <-b.ch:
	default:
		if timeout <= 0 {
			return nil, b.closedErr()
		}
		tmr := time.NewTimer(timeout)
		defer tmr.Stop()
		select {
		case first = <-b.ch:
		case <-tmr.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		}
	}

	out := make([]*queue.Delivery, 0, min(max, len(b.ch)+1))
	out = append(out, first)
	for len(out) < max {
		select {
		case d := <-b.ch:
			out = append(out, d)
		default:
			return out, nil
		}
	}
	return out, nil
}

func (b *Inbox) Len() int { return len(b.ch) }

func (b *Inbox) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Inbox) closedErr() error {
	select {
	case <-b.done:
		return ErrClosed
	default:
		return nil
	}
}
