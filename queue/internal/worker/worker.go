package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("worker: pool closed")

// Pool runs submitted functions on a fixed set of goroutines.
type Pool struct {
	ch     chan job
	once   sync.Once
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx context.Context
	fn  func(context.Context)
}

func New(size int, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = size
	}
	p := &Pool{ch: make(chan job, queue)}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range p.ch {
				j.fn(j.ctx)
			}
		}()
	}
	return p
}

func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.ch <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll executes every task on the pool and blocks until all of them have
// returned. Tasks that cannot be submitted run on the calling goroutine.
func (p *Pool) RunAll(ctx context.Context, tasks []func(context.Context)) {
	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		wrapped := func(ctx context.Context) {
			defer wg.Done()
			task(ctx)
		}
		if err := p.Submit(ctx, wrapped); err != nil {
			wrapped(ctx)
		}
	}
	wg.Wait()
}

func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.ch)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}
