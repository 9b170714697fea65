package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunAll(t *testing.T) {
	p := New(3, 0)
	defer func() {
		p.Close()
		p.Wait()
	}()

	var count atomic.Int32
	tasks := make([]func(context.Context), 10)
	for i := range tasks {
		tasks[i] = func(context.Context) { count.Add(1) }
	}
	p.RunAll(context.Background(), tasks)

	assert.Equal(t, int32(10), count.Load())
}

func TestPoolRunAllAfterClose(t *testing.T) {
	p := New(1, 1)
	p.Close()
	p.Wait()

	var ran bool
	p.RunAll(context.Background(), []func(context.Context){func(context.Context) { ran = true }})
	assert.True(t, ran)
}

func TestPoolSubmit(t *testing.T) {
	p := New(1, 1)

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { close(done) }))
	<-done

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Submit(ctx, func(context.Context) {}), context.Canceled)

	p.Close()
	p.Wait()
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) {}), ErrClosed)
}
