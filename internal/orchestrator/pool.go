package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool runs watchers with bounded concurrency.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewPool creates a pool running at most size tasks at once.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Submit runs fn once a slot is free and returns a channel that receives its
// error. The channel also receives ctx.Err() if ctx ends while waiting for a slot.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			done <- err
			return
		}
		defer p.sem.Release(1)
		done <- fn(ctx)
	}()
	return done
}

// Wait blocks until every submitted task has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
