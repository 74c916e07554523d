package replog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// BackgroundPool runs detached work with at most workers tasks in flight.
// Tasks that could not start before the pool was cancelled are dropped.
// Work started outside the pool can be bound to its lifetime through Context.
type BackgroundPool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	pending atomic.Int64
	dropped atomic.Int64
}

func NewBackgroundPool(workers int, logger *zap.Logger) *BackgroundPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &BackgroundPool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "background")),
	}
}

// Submit queues task. It returns false once the pool is shutting down.
func (p *BackgroundPool) Submit(task func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.pending.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.pending.Add(-1)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.dropped.Add(1)
			p.logger.Debug("Background task dropped", zap.Error(err))
			return
		}
		defer p.sem.Release(1)
		if err := p.ctx.Err(); err != nil {
			p.dropped.Add(1)
			return
		}
		task(p.ctx)
	}()
	return true
}

// Context is cancelled when Shutdown gives up waiting, or after it returns.
func (p *BackgroundPool) Context() context.Context {
	return p.ctx
}

// Pending is the number of submitted tasks that have not finished.
func (p *BackgroundPool) Pending() int {
	return int(p.pending.Load())
}

// Dropped is the number of tasks that never ran.
func (p *BackgroundPool) Dropped() int {
	return int(p.dropped.Load())
}

// BackgroundStats is a point-in-time view of a BackgroundPool.
type BackgroundStats struct {
	Pending int `json:"pending"`
	Dropped int `json:"dropped"`
}

func (p *BackgroundPool) Stats() BackgroundStats {
	return BackgroundStats{Pending: p.Pending(), Dropped: p.Dropped()}
}

// Wait blocks until every submitted task has finished.
func (p *BackgroundPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, outstanding tasks are cancelled and ctx's error is returned after
// they exit.
func (p *BackgroundPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		n := p.Pending()
		p.cancel()
		<-done
		p.logger.Warn("Cancelled background tasks at shutdown", zap.Int("tasks", n))
		return ctx.Err()
	}
}
