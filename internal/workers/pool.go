// Package workers runs long-lived background tasks under one owner so
// panics are contained and shutdown can wait for every task to return.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Go after Shutdown has begun.
var ErrClosed = errors.New("workers: pool closed")

// Pool supervises background goroutines.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	active atomic.Int64
	panics atomic.Int64
}

// NewPool creates a pool whose tasks are cancelled when parent is done or
// Shutdown is called.
func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{ctx: ctx, cancel: cancel}
}

// Context returns the pool's lifetime context. Task contexts derive from it.
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Go starts fn on its own goroutine. A panic in fn is recovered and logged.
func (p *Pool) Go(name string, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				slog.Error("background task panicked",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

// Active returns the number of running tasks.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Panics returns how many tasks have panicked since the pool was created.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Shutdown cancels every task and waits for them to return or for ctx to
// expire. It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		slog.Warn("background tasks still running at shutdown deadline", "active", p.Active())
		return ctx.Err()
	}
}
