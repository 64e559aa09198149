// Package eventloop provides the single-threaded executor that owns all overlay state.
// Work submitted from other goroutines (network events, lookup completions, poll ticks,
// row observations) is queued and run one task at a time, in submission order.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted to a loop that has finished running.
var ErrStopped = errors.New("event loop stopped")

// Loop is an unbounded FIFO of tasks drained by a single goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	log     *zap.Logger
}

// New creates a loop. A nil logger disables panic reporting.
func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  log,
	}
}

// Post enqueues fn. It never blocks, so it is safe to call from inside a task.
// Returns false if the loop has stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. Must not be called from a task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled. Tasks still queued at that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.pending = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.run(fn)
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
