// Package looper provides the application's main execution context: a single
// goroutine that runs posted tasks one at a time, in posting order.
package looper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Call once the loop no longer accepts tasks.
var ErrStopped = errors.New("loop is stopped")

// Loop runs posted functions serially on one goroutine.
// The queue is unbounded so that Post never blocks, even from inside a task.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a loop. Nothing runs until Start or Run is called.
func New() *Loop {
	return &Loop{
		logger: slog.Default().With("component", "looper"),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() {
	go l.Run(context.Background())
}

// Run processes tasks on the calling goroutine until Stop is called or ctx is done.
// Tasks already queued when the loop stops are still run.
func (l *Loop) Run(ctx context.Context) {
	started := false
	l.startOnce.Do(func() { started = true })
	if !started {
		l.logger.Warn("looper: Run called twice")
		return
	}
	defer close(l.done)

	for {
		l.drain()

		select {
		case <-l.wake:
		case <-l.stopCh:
			l.drain()
			return
		case <-ctx.Done():
			l.markStopped()
			l.drain()
			return
		}
	}
}

// Post queues fn and reports whether it was accepted.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return or for ctx to be done.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects further posts, lets queued tasks finish and waits for the
// loop goroutine to exit. It is safe to call more than once, but not from a task.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.markStopped()
		close(l.stopCh)
	})

	started := true
	l.startOnce.Do(func() { started = false })
	if !started {
		// Never ran; nothing to wait for.
		close(l.done)
		return
	}
	<-l.done
}

// Done is closed when the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) markStopped() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		tasks := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range tasks {
			l.runTask(fn)
		}
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("looper: task panicked", "panic", r)
		}
	}()
	fn()
}
