package realtime

import (
	"context"
	"sync"
)

// loop runs posted tasks on a single goroutine. Every task posted before or
// during a drain runs in that drain; afterTick runs once the queue is empty.
// That drain is one tick.
type loop struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}

	afterTick func()
	waiters   []chan struct{} // released after the next afterTick; loop-owned
}

func newLoop() *loop {
	return &loop{wake: make(chan struct{}, 1)}
}

// post enqueues fn. It never blocks, so it is safe from inside a task. It
// reports false once the loop has stopped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. It must not be used from
// inside a task.
func (l *loop) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.post(func() {
		fn()
		close(done)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle waits until a full tick, including afterTick, has completed after
// the call. It must not be used from inside a task.
func (l *loop) settle(ctx context.Context) error {
	done := make(chan struct{})
	if !l.post(func() { l.waiters = append(l.waiters, done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run processes tasks until ctx is done. Tasks still queued at that point
// are discarded.
func (l *loop) run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.tasks
			l.tasks = nil
			l.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				fn()
			}
		}

		if l.afterTick != nil {
			l.afterTick()
		}
		for _, w := range l.waiters {
			close(w)
		}
		l.waiters = nil
	}
}
