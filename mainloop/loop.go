// Package mainloop provides the host's single-threaded execution context.
//
// Every task handed to a Loop runs on the one goroutine executing Run, in
// submission order. State that belongs to the host (the active function table
// among it) is only mutated from inside such tasks.
package mainloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned by Call when the loop is no longer accepting tasks.
var ErrStopped = errors.New("main loop stopped")

// Scheduler runs callbacks on the host's main loop. Done is closed once the
// loop will run no more callbacks.
type Scheduler interface {
	Schedule(fn func())
	Done() <-chan struct{}
}

// Loop is an unbounded FIFO task queue drained by a single goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Loop. Tasks may be scheduled before Run is called.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Schedule enqueues fn. It never blocks. Tasks scheduled after the loop has
// stopped are dropped.
func (l *Loop) Schedule(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.logger.Debug("main loop stopped, dropping task")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call schedules fn and waits until it has run or ctx is done.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	ran := make(chan struct{})
	l.Schedule(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		select {
		case <-ran:
			return nil
		default:
		}
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run executes tasks until ctx is cancelled or Stop is called. It blocks the
// calling goroutine, which becomes the main loop.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("main loop is already running")
	}
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.running = true
	l.mu.Unlock()

	l.logger.Debug("main loop started")
	defer func() {
		l.mu.Lock()
		l.running = false
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
		l.logger.Debug("main loop stopped", "dropped_tasks", dropped)
	}()

	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			l.runTask(task)
			select {
			case <-ctx.Done():
				return nil
			case <-l.stop:
				return nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

// Stop makes Run return after the task currently executing. A loop that was
// never run is finished immediately and its queued tasks are dropped.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.stop)
	if !l.running {
		if n := len(l.queue); n > 0 {
			l.logger.Debug("main loop stopped before running", "dropped_tasks", n)
		}
		l.queue = nil
		close(l.done)
	}
}

// Done is closed once Run has returned, or by Stop if Run never started.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("main loop task panicked", "panic", r)
		}
	}()
	task()
}
