// Package dispatch provides the single goroutine that owns all sync state.
// Background workers never touch layers directly: they post closures here.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("dispatch loop stopped")

// Poster queues work for the main loop.
type Poster interface {
	Post(fn func())
}

// Loop runs posted closures one at a time, in order.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// NewLoop creates a loop whose queue holds up to buffer pending closures
// before Post blocks.
func NewLoop(buffer int) *Loop {
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
}

// Run executes closures until ctx is cancelled. A panicking closure is
// logged and does not stop the loop.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[Dispatch] panic in task: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// Post queues fn. Closures posted after the loop exited are dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
		glog.V(1).Infof("[Dispatch] dropping task posted after stop")
	}
}

// Do runs fn on the loop and waits for its result. It must not be called
// from a closure already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
				panic(r)
			}
		}()
		result <- fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Immediate runs posted closures on the caller's goroutine. Tests use it
// where the caller already is the main loop.
type Immediate struct{}

func (Immediate) Post(fn func()) { fn() }
