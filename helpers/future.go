// Based on https://github.com/256dpi/gomqtt/blob/e7823dfd0958f968b8e69eb1bf235456316c54fb/client/future/future.go
// with completed/cancelled channels exported
// which allows to wait on result in custom select statement.

package helpers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var ErrFutureTimeout = fmt.Errorf("future timeout")

type Future struct {
	result    interface{}
	completed chan struct{}
	cancelled chan struct{}
	done      bool
	mutex     sync.Mutex
}

func NewFuture() *Future {
	return &Future{
		completed: make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (f *Future) Cancelled() <-chan struct{} { return f.cancelled }
func (f *Future) Completed() <-chan struct{} { return f.completed }

func (f *Future) Complete(result interface{}) bool {
	return f.finish(result, f.completed)
}

func (f *Future) Cancel(result interface{}) bool {
	return f.finish(result, f.cancelled)
}

func (f *Future) finish(result interface{}, ch chan struct{}) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.done {
		return false
	}
	f.result = result
	close(ch)
	f.done = true
	return true
}

func (f *Future) Result() interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.result
}

// Wait returns result on completion. Cancel result is returned as error if it is one.
// Returns ctx error or ErrFutureTimeout (timeout>0) otherwise.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (interface{}, error) {
	var tch <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tch = t.C
	}
	select {
	case <-f.completed:
		return f.Result(), nil
	case <-f.cancelled:
		r := f.Result()
		if err, ok := r.(error); ok {
			return nil, err
		}
		return r, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tch:
		return nil, ErrFutureTimeout
	}
}
