// Package actionlist runs tagged func(Context)error concurrently and collects errors.
// All methods are safe for concurrent use.
package actionlist

import (
	"context"
	"sync"

	"github.com/juju/errors"
)

type Func func(context.Context) error

type tagged struct {
	f   Func
	tag string
}

type List struct {
	lk    sync.Mutex
	items []tagged
}

func (self *List) Append(fun Func, tag string) {
	self.lk.Lock()
	self.items = append(self.items, tagged{fun, tag})
	self.lk.Unlock()
}

func (self *List) Len() int {
	self.lk.Lock()
	defer self.lk.Unlock()
	return len(self.items)
}

// Do runs all items in parallel and waits for every one. Errors are annotated with tag.
func (self *List) Do(ctx context.Context) []error {
	self.lk.Lock()
	items := append([]tagged(nil), self.items...)
	self.lk.Unlock()

	errCh := make(chan error, len(items))
	for i := range items {
		go doOne(ctx, items[i], errCh)
	}
	var errs []error
	for range items {
		if e := <-errCh; e != nil {
			errs = append(errs, e)
		}
	}
	return errs
}

func doOne(ctx context.Context, t tagged, ch chan<- error) {
	if err := t.f(ctx); err != nil {
		// errors.Annotate without call location
		wrapped := errors.NewErrWithCause(err, t.tag)
		ch <- &wrapped
	} else {
		ch <- nil
	}
}
