// Package registry shares one transport subscription between many consumers.
//
// Registry contract:
// - Acquire creates handle with factory on first use of key, otherwise increments refcount
// - Release closes handle exactly once, when refcount drops to zero
// - Dispatch delivers message to listeners attached at that moment, no buffering
// - after detach func returns, listener is never called again
// - all methods are safe for concurrent use
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
)

var ErrUnknownKey = fmt.Errorf("unknown subscription key")

// Handle is live transport subscription.
type Handle interface {
	Close() error
}

type Factory func() (Handle, error)

type Listener func(msg interface{})

type listener struct {
	sync.Mutex
	f        Listener
	detached bool
}

func (l *listener) call(msg interface{}) {
	l.Lock()
	defer l.Unlock()
	if !l.detached {
		l.f(msg)
	}
}

type entry struct {
	refs      int
	handle    Handle
	listeners []*listener
}

type Options struct {
	Log *log2.Log
	// Strict panics on lifecycle bugs like Release without Acquire.
	Strict bool
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	// last reference released, handle Close in progress
	closing map[string]chan struct{}
	opt     Options
}

func New(opt Options) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		closing: make(map[string]chan struct{}),
		opt:     opt,
	}
}

// Acquire returns existing handle for key or creates one with factory.
// Factory runs under registry lock, it must not call Registry methods.
// Factory error leaves no entry.
// Acquire waits until previous handle of the same key is closed.
func (r *Registry) Acquire(key string, factory Factory) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		done, ok := r.closing[key]
		if !ok {
			break
		}
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	if e, ok := r.entries[key]; ok {
		e.refs++
		r.opt.Log.Debugf("registry acquire key=%s refs=%d", key, e.refs)
		return e.handle, nil
	}
	h, err := factory()
	if err != nil {
		return nil, errors.Annotatef(err, "registry acquire key=%s", key)
	}
	r.entries[key] = &entry{refs: 1, handle: h}
	r.opt.Log.Debugf("registry acquire key=%s created", key)
	return h, nil
}

// Release drops one reference. Last reference closes handle and removes entry.
// Must not be called from a listener of the same key.
func (r *Registry) Release(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		err := errors.Annotatef(ErrUnknownKey, "release key=%s", key)
		if r.opt.Strict {
			panic("code error " + err.Error())
		}
		r.opt.Log.Errorf("%v", err)
		return err
	}
	e.refs--
	if refs := e.refs; refs > 0 {
		r.mu.Unlock()
		r.opt.Log.Debugf("registry release key=%s refs=%d", key, refs)
		return nil
	}
	delete(r.entries, key)
	ls := e.listeners
	e.listeners = nil
	done := r.markClosing(key)
	r.mu.Unlock()
	detachAll(ls)

	r.opt.Log.Debugf("registry release key=%s closing", key)
	err := e.handle.Close()
	r.closed(key, done)
	if err != nil {
		return errors.Annotatef(err, "registry close key=%s", key)
	}
	return nil
}

// markClosing must be called with r.mu held.
func (r *Registry) markClosing(key string) chan struct{} {
	done := make(chan struct{})
	r.closing[key] = done
	return done
}

func (r *Registry) closed(key string, done chan struct{}) {
	r.mu.Lock()
	if r.closing[key] == done {
		delete(r.closing, key)
	}
	r.mu.Unlock()
	close(done)
}

// Attach adds listener to live entry. Returned func detaches, it is idempotent.
// Detach must not be called from inside the same listener.
func (r *Registry) Attach(key string, f Listener) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownKey, "attach key=%s", key)
	}
	l := &listener{f: f}
	e.listeners = append(e.listeners, l)
	detach := func() {
		r.mu.Lock()
		if cur, ok := r.entries[key]; ok && cur == e {
			for i, x := range e.listeners {
				if x == l {
					e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
					break
				}
			}
		}
		r.mu.Unlock()
		l.Lock()
		l.detached = true
		l.Unlock()
	}
	return detach, nil
}

// Dispatch delivers msg to every listener of key. Returns count of listeners.
// Unknown key is not an error: message for released subscription may still be in flight.
func (r *Registry) Dispatch(key string, msg interface{}) int {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	ls := make([]*listener, len(e.listeners))
	copy(ls, e.listeners)
	r.mu.Unlock()

	for _, l := range ls {
		l.call(msg)
	}
	return len(ls)
}

func (r *Registry) RefCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

type EntryInfo struct {
	Key       string `json:"key"`
	Refs      int    `json:"refs"`
	Listeners int    `json:"listeners"`
}

// Entries lists live entries sorted by key.
func (r *Registry) Entries() []EntryInfo {
	r.mu.Lock()
	out := make([]EntryInfo, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, EntryInfo{Key: k, Refs: e.refs, Listeners: len(e.listeners)})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close releases every entry regardless of refcount. For application shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	dones := make(map[string]chan struct{}, len(entries))
	for key := range entries {
		dones[key] = r.markClosing(key)
	}
	r.mu.Unlock()

	errs := make([]error, 0)
	for key, e := range entries {
		detachAll(e.listeners)
		err := e.handle.Close()
		r.closed(key, dones[key])
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "registry close key=%s", key))
		}
	}
	return helpers.FoldErrors(errs)
}

func detachAll(ls []*listener) {
	for _, l := range ls {
		l.Lock()
		l.detached = true
		l.Unlock()
	}
}
