package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHandle struct {
	id     int
	closed int32
}

func (h *mockHandle) Close() error {
	atomic.AddInt32(&h.closed, 1)
	return nil
}

type mockTransport struct {
	mu      sync.Mutex
	created []*mockHandle
}

func (m *mockTransport) factory() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := &mockHandle{id: len(m.created) + 1}
	m.created = append(m.created, h)
	return h, nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func newTestRegistry(t testing.TB) *Registry {
	return New(Options{Log: log2.NewTest(t, log2.LDebug)})
}

func TestRefcountLifecycle(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	tr := &mockTransport{}
	const key = "power-desk/dev1/ch0/millivolts"

	h1, err := r.Acquire(key, tr.factory)
	require.NoError(t, err)
	h2, err := r.Acquire(key, tr.factory)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, 2, r.RefCount(key))

	require.NoError(t, r.Release(key))
	assert.Equal(t, 1, r.RefCount(key))
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.created[0].closed))

	require.NoError(t, r.Release(key))
	assert.Equal(t, 0, r.RefCount(key))
	assert.Equal(t, int32(1), atomic.LoadInt32(&tr.created[0].closed))
	assert.Len(t, r.Entries(), 0)

	h3, err := r.Acquire(key, tr.factory)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.count())
	assert.NotSame(t, h1, h3)
	assert.Equal(t, int32(0), atomic.LoadInt32(&tr.created[1].closed))
}

func TestReleaseUnknown(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	err := r.Release("nope")
	require.Error(t, err)
	assert.Equal(t, ErrUnknownKey, errors.Cause(err))

	strict := New(Options{Strict: true})
	assert.Panics(t, func() { _ = strict.Release("nope") })
}

func TestFactoryError(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	fail := fmt.Errorf("broker down")
	_, err := r.Acquire("k", func() (Handle, error) { return nil, fail })
	require.Error(t, err)
	assert.Equal(t, fail, errors.Cause(err))
	assert.Equal(t, 0, r.RefCount("k"))
	assert.Equal(t, ErrUnknownKey, errors.Cause(r.Release("k")))
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	tr := &mockTransport{}
	_, err := r.Acquire("k", tr.factory)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Dispatch("k", "early"))

	var got1, got2 []interface{}
	detach1, err := r.Attach("k", func(m interface{}) { got1 = append(got1, m) })
	require.NoError(t, err)
	assert.Equal(t, 1, r.Dispatch("k", 1))

	detach2, err := r.Attach("k", func(m interface{}) { got2 = append(got2, m) })
	require.NoError(t, err)
	assert.Equal(t, 2, r.Dispatch("k", 2))
	assert.Equal(t, 0, r.Dispatch("other", 3))

	detach1()
	detach1()
	assert.Equal(t, 1, r.Dispatch("k", 4))

	assert.Equal(t, []interface{}{1, 2}, got1)
	assert.Equal(t, []interface{}{2, 4}, got2)
	assert.Equal(t, []EntryInfo{{Key: "k", Refs: 1, Listeners: 1}}, r.Entries())

	require.NoError(t, r.Release("k"))
	assert.Equal(t, 0, r.Dispatch("k", 5))
	detach2()
	assert.Equal(t, []interface{}{2, 4}, got2)

	_, err = r.Attach("k", func(interface{}) {})
	assert.Equal(t, ErrUnknownKey, errors.Cause(err))
}

func TestConcurrent(t *testing.T) {
	t.Parallel()
	r := New(Options{})
	tr := &mockTransport{}
	const workers = 16
	const rounds = 200
	keys := []string{"a", "b", "c"}

	var delivered int64
	wg := sync.WaitGroup{}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := keys[w%len(keys)]
			for i := 0; i < rounds; i++ {
				_, err := r.Acquire(key, tr.factory)
				if err != nil {
					t.Error(err)
					return
				}
				detach, err := r.Attach(key, func(interface{}) { atomic.AddInt64(&delivered, 1) })
				if err != nil {
					t.Error(err)
					return
				}
				r.Dispatch(key, i)
				detach()
				if err := r.Release(key); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, r.Entries(), 0)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&delivered), int64(workers*rounds))
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, h := range tr.created {
		assert.Equal(t, int32(1), atomic.LoadInt32(&h.closed), "handle=%d", h.id)
	}
}

// setTransport keeps one flag per key like MQTT active set, not one per handle.
type setTransport struct {
	mu     sync.Mutex
	active map[string]bool
	// Close blocks until channel is closed
	block    chan struct{}
	entering chan string
}

type setHandle struct {
	t   *setTransport
	key string
}

func (h *setHandle) Close() error {
	h.t.entering <- h.key
	<-h.t.block
	h.t.mu.Lock()
	delete(h.t.active, h.key)
	h.t.mu.Unlock()
	return nil
}

func (st *setTransport) factory(key string) Factory {
	return func() (Handle, error) {
		st.mu.Lock()
		st.active[key] = true
		st.mu.Unlock()
		return &setHandle{t: st, key: key}, nil
	}
}

func (st *setTransport) subscribed(key string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active[key]
}

func TestReacquireDuringClose(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	st := &setTransport{
		active:   make(map[string]bool),
		block:    make(chan struct{}),
		entering: make(chan string, 1),
	}
	const key = "power-desk/dev1/ch0/millivolts"

	_, err := r.Acquire(key, st.factory(key))
	require.NoError(t, err)

	released := make(chan error, 1)
	go func() { released <- r.Release(key) }()
	assert.Equal(t, key, <-st.entering)
	assert.Equal(t, 0, r.RefCount(key))

	acquired := make(chan error, 1)
	go func() {
		_, err := r.Acquire(key, st.factory(key))
		acquired <- err
	}()
	select {
	case err := <-acquired:
		t.Fatalf("acquire returned while previous handle is closing err=%v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(st.block)
	require.NoError(t, <-released)
	require.NoError(t, <-acquired)
	assert.Equal(t, 1, r.RefCount(key))
	assert.True(t, st.subscribed(key), "live entry must have transport subscribed")

	go func() { <-st.entering }()
	require.NoError(t, r.Release(key))
	assert.False(t, st.subscribed(key))
	assert.Len(t, r.Entries(), 0)
}

func TestClose(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	tr := &mockTransport{}
	for _, k := range []string{"a", "a", "b"} {
		_, err := r.Acquire(k, tr.factory)
		require.NoError(t, err)
	}
	called := false
	_, err := r.Attach("a", func(interface{}) { called = true })
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.Len(t, r.Entries(), 0)
	assert.Equal(t, 0, r.Dispatch("a", 1))
	assert.False(t, called)
	for _, h := range tr.created {
		assert.Equal(t, int32(1), h.closed)
	}
}
