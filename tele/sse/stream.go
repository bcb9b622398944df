// Package sse keeps text/event-stream connection open on r3labs/sse client.
// Reconnects are paced by helpers.Backoff and stop with alive.
package sse

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/tele"
	r3sse "github.com/r3labs/sse/v2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	ContentType         = "text/event-stream"
)

var ErrStatus = fmt.Errorf("event stream bad response")

type Options struct {
	URL          string
	Client       *http.Client
	Parent       *alive.Alive // optional, stream stops with parent
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	OnEvent      func(Event)
	Log          *log2.Log
	Stat         *tele.Stat
}

// Stream keeps one event stream connection open until Close.
// OnEvent is called sequentially from stream goroutine.
type Stream struct {
	alive     *alive.Alive
	backoff   helpers.Backoff
	client    *r3sse.Client
	connected uint32
	opt       Options

	mu     sync.Mutex
	retry  time.Duration
	cancel context.CancelFunc
}

func Open(opt Options) (*Stream, error) {
	if opt.OnEvent == nil {
		return nil, errors.NotValidf("code error sse.Options.OnEvent=nil")
	}
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "event stream url=%s", opt.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.NotValidf("event stream url scheme=%s", u.Scheme)
	}
	if opt.Client == nil {
		opt.Client = http.DefaultClient
	}
	if opt.ReconnectMin <= 0 {
		opt.ReconnectMin = DefaultReconnectMin
	}
	if opt.ReconnectMax < opt.ReconnectMin {
		opt.ReconnectMax = DefaultReconnectMax
		if opt.ReconnectMax < opt.ReconnectMin {
			opt.ReconnectMax = opt.ReconnectMin
		}
	}
	if opt.Stat == nil {
		opt.Stat = tele.NewStat()
	}
	s := &Stream{
		alive: alive.NewAlive(),
		opt:   opt,
		backoff: helpers.Backoff{
			Min: opt.ReconnectMin,
			Max: opt.ReconnectMax,
			K:   2,
		},
	}
	s.client = r3sse.NewClient(opt.URL)
	s.client.Connection = opt.Client
	s.client.ReconnectStrategy = singleShot{}
	s.client.ResponseValidator = s.validate
	if opt.Parent != nil {
		go helpers.AliveSub(opt.Parent, s.alive)
	}
	s.alive.Add(1)
	go s.worker()
	return s, nil
}

func (s *Stream) Close() error {
	s.alive.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.alive.Wait()
	return nil
}

func (s *Stream) Connected() bool { return atomic.LoadUint32(&s.connected) == 1 }

func (s *Stream) worker() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() {
		delay := s.backoff.DelayBefore()
		if r := s.retryDelay(); delay != 0 && r > delay {
			delay = r
		}
		if delay > 0 {
			s.opt.Log.Debugf("event stream url=%s reconnect in %v", s.opt.URL, delay)
			select {
			case <-time.After(delay):
			case <-stopch:
				return
			}
		}

		err := s.session()
		if !s.alive.IsRunning() {
			return
		}
		if err != nil {
			s.opt.Log.Errorf("event stream url=%s err=%v", s.opt.URL, err)
		}
		// clean end of stream is also paced
		s.backoff.Failure()
	}
}

func (s *Stream) retryDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// one connection: request, read events until error or EOF
func (s *Stream) session() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()
	if !s.alive.IsRunning() {
		return nil
	}

	first := true
	err := s.client.SubscribeRawWithContext(ctx, func(msg *r3sse.Event) {
		if r := retryOf(msg); r != 0 {
			s.mu.Lock()
			s.retry = r
			s.mu.Unlock()
		}
		e, ok := newEvent(msg, time.Now())
		if !ok {
			return
		}
		if first {
			s.backoff.Reset()
			first = false
		}
		s.opt.Stat.Received.Add(1)
		s.opt.OnEvent(e)
	})
	if atomic.CompareAndSwapUint32(&s.connected, 1, 0) {
		s.opt.Stat.Disconnects.Add(1)
	}
	if err != nil && !s.alive.IsRunning() {
		return nil
	}
	return errors.Annotate(err, "event stream")
}

// validate runs before body is read, rejected response body must be closed here.
func (s *Stream) validate(_ *r3sse.Client, resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return errors.Annotatef(ErrStatus, "status=%s", resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != ContentType {
		resp.Body.Close()
		return errors.Annotatef(ErrStatus, "content-type=%q", ct)
	}
	resp.Body = statBody{
		Reader: helpers.NewStatReader(resp.Body, s.opt.Stat.Bytes, 0),
		Closer: resp.Body,
	}
	s.opt.Stat.Connects.Add(1)
	atomic.StoreUint32(&s.connected, 1)
	s.opt.Log.Debugf("event stream url=%s connected", s.opt.URL)
	return nil
}

type statBody struct {
	io.Reader
	io.Closer
}

// singleShot stops r3sse retry after first attempt, worker paces reconnects.
type singleShot struct{}

func (singleShot) NextBackOff() time.Duration { return -1 } // backoff.Stop
func (singleShot) Reset()                     {}
