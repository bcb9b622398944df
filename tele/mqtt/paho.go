package mqtt

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/tele"
	"github.com/temoto/alive/v2"
)

// PahoClient is alternative subscriber on eclipse paho.
// Same contract as Client: background connect, active set restored on every connect.
type PahoClient struct {
	sync.Mutex

	alive  *alive.Alive
	m      paho.Client
	opt    ClientOptions
	active map[string]struct{}
}

var _ tele.Subscriber = &PahoClient{}

func NewPahoClient(opt ClientOptions) (*PahoClient, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.BrokerURL == "" {
		return nil, errors.NotValidf("config error mqtt BrokerURL empty")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.Stat == nil {
		opt.Stat = tele.NewStat()
	}
	c := &PahoClient{
		alive:  alive.NewAlive(),
		opt:    opt,
		active: make(map[string]struct{}),
	}

	keepalive := helpers.IntSecondDefault(int(opt.KeepaliveSec), opt.NetworkTimeout/2)
	mopt := paho.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetConnectTimeout(opt.NetworkTimeout).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(opt.ReconnectDelay * 10).
		SetPingTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if opt.TLS != nil {
		mopt.SetTLSConfig(opt.TLS)
	}
	c.m = paho.NewClient(mopt)

	c.alive.Add(1)
	go c.connectLoop()
	return c, nil
}

// SetPahoLog routes paho package loggers. Global for process, paho has no per client loggers.
func SetPahoLog(log *log2.Log, debug bool) {
	paho.CRITICAL = log.Printer(log2.LError)
	paho.ERROR = log.Printer(log2.LError)
	paho.WARN = log.Printer(log2.LInfo)
	if debug {
		paho.DEBUG = log.Printer(log2.LDebug)
	}
}

func (c *PahoClient) Close() error {
	c.alive.Stop()
	c.alive.Wait()
	if c.m.IsConnected() {
		c.m.Disconnect(uint(c.opt.NetworkTimeout / time.Millisecond))
	}
	return nil
}

func (c *PahoClient) Subscribe(ctx context.Context, topic string) (io.Closer, error) {
	if !c.alive.IsRunning() {
		return nil, ErrClientClosing
	}
	c.Lock()
	c.active[topic] = struct{}{}
	c.Unlock()
	c.opt.Stat.Subscribes.Add(1)

	if c.m.IsConnected() {
		t := c.m.Subscribe(topic, byte(c.opt.QOS), c.onMessage)
		if err := c.tokenWait(ctx, t, "subscribe topic="+topic); err != nil {
			c.Lock()
			delete(c.active, topic)
			c.Unlock()
			return nil, err
		}
	} else {
		c.opt.Log.Debugf("subscribe offline topic=%s deferred until connect", topic)
	}
	return &pahoSubscription{c: c, topic: topic}, nil
}

func (c *PahoClient) unsubscribe(topic string) error {
	c.Lock()
	_, ok := c.active[topic]
	delete(c.active, topic)
	c.Unlock()
	if !ok {
		return nil
	}
	c.opt.Stat.Unsubscribes.Add(1)
	if !c.m.IsConnected() {
		return nil
	}
	return c.tokenWait(context.Background(), c.m.Unsubscribe(topic), "unsubscribe topic="+topic)
}

func (c *PahoClient) Topics() []string {
	c.Lock()
	ts := make([]string, 0, len(c.active))
	for t := range c.active {
		ts = append(ts, t)
	}
	c.Unlock()
	sort.Strings(ts)
	return ts
}

func (c *PahoClient) connectLoop() {
	defer c.alive.Done()
	for c.alive.IsRunning() {
		t := c.m.Connect()
		if c.tokenWait(context.Background(), t, "connect") == nil {
			return // success path, paho reconnects on its own from now
		}
		select {
		case <-time.After(c.opt.ReconnectDelay):
		case <-c.alive.StopChan():
			return
		}
	}
}

func (c *PahoClient) onConnect(m paho.Client) {
	c.opt.Stat.Connects.Add(1)
	topics := c.Topics()
	c.opt.Log.Debugf("connected, restore topics=%v", topics)
	if len(topics) == 0 {
		return
	}
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = byte(c.opt.QOS)
	}
	// callback runs on paho goroutine, must not block on token
	go func() {
		t := m.SubscribeMultiple(filters, c.onMessage)
		_ = c.tokenWait(context.Background(), t, "restore subscriptions")
	}()
}

func (c *PahoClient) onConnectionLost(_ paho.Client, err error) {
	c.opt.Stat.Disconnects.Add(1)
	c.opt.Log.Errorf("mqtt connection lost: %v", err)
}

func (c *PahoClient) onMessage(_ paho.Client, msg paho.Message) {
	payload := msg.Payload()
	c.opt.Stat.Received.Add(1)
	c.opt.Stat.Bytes.Add(int64(len(payload)))
	c.opt.OnMessage(tele.Message{
		Topic:    msg.Topic(),
		Payload:  append([]byte(nil), payload...),
		Received: time.Now(),
	})
}

func (c *PahoClient) tokenWait(ctx context.Context, t paho.Token, tag string) error {
	timeout := c.opt.NetworkTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if !t.WaitTimeout(timeout) {
		err := errors.Timeoutf("mqtt %s", tag)
		c.opt.Log.Error(err)
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotatef(err, "mqtt %s", tag)
		c.opt.Log.Error(err)
		return err
	}
	return nil
}

type pahoSubscription struct {
	c     *PahoClient
	topic string
	once  sync.Once
	err   error
}

func (s *pahoSubscription) Close() error {
	s.once.Do(func() { s.err = s.c.unsubscribe(s.topic) })
	return s.err
}
