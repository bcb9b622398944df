package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/tele"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
)

const DefaultNetworkTimeout = 30 * time.Second
const DefaultReconnectDelay = 3 * time.Second

var ErrClientClosing = fmt.Errorf("MQTT client is closing")

type ClientOptions struct {
	BrokerURL      string
	TLS            *tls.Config
	ReconnectDelay time.Duration
	NetworkTimeout time.Duration
	KeepaliveSec   uint16
	ClientID       string
	Username       string
	Password       string
	QOS            packet.QOS
	OnMessage      tele.OnMessage
	Log            *log2.Log
	Stat           *tele.Stat

	conpkt   *packet.Connect
	dialer   *transport.Dialer
	onpacket func(*clientConn, packet.Generic)
	topics   func() []packet.Subscription
	expect   func(packet.ID) *helpers.Future
	nextID   func() packet.ID
	dropped  func(topics []string)
}

// Power desk telemetry subscriber on gomqtt.
// - NewClient() returns only configuration errors, network IO is done in background
// - Connect with clean session only
// - Dynamic Subscribe/Unsubscribe, active set is restored after reconnect
// - Unlimited reconnect attempts until Close()
// - QOS 0,1 receive, no publish
type Client struct { //nolint:maligned
	sync.Mutex

	alive   *alive.Alive
	current *clientConn
	lastID  uint32
	opt     ClientOptions
	active  map[string]struct{}

	flowAck struct {
		sync.Mutex
		pending map[packet.ID]*helpers.Future
	}
}

var _ tele.Subscriber = &Client{}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error mqtt.ClientOptions.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReconnectDelay == 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.QOS > packet.QOSAtLeastOnce {
		return nil, errors.NotValidf("mqtt QOS=%d", opt.QOS)
	}
	if opt.Stat == nil {
		opt.Stat = tele.NewStat()
	}
	if u, err := url.ParseRequestURI(opt.BrokerURL); err != nil {
		return nil, errors.Annotatef(err, "config error mqtt BrokerURL=%s", opt.BrokerURL)
	} else if u.User != nil && opt.Username == "" && opt.Password == "" {
		opt.Username = u.User.Username()
		opt.Password, _ = u.User.Password()
	}
	opt.conpkt = packet.NewConnect()
	opt.conpkt.ClientID = defaultString(opt.ClientID, opt.Username)
	opt.conpkt.KeepAlive = opt.KeepaliveSec
	opt.conpkt.CleanSession = true
	opt.conpkt.Username = opt.Username
	opt.conpkt.Password = opt.Password
	opt.dialer = transport.NewDialer(transport.DialConfig{
		TLSConfig: opt.TLS,
		Timeout:   opt.NetworkTimeout,
	})

	c := &Client{
		alive:  alive.NewAlive(),
		lastID: uint32(time.Now().UnixNano()),
		opt:    opt,
		active: make(map[string]struct{}),
	}
	c.flowAck.pending = make(map[packet.ID]*helpers.Future)
	c.opt.onpacket = c.onPacket
	c.opt.topics = c.subscriptions
	c.opt.expect = c.expectAck
	c.opt.dropped = c.forget
	c.opt.nextID = c.nextID
	_ = c.clientConn(true)

	c.alive.Add(1)
	go c.worker()
	return c, nil
}

func (c *Client) Close() error {
	err := c.Disconnect()
	c.alive.Stop()
	c.alive.Wait()
	if err == client.ErrClientNotConnected {
		err = nil
	}
	return err
}

func (c *Client) Disconnect() error {
	err := client.ErrClientNotConnected
	if cc := c.clientConn(false); cc != nil {
		err = cc.send(packet.NewDisconnect())
		_ = cc.die(ErrClientClosing)
	}
	return err
}

// Subscribe adds topic to active set.
// Connected client waits for SUBACK within ctx and NetworkTimeout.
// Offline client returns immediately, topic is subscribed on next connect.
func (c *Client) Subscribe(ctx context.Context, topic string) (io.Closer, error) {
	if !c.alive.IsRunning() {
		return nil, ErrClientClosing
	}
	c.Lock()
	c.active[topic] = struct{}{}
	cc := c.current
	c.Unlock()
	c.opt.Stat.Subscribes.Add(1)

	if cc.connected() {
		subpkt := packet.NewSubscribe()
		subpkt.ID = c.nextID()
		subpkt.Subscriptions = []packet.Subscription{{Topic: topic, QOS: c.opt.QOS}}
		result, err := c.request(ctx, cc, subpkt.ID, subpkt)
		if err != nil {
			c.forget([]string{topic})
			return nil, errors.Annotatef(err, "subscribe topic=%s", topic)
		}
		if suback, ok := result.(*packet.Suback); ok {
			for _, code := range suback.ReturnCodes {
				if code == packet.QOSFailure {
					c.forget([]string{topic})
					return nil, errors.Annotatef(tele.ErrSubscribeFail, "topic=%s", topic)
				}
			}
		}
	} else {
		c.opt.Log.Debugf("subscribe offline topic=%s deferred until connect", topic)
	}
	return &subscription{c: c, topic: topic}, nil
}

func (c *Client) unsubscribe(topic string) error {
	c.Lock()
	_, ok := c.active[topic]
	delete(c.active, topic)
	cc := c.current
	c.Unlock()
	if !ok {
		return nil
	}
	c.opt.Stat.Unsubscribes.Add(1)
	if !cc.connected() {
		return nil
	}

	unsubpkt := packet.NewUnsubscribe()
	unsubpkt.ID = c.nextID()
	unsubpkt.Topics = []string{topic}
	ctx, cancel := context.WithTimeout(context.Background(), c.opt.NetworkTimeout)
	defer cancel()
	if _, err := c.request(ctx, cc, unsubpkt.ID, unsubpkt); err != nil {
		return errors.Annotatef(err, "unsubscribe topic=%s", topic)
	}
	return nil
}

// Topics returns active subscription set, sorted.
func (c *Client) Topics() []string {
	subs := c.subscriptions()
	ts := make([]string, len(subs))
	for i, s := range subs {
		ts[i] = s.Topic
	}
	return ts
}

// Returns, in this order:
// - ErrClosing if client stopped with Close()
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (c *Client) WaitReady(ctx context.Context) error {
	donech := ctx.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(false)
		if cc == nil {
			select {
			case <-time.After(100 * time.Millisecond):
				continue

			case <-donech:
				return context.Canceled

			case <-stopch:
				return ErrClientClosing
			}
		}

		switch cc.waitReady(ctx) {
		case nil: // success path
			return nil

		case context.Canceled:
			return context.Canceled

		case ErrClientClosing: // current connection is lost, just try again
		}
	}
}

func (c *Client) clientConn(create bool) *clientConn {
	c.Lock()
	defer c.Unlock()
	if !c.alive.IsRunning() {
		return nil
	}
	if c.current != nil && !c.current.alive.IsRunning() {
		c.current = nil
	}
	if c.current == nil && create {
		c.current = newClientConn(c.opt)
	}
	return c.current
}

func (c *Client) subscriptions() []packet.Subscription {
	c.Lock()
	subs := make([]packet.Subscription, 0, len(c.active))
	for t := range c.active {
		subs = append(subs, packet.Subscription{Topic: t, QOS: c.opt.QOS})
	}
	c.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].Topic < subs[j].Topic })
	return subs
}

func (c *Client) forget(topics []string) {
	c.Lock()
	for _, t := range topics {
		delete(c.active, t)
	}
	c.Unlock()
}

func (c *Client) expectAck(id packet.ID) *helpers.Future {
	f := helpers.NewFuture()
	c.flowAck.Lock()
	c.flowAck.pending[id] = f
	c.flowAck.Unlock()
	return f
}

func (c *Client) completeAck(id packet.ID, pkt packet.Generic) bool {
	c.flowAck.Lock()
	f, ok := c.flowAck.pending[id]
	delete(c.flowAck.pending, id)
	c.flowAck.Unlock()
	if !ok {
		return false
	}
	return f.Complete(pkt)
}

// send request packet and wait for SUBACK/UNSUBACK with same id
func (c *Client) request(ctx context.Context, cc *clientConn, id packet.ID, pkt packet.Generic) (interface{}, error) {
	f := c.expectAck(id)
	defer func() {
		c.flowAck.Lock()
		delete(c.flowAck.pending, id)
		c.flowAck.Unlock()
		f.Cancel(nil)
	}()
	if err := cc.send(pkt); err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-cc.alive.StopChan():
			f.Cancel(ErrClientClosing)
		case <-f.Completed():
		case <-f.Cancelled():
		}
	}()
	result, err := f.Wait(ctx, c.opt.NetworkTimeout)
	if err == helpers.ErrFutureTimeout {
		err = errors.Timeoutf("%s ack", pkt.Type().String())
	}
	return result, err
}

func (c *Client) nextID() packet.ID {
	for {
		u32 := atomic.AddUint32(&c.lastID, 1)
		// packet id 0 is not allowed
		if id := packet.ID(u32 % (1 << 16)); id != 0 {
			return id
		}
	}
}

func (c *Client) onPacket(conn *clientConn, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		c.onPublish(conn, pt)
	case *packet.Suback:
		if !c.completeAck(pt.ID, pt) {
			c.opt.Log.Errorf("unexpected SUBACK id=%d", pt.ID)
		}
	case *packet.Unsuback:
		if !c.completeAck(pt.ID, pt) {
			c.opt.Log.Debugf("late UNSUBACK id=%d", pt.ID)
		}
	default:
		c.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (c *Client) onPublish(conn *clientConn, publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		_ = conn.die(errors.NotSupportedf("server sent qos=2"))
		return
	}

	c.opt.Stat.Received.Add(1)
	c.opt.Stat.Bytes.Add(int64(len(publish.Message.Payload)))
	c.opt.OnMessage(tele.Message{
		Topic:    publish.Message.Topic,
		Payload:  append([]byte(nil), publish.Message.Payload...),
		Received: time.Now(),
	})

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = conn.send(puback)
	}
}

func (c *Client) worker() {
	defer c.alive.Done()
	stopch := c.alive.StopChan()
	for {
		cc := c.clientConn(true)
		if cc == nil {
			return
		}
		select {
		case <-cc.alive.WaitChan():
			c.opt.Stat.Disconnects.Add(1)

		case <-stopch:
			_ = cc.die(ErrClientClosing)
			cc.alive.Wait()
			return
		}

		c.opt.Log.Debugf("wait ReconnectDelay=%v", c.opt.ReconnectDelay)
		select {
		case <-time.After(c.opt.ReconnectDelay):

		case <-stopch:
			return
		}
	}
}

type subscription struct {
	c     *Client
	topic string
	once  sync.Once
	err   error
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.err = s.c.unsubscribe(s.topic) })
	return s.err
}

// Single client connection. `transport.Conn` with CONNECT, SUBSCRIBE and pings.
// Differences from upstream 256dpi/gomqtt/client.Client:
// - observe connected and subscribed events via futures
// - no mutex, state is set once at creation, except transport.Conn which requires blocking Dial
// - subscribe whole active set right after connect
type clientConn struct {
	alive  *alive.Alive
	closed uint32
	confu  *future.Future
	conn   atomic.Value // transport.Conn
	opt    ClientOptions
	pingat atomic_clock.Clock // timestamp of last outgoing control packet
	pongat atomic_clock.Clock // timestamp of last incoming control packet
	subfu  *future.Future
}

func newClientConn(opt ClientOptions) *clientConn {
	cc := &clientConn{
		alive: alive.NewAlive(),
		confu: future.New(),
		opt:   opt,
		subfu: future.New(),
	}
	cc.alive.Add(1)
	go cc.connect()
	return cc
}

func (cc *clientConn) connected() bool {
	if cc == nil || !cc.alive.IsRunning() {
		return false
	}
	ok, _ := cc.confu.Result().(bool)
	return ok
}

func (cc *clientConn) die(e error) error {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&cc.closed, 0, 1) {
		return e
	}
	if e != ErrClientClosing {
		cc.opt.Log.Errorf("mqtt connection lost: %v", e)
	}
	cc.alive.Stop()
	cc.confu.Cancel(e)
	cc.subfu.Cancel(e)
	if conn := cc.getConn(); conn != nil {
		_ = conn.Close()
	}
	return e
}

func (cc *clientConn) getConn() transport.Conn {
	if x := cc.conn.Load(); x != nil {
		return x.(transport.Conn)
	}
	return nil
}

// dial, send CONNECT, wait CONNACK, start pinger, reader and subscriber
func (cc *clientConn) connect() {
	defer cc.alive.Done()

	conn, err := cc.opt.dialer.Dial(cc.opt.BrokerURL)
	if err != nil {
		_ = cc.die(errors.Annotatef(err, "connect: dial broker=%s", cc.opt.BrokerURL))
		return
	}
	cc.conn.Store(conn)
	if err = cc.send(cc.opt.conpkt); err != nil {
		return
	}

	{ // expect CONNACK
		conn.SetReadTimeout(cc.opt.NetworkTimeout)
		pkt, err := conn.Receive()
		if err != nil {
			_ = cc.die(errors.Annotate(err, "connect: expect CONNACK"))
			return
		}
		connack, ok := pkt.(*packet.Connack)
		if !ok {
			err = errors.Annotatef(client.ErrClientExpectedConnack, "connect: server error pkt=%s", PacketString(pkt))
			_ = cc.die(err)
			return
		}
		cc.opt.Log.Debugf("CONNACK=%s", connack.String())
		if connack.ReturnCode != packet.ConnectionAccepted {
			_ = cc.die(errors.Annotate(client.ErrClientConnectionDenied, connack.ReturnCode.String()))
			return
		}
		cc.opt.Stat.Connects.Add(1)
		cc.confu.Complete(true)
		conn.SetReadTimeout(0)
	}

	if !cc.alive.Add(3) {
		_ = cc.die(context.Canceled)
		return
	}
	cc.pongat.SetNow()
	go cc.pinger()
	go cc.reader()
	go cc.subscriber()
}

// Sends ping packets to keep the connection alive.
// PINGREQ is only sent if Keepalive-NetworkTimeout has passed since last command.
func (cc *clientConn) pinger() {
	defer cc.alive.Done()
	if cc.opt.KeepaliveSec == 0 {
		return
	}

	// [MQTT-3.1.2-24] basically says control packets must arrive at most KeepaliveSec*1.5 apart.
	keepalive := keepaliveAndHalf(cc.opt.KeepaliveSec)
	// Try to send PINGREQ as late as possible to keep network traffic to minimum while respecting possible network issues.
	interval := keepalive - cc.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := cc.alive.StopChan()
	for cc.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(&cc.pingat)
		sincePong := now.Sub(&cc.pongat)

		if window > 0 && window < interval {
			select {
			case <-time.After(interval - window):
				continue

			case <-stopch:
				return
			}
		} else if window >= interval {
			if err := cc.send(packet.NewPingreq()); err != nil {
				return
			}
		}

		if sincePong > keepalive {
			_ = cc.die(client.ErrClientMissingPong)
			return
		}
	}
}

func (cc *clientConn) reader() {
	defer cc.alive.Done()

	conn := cc.getConn()
	for {
		pkt, err := conn.Receive()
		if !cc.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			_ = cc.die(errors.Errorf("server closed connection"))
			return

		default:
			_ = cc.die(errors.Annotate(err, "receive"))
			return
		}
		cc.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pkt.(type) {
		case *packet.Connack:
			_ = cc.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:
			cc.pongat.SetNow()

		default:
			cc.opt.onpacket(cc, pkt)
		}
	}
}

func (cc *clientConn) send(p packet.Generic) error {
	if cc == nil {
		return client.ErrClientNotConnected
	}
	conn := cc.getConn()
	if conn == nil {
		return client.ErrClientNotConnected
	}
	if err := conn.Send(p, false); err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		return cc.die(err)
	}
	cc.pingat.SetNow()
	cc.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

// restore active set after connect
func (cc *clientConn) subscriber() {
	defer cc.alive.Done()
	subs := cc.opt.topics()
	if len(subs) == 0 {
		cc.subfu.Complete(true)
		return
	}

	subpkt := packet.NewSubscribe()
	subpkt.ID = cc.opt.nextID()
	subpkt.Subscriptions = subs
	f := cc.opt.expect(subpkt.ID)
	if err := cc.send(subpkt); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cc.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	result, err := f.Wait(ctx, cc.opt.NetworkTimeout)
	switch err {
	case nil:
	case helpers.ErrFutureTimeout:
		_ = cc.die(errors.Timeoutf("subscribe"))
		return
	default:
		return
	}

	suback, _ := result.(*packet.Suback)
	if suback == nil {
		_ = cc.die(errors.Annotatef(client.ErrFailedSubscription, "unexpected ack=%v", result))
		return
	}
	failed := make([]string, 0)
	for i, code := range suback.ReturnCodes {
		if code == packet.QOSFailure && i < len(subs) {
			failed = append(failed, subs[i].Topic)
		}
	}
	if len(failed) != 0 {
		cc.opt.Log.Errorf("subscribe rejected topics=%v", failed)
		cc.opt.dropped(failed)
	}
	cc.subfu.Complete(true)
}

// Returns, in this order:
// - ErrClosing if clientConn is in final invalid state
// - nil if connected and subscribed within context limit
// - context.Canceled if context canceled/expired before successful connection
func (cc *clientConn) waitReady(ctx context.Context) error {
	if cc == nil {
		return ErrClientClosing
	}

	pollInterval := 100 * time.Millisecond
	if deadline, ok := ctx.Deadline(); ok {
		if timeout := -time.Since(deadline); timeout > 0 && timeout < pollInterval {
			pollInterval = timeout
		} else if timeout <= 0 {
			pollInterval = 1
		}
	}

	donech := ctx.Done()
	for {
		if !cc.alive.IsRunning() {
			return ErrClientClosing
		}
		_ = cc.confu.Wait(pollInterval)
		_ = cc.subfu.Wait(pollInterval)
		connected, _ := cc.confu.Result().(bool)
		subscribed, _ := cc.subfu.Result().(bool)
		if connected && subscribed {
			return nil
		}

		select {
		case <-time.After(pollInterval):

		case <-donech:
			return context.Canceled
		}
	}
}
