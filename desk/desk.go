// Package desk is application root: subscription registry, transports and mounted views.
//
// MQTT messages are decoded once on desk goroutine and dispatched by topic
// as Reading. Event stream events are decoded on stream goroutine and
// dispatched by device stream key as SeriesEvent or ProtectorEvent.
package desk

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/helpers/actionlist"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/registry"
	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/state"
	"github.com/power-desk/powerdesk/tele"
	tele_mqtt "github.com/power-desk/powerdesk/tele/mqtt"
	"github.com/power-desk/powerdesk/tele/sse"
	"github.com/power-desk/powerdesk/topic"
	"github.com/power-desk/powerdesk/wire"
	"github.com/temoto/alive/v2"
)

const inboxSize = 256

var ErrEventsDisabled = fmt.Errorf("event stream disabled")

// Reading is decoded MQTT message.
type Reading struct {
	Address topic.Address
	Sample  wire.Sample
	At      time.Time
}

// SeriesEvent is decoded "series" event of device stream.
type SeriesEvent struct {
	Item wire.ChargeChannelSeriesItem
	At   time.Time
}

// ProtectorEvent is decoded "protector" event of device stream.
type ProtectorEvent struct {
	Item wire.ProtectorSeriesItem
	At   time.Time
}

type Desk struct {
	Alive    *alive.Alive
	Config   *state.Config
	Log      *log2.Log
	Registry *registry.Registry
	Stat     *tele.Stat
	Sink     series.Sink
	// Tele is created from config by Init unless set before.
	Tele       tele.Subscriber
	HTTPClient *http.Client
	Location   *time.Location
	Now        func() time.Time

	inbox chan tele.Message
	lk    sync.Mutex
	views map[string]View
}

func New(log *log2.Log, cfg *state.Config) *Desk {
	return &Desk{
		Alive:    alive.NewAlive(),
		Config:   cfg,
		Log:      log,
		Registry: registry.New(registry.Options{Log: log, Strict: cfg.Registry.Strict}),
		Stat:     tele.NewStat(),
		Sink:     series.NopSink{},
		Now:      time.Now,
		inbox:    make(chan tele.Message, inboxSize),
		views:    make(map[string]View),
	}
}

// If `Init` fails, consider `Desk` is in broken state.
func (d *Desk) Init() error {
	d.Log.SetErrorFunc(d.Stat.ErrorFunc)
	if d.Tele == nil {
		t, err := tele_mqtt.NewSubscriber(&d.Config.MQTT, d.Log, d.Stat, d.OnMessage)
		if err != nil {
			return errors.Annotate(err, "desk init")
		}
		d.Tele = t
	}
	d.Alive.Add(1)
	go d.dispatcher()
	return nil
}

func (d *Desk) MustInit() {
	if err := d.Init(); err != nil {
		d.Log.Fatal(errors.ErrorStack(err))
	}
}

func (d *Desk) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		d.Log.Errorf("%s", errors.ErrorStack(err))
	}
}

// OnMessage is transport callback. Must not block transport reader,
// it delivers SUBACK while Acquire holds registry lock.
func (d *Desk) OnMessage(msg tele.Message) {
	select {
	case d.inbox <- msg:
	default:
		d.Stat.Dropped.Add(1)
		d.Log.Errorf("desk inbox full, dropped %s", msg.String())
	}
}

func (d *Desk) dispatcher() {
	defer d.Alive.Done()
	stopch := d.Alive.StopChan()
	for {
		select {
		case msg := <-d.inbox:
			d.dispatch(msg)
		case <-stopch:
			return
		}
	}
}

func (d *Desk) dispatch(msg tele.Message) {
	a, err := topic.Parse(msg.Topic)
	var s wire.Sample
	if err == nil {
		s, err = wire.Decode(a.Metric, msg.Payload)
	}
	if err != nil {
		d.dropMalformed(msg.Topic, err)
		return
	}
	r := Reading{Address: a, Sample: s, At: d.at(msg.Received)}
	if n := d.Registry.Dispatch(msg.Topic, r); n == 0 {
		d.Stat.Dropped.Add(1)
		d.Log.Debugf("desk no listener topic=%s", msg.Topic)
	}
}

func (d *Desk) dispatchEvent(key string, e sse.Event) {
	var x interface{}
	switch e.Name {
	case wire.EventSeries:
		item, err := wire.DecodeSeriesEvent(e.Data)
		if err != nil {
			d.dropMalformed(key+" event="+e.Name, err)
			return
		}
		x = SeriesEvent{Item: item, At: d.at(e.Received)}

	case wire.EventProtector:
		item, err := wire.DecodeProtectorEvent(e.Data)
		if err != nil {
			d.dropMalformed(key+" event="+e.Name, err)
			return
		}
		x = ProtectorEvent{Item: item, At: d.at(e.Received)}

	default:
		d.Stat.Dropped.Add(1)
		d.Log.Debugf("desk key=%s unknown event=%s", key, e.Name)
		return
	}
	if n := d.Registry.Dispatch(key, x); n == 0 {
		d.Stat.Dropped.Add(1)
	}
}

// Malformed message is dropped, state is unchanged.
func (d *Desk) dropMalformed(key string, err error) {
	d.Stat.DecodeErrors.Add(1)
	d.Stat.Dropped.Add(1)
	d.Log.Errorf("desk drop key=%s err=%v", key, err)
}

func (d *Desk) at(t time.Time) time.Time {
	if t.IsZero() {
		return d.Now()
	}
	return t
}

func (d *Desk) acquireTopic(ctx context.Context, t string) error {
	_, err := d.Registry.Acquire(t, func() (registry.Handle, error) {
		return d.Tele.Subscribe(ctx, t)
	})
	return err
}

// EventsKey is registry key of device event stream.
func EventsKey(device string) string { return "/api/devices/" + device }

func (d *Desk) acquireEvents(device string) (string, error) {
	key := EventsKey(device)
	ev := &d.Config.Events
	if !ev.Enabled {
		return key, errors.Annotatef(ErrEventsDisabled, "device=%s", device)
	}
	log := d.Log.Named("events " + device)
	if !ev.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	_, err := d.Registry.Acquire(key, func() (registry.Handle, error) {
		return sse.Open(sse.Options{
			URL:          ev.DeviceURL(device),
			Client:       d.HTTPClient,
			Parent:       d.Alive,
			ReconnectMin: helpers.IntMillisecondDefault(ev.ReconnectMinMs, sse.DefaultReconnectMin),
			ReconnectMax: helpers.IntMillisecondDefault(ev.ReconnectMaxMs, sse.DefaultReconnectMax),
			OnEvent:      func(e sse.Event) { d.dispatchEvent(key, e) },
			Log:          log,
			Stat:         d.Stat,
		})
	})
	return key, err
}

// Mount starts view and makes it visible by ID.
func (d *Desk) Mount(ctx context.Context, v View) error {
	id := v.ID()
	d.lk.Lock()
	if _, ok := d.views[id]; ok {
		d.lk.Unlock()
		return errors.AlreadyExistsf("view=%s", id)
	}
	d.views[id] = v
	d.lk.Unlock()

	if err := v.Mount(ctx); err != nil {
		d.lk.Lock()
		delete(d.views, id)
		d.lk.Unlock()
		return errors.Annotatef(err, "mount view=%s", id)
	}
	d.Log.Debugf("desk mounted view=%s", id)
	return nil
}

func (d *Desk) Unmount(id string) error {
	d.lk.Lock()
	v, ok := d.views[id]
	delete(d.views, id)
	d.lk.Unlock()
	if !ok {
		return errors.NotFoundf("view=%s", id)
	}
	d.Log.Debugf("desk unmount view=%s", id)
	return errors.Annotatef(v.Unmount(), "unmount view=%s", id)
}

func (d *Desk) View(id string) (View, bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	v, ok := d.views[id]
	return v, ok
}

// Views returns mounted views sorted by ID.
func (d *Desk) Views() []View {
	d.lk.Lock()
	vs := make([]View, 0, len(d.views))
	for _, v := range d.views {
		vs = append(vs, v)
	}
	d.lk.Unlock()
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID() < vs[j].ID() })
	return vs
}

func (d *Desk) Charts() []Chart {
	vs := d.Views()
	cs := make([]Chart, 0, len(vs))
	for _, v := range vs {
		if c, ok := v.(Chart); ok {
			cs = append(cs, c)
		}
	}
	return cs
}

// DevicePage lists views of device page, not mounted.
func (d *Desk) DevicePage(device string) []View {
	dc := d.Config.Device(device)
	events := d.Config.Events.Enabled
	vs := []View{NewTemperatureChart(d, device)}
	for _, ch := range dc.Channels {
		vs = append(vs, NewChannelChart(d, device, ch), NewChannelStats(d, device, ch))
		if events {
			vs = append(vs, NewEventSeriesChart(d, device, ch))
		}
	}
	if events {
		vs = append(vs, NewProtectorPanel(d, device))
	}
	return vs
}

// MountDevice mounts device page views concurrently. All or nothing.
func (d *Desk) MountDevice(ctx context.Context, device string) error {
	vs := d.DevicePage(device)
	for _, v := range vs {
		if _, ok := d.View(v.ID()); ok {
			return errors.AlreadyExistsf("device=%s view=%s", device, v.ID())
		}
	}
	al := actionlist.List{}
	for _, v := range vs {
		v := v
		al.Append(func(ctx context.Context) error { return d.Mount(ctx, v) }, v.ID())
	}
	errs := al.Do(ctx)
	if len(errs) == 0 {
		d.Log.Infof("desk mounted device=%s views=%d", device, len(vs))
		return nil
	}
	for _, v := range vs {
		if cur, ok := d.View(v.ID()); ok && cur == v {
			if err := d.Unmount(v.ID()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Annotatef(helpers.FoldErrors(errs), "mount device=%s", device)
}

func (d *Desk) UnmountDevice(device string) error {
	prefix := device + "/"
	errs := make([]error, 0)
	found := false
	for _, v := range d.Views() {
		if strings.HasPrefix(v.ID(), prefix) {
			found = true
			if err := d.Unmount(v.ID()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if !found {
		return errors.NotFoundf("device=%s", device)
	}
	return helpers.FoldErrors(errs)
}

func (d *Desk) Close() error {
	d.Alive.Stop()
	d.lk.Lock()
	views := d.views
	d.views = make(map[string]View)
	d.lk.Unlock()

	errs := make([]error, 0)
	for id, v := range views {
		if err := v.Unmount(); err != nil {
			errs = append(errs, errors.Annotatef(err, "unmount view=%s", id))
		}
	}
	if err := d.Registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if d.Tele != nil {
		if err := d.Tele.Close(); err != nil {
			errs = append(errs, errors.Annotate(err, "tele close"))
		}
	}
	d.Alive.Wait()
	return helpers.FoldErrors(errs)
}
