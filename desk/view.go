package desk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/helpers"
	"github.com/power-desk/powerdesk/registry"
	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/topic"
	"github.com/power-desk/powerdesk/wire"
)

// View is mountable consumer of device telemetry.
// Mount and Unmount are called by Desk, not concurrently for one view.
type View interface {
	ID() string
	Mount(ctx context.Context) error
	Unmount() error
}

// Chart is view backed by series buffer.
type Chart interface {
	View
	Snapshot() series.Snapshot
}

func TemperatureChartID(device string) string { return device + "/temperature" }
func ChannelChartID(device string, channel int) string {
	return fmt.Sprintf("%s/ch%d/chart", device, channel)
}
func ChannelStatsID(device string, channel int) string {
	return fmt.Sprintf("%s/ch%d/stats", device, channel)
}
func EventSeriesChartID(device string, channel int) string {
	return fmt.Sprintf("%s/ch%d/events", device, channel)
}
func ProtectorPanelID(device string) string { return device + "/protector" }

// binding holds registry references of one mounted view.
type binding struct {
	d        *Desk
	lk       sync.Mutex
	mounted  bool
	keys     []string
	detaches []func()
}

// mount runs f to acquire references, partial result is released on error.
func (b *binding) mount(f func() error) error {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.mounted {
		return errors.AlreadyExistsf("mounted")
	}
	if err := f(); err != nil {
		_ = b.releaseLocked()
		return err
	}
	b.mounted = true
	return nil
}

func (b *binding) topic(ctx context.Context, device string, m topic.Metric, channel int, l registry.Listener) error {
	t, err := topic.For(device, m, channel)
	if err != nil {
		return err
	}
	if err := b.d.acquireTopic(ctx, t); err != nil {
		return err
	}
	return b.attach(t, l)
}

func (b *binding) events(device string, l registry.Listener) error {
	key, err := b.d.acquireEvents(device)
	if err != nil {
		return err
	}
	return b.attach(key, l)
}

func (b *binding) attach(key string, l registry.Listener) error {
	b.keys = append(b.keys, key)
	detach, err := b.d.Registry.Attach(key, l)
	if err != nil {
		return err
	}
	b.detaches = append(b.detaches, detach)
	return nil
}

func (b *binding) release() error {
	b.lk.Lock()
	defer b.lk.Unlock()
	if !b.mounted {
		return nil
	}
	return b.releaseLocked()
}

// Listeners are detached before references are dropped,
// so no callback runs after release returns.
func (b *binding) releaseLocked() error {
	for _, f := range b.detaches {
		f()
	}
	errs := make([]error, 0)
	for _, k := range b.keys {
		if err := b.d.Registry.Release(k); err != nil {
			errs = append(errs, err)
		}
	}
	b.keys, b.detaches, b.mounted = nil, nil, false
	return helpers.FoldErrors(errs)
}

type point struct {
	m topic.Metric
	v float64
}

// chart owns series buffer from mount to unmount.
type chart struct {
	id string
	d  *Desk
	b  binding
	mu sync.Mutex
	// guarded by mu
	buf *series.Buffer
}

func newChart(d *Desk, id string, metrics ...topic.Metric) chart {
	return chart{
		id:  id,
		d:   d,
		b:   binding{d: d},
		buf: series.New(d.Config.SeriesOptions(), metrics...),
	}
}

func (c *chart) ID() string { return c.id }

func (c *chart) Snapshot() series.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Snapshot(c.d.Location)
}

func (c *chart) Buckets() []series.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Buckets()
}

func (c *chart) mount(f func() error) error {
	helpers.WithLock(&c.mu, c.buf.Reset)
	return c.b.mount(f)
}

func (c *chart) Unmount() error {
	err := c.b.release()
	helpers.WithLock(&c.mu, c.buf.Reset)
	return err
}

// ingest stores points in one step and notifies sink outside of lock.
func (c *chart) ingest(now time.Time, ps ...point) {
	var snap series.Snapshot
	changed := false
	helpers.WithLock(&c.mu, func() {
		for _, p := range ps {
			if c.buf.Ingest(p.m, p.v, now) {
				changed = true
			}
		}
		if changed {
			snap = c.buf.Snapshot(c.d.Location)
		}
	})
	if changed {
		c.d.Sink.SeriesChanged(c.id, snap)
	}
}

func (c *chart) onReading(x interface{}) {
	r, ok := x.(Reading)
	if !ok || r.Sample.Kind != wire.KindScalar {
		return
	}
	c.ingest(r.At, point{r.Address.Metric, r.Sample.Scalar})
}

// ChannelChart is voltage, current and power of one channel from MQTT.
type ChannelChart struct {
	chart
	Device  string
	Channel int
}

var channelChartMetrics = []topic.Metric{topic.MetricVoltage, topic.MetricCurrent, topic.MetricPower}

func NewChannelChart(d *Desk, device string, channel int) *ChannelChart {
	return &ChannelChart{
		chart:   newChart(d, ChannelChartID(device, channel), channelChartMetrics...),
		Device:  device,
		Channel: channel,
	}
}

func (c *ChannelChart) Mount(ctx context.Context) error {
	return c.mount(func() error {
		for _, m := range channelChartMetrics {
			if err := c.b.topic(ctx, c.Device, m, c.Channel, c.onReading); err != nil {
				return err
			}
		}
		return nil
	})
}

// TemperatureChart is device-wide temperature from MQTT.
type TemperatureChart struct {
	chart
	Device string
}

func NewTemperatureChart(d *Desk, device string) *TemperatureChart {
	return &TemperatureChart{
		chart:  newChart(d, TemperatureChartID(device), topic.MetricTemperature),
		Device: device,
	}
}

func (c *TemperatureChart) Mount(ctx context.Context) error {
	return c.mount(func() error {
		return c.b.topic(ctx, c.Device, topic.MetricTemperature, -1, c.onReading)
	})
}

// EventSeriesChart is voltage, current and power of one channel from device event stream.
type EventSeriesChart struct {
	chart
	Device  string
	Channel int
}

func NewEventSeriesChart(d *Desk, device string, channel int) *EventSeriesChart {
	return &EventSeriesChart{
		chart:   newChart(d, EventSeriesChartID(device, channel), channelChartMetrics...),
		Device:  device,
		Channel: channel,
	}
}

func (c *EventSeriesChart) Mount(ctx context.Context) error {
	return c.mount(func() error { return c.b.events(c.Device, c.onEvent) })
}

func (c *EventSeriesChart) onEvent(x interface{}) {
	e, ok := x.(SeriesEvent)
	if !ok || e.Item.Channel != c.Channel {
		return
	}
	c.ingest(e.At,
		point{topic.MetricVoltage, e.Item.Voltage.Value()},
		point{topic.MetricCurrent, e.Item.Current.Value()},
		point{topic.MetricPower, e.Item.Power.Value()},
	)
}

// ProtectorPanel is latest protector sample and its history.
type ProtectorPanel struct {
	chart
	Device string
	// guarded by chart.mu
	latest wire.ProtectorSeriesItem
	seen   bool
}

func NewProtectorPanel(d *Desk, device string) *ProtectorPanel {
	return &ProtectorPanel{
		chart: newChart(d, ProtectorPanelID(device),
			topic.MetricVoltage, topic.MetricCurrent, topic.MetricPower, topic.MetricTemperature),
		Device: device,
	}
}

func (p *ProtectorPanel) Mount(ctx context.Context) error {
	helpers.WithLock(&p.mu, func() { p.seen = false })
	return p.mount(func() error { return p.b.events(p.Device, p.onEvent) })
}

func (p *ProtectorPanel) Latest() (wire.ProtectorSeriesItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.seen
}

func (p *ProtectorPanel) onEvent(x interface{}) {
	e, ok := x.(ProtectorEvent)
	if !ok {
		return
	}
	helpers.WithLock(&p.mu, func() {
		p.latest = e.Item
		p.seen = true
	})
	p.ingest(e.At,
		point{topic.MetricVoltage, e.Item.Voltage.Value()},
		point{topic.MetricCurrent, e.Item.Current.Value()},
		point{topic.MetricPower, e.Item.Power.Value()},
		point{topic.MetricTemperature, e.Item.Temperature.Value()},
	)
}
