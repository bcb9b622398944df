package desk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/log2"
	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/state"
	"github.com/power-desk/powerdesk/tele"
	"github.com/power-desk/powerdesk/topic"
	"github.com/power-desk/powerdesk/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type sinkEvent struct {
	id   string
	snap series.Snapshot
}

// fakeTele counts subscribe and unsubscribe calls per topic.
type fakeTele struct {
	mu     sync.Mutex
	subs   map[string]int
	unsubs map[string]int
	fail   func(topic string) error
}

func newFakeTele() *fakeTele {
	return &fakeTele{subs: make(map[string]int), unsubs: make(map[string]int)}
}

func (f *fakeTele) subscriber() tele.Func {
	return tele.Func{
		SubscribeFunc: func(ctx context.Context, t string) error {
			if f.fail != nil {
				if err := f.fail(t); err != nil {
					return err
				}
			}
			f.mu.Lock()
			f.subs[t]++
			f.mu.Unlock()
			return nil
		},
		UnsubscribeFunc: func(t string) error {
			f.mu.Lock()
			f.unsubs[t]++
			f.mu.Unlock()
			return nil
		},
	}
}

func (f *fakeTele) counts(t string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[t], f.unsubs[t]
}

func newTestDesk(t testing.TB, cfg *state.Config) (*Desk, *fakeTele, <-chan sinkEvent) {
	if cfg == nil {
		cfg = &state.Config{}
	}
	d := New(log2.NewTest(t, log2.LDebug), cfg)
	ft := newFakeTele()
	d.Tele = ft.subscriber()
	d.Location = time.UTC
	sinkch := make(chan sinkEvent, 64)
	d.Sink = series.SinkFunc(func(id string, s series.Snapshot) { sinkch <- sinkEvent{id, s} })
	require.NoError(t, d.Init())
	return d, ft, sinkch
}

func expectSink(t testing.TB, ch <-chan sinkEvent, id string) series.Snapshot {
	for {
		select {
		case e := <-ch:
			if e.id == id {
				return e.snap
			}
		case <-time.After(testTimeout):
			t.Fatalf("sink timeout id=%s", id)
			return series.Snapshot{}
		}
	}
}

func send(d *Desk, device string, m topic.Metric, ch int, payload []byte, at time.Time) {
	d.OnMessage(tele.Message{Topic: topic.MustFor(device, m, ch), Payload: payload, Received: at})
}

func values(bk series.Bucket) []interface{} {
	out := make([]interface{}, len(bk.Values))
	for i, v := range bk.Values {
		if v.Valid {
			out[i] = v.V
		}
	}
	return out
}

func TestEndToEnd(t *testing.T) {
	t.Parallel()
	d, ft, sinkch := newTestDesk(t, nil)
	defer d.Close()
	ctx := context.Background()

	chart := NewChannelChart(d, "dev1", 0)
	require.NoError(t, d.Mount(ctx, chart))
	for _, m := range []topic.Metric{topic.MetricVoltage, topic.MetricCurrent, topic.MetricPower} {
		subs, _ := ft.counts(topic.MustFor("dev1", m, 0))
		assert.Equal(t, 1, subs, m.String())
	}

	base := time.Unix(1700000000, 0)
	send(d, "dev1", topic.MetricVoltage, 0, wire.EncodeUint32Milli(12000), base)
	send(d, "dev1", topic.MetricCurrent, 0, wire.EncodeInt32Milli(500), base.Add(50*time.Millisecond))
	send(d, "dev1", topic.MetricPower, 0, wire.EncodeUint32Milli(6000), base.Add(1200*time.Millisecond))
	var snap series.Snapshot
	for i := 0; i < 3; i++ {
		snap = expectSink(t, sinkch, chart.ID())
	}

	bs := chart.Buckets()
	require.Len(t, bs, 2)
	baseMs := base.UnixNano() / int64(time.Millisecond)
	assert.Equal(t, baseMs, bs[0].Timestamp)
	assert.Equal(t, []interface{}{12.0, 0.5, nil}, values(bs[0]))
	assert.Equal(t, baseMs+1200, bs[1].Timestamp)
	assert.Equal(t, []interface{}{nil, nil, 6.0}, values(bs[1]))
	assert.Equal(t, []string{"22:13:20", "22:13:21"}, snap.Labels)
	assert.Equal(t, []Chart{chart}, d.Charts())

	require.NoError(t, d.Unmount(chart.ID()))
	_, unsubs := ft.counts(topic.MustFor("dev1", topic.MetricVoltage, 0))
	assert.Equal(t, 1, unsubs)
	assert.Len(t, d.Registry.Entries(), 0)
	assert.Equal(t, 0, chart.Snapshot().Len())
}

func TestSharedSubscription(t *testing.T) {
	t.Parallel()
	d, ft, _ := newTestDesk(t, nil)
	defer d.Close()
	ctx := context.Background()
	voltage := topic.MustFor("dev1", topic.MetricVoltage, 0)

	chart := NewChannelChart(d, "dev1", 0)
	stats := NewChannelStats(d, "dev1", 0)
	require.NoError(t, d.Mount(ctx, chart))
	require.NoError(t, d.Mount(ctx, stats))
	subs, unsubs := ft.counts(voltage)
	assert.Equal(t, 1, subs)
	assert.Equal(t, 0, unsubs)
	assert.Equal(t, 2, d.Registry.RefCount(voltage))

	require.NoError(t, d.Unmount(chart.ID()))
	_, unsubs = ft.counts(voltage)
	assert.Equal(t, 0, unsubs)
	assert.Equal(t, 1, d.Registry.RefCount(voltage))

	require.NoError(t, d.Unmount(stats.ID()))
	_, unsubs = ft.counts(voltage)
	assert.Equal(t, 1, unsubs)
	assert.Equal(t, 0, d.Registry.RefCount(voltage))

	err := d.Unmount(stats.ID())
	assert.True(t, errors.IsNotFound(err))
}

func TestMalformedDropped(t *testing.T) {
	t.Parallel()
	d, _, sinkch := newTestDesk(t, nil)
	defer d.Close()
	chart := NewChannelChart(d, "dev1", 0)
	require.NoError(t, d.Mount(context.Background(), chart))

	at := time.Unix(1700000000, 0)
	send(d, "dev1", topic.MetricVoltage, 0, []byte{1, 2, 3}, at)
	d.OnMessage(tele.Message{Topic: "power-desk/dev1/ch0/bogus", Payload: []byte{0}, Received: at})
	send(d, "dev1", topic.MetricCurrent, 0, wire.EncodeInt32Milli(500), at)
	expectSink(t, sinkch, chart.ID())

	bs := chart.Buckets()
	require.Len(t, bs, 1)
	assert.Equal(t, []interface{}{nil, 0.5, nil}, values(bs[0]))
	assert.Equal(t, int64(2), d.Stat.DecodeErrors.Value())
	assert.Equal(t, int64(2), d.Stat.Dropped.Value())
	assert.Equal(t, int64(2), d.Stat.LoggedErrors.Value())

	// no listener
	send(d, "dev2", topic.MetricVoltage, 0, wire.EncodeUint32Milli(1), at)
	send(d, "dev1", topic.MetricPower, 0, wire.EncodeUint32Milli(1000), at)
	expectSink(t, sinkch, chart.ID())
	assert.Equal(t, int64(3), d.Stat.Dropped.Value())
}

func TestNowFallback(t *testing.T) {
	t.Parallel()
	d, _, sinkch := newTestDesk(t, nil)
	defer d.Close()
	fixed := time.Unix(1700000000, 0)
	d.Now = func() time.Time { return fixed }
	chart := NewTemperatureChart(d, "dev1")
	require.NoError(t, d.Mount(context.Background(), chart))

	send(d, "dev1", topic.MetricTemperature, 0, wire.EncodeInt32Milli(-1500), time.Time{})
	s := expectSink(t, sinkch, chart.ID())
	assert.Equal(t, []int64{fixed.UnixNano() / int64(time.Millisecond)}, s.Times)
	assert.Equal(t, [][]series.Value{{series.Some(-1.5)}}, s.Series)
}

func TestMountDevice(t *testing.T) {
	t.Parallel()
	cfg := &state.Config{Devices: []state.DeviceConfig{{Name: "dev1", Channels: []int{0, 3}}}}
	d, ft, _ := newTestDesk(t, cfg)
	defer d.Close()
	ctx := context.Background()

	require.NoError(t, d.MountDevice(ctx, "dev1"))
	ids := make([]string, 0)
	for _, v := range d.Views() {
		ids = append(ids, v.ID())
	}
	assert.Equal(t, []string{"dev1/ch0/chart", "dev1/ch0/stats", "dev1/ch3/chart", "dev1/ch3/stats", "dev1/temperature"}, ids)
	subs, _ := ft.counts(topic.MustFor("dev1", topic.MetricTemperature, 0))
	assert.Equal(t, 1, subs)
	assert.Len(t, d.Registry.Entries(), 1+2*len(channelStatsMetrics))

	err := d.MountDevice(ctx, "dev1")
	assert.True(t, errors.IsAlreadyExists(err), errors.ErrorStack(err))
	assert.Len(t, d.Views(), 5)

	require.NoError(t, d.UnmountDevice("dev1"))
	assert.Len(t, d.Views(), 0)
	assert.Len(t, d.Registry.Entries(), 0)
	assert.True(t, errors.IsNotFound(d.UnmountDevice("dev1")))
}

func TestMountDeviceRollback(t *testing.T) {
	t.Parallel()
	d, ft, _ := newTestDesk(t, nil)
	defer d.Close()
	ft.fail = func(name string) error {
		if strings.Contains(name, "/ch3/") {
			return fmt.Errorf("broker rejected %s", name)
		}
		return nil
	}

	err := d.MountDevice(context.Background(), "dev1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker rejected")
	assert.Len(t, d.Views(), 0)
	assert.Len(t, d.Registry.Entries(), 0)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	for name, n := range ft.subs {
		assert.Equal(t, n, ft.unsubs[name], name)
	}
}

func TestMountTwice(t *testing.T) {
	t.Parallel()
	d, _, _ := newTestDesk(t, nil)
	defer d.Close()
	ctx := context.Background()
	require.NoError(t, d.Mount(ctx, NewChannelChart(d, "dev1", 0)))
	err := d.Mount(ctx, NewChannelChart(d, "dev1", 0))
	assert.True(t, errors.IsAlreadyExists(err))
	assert.Equal(t, 1, d.Registry.RefCount(topic.MustFor("dev1", topic.MetricVoltage, 0)))

	_, err = d.acquireEvents("dev1")
	assert.Equal(t, ErrEventsDisabled, errors.Cause(err))
	err = d.Mount(ctx, NewProtectorPanel(d, "dev1"))
	assert.Equal(t, ErrEventsDisabled, errors.Cause(err))
	_, ok := d.View(ProtectorPanelID("dev1"))
	assert.False(t, ok)
}

func TestErrorPercent(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var lines []string
	log := log2.NewFunc(func(format string, args ...interface{}) {
		mu.Lock()
		lines = append(lines, format)
		mu.Unlock()
	}, log2.LDebug)
	d := New(log, &state.Config{})
	d.Tele = tele.Noop{}
	require.NoError(t, d.Init())
	defer d.Close()

	d.Error(fmt.Errorf("charge 100%% done"))
	d.Error(fmt.Errorf("limit 50%%"), "device=%s", "dev1")
	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(lines, "")
	assert.Contains(t, joined, "charge 100% done")
	assert.Contains(t, joined, "limit 50%")
	assert.Contains(t, joined, "device=dev1")
	assert.NotContains(t, joined, "%!")
}

func TestClose(t *testing.T) {
	t.Parallel()
	d, ft, _ := newTestDesk(t, nil)
	require.NoError(t, d.Mount(context.Background(), NewChannelStats(d, "dev1", 3)))
	require.NoError(t, d.Close())
	assert.Len(t, d.Views(), 0)
	assert.Len(t, d.Registry.Entries(), 0)
	_, unsubs := ft.counts(topic.MustFor("dev1", topic.MetricLimitPower, 3))
	assert.Equal(t, 1, unsubs)
}
