package desk

import (
	"context"
	"sync"

	"github.com/power-desk/powerdesk/series"
	"github.com/power-desk/powerdesk/topic"
	"github.com/power-desk/powerdesk/wire"
)

var channelStatsMetrics = []topic.Metric{
	topic.MetricVoltage,
	topic.MetricCurrent,
	topic.MetricPower,
	topic.MetricSystemStatus,
	topic.MetricProtocolIndication,
	topic.MetricAbnormalCase,
	topic.MetricBuckOutputVoltage,
	topic.MetricBuckOutputLimitCurrent,
	topic.MetricLimitPower,
}

// ChannelStats keeps latest value of each channel metric.
type ChannelStats struct {
	Device  string
	Channel int

	id     string
	b      binding
	mu     sync.Mutex
	latest map[topic.Metric]wire.Sample
}

func NewChannelStats(d *Desk, device string, channel int) *ChannelStats {
	return &ChannelStats{
		Device:  device,
		Channel: channel,
		id:      ChannelStatsID(device, channel),
		b:       binding{d: d},
		latest:  make(map[topic.Metric]wire.Sample, len(channelStatsMetrics)),
	}
}

func (s *ChannelStats) ID() string { return s.id }

func (s *ChannelStats) Mount(ctx context.Context) error {
	s.reset()
	return s.b.mount(func() error {
		for _, m := range channelStatsMetrics {
			if err := s.b.topic(ctx, s.Device, m, s.Channel, s.onReading); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ChannelStats) Unmount() error {
	err := s.b.release()
	s.reset()
	return err
}

func (s *ChannelStats) reset() {
	s.mu.Lock()
	s.latest = make(map[topic.Metric]wire.Sample, len(channelStatsMetrics))
	s.mu.Unlock()
}

func (s *ChannelStats) onReading(x interface{}) {
	r, ok := x.(Reading)
	if !ok {
		return
	}
	s.mu.Lock()
	s.latest[r.Address.Metric] = r.Sample
	s.mu.Unlock()
}

// StatsSnapshot is panel content. Numbers are in display units, absent until reported.
type StatsSnapshot struct {
	Device                 string       `json:"device"`
	Channel                int          `json:"channel"`
	Voltage                series.Value `json:"voltage"`
	Current                series.Value `json:"current"`
	Power                  series.Value `json:"power"`
	BuckOutputVoltage      series.Value `json:"buck_output_voltage"`
	BuckOutputLimitCurrent series.Value `json:"buck_output_limit_current"`
	LimitPower             series.Value `json:"limit_power"`
	Port                   string       `json:"port,omitempty"`
	Buck                   string       `json:"buck,omitempty"`
	Protocol               string       `json:"protocol"`
	Abnormal               string       `json:"abnormal,omitempty"`

	System       *wire.SystemStatus       `json:"-"`
	Indication   *wire.ProtocolIndication `json:"-"`
	AbnormalCase *wire.AbnormalCase       `json:"-"`
}

// ProtocolLabel is protocol name when online, "offline" otherwise or before first report.
func (s *StatsSnapshot) ProtocolLabel() string {
	if s.Indication == nil {
		return wire.ProtocolStatusOffline.String()
	}
	return s.Indication.Label()
}

func (s *ChannelStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{Device: s.Device, Channel: s.Channel}
	scalar := func(m topic.Metric) series.Value {
		if x, ok := s.latest[m]; ok && x.Kind == wire.KindScalar {
			return series.Some(x.Scalar)
		}
		return series.Value{}
	}
	out.Voltage = scalar(topic.MetricVoltage)
	out.Current = scalar(topic.MetricCurrent)
	// current is shown clamped at zero
	if out.Current.Valid && out.Current.V < 0 {
		out.Current.V = 0
	}
	out.Power = scalar(topic.MetricPower)
	out.BuckOutputVoltage = scalar(topic.MetricBuckOutputVoltage)
	out.BuckOutputLimitCurrent = scalar(topic.MetricBuckOutputLimitCurrent)
	out.LimitPower = scalar(topic.MetricLimitPower)

	if x, ok := s.latest[topic.MetricSystemStatus]; ok && x.Kind == wire.KindSystemStatus {
		ss := x.System
		out.System = &ss
		out.Port = ss.Port.String()
		out.Buck = ss.Buck.String()
	}
	if x, ok := s.latest[topic.MetricProtocolIndication]; ok && x.Kind == wire.KindProtocol {
		pi := x.Protocol
		out.Indication = &pi
	}
	if x, ok := s.latest[topic.MetricAbnormalCase]; ok && x.Kind == wire.KindAbnormalCase {
		ac := x.Abnormal
		out.AbnormalCase = &ac
		out.Abnormal = ac.String()
	}
	out.Protocol = out.ProtocolLabel()
	return out
}
