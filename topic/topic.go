// Package topic maps (device, channel, metric) identity to MQTT topic names and back.
// Topic shape: power-desk/<device>[/ch<channel>]/<suffix>
package topic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

const Prefix = "power-desk"

const channelPrefix = "ch"

var (
	ErrInvalidMetric  = fmt.Errorf("invalid metric")
	ErrMalformedTopic = fmt.Errorf("malformed topic")
)

type Metric uint8

const (
	MetricInvalid Metric = iota
	MetricTemperature
	MetricVoltage
	MetricCurrent
	MetricPower
	MetricOutVoltage
	MetricOutCurrent
	MetricOutPower
	MetricProtocolIndication
	MetricSystemStatus
	MetricAbnormalCase
	MetricLimitPower
	MetricBuckOutputLimitCurrent
	MetricBuckOutputVoltage
	metricCount
)

type metricInfo struct {
	name       string
	suffix     string
	deviceWide bool
}

// indexed by Metric
var metrics = [metricCount]metricInfo{
	MetricInvalid:                {},
	MetricTemperature:            {"temperature", "temperature", true},
	MetricVoltage:                {"voltage", "millivolts", false},
	MetricCurrent:                {"current", "amps", false},
	MetricPower:                  {"power", "watts", false},
	MetricOutVoltage:             {"out-voltage", "out-millivolts", false},
	MetricOutCurrent:             {"out-current", "out-milliamps", false},
	MetricOutPower:               {"out-power", "out-watts", false},
	MetricProtocolIndication:     {"protocol-indication", "protocol-indication", false},
	MetricSystemStatus:           {"system-status", "system-status", false},
	MetricAbnormalCase:           {"abnormal-case", "abnormal-case", false},
	MetricLimitPower:             {"limit-power", "limit-watts", false},
	MetricBuckOutputLimitCurrent: {"buck-output-limit-current", "buck-output-limit-milliamps", false},
	MetricBuckOutputVoltage:      {"buck-output-voltage", "buck-output-millivolts", false},
}

func AllMetrics() []Metric {
	ms := make([]Metric, 0, metricCount-1)
	for m := MetricInvalid + 1; m < metricCount; m++ {
		ms = append(ms, m)
	}
	return ms
}

func (m Metric) Valid() bool { return m > MetricInvalid && m < metricCount }

func (m Metric) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Metric(%d)", uint8(m))
	}
	return metrics[m].name
}

func (m Metric) Suffix() string {
	if !m.Valid() {
		return ""
	}
	return metrics[m].suffix
}

// DeviceWide metrics have no channel segment in topic.
func (m Metric) DeviceWide() bool { return m.Valid() && metrics[m].deviceWide }

func ParseMetric(name string) (Metric, error) {
	for m := MetricInvalid + 1; m < metricCount; m++ {
		if metrics[m].name == name {
			return m, nil
		}
	}
	return MetricInvalid, errors.Annotatef(ErrInvalidMetric, "name=%q", name)
}

func metricBySuffix(suffix string) Metric {
	for m := MetricInvalid + 1; m < metricCount; m++ {
		if metrics[m].suffix == suffix {
			return m
		}
	}
	return MetricInvalid
}

// For returns topic of metric for device. Channel is ignored for device-wide metrics.
func For(device string, metric Metric, channel int) (string, error) {
	if !metric.Valid() {
		return "", errors.Annotatef(ErrInvalidMetric, "metric=%s", metric.String())
	}
	if metric.DeviceWide() {
		return Prefix + "/" + device + "/" + metric.Suffix(), nil
	}
	return Prefix + "/" + device + "/" + channelPrefix + strconv.Itoa(channel) + "/" + metric.Suffix(), nil
}

// MustFor is For for static routes, invalid metric is a code error.
func MustFor(device string, metric Metric, channel int) string {
	t, err := For(device, metric, channel)
	if err != nil {
		panic("code error " + err.Error())
	}
	return t
}

// ChannelOf parses second-to-last segment "chN".
// Caller must not use it on device-wide topics, the segment position is not verified.
func ChannelOf(topic string) (int, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return 0, errors.Annotatef(ErrMalformedTopic, "topic=%q no channel segment", topic)
	}
	seg := parts[len(parts)-2]
	if !strings.HasPrefix(seg, channelPrefix) {
		return 0, errors.Annotatef(ErrMalformedTopic, "topic=%q segment=%q", topic, seg)
	}
	ch, err := strconv.Atoi(seg[len(channelPrefix):])
	if err != nil || ch < 0 {
		return 0, errors.Annotatef(ErrMalformedTopic, "topic=%q segment=%q", topic, seg)
	}
	return ch, nil
}

type Address struct {
	Device  string
	Channel int // -1 for device-wide
	Metric  Metric
}

func (a Address) String() string {
	if a.Metric.DeviceWide() {
		return fmt.Sprintf("%s/%s", a.Device, a.Metric.String())
	}
	return fmt.Sprintf("%s/ch%d/%s", a.Device, a.Channel, a.Metric.String())
}

func (a Address) Topic() (string, error) { return For(a.Device, a.Metric, a.Channel) }

// Parse recovers full identity from topic.
func Parse(topic string) (Address, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != Prefix || parts[1] == "" {
		return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q", topic)
	}
	m := metricBySuffix(parts[len(parts)-1])
	if m == MetricInvalid {
		return Address{}, errors.Annotatef(ErrInvalidMetric, "topic=%q", topic)
	}
	a := Address{Device: parts[1], Channel: -1, Metric: m}
	switch {
	case m.DeviceWide() && len(parts) == 3:
		return a, nil
	case !m.DeviceWide() && len(parts) == 4:
		ch, err := ChannelOf(topic)
		if err != nil {
			return Address{}, err
		}
		a.Channel = ch
		return a, nil
	}
	return Address{}, errors.Annotatef(ErrMalformedTopic, "topic=%q metric=%s", topic, m.String())
}
