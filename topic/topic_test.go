package topic

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		device  string
		metric  Metric
		channel int
		expect  string
	}{
		{"dev1", MetricTemperature, 0, "power-desk/dev1/temperature"},
		{"dev1", MetricTemperature, 3, "power-desk/dev1/temperature"},
		{"dev1", MetricVoltage, 0, "power-desk/dev1/ch0/millivolts"},
		{"dev1", MetricCurrent, 3, "power-desk/dev1/ch3/amps"},
		{"dev1", MetricPower, 0, "power-desk/dev1/ch0/watts"},
		{"d", MetricOutVoltage, 0, "power-desk/d/ch0/out-millivolts"},
		{"d", MetricOutCurrent, 0, "power-desk/d/ch0/out-milliamps"},
		{"d", MetricOutPower, 0, "power-desk/d/ch0/out-watts"},
		{"d", MetricProtocolIndication, 0, "power-desk/d/ch0/protocol-indication"},
		{"d", MetricSystemStatus, 0, "power-desk/d/ch0/system-status"},
		{"d", MetricAbnormalCase, 0, "power-desk/d/ch0/abnormal-case"},
		{"d", MetricLimitPower, 0, "power-desk/d/ch0/limit-watts"},
		{"d", MetricBuckOutputLimitCurrent, 0, "power-desk/d/ch0/buck-output-limit-milliamps"},
		{"d", MetricBuckOutputVoltage, 0, "power-desk/d/ch0/buck-output-millivolts"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.expect, func(t *testing.T) {
			got, err := For(c.device, c.metric, c.channel)
			require.NoError(t, err)
			assert.Equal(t, c.expect, got)
		})
	}
}

func TestForInvalidMetric(t *testing.T) {
	t.Parallel()
	for _, m := range []Metric{MetricInvalid, metricCount, 200} {
		_, err := For("dev1", m, 0)
		require.Error(t, err)
		assert.Equal(t, ErrInvalidMetric, errors.Cause(err))
	}
	assert.Panics(t, func() { MustFor("dev1", MetricInvalid, 0) })

	_, err := ParseMetric("humidity")
	assert.Equal(t, ErrInvalidMetric, errors.Cause(err))
	m, err := ParseMetric("buck-output-voltage")
	require.NoError(t, err)
	assert.Equal(t, MetricBuckOutputVoltage, m)
}

func TestChannelRoundTrip(t *testing.T) {
	t.Parallel()
	for _, m := range AllMetrics() {
		if m.DeviceWide() {
			continue
		}
		for _, ch := range []int{0, 1, 3, 15, 255} {
			for _, dev := range []string{"dev1", "a-b_c", "0"} {
				tp := MustFor(dev, m, ch)
				got, err := ChannelOf(tp)
				require.NoError(t, err, tp)
				assert.Equal(t, ch, got, tp)
			}
		}
	}
}

func TestChannelOfMalformed(t *testing.T) {
	t.Parallel()
	for _, s := range []string{
		"",
		"millivolts",
		"power-desk/dev1/chx/millivolts",
		"power-desk/dev1/c0/millivolts",
		"power-desk/dev1/ch/millivolts",
		"power-desk/dev1/ch-1/millivolts",
	} {
		_, err := ChannelOf(s)
		require.Error(t, err, s)
		assert.Equal(t, ErrMalformedTopic, errors.Cause(err), s)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	for _, m := range AllMetrics() {
		tp := MustFor("dev1", m, 3)
		a, err := Parse(tp)
		require.NoError(t, err, tp)
		assert.Equal(t, "dev1", a.Device)
		assert.Equal(t, m, a.Metric)
		if m.DeviceWide() {
			assert.Equal(t, -1, a.Channel)
		} else {
			assert.Equal(t, 3, a.Channel)
		}
		back, err := a.Topic()
		require.NoError(t, err)
		assert.Equal(t, tp, back)
	}

	for _, s := range []string{
		"other/dev1/temperature",
		"power-desk/dev1/ch0/temperature",
		"power-desk/dev1/millivolts",
		"power-desk//temperature",
	} {
		_, err := Parse(s)
		assert.Equal(t, ErrMalformedTopic, errors.Cause(err), s)
	}
	_, err := Parse("power-desk/dev1/ch0/volts")
	assert.Equal(t, ErrInvalidMetric, errors.Cause(err))
}
