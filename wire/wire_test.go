package wire

import (
	"testing"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/topic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSystemStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input  byte
		expect SystemStatus
	}{
		{0x03, SystemStatus{Port: PortOn, Buck: BuckOn}},
		{0x02, SystemStatus{Port: PortOn, Buck: BuckOff}},
		{0x01, SystemStatus{Port: PortOff, Buck: BuckOn}},
		{0x00, SystemStatus{Port: PortOff, Buck: BuckOff}},
		{0xfc, SystemStatus{Port: PortOff, Buck: BuckOff}},
		{0xff, SystemStatus{Port: PortOn, Buck: BuckOn}},
	}
	for _, c := range cases {
		got, err := DecodeSystemStatus([]byte{c.input})
		require.NoError(t, err)
		assert.Equal(t, c.expect, got, "input=%02x", c.input)
		assert.Equal(t, []byte{c.input & 0x03}, EncodeSystemStatus(got))
	}

	_, err := DecodeSystemStatus(nil)
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
	_, err = DecodeSystemStatus([]byte{1, 2})
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
}

func TestDecodeScaled(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		metric topic.Metric
		input  []byte
		expect float64
	}{
		{"voltage/12V", topic.MetricVoltage, EncodeUint32Milli(12000), 12.000},
		{"voltage/raw-le", topic.MetricVoltage, []byte{0xe0, 0x2e, 0x00, 0x00}, 12.000},
		{"current/0.5A", topic.MetricCurrent, EncodeInt32Milli(500), 0.5},
		{"current/negative", topic.MetricCurrent, EncodeInt32Milli(-20), -0.02},
		{"power/6W", topic.MetricPower, EncodeUint32Milli(6000), 6.0},
		{"temperature/36.6", topic.MetricTemperature, EncodeInt32Milli(36600), 36.6},
		{"temperature/below-zero", topic.MetricTemperature, EncodeInt32Milli(-5250), -5.25},
		{"limit-power/65W", topic.MetricLimitPower, EncodeUint32Milli(65000), 65.0},
		{"buck-voltage/20V", topic.MetricBuckOutputVoltage, EncodeUint32Milli(20000), 20.0},
		{"buck-limit/3A", topic.MetricBuckOutputLimitCurrent, EncodeUint32Milli(3000), 3.0},
		{"out-voltage", topic.MetricOutVoltage, EncodeUint32Milli(5000), 5.0},
		{"out-current", topic.MetricOutCurrent, EncodeUint32Milli(1500), 1.5},
		{"out-power", topic.MetricOutPower, EncodeUint32Milli(7500), 7.5},
		{"max", topic.MetricVoltage, []byte{0xff, 0xff, 0xff, 0xff}, 4294967.295},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			input := append([]byte(nil), c.input...)
			got, err := Scalar(c.metric, input)
			require.NoError(t, err)
			assert.InDelta(t, c.expect, got, 1e-9)
			assert.Equal(t, c.input, input, "input modified")
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	for _, m := range topic.AllMetrics() {
		for _, n := range []int{0, 2, 5, 16} {
			_, err := Decode(m, make([]byte, n))
			require.Error(t, err, "metric=%s len=%d", m, n)
			assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
		}
	}
	_, err := Decode(topic.MetricInvalid, []byte{0})
	assert.Equal(t, topic.ErrInvalidMetric, errors.Cause(err))
	_, err = Scalar(topic.MetricSystemStatus, []byte{0})
	assert.Equal(t, topic.ErrInvalidMetric, errors.Cause(err))
}

func TestDecodeProtocolIndication(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input  []byte
		expect ProtocolIndication
		label  string
	}{
		{[]byte{6, 2, 1}, ProtocolIndication{ProtocolPDFix, PDVersion30, ProtocolStatusOnline}, "PD (PD3.0)"},
		{[]byte{6, 1, 1}, ProtocolIndication{ProtocolPDFix, PDVersion20, ProtocolStatusOnline}, "PD (PD2.0)"},
		{[]byte{2, 0, 1}, ProtocolIndication{ProtocolQC3, PDVersionUnknown, ProtocolStatusOnline}, "QC3.0"},
		{[]byte{7, 2, 0}, ProtocolIndication{ProtocolPDPPS, PDVersion30, ProtocolStatusOffline}, "offline"},
		{[]byte{99, 9, 1}, ProtocolIndication{ProtocolUnknown, PDVersionUnknown, ProtocolStatusOnline}, "unknown"},
		{[]byte{1, 1, 7}, ProtocolIndication{ProtocolQC2, PDVersion20, ProtocolStatusUnknown}, "offline"},
	}
	for _, c := range cases {
		got, err := DecodeProtocolIndication(c.input)
		require.NoError(t, err)
		assert.Equal(t, c.expect, got)
		assert.Equal(t, c.label, got.Label())
	}
}

func TestDecodeAbnormalCase(t *testing.T) {
	t.Parallel()
	ac, err := DecodeAbnormalCase([]byte{0})
	require.NoError(t, err)
	assert.Equal(t, "normal", ac.String())

	ac, err = DecodeAbnormalCase([]byte{0x05})
	require.NoError(t, err)
	assert.True(t, ac.Has(AbnormalOverVoltage))
	assert.True(t, ac.Has(AbnormalOverCurrent))
	assert.False(t, ac.Has(AbnormalShortCircuit))
	assert.Equal(t, "ovp,ocp", ac.String())

	s, err := Decode(topic.MetricAbnormalCase, []byte{0x80})
	require.NoError(t, err)
	assert.Equal(t, KindAbnormalCase, s.Kind)
	assert.Equal(t, "reserved", s.String())
}

func TestEventItems(t *testing.T) {
	t.Parallel()
	series := ChargeChannelSeriesItem{Channel: 3, Voltage: Scaled{20000}, Current: Scaled{-15}, Power: Scaled{60000}}
	got, err := DecodeSeriesEvent(EncodeEventData(EncodeChargeChannelSeriesItem(series)))
	require.NoError(t, err)
	assert.Equal(t, series, got)

	prot := ProtectorSeriesItem{Voltage: Scaled{230000}, Current: Scaled{1200}, Power: Scaled{276000}, Temperature: Scaled{41250}, Abnormal: AbnormalOverTemperature}
	gotp, err := DecodeProtectorEvent(" " + EncodeEventData(EncodeProtectorSeriesItem(prot)) + "\n")
	require.NoError(t, err)
	assert.Equal(t, prot, gotp)

	_, err = DecodeSeriesEvent("!!not-base64")
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
	_, err = DecodeProtectorEvent(EncodeEventData([]byte{1, 2, 3}))
	assert.Equal(t, ErrMalformedPayload, errors.Cause(err))
}
