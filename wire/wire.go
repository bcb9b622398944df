// Package wire decodes device telemetry payloads.
// All multi-byte integers are little-endian.
// Decoders are pure: input is neither retained nor modified.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
	"github.com/power-desk/powerdesk/topic"
)

var ErrMalformedPayload = fmt.Errorf("malformed payload")

// Milli-unit counts are scaled by this to display units (V, A, W, degC).
const MilliScale = 1000

const (
	LenScaled            = 4
	LenSystemStatus      = 1
	LenProtocol          = 3
	LenAbnormalCase      = 1
	LenChargeChannelItem = 13
	LenProtectorItem     = 17
)

func checkLen(b []byte, expect int, what string) error {
	if len(b) != expect {
		return errors.Annotatef(ErrMalformedPayload, "%s length=%d expected=%d", what, len(b), expect)
	}
	return nil
}

// Scaled fixed-point metric: raw milli-unit count and display value.
type Scaled struct {
	Milli int64
}

func (s Scaled) Value() float64 { return float64(s.Milli) / MilliScale }

func DecodeUint32Milli(b []byte) (Scaled, error) {
	if err := checkLen(b, LenScaled, "uint32"); err != nil {
		return Scaled{}, err
	}
	return Scaled{Milli: int64(binary.LittleEndian.Uint32(b))}, nil
}

func DecodeInt32Milli(b []byte) (Scaled, error) {
	if err := checkLen(b, LenScaled, "int32"); err != nil {
		return Scaled{}, err
	}
	return Scaled{Milli: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
}

// Kind of decoded sample.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindScalar
	KindSystemStatus
	KindProtocol
	KindAbnormalCase
)

// Sample is tagged union. Only field matching Kind is meaningful.
type Sample struct {
	Kind     Kind
	Scalar   float64 // display unit
	Raw      int64   // milli-unit count for KindScalar
	System   SystemStatus
	Protocol ProtocolIndication
	Abnormal AbnormalCase
}

func (s Sample) String() string {
	switch s.Kind {
	case KindScalar:
		return fmt.Sprintf("%.3f", s.Scalar)
	case KindSystemStatus:
		return s.System.String()
	case KindProtocol:
		return s.Protocol.String()
	case KindAbnormalCase:
		return s.Abnormal.String()
	}
	return "invalid"
}

func scalarSample(s Scaled, err error) (Sample, error) {
	if err != nil {
		return Sample{}, err
	}
	return Sample{Kind: KindScalar, Raw: s.Milli, Scalar: s.Value()}, nil
}

// Decode dispatches by metric to its wire decoder.
func Decode(m topic.Metric, b []byte) (Sample, error) {
	switch m {
	case topic.MetricTemperature, topic.MetricCurrent:
		return scalarSample(DecodeInt32Milli(b))

	case topic.MetricVoltage, topic.MetricPower,
		topic.MetricOutVoltage, topic.MetricOutCurrent, topic.MetricOutPower,
		topic.MetricLimitPower, topic.MetricBuckOutputLimitCurrent, topic.MetricBuckOutputVoltage:
		return scalarSample(DecodeUint32Milli(b))

	case topic.MetricSystemStatus:
		ss, err := DecodeSystemStatus(b)
		if err != nil {
			return Sample{}, err
		}
		return Sample{Kind: KindSystemStatus, System: ss}, nil

	case topic.MetricProtocolIndication:
		pi, err := DecodeProtocolIndication(b)
		if err != nil {
			return Sample{}, err
		}
		return Sample{Kind: KindProtocol, Protocol: pi}, nil

	case topic.MetricAbnormalCase:
		ac, err := DecodeAbnormalCase(b)
		if err != nil {
			return Sample{}, err
		}
		return Sample{Kind: KindAbnormalCase, Abnormal: ac}, nil
	}
	return Sample{}, errors.Annotatef(topic.ErrInvalidMetric, "decode metric=%s", m.String())
}

// Scalar decodes numeric metric to display unit value.
func Scalar(m topic.Metric, b []byte) (float64, error) {
	s, err := Decode(m, b)
	if err != nil {
		return 0, err
	}
	if s.Kind != KindScalar {
		return 0, errors.Annotatef(topic.ErrInvalidMetric, "metric=%s is not numeric", m.String())
	}
	return s.Scalar, nil
}
