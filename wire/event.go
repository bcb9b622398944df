package wire

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// Event stream categories on /api/devices/{deviceId}.
const (
	EventSeries    = "series"
	EventProtector = "protector"
)

// ChargeChannelSeriesItem is one "series" event: channel sample of V/I/P at once.
type ChargeChannelSeriesItem struct {
	Channel int
	Voltage Scaled // mV
	Current Scaled // mA
	Power   Scaled // mW
}

func (c ChargeChannelSeriesItem) String() string {
	return fmt.Sprintf("ch%d V=%.3f I=%.3f P=%.3f", c.Channel, c.Voltage.Value(), c.Current.Value(), c.Power.Value())
}

// ProtectorSeriesItem is one "protector" event.
type ProtectorSeriesItem struct {
	Voltage     Scaled // mV
	Current     Scaled // mA
	Power       Scaled // mW
	Temperature Scaled // milli-degC
	Abnormal    AbnormalCase
}

func (p ProtectorSeriesItem) String() string {
	return fmt.Sprintf("V=%.3f I=%.3f P=%.3f T=%.3f abnormal=%s",
		p.Voltage.Value(), p.Current.Value(), p.Power.Value(), p.Temperature.Value(), p.Abnormal)
}

// decodeEventData undoes transport text encoding of binary event payload.
func decodeEventData(data string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, errors.Annotatef(ErrMalformedPayload, "event data base64: %v", err)
	}
	return b, nil
}

func u32milli(b []byte) Scaled { return Scaled{Milli: int64(binary.LittleEndian.Uint32(b))} }
func i32milli(b []byte) Scaled { return Scaled{Milli: int64(int32(binary.LittleEndian.Uint32(b)))} }

func DecodeChargeChannelSeriesItem(b []byte) (ChargeChannelSeriesItem, error) {
	if err := checkLen(b, LenChargeChannelItem, "series"); err != nil {
		return ChargeChannelSeriesItem{}, err
	}
	return ChargeChannelSeriesItem{
		Channel: int(b[0]),
		Voltage: u32milli(b[1:5]),
		Current: i32milli(b[5:9]),
		Power:   u32milli(b[9:13]),
	}, nil
}

func DecodeProtectorSeriesItem(b []byte) (ProtectorSeriesItem, error) {
	if err := checkLen(b, LenProtectorItem, "protector"); err != nil {
		return ProtectorSeriesItem{}, err
	}
	return ProtectorSeriesItem{
		Voltage:     u32milli(b[0:4]),
		Current:     i32milli(b[4:8]),
		Power:       u32milli(b[8:12]),
		Temperature: i32milli(b[12:16]),
		Abnormal:    AbnormalCase(b[16]),
	}, nil
}

func DecodeSeriesEvent(data string) (ChargeChannelSeriesItem, error) {
	b, err := decodeEventData(data)
	if err != nil {
		return ChargeChannelSeriesItem{}, err
	}
	return DecodeChargeChannelSeriesItem(b)
}

func DecodeProtectorEvent(data string) (ProtectorSeriesItem, error) {
	b, err := decodeEventData(data)
	if err != nil {
		return ProtectorSeriesItem{}, err
	}
	return DecodeProtectorSeriesItem(b)
}
