package wire

import (
	"encoding/base64"
	"encoding/binary"
)

// Producer side of the wire contract. Used by tests and `powerdesk console` echo.

func EncodeUint32Milli(milli uint32) []byte {
	b := make([]byte, LenScaled)
	binary.LittleEndian.PutUint32(b, milli)
	return b
}

func EncodeInt32Milli(milli int32) []byte {
	b := make([]byte, LenScaled)
	binary.LittleEndian.PutUint32(b, uint32(milli))
	return b
}

func EncodeSystemStatus(s SystemStatus) []byte {
	var x byte
	if s.Port == PortOn {
		x |= systemBitPort
	}
	if s.Buck == BuckOn {
		x |= systemBitBuck
	}
	return []byte{x}
}

func EncodeChargeChannelSeriesItem(c ChargeChannelSeriesItem) []byte {
	b := make([]byte, LenChargeChannelItem)
	b[0] = byte(c.Channel)
	binary.LittleEndian.PutUint32(b[1:5], uint32(c.Voltage.Milli))
	binary.LittleEndian.PutUint32(b[5:9], uint32(int32(c.Current.Milli)))
	binary.LittleEndian.PutUint32(b[9:13], uint32(c.Power.Milli))
	return b
}

func EncodeProtectorSeriesItem(p ProtectorSeriesItem) []byte {
	b := make([]byte, LenProtectorItem)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Voltage.Milli))
	binary.LittleEndian.PutUint32(b[4:8], uint32(int32(p.Current.Milli)))
	binary.LittleEndian.PutUint32(b[8:12], uint32(p.Power.Milli))
	binary.LittleEndian.PutUint32(b[12:16], uint32(int32(p.Temperature.Milli)))
	b[16] = byte(p.Abnormal)
	return b
}

func EncodeEventData(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
