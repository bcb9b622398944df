package wire

import (
	"fmt"
	"strings"
)

type PortStatus uint8

const (
	PortOff PortStatus = iota
	PortOn
)

func (p PortStatus) String() string {
	if p == PortOn {
		return "on"
	}
	return "off"
}

type BuckStatus uint8

const (
	BuckOff BuckStatus = iota
	BuckOn
)

func (b BuckStatus) String() string {
	if b == BuckOn {
		return "on"
	}
	return "off"
}

const (
	systemBitBuck = 0x01
	systemBitPort = 0x02
)

type SystemStatus struct {
	Port PortStatus
	Buck BuckStatus
}

func (s SystemStatus) String() string { return fmt.Sprintf("port=%s buck=%s", s.Port, s.Buck) }

// Other bits are reserved and ignored.
func DecodeSystemStatus(b []byte) (SystemStatus, error) {
	if err := checkLen(b, LenSystemStatus, "system-status"); err != nil {
		return SystemStatus{}, err
	}
	s := SystemStatus{Port: PortOff, Buck: BuckOff}
	if b[0]&systemBitPort != 0 {
		s.Port = PortOn
	}
	if b[0]&systemBitBuck != 0 {
		s.Buck = BuckOn
	}
	return s, nil
}

type Protocol uint8

const (
	ProtocolNone Protocol = iota
	ProtocolQC2
	ProtocolQC3
	ProtocolQC3Plus
	ProtocolFCP
	ProtocolSCP
	ProtocolPDFix
	ProtocolPDPPS
	ProtocolPE11
	ProtocolPE20
	ProtocolVOOC
	ProtocolSFCP
	ProtocolAFC
	ProtocolUFCS
	ProtocolUnknown Protocol = 0xff
)

var protocolNames = map[Protocol]string{
	ProtocolNone:    "none",
	ProtocolQC2:     "QC2.0",
	ProtocolQC3:     "QC3.0",
	ProtocolQC3Plus: "QC3+",
	ProtocolFCP:     "FCP",
	ProtocolSCP:     "SCP",
	ProtocolPDFix:   "PD",
	ProtocolPDPPS:   "PPS",
	ProtocolPE11:    "PE1.1",
	ProtocolPE20:    "PE2.0",
	ProtocolVOOC:    "VOOC",
	ProtocolSFCP:    "SFCP",
	ProtocolAFC:     "AFC",
	ProtocolUFCS:    "UFCS",
	ProtocolUnknown: "unknown",
}

func (p Protocol) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return "unknown"
}

func decodeProtocol(b byte) Protocol {
	p := Protocol(b)
	if p > ProtocolUFCS {
		return ProtocolUnknown
	}
	return p
}

type PDVersion uint8

const (
	PDVersionUnknown PDVersion = iota
	PDVersion20
	PDVersion30
)

func (v PDVersion) String() string {
	switch v {
	case PDVersion20:
		return "PD2.0"
	case PDVersion30:
		return "PD3.0"
	}
	return "unknown"
}

func decodePDVersion(b byte) PDVersion {
	switch b {
	case 1:
		return PDVersion20
	case 2:
		return PDVersion30
	}
	return PDVersionUnknown
}

type ProtocolStatus uint8

const (
	ProtocolStatusOffline ProtocolStatus = iota
	ProtocolStatusOnline
	ProtocolStatusUnknown
)

func (s ProtocolStatus) String() string {
	switch s {
	case ProtocolStatusOffline:
		return "offline"
	case ProtocolStatusOnline:
		return "online"
	}
	return "unknown"
}

func decodeProtocolStatus(b byte) ProtocolStatus {
	switch b {
	case 0:
		return ProtocolStatusOffline
	case 1:
		return ProtocolStatusOnline
	}
	return ProtocolStatusUnknown
}

type ProtocolIndication struct {
	Protocol  Protocol
	PDVersion PDVersion
	Status    ProtocolStatus
}

func (p ProtocolIndication) String() string {
	return fmt.Sprintf("protocol=%s pd=%s status=%s", p.Protocol, p.PDVersion, p.Status)
}

// Label is the panel text: protocol name when online, with PD version for fixed PD.
func (p ProtocolIndication) Label() string {
	if p.Status != ProtocolStatusOnline {
		return "offline"
	}
	if p.Protocol == ProtocolPDFix {
		return fmt.Sprintf("%s (%s)", p.Protocol, p.PDVersion)
	}
	return p.Protocol.String()
}

// Decoding is unconditional, reserved codes map to Unknown variants.
func DecodeProtocolIndication(b []byte) (ProtocolIndication, error) {
	if err := checkLen(b, LenProtocol, "protocol-indication"); err != nil {
		return ProtocolIndication{}, err
	}
	return ProtocolIndication{
		Protocol:  decodeProtocol(b[0]),
		PDVersion: decodePDVersion(b[1]),
		Status:    decodeProtocolStatus(b[2]),
	}, nil
}

// AbnormalCase is opaque flag set reported by the power stage.
type AbnormalCase uint8

const (
	AbnormalOverVoltage AbnormalCase = 1 << iota
	AbnormalUnderVoltage
	AbnormalOverCurrent
	AbnormalOverTemperature
	AbnormalShortCircuit
	AbnormalInputOverVoltage
	AbnormalInputUnderVoltage
	AbnormalReserved
)

var abnormalNames = []string{"ovp", "uvp", "ocp", "otp", "scp", "input-ovp", "input-uvp", "reserved"}

func (a AbnormalCase) Has(flag AbnormalCase) bool { return a&flag != 0 }

func (a AbnormalCase) String() string {
	if a == 0 {
		return "normal"
	}
	ss := make([]string, 0, 8)
	for i, name := range abnormalNames {
		if a&(1<<uint(i)) != 0 {
			ss = append(ss, name)
		}
	}
	return strings.Join(ss, ",")
}

func DecodeAbnormalCase(b []byte) (AbnormalCase, error) {
	if err := checkLen(b, LenAbnormalCase, "abnormal-case"); err != nil {
		return 0, err
	}
	return AbnormalCase(b[0]), nil
}
