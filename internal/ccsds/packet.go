// Package ccsds implements the CCSDS Space Packet codec and AOS transfer frame layout.
package ccsds

import (
	"encoding/binary"
	"fmt"
)

// Space packet constants (CCSDS 133.0-B).
const (
	PrimaryHeaderLength = 6
	MaxAPID             = 0x7FF
	IdleAPID            = 0x7FF // all-ones APID reserved for idle packets
	IdleFill            = 0xE0  // fill byte used by idle packet zones
	MaxDataLength       = 65536 // data length field + 1
	MaxPacketLength     = PrimaryHeaderLength + MaxDataLength

	maxSequenceCount = 0x3FFF
)

// Sequence flag values.
const (
	SequenceContinuation = 0b00
	SequenceFirst        = 0b01
	SequenceLast         = 0b10
	SequenceUnsegmented  = 0b11
)

// PacketState classifies a byte buffer handed to Decode.
type PacketState int

const (
	// PacketComplete means every declared byte is present.
	PacketComplete PacketState = iota
	// PacketUnderflow means the header, or the single byte of a zero-length packet, is short.
	PacketUnderflow
	// PacketSpillover means the header was read but the declared data runs past the buffer.
	PacketSpillover
	// PacketIdle means the buffer is idle fill or carries the idle APID.
	PacketIdle
)

// String returns the state name.
func (s PacketState) String() string {
	switch s {
	case PacketComplete:
		return "COMPLETE"
	case PacketUnderflow:
		return "UNDERFLOW"
	case PacketSpillover:
		return "SPILLOVER"
	case PacketIdle:
		return "IDLE"
	default:
		return fmt.Sprintf("PacketState(%d)", int(s))
	}
}

// PrimaryHeader is the 48-bit space packet primary header.
type PrimaryHeader struct {
	Version         uint8  // 3 bits
	Type            uint8  // 1 bit: 0 telemetry, 1 telecommand
	SecondaryHeader bool   // 1 bit
	APID            uint16 // 11 bits
	SequenceFlags   uint8  // 2 bits
	SequenceCount   uint16 // 14 bits, count or packed name
	DataLength      uint16 // 16 bits, data zone length - 1
}

// Fields returns the header as a name/value map for downstream consumers.
func (h PrimaryHeader) Fields() map[string]int {
	sec := 0
	if h.SecondaryHeader {
		sec = 1
	}
	return map[string]int{
		"version":        int(h.Version),
		"type":           int(h.Type),
		"sec_hdr_flag":   sec,
		"apid":           int(h.APID),
		"sequence_flags": int(h.SequenceFlags),
		"sequence_count": int(h.SequenceCount),
		"data_length":    int(h.DataLength),
	}
}

func parsePrimaryHeader(b []byte) PrimaryHeader {
	id := binary.BigEndian.Uint16(b[0:2])
	seq := binary.BigEndian.Uint16(b[2:4])
	return PrimaryHeader{
		Version:         uint8(id >> 13),
		Type:            uint8(id>>12) & 0x1,
		SecondaryHeader: id&0x0800 != 0,
		APID:            id & MaxAPID,
		SequenceFlags:   uint8(seq >> 14),
		SequenceCount:   seq & maxSequenceCount,
		DataLength:      binary.BigEndian.Uint16(b[4:6]),
	}
}

func (h PrimaryHeader) put(b []byte) {
	id := uint16(h.Version&0x7)<<13 | uint16(h.Type&0x1)<<12 | (h.APID & MaxAPID)
	if h.SecondaryHeader {
		id |= 0x0800
	}
	binary.BigEndian.PutUint16(b[0:2], id)
	binary.BigEndian.PutUint16(b[2:4], uint16(h.SequenceFlags&0x3)<<14|(h.SequenceCount&maxSequenceCount))
	binary.BigEndian.PutUint16(b[4:6], h.DataLength)
}

// Packet is a decoded space packet. Its slices alias the buffer given to Decode.
type Packet struct {
	Header          PrimaryHeader
	SecondaryHeader []byte
	Data            []byte
	Raw             []byte // header + data zone as far as it was available
}

// Missing returns how many data zone bytes the header declares but the buffer lacked.
func (p *Packet) Missing() int {
	return int(p.Header.DataLength) + 1 - len(p.Data) - len(p.SecondaryHeader)
}

// IsComplete reports whether no declared byte is missing.
func (p *Packet) IsComplete() bool {
	return p.Missing() == 0
}

// IsIdle reports whether the packet carries the idle APID.
func (p *Packet) IsIdle() bool {
	return p.Header.APID == IdleAPID
}

// NextIndex is the offset of the following packet in the buffer this one was decoded from.
func (p *Packet) NextIndex() int {
	return PrimaryHeaderLength + int(p.Header.DataLength) + 1
}

// Clone returns a deep copy that no longer aliases the decode buffer.
func (p *Packet) Clone() Packet {
	raw := append([]byte(nil), p.Raw...)
	out := Packet{Header: p.Header, Raw: raw}
	zone := raw[PrimaryHeaderLength:]
	n := len(p.SecondaryHeader)
	if n > 0 {
		out.SecondaryHeader = zone[:n]
	}
	out.Data = zone[n:]
	return out
}

// Decode classifies buf and parses the packet at its head.
//
// A zero data length field declares a 1-byte packet. Until that byte is available it
// is reported as UNDERFLOW, the same as a buffer holding fewer than six bytes.
// SPILLOVER and COMPLETE packets always come back non-nil; IDLE returns the packet
// only when a header was parsed.
func Decode(buf []byte, secondaryHeaderLen int) (PacketState, *Packet) {
	if len(buf) < PrimaryHeaderLength {
		return PacketUnderflow, nil
	}
	dataLength := binary.BigEndian.Uint16(buf[4:6])
	if dataLength == 0 && len(buf) == PrimaryHeaderLength {
		return PacketUnderflow, nil
	}
	if isIdleFill(buf) {
		return PacketIdle, nil
	}

	total := PrimaryHeaderLength + int(dataLength) + 1
	raw := buf[:min(total, len(buf))]
	pkt := &Packet{
		Header: parsePrimaryHeader(raw),
		Raw:    raw,
	}

	zone := raw[PrimaryHeaderLength:]
	if pkt.Header.SecondaryHeader && secondaryHeaderLen > 0 {
		n := min(secondaryHeaderLen, len(zone))
		pkt.SecondaryHeader = zone[:n]
		pkt.Data = zone[n:]
	} else {
		pkt.Data = zone
	}

	switch {
	case pkt.IsIdle():
		return PacketIdle, pkt
	case pkt.Missing() > 0:
		return PacketSpillover, pkt
	default:
		return PacketComplete, pkt
	}
}

func isIdleFill(buf []byte) bool {
	for _, b := range buf {
		if b != IdleFill {
			return false
		}
	}
	return true
}
