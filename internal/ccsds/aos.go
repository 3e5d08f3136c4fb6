package ccsds

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/skylink/internal/core"
)

// AOS transfer frame constants (CCSDS 732.0-B).
const (
	AOSPrimaryHeaderLength   = 6
	HeaderErrorControlLength = 2
	MPDUHeaderLength         = 2
	OperationalControlLength = 4
	ErrorControlLength       = 2

	// FrameCounterModulo is the wrap of the 24-bit virtual channel frame count.
	FrameCounterModulo = 1 << 24

	// FHPNoPacketStart marks an M_PDU packet zone that holds only the continuation
	// of a packet started in an earlier frame.
	FHPNoPacketStart uint16 = 0x7FF
	// FHPIdle marks an M_PDU packet zone that holds only idle data.
	FHPIdle uint16 = 0x7FE

	aosVersion = 0b01
)

// FrameLayout describes the optional fields of a mission's AOS frames.
type FrameLayout struct {
	InsertZoneLength   int  // bytes of insert zone after the primary header
	HeaderErrorControl bool // 2-byte frame header error control present
	OperationalControl bool // 4-byte OCF present before the ECF
	ErrorControl       bool // 2-byte frame error control field (CRC) present
}

// DefaultFrameLayout is a bare M_PDU frame with a trailing ECF.
var DefaultFrameLayout = FrameLayout{ErrorControl: true}

func (l FrameLayout) headerLength() int {
	n := AOSPrimaryHeaderLength + l.InsertZoneLength
	if l.HeaderErrorControl {
		n += HeaderErrorControlLength
	}
	return n
}

func (l FrameLayout) trailerLength() int {
	n := 0
	if l.OperationalControl {
		n += OperationalControlLength
	}
	if l.ErrorControl {
		n += ErrorControlLength
	}
	return n
}

// MinFrameLength is the shortest frame that still carries an M_PDU header.
func (l FrameLayout) MinFrameLength() int {
	return l.headerLength() + MPDUHeaderLength + l.trailerLength()
}

// AOSFrame is a parsed view over a raw AOS transfer frame.
type AOSFrame struct {
	raw    []byte
	layout FrameLayout

	Version            uint8
	SpacecraftID       uint8
	VCID               core.VCID
	FrameCount         uint32
	Replay             bool
	FirstHeaderPointer uint16
}

// ParseAOS reads the primary and M_PDU headers of raw.
func ParseAOS(raw []byte, layout FrameLayout) (AOSFrame, error) {
	if len(raw) < layout.MinFrameLength() {
		return AOSFrame{}, fmt.Errorf("%w: %d bytes, need %d", core.ErrFrameTooShort, len(raw), layout.MinFrameLength())
	}
	mpdu := layout.headerLength()
	return AOSFrame{
		raw:                raw,
		layout:             layout,
		Version:            raw[0] >> 6,
		SpacecraftID:       (raw[0]&0x3F)<<2 | raw[1]>>6,
		VCID:               core.VCID(raw[1] & 0x3F),
		FrameCount:         uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4]),
		Replay:             raw[5]&0x80 != 0,
		FirstHeaderPointer: binary.BigEndian.Uint16(raw[mpdu:mpdu+2]) & 0x07FF,
	}, nil
}

// Raw returns the frame bytes.
func (f AOSFrame) Raw() []byte {
	return f.raw
}

// Idle reports whether the frame was sent on the idle virtual channel.
func (f AOSFrame) Idle() bool {
	return f.VCID == core.IdleVCID
}

// IdleData reports whether the M_PDU packet zone is entirely idle data.
func (f AOSFrame) IdleData() bool {
	return f.FirstHeaderPointer == FHPIdle
}

// DataFieldEnd is the index one past the M_PDU packet zone.
func (f AOSFrame) DataFieldEnd() int {
	return len(f.raw) - f.layout.trailerLength()
}

// PacketZone returns the M_PDU packet zone.
func (f AOSFrame) PacketZone() []byte {
	return f.raw[f.layout.headerLength()+MPDUHeaderLength : f.DataFieldEnd()]
}

// ECF returns the trailing error control field, if the layout has one.
func (f AOSFrame) ECF() (uint16, bool) {
	if !f.layout.ErrorControl {
		return 0, false
	}
	return binary.BigEndian.Uint16(f.raw[len(f.raw)-ErrorControlLength:]), true
}

// CheckECF recomputes the CRC over everything before the ECF and compares it.
// Frames without an ECF always pass.
func (f AOSFrame) CheckECF() bool {
	want, ok := f.ECF()
	if !ok {
		return true
	}
	return ComputeECF(f.raw[:len(f.raw)-ErrorControlLength]) == want
}

// FrameSpec holds the values BuildAOS writes into a frame.
type FrameSpec struct {
	SpacecraftID       uint8
	VCID               core.VCID
	FrameCount         uint32
	Replay             bool
	FirstHeaderPointer uint16
	InsertZone         []byte // padded or truncated to layout.InsertZoneLength
	PacketZone         []byte
	OCF                uint32
}

// BuildAOS serialises fs using layout, computing the ECF when the layout carries one.
func BuildAOS(fs FrameSpec, layout FrameLayout) []byte {
	hdr := layout.headerLength()
	buf := make([]byte, hdr+MPDUHeaderLength+len(fs.PacketZone)+layout.trailerLength())

	buf[0] = aosVersion<<6 | (fs.SpacecraftID>>2)&0x3F
	buf[1] = fs.SpacecraftID<<6 | uint8(fs.VCID)&0x3F
	count := fs.FrameCount % FrameCounterModulo
	buf[2], buf[3], buf[4] = byte(count>>16), byte(count>>8), byte(count)
	if fs.Replay {
		buf[5] = 0x80
	}
	pos := AOSPrimaryHeaderLength
	if layout.HeaderErrorControl {
		pos += HeaderErrorControlLength
	}
	copy(buf[pos:pos+layout.InsertZoneLength], fs.InsertZone)

	binary.BigEndian.PutUint16(buf[hdr:hdr+2], fs.FirstHeaderPointer&0x07FF)
	copy(buf[hdr+MPDUHeaderLength:], fs.PacketZone)

	end := len(buf)
	if layout.ErrorControl {
		end -= ErrorControlLength
	}
	if layout.OperationalControl {
		binary.BigEndian.PutUint32(buf[end-OperationalControlLength:end], fs.OCF)
	}
	if layout.ErrorControl {
		binary.BigEndian.PutUint16(buf[end:], ComputeECF(buf[:end]))
	}
	return buf
}
