// Package core defines core data structures with zero external dependencies.
package core

import "time"

// TaggedFrame is a raw transfer frame annotated by the frame integrity tagger.
// It is immutable once produced and consumed exactly once by a depacketizer.
type TaggedFrame struct {
	Frame           []byte // Copy of the raw frame bytes
	VCID            VCID   // UnknownVCID when the frame was corrupt on an unconfigured channel
	ChannelCounter  uint32 // Virtual channel frame count (24 bits)
	AbsoluteCounter uint64 // Position in the tagger's overall frame sequence
	Corrupt         bool
	OutOfSequence   bool
	Idle            bool
	ReceivedAt      time.Time
}

// FieldAlarm is the alarm verdict for one decoded field.
type FieldAlarm struct {
	State     AlarmState
	Threshold any
}

// TaggedPacket is a space packet enriched with decode metadata, ready for the bus.
type TaggedPacket struct {
	// Envelope
	Topic            string
	PacketName       string
	ProcessorName    string
	ProcessorCounter uint64
	VCID             VCID
	PassID           string
	SVIdentifier     string
	TimeProcessed    time.Time

	// Space packet
	APID            uint16
	PrimaryHeader   map[string]int
	SecondaryHeader []byte
	Data            []byte

	// Labels carry flat metadata for transports that support headers.
	Labels Labels

	// FieldAlarms is keyed by decoded field name; empty when no alarm checker is wired.
	FieldAlarms map[string]FieldAlarm
}

// Labels represents key-value metadata attached by the packet tagger.
type Labels map[string]string

// Label naming constants following {domain}.{field} convention.
const (
	LabelVCID       = "link.vcid"
	LabelAPID       = "packet.apid"
	LabelPacketName = "packet.name"
	LabelProcessor  = "packet.processor"
	LabelPassID     = "pass.id"
)
