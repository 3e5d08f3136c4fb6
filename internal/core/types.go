// Package core defines core types with zero external dependencies.
package core

import "strconv"

// VCID is an AOS virtual channel identifier (6 bits on the wire, 0-63).
type VCID uint8

const (
	// MaxVCID is the largest identifier a 6-bit VCID field can carry.
	MaxVCID VCID = 63
	// IdleVCID is reserved by CCSDS 732.0 for idle (fill) frames.
	IdleVCID VCID = 63
	// UnknownVCID is the synthetic bucket for frames whose channel is not configured
	// or whose header could not be trusted. It can never appear on the wire.
	UnknownVCID VCID = 0xFF
)

// String returns the decimal channel number, or "Unknown".
func (v VCID) String() string {
	if v == UnknownVCID {
		return "Unknown"
	}
	return strconv.Itoa(int(v))
}

// Valid reports whether v fits the 6-bit VCID field.
func (v VCID) Valid() bool {
	return v <= MaxVCID
}

// AlarmState is the severity assigned to a decoded field by an alarm checker.
// Green is the lowest priority, Red the highest.
type AlarmState int

const (
	AlarmGreen AlarmState = iota
	AlarmBlue
	AlarmYellow
	AlarmRed
)

// String returns the alarm colour name.
func (s AlarmState) String() string {
	switch s {
	case AlarmGreen:
		return "GREEN"
	case AlarmBlue:
		return "BLUE"
	case AlarmYellow:
		return "YELLOW"
	case AlarmRed:
		return "RED"
	default:
		return "AlarmState(" + strconv.Itoa(int(s)) + ")"
	}
}

// Meaning returns the operator-facing wording of the state.
func (s AlarmState) Meaning() string {
	switch s {
	case AlarmGreen:
		return "GO"
	case AlarmBlue:
		return "NOTIFY"
	case AlarmYellow:
		return "CAUTION"
	case AlarmRed:
		return "PANIC"
	default:
		return ""
	}
}
