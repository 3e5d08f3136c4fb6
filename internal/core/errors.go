// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors; wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// Frame and packet decoding errors
	ErrFrameTooShort    = errors.New("skylink: frame too short")
	ErrMalformedFrame   = errors.New("skylink: malformed transfer frame")
	ErrPayloadEmpty     = errors.New("skylink: packet payload empty")
	ErrPayloadTooLarge  = errors.New("skylink: payload exceeds length field")
	ErrAPIDOutOfRange   = errors.New("skylink: apid out of range")
	ErrUnknownAPID      = errors.New("skylink: apid not in dictionary")
	ErrInvalidSyncWidth = errors.New("skylink: invalid sync length width")

	// Pipeline errors
	ErrPipelineStopped = errors.New("skylink: pipeline stopped")

	// Uplink errors
	ErrUplinkDown = errors.New("skylink: uplink not connected")

	// Configuration errors
	ErrConfigInvalid = errors.New("skylink: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("skylink: daemon not running")
)
