package ccsds

import (
	"fmt"

	"firestige.xyz/skylink/internal/core"
)

type encodeOptions struct {
	header PrimaryHeader
}

// EncodeOption overrides a primary header default used by Encode.
type EncodeOption func(*encodeOptions)

// WithVersion sets the 3-bit packet version number.
func WithVersion(v uint8) EncodeOption {
	return func(o *encodeOptions) { o.header.Version = v & 0x7 }
}

// WithType sets the packet type bit (0 telemetry, 1 telecommand).
func WithType(t uint8) EncodeOption {
	return func(o *encodeOptions) { o.header.Type = t & 0x1 }
}

// WithSecondaryHeaderFlag sets the secondary header present bit. The caller places the
// secondary header at the front of data.
func WithSecondaryHeaderFlag(present bool) EncodeOption {
	return func(o *encodeOptions) { o.header.SecondaryHeader = present }
}

// WithSequenceFlags sets the 2-bit segmentation flags.
func WithSequenceFlags(f uint8) EncodeOption {
	return func(o *encodeOptions) { o.header.SequenceFlags = f & 0x3 }
}

// WithSequenceCount sets the 14-bit sequence count; higher bits are dropped.
func WithSequenceCount(n uint16) EncodeOption {
	return func(o *encodeOptions) { o.header.SequenceCount = n & maxSequenceCount }
}

// WithSequenceName packs a short ASCII tag into the sequence count field.
func WithSequenceName(name string) EncodeOption {
	return func(o *encodeOptions) { o.header.SequenceCount = PackSequenceName(name) }
}

// Encode builds a single unsegmented space packet around data.
//
// Defaults: version 0, type 1 (telecommand), no secondary header, sequence flags
// "unsegmented", sequence count 0. len(data) must be within 1..MaxDataLength.
func Encode(data []byte, apid uint16, opts ...EncodeOption) ([]byte, error) {
	if len(data) == 0 {
		return nil, core.ErrPayloadEmpty
	}
	if len(data) > MaxDataLength {
		return nil, fmt.Errorf("%w: %d bytes", core.ErrPayloadTooLarge, len(data))
	}
	if apid > MaxAPID {
		return nil, fmt.Errorf("%w: %d", core.ErrAPIDOutOfRange, apid)
	}

	o := encodeOptions{header: PrimaryHeader{
		Type:          1,
		SequenceFlags: SequenceUnsegmented,
	}}
	for _, opt := range opts {
		opt(&o)
	}
	o.header.APID = apid
	o.header.DataLength = uint16(len(data) - 1)

	buf := make([]byte, PrimaryHeaderLength+len(data))
	o.header.put(buf)
	copy(buf[PrimaryHeaderLength:], data)
	return buf, nil
}

// PackSequenceName packs up to two 7-bit ASCII characters into the 14-bit sequence field.
// Longer names are truncated; non-ASCII bytes lose their high bit.
func PackSequenceName(name string) uint16 {
	var v uint16
	for i := 0; i < 2; i++ {
		v <<= 7
		if i < len(name) {
			v |= uint16(name[i] & 0x7F)
		}
	}
	return v
}

// UnpackSequenceName reverses PackSequenceName, dropping NUL padding.
func UnpackSequenceName(v uint16) string {
	chars := []byte{byte(v>>7) & 0x7F, byte(v) & 0x7F}
	out := chars[:0]
	for _, c := range chars {
		if c != 0 {
			out = append(out, c)
		}
	}
	return string(out)
}
