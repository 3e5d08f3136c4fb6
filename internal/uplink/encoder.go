// Package uplink frames telecommands for transmission to the ground station:
// space packet encoding, padding to a fixed data field size and sync-marker framing.
package uplink

import (
	"fmt"
	"sync"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/framesync"
)

const sequenceModulo = 1 << 14

// Command is one telecommand to uplink.
type Command struct {
	APID uint16
	Data []byte
	// Sequence overrides the encoder's per-APID sequence count when set.
	Sequence *uint16
}

// Encoder turns commands into uplink frames.
//
// Each command becomes a telecommand space packet with APID APIDBase+cmd.APID. When
// PadTo is set the packet is zero-padded to PadTo bytes; a longer packet is rejected.
// When Syncer is set the result is wrapped with the sync marker and length.
type Encoder struct {
	APIDBase uint16
	PadTo    int
	Syncer   *framesync.Syncer

	mu       sync.Mutex
	sequence map[uint16]uint16
}

// Frame encodes cmd. The per-APID sequence count advances only on success.
func (e *Encoder) Frame(cmd Command) ([]byte, error) {
	apid := uint32(e.APIDBase) + uint32(cmd.APID)
	if apid > ccsds.IdleAPID-1 {
		return nil, fmt.Errorf("%w: %d", core.ErrAPIDOutOfRange, apid)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sequence == nil {
		e.sequence = make(map[uint16]uint16)
	}
	seq := e.sequence[uint16(apid)]
	if cmd.Sequence != nil {
		seq = *cmd.Sequence % sequenceModulo
	}

	wire, err := ccsds.Encode(cmd.Data, uint16(apid), ccsds.WithSequenceCount(seq))
	if err != nil {
		return nil, err
	}
	if wire, err = e.pad(wire); err != nil {
		return nil, err
	}
	if e.Syncer != nil {
		if wire, err = e.Syncer.Frame(wire); err != nil {
			return nil, err
		}
	}

	e.sequence[uint16(apid)] = (seq + 1) % sequenceModulo
	return wire, nil
}

func (e *Encoder) pad(wire []byte) ([]byte, error) {
	if e.PadTo <= 0 || len(wire) == e.PadTo {
		return wire, nil
	}
	if len(wire) > e.PadTo {
		return nil, fmt.Errorf("%w: packet of %d bytes exceeds data field size %d",
			core.ErrPayloadTooLarge, len(wire), e.PadTo)
	}
	out := make([]byte, e.PadTo)
	copy(out, wire)
	return out, nil
}
