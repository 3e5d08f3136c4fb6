// Package depacketizer reassembles CCSDS space packets from AOS M_PDU packet zones.
package depacketizer

import (
	"fmt"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
)

// State is the carry-over threaded between consecutive frames of one virtual channel.
type State struct {
	// Pending holds the leading bytes of a packet that continues in the next frame.
	Pending []byte
	// Discarded counts pending runs thrown away because the next frame could not
	// complete them.
	Discarded uint64
}

// Translator extracts space packets from AOS frames. It holds configuration only.
type Translator struct {
	Layout                ccsds.FrameLayout
	SecondaryHeaderLength int
	MaxPending            int // defaults to ccsds.MaxPacketLength
}

func (t Translator) maxPending() int {
	if t.MaxPending > 0 {
		return t.MaxPending
	}
	return ccsds.MaxPacketLength
}

// Step consumes one frame and returns the next state and the completed packets.
// st is not modified. Returned packets own their memory.
//
// A frame that cannot be parsed, or whose first header pointer lies outside the
// packet zone, returns an error wrapping core.ErrMalformedFrame and an empty state.
func (t Translator) Step(st State, frame []byte) (State, []ccsds.Packet, error) {
	aos, err := ccsds.ParseAOS(frame, t.Layout)
	if err != nil {
		return t.discard(st), nil, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}
	if aos.Idle() || aos.IdleData() {
		return st, nil, nil
	}

	zone := aos.PacketZone()
	fhp := int(aos.FirstHeaderPointer)

	if aos.FirstHeaderPointer == ccsds.FHPNoPacketStart {
		return t.continuation(st, zone)
	}
	if fhp >= len(zone) {
		return t.discard(st), nil, fmt.Errorf("%w: first header pointer %d beyond packet zone of %d bytes",
			core.ErrMalformedFrame, fhp, len(zone))
	}

	var packets []ccsds.Packet
	next := State{Discarded: st.Discarded}

	if len(st.Pending) > 0 {
		if fhp == 0 {
			next.Discarded++
		} else {
			candidate := concat(st.Pending, zone[:fhp])
			if state, pkt := ccsds.Decode(candidate, t.SecondaryHeaderLength); state == ccsds.PacketComplete {
				packets = append(packets, pkt.Clone())
			} else if state != ccsds.PacketIdle {
				next.Discarded++
			}
		}
	}

walk:
	for idx := fhp; idx < len(zone); {
		rest := zone[idx:]
		if isIdleFill(rest) {
			break
		}
		state, pkt := ccsds.Decode(rest, t.SecondaryHeaderLength)
		switch state {
		case ccsds.PacketComplete:
			packets = append(packets, pkt.Clone())
			idx += pkt.NextIndex()
		case ccsds.PacketSpillover, ccsds.PacketUnderflow:
			next.Pending = append([]byte(nil), rest...)
			break walk
		default:
			break walk
		}
	}

	if len(next.Pending) > t.maxPending() {
		next.Pending = nil
		next.Discarded++
	}
	return next, packets, nil
}

// continuation handles a zone that carries no packet start: it extends the pending
// packet, which either completes or keeps spilling.
func (t Translator) continuation(st State, zone []byte) (State, []ccsds.Packet, error) {
	if len(st.Pending) == 0 {
		return st, nil, nil
	}
	next := State{Pending: concat(st.Pending, zone), Discarded: st.Discarded}

	state, pkt := ccsds.Decode(next.Pending, t.SecondaryHeaderLength)
	switch state {
	case ccsds.PacketComplete:
		next.Pending = nil
		return next, []ccsds.Packet{pkt.Clone()}, nil
	case ccsds.PacketIdle:
		next.Pending = nil
		return next, nil, nil
	}

	if len(next.Pending) > t.maxPending() {
		next.Pending = nil
		next.Discarded++
	}
	return next, nil, nil
}

func (t Translator) discard(st State) State {
	next := State{Discarded: st.Discarded}
	if len(st.Pending) > 0 {
		next.Discarded++
	}
	return next
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func isIdleFill(b []byte) bool {
	for _, c := range b {
		if c != ccsds.IdleFill {
			return false
		}
	}
	return len(b) > 0
}
