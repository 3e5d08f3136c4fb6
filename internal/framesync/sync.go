// Package framesync implements marker and length prefix framing over an undelimited
// byte stream.
package framesync

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"firestige.xyz/skylink/internal/core"
)

const (
	// DefaultLengthWidth is the size of the big-endian length field.
	DefaultLengthWidth = 4
	// DefaultMaxFrameSize bounds a declared length; anything larger is a false marker.
	DefaultMaxFrameSize = 10 * 1024 * 1024
)

// DefaultMarker is the sync marker used by the ground station interface.
var DefaultMarker = []byte{0xBE, 0xEF}

// ParseMarker decodes a hex marker such as "0xBEEF" or "beef".
func ParseMarker(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" {
		return nil, fmt.Errorf("%w: empty sync marker", core.ErrConfigInvalid)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: sync marker %q: %v", core.ErrConfigInvalid, s, err)
	}
	return b, nil
}

func validWidth(w int) bool {
	switch w {
	case 1, 2, 4, 8:
		return true
	}
	return false
}

// Syncer prefixes payloads with a marker and their length.
type Syncer struct {
	Marker      []byte
	LengthWidth int
}

// NewSyncer validates marker and width.
func NewSyncer(marker []byte, width int) (Syncer, error) {
	if len(marker) == 0 {
		return Syncer{}, fmt.Errorf("%w: empty sync marker", core.ErrConfigInvalid)
	}
	if !validWidth(width) {
		return Syncer{}, fmt.Errorf("%w: %d", core.ErrInvalidSyncWidth, width)
	}
	return Syncer{Marker: append([]byte(nil), marker...), LengthWidth: width}, nil
}

// Frame returns marker + big-endian len(payload) + payload.
func (s Syncer) Frame(payload []byte) ([]byte, error) {
	if !validWidth(s.LengthWidth) {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidSyncWidth, s.LengthWidth)
	}
	if s.LengthWidth < 8 && uint64(len(payload)) >= 1<<(8*s.LengthWidth) {
		return nil, fmt.Errorf("%w: %d bytes do not fit a %d byte length", core.ErrPayloadTooLarge, len(payload), s.LengthWidth)
	}
	out := make([]byte, 0, len(s.Marker)+s.LengthWidth+len(payload))
	out = append(out, s.Marker...)
	for i := s.LengthWidth - 1; i >= 0; i-- {
		out = append(out, byte(uint64(len(payload))>>(8*i)))
	}
	return append(out, payload...), nil
}

// Result is the outcome of splitting one buffer.
type Result struct {
	Lead   []byte   // bytes before the first marker
	Frames [][]byte // complete payloads, copied
	Rear   []byte   // trailing partial frame, marker included, copied

	// RearRequired is the full size of the frame Rear starts, header included. While
	// the length field is incomplete it is the header size.
	RearRequired int
	RearActual   int
	// Garbage counts bytes skipped between frames or behind a false marker.
	Garbage int
}

// Remaining is how many bytes the rear fragment still needs.
func (r Result) Remaining() int {
	return r.RearRequired - r.RearActual
}

// Desync splits buf into payloads framed by marker and a width-byte length.
// A trailing partial marker is kept as the rear fragment. A declared length above
// maxFrame is treated as a false marker and scanning resumes after it.
func Desync(buf, marker []byte, width, maxFrame int) Result {
	var res Result
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	hdr := len(marker) + width

	pos, found := findMarker(buf, 0, marker)
	if pos > 0 {
		res.Lead = buf[:pos]
	}
	if !found {
		res.setRear(buf[pos:], len(marker))
		return res
	}

	for pos < len(buf) {
		rest := buf[pos:]
		if !bytes.HasPrefix(rest, marker) {
			next, ok := findMarker(buf, pos, marker)
			res.Garbage += next - pos
			pos = next
			if !ok {
				res.setRear(buf[pos:], len(marker))
				break
			}
			continue
		}
		if len(rest) < hdr {
			res.setRear(rest, hdr)
			break
		}
		n := readLength(rest[len(marker):hdr])
		if n > uint64(maxFrame) {
			next, ok := findMarker(buf, pos+1, marker)
			res.Garbage += next - pos
			pos = next
			if !ok {
				res.setRear(buf[pos:], len(marker))
				break
			}
			continue
		}
		if uint64(len(rest)-hdr) < n {
			res.setRear(rest, hdr+int(n))
			break
		}
		end := hdr + int(n)
		res.Frames = append(res.Frames, append([]byte(nil), rest[hdr:end]...))
		pos += end
	}
	return res
}

func (r *Result) setRear(b []byte, required int) {
	if len(b) == 0 {
		return
	}
	r.Rear = append([]byte(nil), b...)
	r.RearRequired = required
	r.RearActual = len(b)
}

// findMarker returns the index of the next marker at or after from. When there is
// none it returns the start of the longest marker prefix the buffer ends with, or
// len(buf).
func findMarker(buf []byte, from int, marker []byte) (int, bool) {
	if i := bytes.Index(buf[from:], marker); i >= 0 {
		return from + i, true
	}
	for k := min(len(marker)-1, len(buf)-from); k > 0; k-- {
		if bytes.Equal(buf[len(buf)-k:], marker[:k]) {
			return len(buf) - k, false
		}
	}
	return len(buf), false
}

func readLength(b []byte) uint64 {
	var n uint64
	for _, c := range b {
		n = n<<8 | uint64(c)
	}
	return n
}
