package depacketizer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/tagger"
)

// buildFrame constructs a default-layout AOS frame around an M_PDU packet zone.
func buildFrame(vcid core.VCID, count uint32, fhp uint16, zone []byte) []byte {
	return ccsds.BuildAOS(ccsds.FrameSpec{
		VCID:               vcid,
		FrameCount:         count,
		FirstHeaderPointer: fhp,
		PacketZone:         zone,
	}, ccsds.DefaultFrameLayout)
}

// buildPacket encodes a space packet with n patterned data bytes.
func buildPacket(t *testing.T, apid uint16, n int, opts ...ccsds.EncodeOption) []byte {
	t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i%200) + byte(apid)
	}
	wire, err := ccsds.Encode(data, apid, opts...)
	require.NoError(t, err)
	return wire
}

func fill(n int) []byte {
	return bytes.Repeat([]byte{ccsds.IdleFill}, n)
}

func join(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newTranslator() Translator {
	return Translator{Layout: ccsds.DefaultFrameLayout}
}

func TestStep_CompletePackets(t *testing.T) {
	a := buildPacket(t, 10, 12)
	b := buildPacket(t, 11, 30)
	zone := join(a, b, fill(9))

	st, pkts, err := newTranslator().Step(State{}, buildFrame(1, 1, 0, zone))
	require.NoError(t, err)
	require.Len(t, pkts, 2)
	assert.Equal(t, uint16(10), pkts[0].Header.APID)
	assert.Equal(t, uint16(11), pkts[1].Header.APID)
	assert.Equal(t, a[ccsds.PrimaryHeaderLength:], pkts[0].Data)
	assert.Empty(t, st.Pending)
}

func TestStep_SpilloverAtEveryOffset(t *testing.T) {
	wire := buildPacket(t, 20, 40)
	second := buildPacket(t, 21, 8)
	tr := newTranslator()

	for k := 1; k < len(wire); k++ {
		st, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, wire[:k]))
		require.NoError(t, err)
		require.Empty(t, pkts, "k=%d", k)
		require.Len(t, st.Pending, k)

		// Continuation-only zone.
		next, pkts, err := tr.Step(st, buildFrame(1, 2, ccsds.FHPNoPacketStart, wire[k:]))
		require.NoError(t, err)
		require.Len(t, pkts, 1, "k=%d", k)
		assert.Equal(t, wire, pkts[0].Raw)
		assert.Empty(t, next.Pending)

		// Tail followed by a new packet.
		next, pkts, err = tr.Step(st, buildFrame(1, 2, uint16(len(wire)-k), join(wire[k:], second)))
		require.NoError(t, err)
		require.Len(t, pkts, 2, "k=%d", k)
		assert.Equal(t, wire, pkts[0].Raw)
		assert.Equal(t, second, pkts[1].Raw)
		assert.Empty(t, next.Pending)
		assert.Zero(t, next.Discarded)
	}
}

func TestStep_MultiFrameSpan(t *testing.T) {
	wire := buildPacket(t, 30, 1000) // 1006 bytes over 300-byte zones
	tr := newTranslator()
	zones := []struct {
		fhp  uint16
		zone []byte
	}{
		{0, wire[0:300]},
		{ccsds.FHPNoPacketStart, wire[300:600]},
		{ccsds.FHPNoPacketStart, wire[600:900]},
		{ccsds.FHPNoPacketStart, join(wire[900:], fill(194))},
	}

	var st State
	for i, z := range zones {
		var pkts []ccsds.Packet
		var err error
		st, pkts, err = tr.Step(st, buildFrame(1, uint32(i+1), z.fhp, z.zone))
		require.NoError(t, err)
		if i < len(zones)-1 {
			assert.Empty(t, pkts, "frame %d", i)
			assert.Len(t, st.Pending, 300*(i+1))
			continue
		}
		require.Len(t, pkts, 1)
		assert.Len(t, pkts[0].Data, 1000)
		assert.Empty(t, st.Pending)
	}
}

func TestStep_HeaderSplitAcrossFrames(t *testing.T) {
	wire := buildPacket(t, 5, 10)
	tr := newTranslator()
	lead := buildPacket(t, 4, 20)

	st, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, join(lead, wire[:3])))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	require.Len(t, st.Pending, 3)

	st, pkts, err = tr.Step(st, buildFrame(1, 2, uint16(len(wire)-3), join(wire[3:], fill(20))))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Equal(t, wire, pkts[0].Raw)
	assert.Empty(t, st.Pending)
}

func TestStep_DoesNotModifyInputState(t *testing.T) {
	wire := buildPacket(t, 6, 50)
	in := State{Pending: append(make([]byte, 0, 1024), wire[:20]...)}
	snapshot := append([]byte(nil), in.Pending...)

	tr := newTranslator()
	a, _, _ := tr.Step(in, buildFrame(1, 2, ccsds.FHPNoPacketStart, wire[20:40]))
	b, _, _ := tr.Step(in, buildFrame(1, 2, ccsds.FHPNoPacketStart, wire[20:40]))
	assert.Equal(t, snapshot, in.Pending)
	assert.Equal(t, a, b)
}

func TestStep_PendingDiscarded(t *testing.T) {
	wire := buildPacket(t, 7, 100)
	fresh := buildPacket(t, 8, 10)
	tr := newTranslator()
	st, _, err := tr.Step(State{}, buildFrame(1, 1, 0, wire[:50]))
	require.NoError(t, err)

	t.Run("new packet at zone head", func(t *testing.T) {
		next, pkts, err := tr.Step(st, buildFrame(1, 2, 0, join(fresh, fill(4))))
		require.NoError(t, err)
		require.Len(t, pkts, 1)
		assert.Equal(t, fresh, pkts[0].Raw)
		assert.Equal(t, uint64(1), next.Discarded)
		assert.Empty(t, next.Pending)
	})

	t.Run("pointer leaves packet incomplete", func(t *testing.T) {
		next, pkts, err := tr.Step(st, buildFrame(1, 2, 10, join(wire[50:60], fresh)))
		require.NoError(t, err)
		require.Len(t, pkts, 1)
		assert.Equal(t, fresh, pkts[0].Raw)
		assert.Equal(t, uint64(1), next.Discarded)
	})

	t.Run("pending above limit", func(t *testing.T) {
		small := Translator{Layout: ccsds.DefaultFrameLayout, MaxPending: 60}
		next, pkts, err := small.Step(st, buildFrame(1, 2, ccsds.FHPNoPacketStart, wire[50:70]))
		require.NoError(t, err)
		assert.Empty(t, pkts)
		assert.Empty(t, next.Pending)
		assert.Equal(t, uint64(1), next.Discarded)
	})

	t.Run("zero length header completes after one byte", func(t *testing.T) {
		header := State{Pending: []byte{0x00, 0x05, 0xC0, 0x00}}
		next, pkts, err := tr.Step(header, buildFrame(1, 2, ccsds.FHPNoPacketStart, []byte{0x00, 0x00}))
		require.NoError(t, err)
		assert.Empty(t, pkts)
		require.Len(t, next.Pending, 6)

		next, pkts, err = tr.Step(next, buildFrame(1, 3, 1, join([]byte{0x7A}, fresh)))
		require.NoError(t, err)
		require.Len(t, pkts, 2)
		assert.Equal(t, []byte{0x7A}, pkts[0].Data)
		assert.Equal(t, fresh, pkts[1].Raw)
		assert.Empty(t, next.Pending)
		assert.Zero(t, next.Discarded)
	})
}

func TestStep_SingleBytePackets(t *testing.T) {
	one := buildPacket(t, 12, 1)
	require.Len(t, one, ccsds.PrimaryHeaderLength+1)
	lead := buildPacket(t, 11, 15)
	tail := buildPacket(t, 13, 25)
	tr := newTranslator()

	st, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, join(lead, one, one, tail, fill(3))))
	require.NoError(t, err)
	require.Len(t, pkts, 4)
	assert.Equal(t, lead, pkts[0].Raw)
	assert.Equal(t, one, pkts[1].Raw)
	assert.Equal(t, one, pkts[2].Raw)
	assert.Len(t, pkts[1].Data, 1)
	assert.Equal(t, tail, pkts[3].Raw)
	assert.Empty(t, st.Pending)

	t.Run("split after header", func(t *testing.T) {
		st, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, join(lead, one[:ccsds.PrimaryHeaderLength])))
		require.NoError(t, err)
		require.Len(t, pkts, 1)
		require.Len(t, st.Pending, ccsds.PrimaryHeaderLength)

		st, pkts, err = tr.Step(st, buildFrame(1, 2, 1, join(one[ccsds.PrimaryHeaderLength:], tail)))
		require.NoError(t, err)
		require.Len(t, pkts, 2)
		assert.Equal(t, one, pkts[0].Raw)
		assert.Equal(t, tail, pkts[1].Raw)
	})
}

func TestStep_Idle(t *testing.T) {
	tr := newTranslator()
	pending := State{Pending: []byte{0x10, 0x01}}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"idle data pointer", buildFrame(1, 1, ccsds.FHPIdle, fill(40))},
		{"idle channel", buildFrame(core.IdleVCID, 1, 0, buildPacket(t, 3, 10))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, pkts, err := tr.Step(pending, tt.frame)
			require.NoError(t, err)
			assert.Empty(t, pkts)
			assert.Equal(t, pending, next)
		})
	}

	t.Run("idle fill zone", func(t *testing.T) {
		next, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, fill(40)))
		require.NoError(t, err)
		assert.Empty(t, pkts)
		assert.Empty(t, next.Pending)
	})

	t.Run("idle packet", func(t *testing.T) {
		idle := buildPacket(t, ccsds.IdleAPID, 20)
		next, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, idle))
		require.NoError(t, err)
		assert.Empty(t, pkts)
		assert.Empty(t, next.Pending)
	})
}

func TestStep_Malformed(t *testing.T) {
	tr := newTranslator()

	t.Run("pointer beyond zone", func(t *testing.T) {
		next, pkts, err := tr.Step(State{Pending: []byte{1, 2, 3}}, buildFrame(1, 1, 50, make([]byte, 20)))
		assert.True(t, errors.Is(err, core.ErrMalformedFrame))
		assert.Empty(t, pkts)
		assert.Empty(t, next.Pending)
		assert.Equal(t, uint64(1), next.Discarded)
	})

	t.Run("short frame", func(t *testing.T) {
		_, _, err := tr.Step(State{}, []byte{0x40, 0x01})
		assert.True(t, errors.Is(err, core.ErrMalformedFrame))
	})
}

func TestStep_SecondaryHeader(t *testing.T) {
	wire := buildPacket(t, 9, 16, ccsds.WithSecondaryHeaderFlag(true))
	tr := Translator{Layout: ccsds.DefaultFrameLayout, SecondaryHeaderLength: 4}

	_, pkts, err := tr.Step(State{}, buildFrame(1, 1, 0, wire))
	require.NoError(t, err)
	require.Len(t, pkts, 1)
	assert.Len(t, pkts[0].SecondaryHeader, 4)
	assert.Len(t, pkts[0].Data, 12)
}

// newChannel wires a tagger and depacketizer for VCID 1.
func newChannel(enforce bool) (*tagger.Tagger, *Depacketizer) {
	tg := tagger.New(tagger.Config{
		Link:            "depacketizer-test",
		VirtualChannels: []core.VCID{1},
		CheckECF:        true,
		Layout:          ccsds.DefaultFrameLayout,
	})
	d := New(Config{
		Name:            "Real Time Telemetry",
		VCID:            1,
		EnforceSequence: enforce,
		Layout:          ccsds.DefaultFrameLayout,
	})
	return tg, d
}

func TestProcess_SpilloverScenario(t *testing.T) {
	tg, d := newChannel(true)

	small := buildPacket(t, 40, 20)
	big := buildPacket(t, 41, 500)
	frames := [][]byte{
		buildFrame(1, 1, 0, join(small, fill(280))),
		buildFrame(1, 2, 0, big[:306]),
		buildFrame(1, 3, ccsds.FHPNoPacketStart, join(big[306:], fill(106))),
	}

	pkts := d.Process(tg.Tag(frames[0]))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint16(40), pkts[0].Header.APID)

	pkts = d.Process(tg.Tag(frames[1]))
	assert.Empty(t, pkts)
	assert.Equal(t, 306, d.Pending())

	pkts = d.Process(tg.Tag(frames[2]))
	require.Len(t, pkts, 1)
	assert.Equal(t, uint16(41), pkts[0].Header.APID)
	assert.Len(t, pkts[0].Data, 500)
	assert.True(t, pkts[0].IsComplete())
	assert.Equal(t, 0, d.Pending())
}

func TestProcess_DropPolicy(t *testing.T) {
	big := buildPacket(t, 50, 200)
	first := buildFrame(1, 1, 0, big[:100])
	rest := join(big[100:], fill(10))

	t.Run("corrupt frame drops carry-over", func(t *testing.T) {
		tg, d := newChannel(false)
		d.Process(tg.Tag(first))
		require.Equal(t, 100, d.Pending())

		bad := buildFrame(1, 2, ccsds.FHPNoPacketStart, rest)
		bad[12] ^= 0x01
		tf := tg.Tag(bad)
		require.True(t, tf.Corrupt)
		assert.Empty(t, d.Process(tf))
		assert.Equal(t, 0, d.Pending())
		assert.Equal(t, uint64(1), d.Discarded())

		assert.Empty(t, d.Process(tg.Tag(buildFrame(1, 3, ccsds.FHPNoPacketStart, rest))))
	})

	t.Run("out of sequence with enforcement", func(t *testing.T) {
		tg, d := newChannel(true)
		d.Process(tg.Tag(first))
		tf := tg.Tag(buildFrame(1, 3, ccsds.FHPNoPacketStart, rest))
		require.True(t, tf.OutOfSequence)
		assert.Empty(t, d.Process(tf))
		assert.Equal(t, 0, d.Pending())
	})

	t.Run("out of sequence without enforcement", func(t *testing.T) {
		tg, d := newChannel(false)
		d.Process(tg.Tag(first))
		tf := tg.Tag(buildFrame(1, 3, ccsds.FHPNoPacketStart, rest))
		require.True(t, tf.OutOfSequence)
		pkts := d.Process(tf)
		require.Len(t, pkts, 1)
		assert.Equal(t, big, pkts[0].Raw)
	})

	t.Run("idle frames are not flagged", func(t *testing.T) {
		tg, d := newChannel(true)
		tf := tg.Tag(buildFrame(1, 1, ccsds.FHPIdle, fill(64)))
		assert.False(t, tf.Corrupt)
		assert.False(t, tf.OutOfSequence)
		assert.Empty(t, d.Process(tf))
	})

	t.Run("reset", func(t *testing.T) {
		tg, d := newChannel(true)
		d.Process(tg.Tag(first))
		d.Reset()
		assert.Equal(t, 0, d.Pending())
	})
}
