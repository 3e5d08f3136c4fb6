package framesync

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/skylink/internal/core"
)

func defaultSyncer(t *testing.T) Syncer {
	t.Helper()
	s, err := NewSyncer(DefaultMarker, DefaultLengthWidth)
	require.NoError(t, err)
	return s
}

// buildStream frames each payload and concatenates the result.
func buildStream(t *testing.T, s Syncer, payloads ...[]byte) []byte {
	t.Helper()
	var out []byte
	for _, p := range payloads {
		f, err := s.Frame(p)
		require.NoError(t, err)
		out = append(out, f...)
	}
	return out
}

func TestSyncer_Frame(t *testing.T) {
	s := defaultSyncer(t)
	got, err := s.Frame([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xBE, 0xEF, 0x00, 0x00, 0x00, 0x03, 'a', 'b', 'c'}, got)

	narrow, err := NewSyncer([]byte{0x1A, 0xCF, 0xFC, 0x1D}, 1)
	require.NoError(t, err)
	got, err = narrow.Frame([]byte{9, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1A, 0xCF, 0xFC, 0x1D, 0x02, 9, 9}, got)

	_, err = narrow.Frame(make([]byte, 256))
	assert.True(t, errors.Is(err, core.ErrPayloadTooLarge))
}

func TestNewSyncer_Invalid(t *testing.T) {
	_, err := NewSyncer(DefaultMarker, 3)
	assert.True(t, errors.Is(err, core.ErrInvalidSyncWidth))

	_, err = NewSyncer(nil, 4)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestParseMarker(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{"0xBEEF", []byte{0xBE, 0xEF}, false},
		{"beef", []byte{0xBE, 0xEF}, false},
		{" 1ACFFC1D ", []byte{0x1A, 0xCF, 0xFC, 0x1D}, false},
		{"", nil, true},
		{"0xZZ", nil, true},
		{"BEE", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMarker(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, core.ErrConfigInvalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDesync(t *testing.T) {
	s := defaultSyncer(t)
	a, b := []byte("first"), []byte("second frame")
	stream := buildStream(t, s, a, b)

	t.Run("complete frames", func(t *testing.T) {
		res := Desync(stream, DefaultMarker, 4, 0)
		assert.Empty(t, res.Lead)
		assert.Equal(t, [][]byte{a, b}, res.Frames)
		assert.Empty(t, res.Rear)
	})

	t.Run("lead fragment", func(t *testing.T) {
		res := Desync(append([]byte{1, 2, 3}, stream...), DefaultMarker, 4, 0)
		assert.Equal(t, []byte{1, 2, 3}, res.Lead)
		assert.Equal(t, [][]byte{a, b}, res.Frames)
	})

	t.Run("no marker", func(t *testing.T) {
		res := Desync([]byte{1, 2, 3, 4}, DefaultMarker, 4, 0)
		assert.Equal(t, []byte{1, 2, 3, 4}, res.Lead)
		assert.Empty(t, res.Frames)
		assert.Empty(t, res.Rear)
	})

	t.Run("trailing partial marker", func(t *testing.T) {
		res := Desync([]byte{1, 2, 0xBE}, DefaultMarker, 4, 0)
		assert.Equal(t, []byte{1, 2}, res.Lead)
		assert.Equal(t, []byte{0xBE}, res.Rear)
	})

	t.Run("partial header", func(t *testing.T) {
		res := Desync(stream[:4], DefaultMarker, 4, 0)
		assert.Equal(t, stream[:4], res.Rear)
		assert.Equal(t, 6, res.RearRequired)
		assert.Equal(t, 2, res.Remaining())
	})

	t.Run("partial payload", func(t *testing.T) {
		cut := len(stream) - 3
		res := Desync(stream[:cut], DefaultMarker, 4, 0)
		assert.Equal(t, [][]byte{a}, res.Frames)
		assert.Equal(t, 6+len(b), res.RearRequired)
		assert.Equal(t, 3, res.Remaining())
	})

	t.Run("garbage between frames", func(t *testing.T) {
		fa := buildStream(t, s, a)
		fb := buildStream(t, s, b)
		res := Desync(bytes.Join([][]byte{fa, {7, 7, 7}, fb}, nil), DefaultMarker, 4, 0)
		assert.Equal(t, [][]byte{a, b}, res.Frames)
		assert.Equal(t, 3, res.Garbage)
	})

	t.Run("false marker", func(t *testing.T) {
		buf := append([]byte{0xBE, 0xEF, 0xFF, 0xFF, 0xFF, 0xFF}, stream...)
		res := Desync(buf, DefaultMarker, 4, 1000)
		assert.Equal(t, [][]byte{a, b}, res.Frames)
		assert.Equal(t, 6, res.Garbage)
	})

	t.Run("payload containing marker", func(t *testing.T) {
		p := []byte{0xBE, 0xEF, 0xBE, 0xEF, 0x00}
		res := Desync(buildStream(t, s, p, a), DefaultMarker, 4, 0)
		assert.Equal(t, [][]byte{p, a}, res.Frames)
	})
}

func TestDesynchronizer_SplitAtEveryBoundary(t *testing.T) {
	s := defaultSyncer(t)
	payloads := [][]byte{[]byte("alpha"), []byte("bravo-charlie"), {0xBE, 0xEF, 0x01}}
	stream := buildStream(t, s, payloads...)

	for k := 1; k < len(stream); k++ {
		d := NewDesynchronizer("split", s)
		var got [][]byte
		got = append(got, d.Feed(stream[:k])...)
		got = append(got, d.Feed(stream[k:])...)
		require.Equal(t, payloads, got, "split at %d", k)
		assert.Equal(t, Synchronized, d.State())
		assert.Zero(t, d.Stats().Pending)
	}
}

func TestDesynchronizer_RandomChunks(t *testing.T) {
	s := defaultSyncer(t)
	rng := rand.New(rand.NewSource(7))

	var payloads [][]byte
	for i := 0; i < 100; i++ {
		p := make([]byte, 1+rng.Intn(900))
		rng.Read(p)
		payloads = append(payloads, p)
	}
	stream := buildStream(t, s, payloads...)

	d := NewDesynchronizer("random", s)
	var got [][]byte
	for pos := 0; pos < len(stream); {
		n := min(1+rng.Intn(700), len(stream)-pos)
		got = append(got, d.Feed(stream[pos:pos+n])...)
		pos += n
	}
	require.Len(t, got, len(payloads))
	assert.Equal(t, payloads, got)
	assert.Equal(t, uint64(0), d.Stats().Resets)
}

func TestDesynchronizer_LossOfSync(t *testing.T) {
	s := defaultSyncer(t)
	d := NewDesynchronizer("loss", s)
	a := buildStream(t, s, []byte("one"))

	require.Len(t, d.Feed(a), 1)
	require.Equal(t, Synchronized, d.State())

	assert.Empty(t, d.Feed(append([]byte{0x00, 0x01}, a...)))
	assert.Equal(t, Unsynchronized, d.State())
	assert.Equal(t, uint64(1), d.Stats().Resets)

	assert.Len(t, d.Feed(a), 1)
	assert.Equal(t, Synchronized, d.State())
}

func TestDesynchronizer_StallReset(t *testing.T) {
	s := defaultSyncer(t)
	d := NewDesynchronizer("stall", s)
	require.Len(t, d.Feed(buildStream(t, s, []byte("ok"))), 1)

	partial := append([]byte{0xBE, 0xEF, 0x00, 0x00, 0x00, 100}, make([]byte, 10)...)
	assert.Empty(t, d.Feed(partial))
	assert.Equal(t, 16, d.Stats().Pending)

	assert.Empty(t, d.Feed(nil))
	assert.Equal(t, Synchronized, d.State())

	assert.Empty(t, d.Feed(nil))
	assert.Equal(t, Unsynchronized, d.State())
	assert.Equal(t, 0, d.Stats().Pending)
	assert.Equal(t, uint64(1), d.Stats().Resets)
}

func TestDesynchronizer_SlowFrameIsNotAStall(t *testing.T) {
	s := defaultSyncer(t)
	d := NewDesynchronizer("slow", s)
	payload := bytes.Repeat([]byte{0x42}, 100)
	stream := buildStream(t, s, payload)

	var got [][]byte
	for pos := 0; pos < len(stream); pos += 5 {
		got = append(got, d.Feed(stream[pos:min(pos+5, len(stream))])...)
	}
	assert.Equal(t, [][]byte{payload}, got)
	assert.Equal(t, uint64(0), d.Stats().Resets)
}

func TestDesynchronizer_Reset(t *testing.T) {
	s := defaultSyncer(t)
	d := NewDesynchronizer("manual", s, WithStallThreshold(5), WithMaxFrameSize(64))
	d.Feed(buildStream(t, s, []byte("x")))
	d.Feed([]byte{0xBE, 0xEF, 0x00})
	d.Reset()

	st := d.Stats()
	assert.Equal(t, "UNSYNCHRONIZED", st.State)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, uint64(1), st.Frames)
}
