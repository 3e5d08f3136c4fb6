package packettag

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
)

func decodePacket(t *testing.T, data []byte, apid uint16) ccsds.Packet {
	t.Helper()
	wire, err := ccsds.Encode(data, apid, ccsds.WithType(0))
	require.NoError(t, err)
	_, pkt := ccsds.Decode(wire, 0)
	require.NotNil(t, pkt)
	return pkt.Clone()
}

func TestLoadDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictionary.yaml")
	content := `
packets:
  - apid: 100
    name: HK_STATUS
    description: housekeeping
  - apid: 200
    name: POWER
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	dict, err := LoadDictionary(path)
	require.NoError(t, err)
	require.Len(t, dict, 2)

	def, ok := dict.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, "HK_STATUS", def.Name)
	assert.Equal(t, "housekeeping", def.Description)

	_, ok = dict.Lookup(300)
	assert.False(t, ok)
}

func TestParseDictionary_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"apid out of range", "packets:\n  - apid: 4096\n    name: X\n", core.ErrAPIDOutOfRange},
		{"missing name", "packets:\n  - apid: 1\n", core.ErrConfigInvalid},
		{"duplicate apid", "packets:\n  - apid: 1\n    name: A\n  - apid: 1\n    name: B\n", core.ErrConfigInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDictionary([]byte(tt.content))
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err := ParseDictionary([]byte("packets: [unterminated"))
	assert.Error(t, err)

	_, err = LoadDictionary(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAPIDDictionary(t *testing.T) {
	def, ok := APIDDictionary{}.Lookup(42)
	assert.True(t, ok)
	assert.Equal(t, "APID_42", def.Name)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "Telemetry.AOS.VCID.1.TaggedPacket.HK_STATUS", Topic(1, "HK_STATUS"))
	assert.Equal(t, "Telemetry.AOS.VCID.Unknown.TaggedPacket.X", Topic(core.UnknownVCID, "X"))
}

func TestTagger_Tag(t *testing.T) {
	tg := NewTagger(Config{
		ProcessorName: "Real Time Telemetry",
		VCID:          1,
		PassID:        "pass-0042",
		SVIdentifier:  "SV1",
		Dictionary:    MapDictionary{100: {APID: 100, Name: "HK_STATUS"}},
	})
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tg.now = func() time.Time { return fixed }

	packets := []ccsds.Packet{
		decodePacket(t, []byte{1, 2, 3}, 100),
		decodePacket(t, []byte{0xE0}, ccsds.IdleAPID),
		decodePacket(t, []byte{9}, 555),
		decodePacket(t, []byte{4, 5}, 100),
	}

	out := tg.Tag(packets)
	require.Len(t, out, 2)

	first := out[0]
	assert.Equal(t, "Telemetry.AOS.VCID.1.TaggedPacket.HK_STATUS", first.Topic)
	assert.Equal(t, "HK_STATUS", first.PacketName)
	assert.Equal(t, "Real Time Telemetry", first.ProcessorName)
	assert.Equal(t, uint64(1), first.ProcessorCounter)
	assert.Equal(t, core.VCID(1), first.VCID)
	assert.Equal(t, "pass-0042", first.PassID)
	assert.Equal(t, "SV1", first.SVIdentifier)
	assert.Equal(t, fixed, first.TimeProcessed)
	assert.Equal(t, uint16(100), first.APID)
	assert.Equal(t, []byte{1, 2, 3}, first.Data)
	assert.Equal(t, 100, first.PrimaryHeader["apid"])
	assert.Equal(t, "HK_STATUS", first.Labels[core.LabelPacketName])
	assert.Equal(t, "pass-0042", first.Labels[core.LabelPassID])
	assert.Nil(t, first.FieldAlarms)

	assert.Equal(t, uint64(4), out[1].ProcessorCounter)
	assert.Equal(t, uint64(4), tg.Counter())
	assert.Equal(t, uint64(1), tg.Unknown())
}

func TestTagger_DefaultDictionary(t *testing.T) {
	tg := NewTagger(Config{ProcessorName: "Stored Telemetry", VCID: 2})
	out := tg.Tag([]ccsds.Packet{decodePacket(t, []byte{7}, 12)})
	require.Len(t, out, 1)
	assert.Equal(t, "Telemetry.AOS.VCID.2.TaggedPacket.APID_12", out[0].Topic)
}

type firstByteDecoder struct{}

func (firstByteDecoder) Decode(_ Definition, data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, errors.New("empty")
	}
	return map[string]any{"voltage": int(data[0])}, nil
}

type thresholdChecker struct{ limit int }

func (c thresholdChecker) Check(_, _ string, value any) (core.AlarmState, any) {
	if value.(int) > c.limit {
		return core.AlarmRed, c.limit
	}
	return core.AlarmGreen, c.limit
}

func TestTagger_FieldAlarms(t *testing.T) {
	tg := NewTagger(Config{
		VCID:    1,
		Decoder: firstByteDecoder{},
		Alarms:  thresholdChecker{limit: 10},
	})

	out := tg.Tag([]ccsds.Packet{
		decodePacket(t, []byte{5}, 1),
		decodePacket(t, []byte{50}, 1),
	})
	require.Len(t, out, 2)
	assert.Equal(t, core.FieldAlarm{State: core.AlarmGreen, Threshold: 10}, out[0].FieldAlarms["voltage"])
	assert.Equal(t, core.FieldAlarm{State: core.AlarmRed, Threshold: 10}, out[1].FieldAlarms["voltage"])
}

func TestNoAlarms(t *testing.T) {
	state, threshold := NoAlarms{}.Check("P", "f", 1)
	assert.Equal(t, core.AlarmGreen, state)
	assert.Nil(t, threshold)
}
