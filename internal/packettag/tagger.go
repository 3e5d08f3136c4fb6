package packettag

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/metrics"
)

// FieldDecoder turns a packet's data zone into named field values.
type FieldDecoder interface {
	Decode(def Definition, data []byte) (map[string]any, error)
}

// AlarmChecker evaluates one decoded field.
type AlarmChecker interface {
	Check(packet, field string, value any) (core.AlarmState, any)
}

// NoAlarms reports every field green.
type NoAlarms struct{}

// Check implements AlarmChecker.
func (NoAlarms) Check(string, string, any) (core.AlarmState, any) {
	return core.AlarmGreen, nil
}

// Config configures a Tagger.
type Config struct {
	ProcessorName string
	VCID          core.VCID
	PassID        string
	SVIdentifier  string
	Dictionary    Dictionary   // defaults to APIDDictionary
	Decoder       FieldDecoder // optional
	Alarms        AlarmChecker // defaults to NoAlarms
}

// Tagger stamps packets from one virtual channel processor.
type Tagger struct {
	cfg     Config
	counter uint64
	unknown uint64
	now     func() time.Time
}

// NewTagger creates a Tagger.
func NewTagger(cfg Config) *Tagger {
	if cfg.Dictionary == nil {
		cfg.Dictionary = APIDDictionary{}
	}
	if cfg.Alarms == nil {
		cfg.Alarms = NoAlarms{}
	}
	return &Tagger{cfg: cfg, now: time.Now}
}

// Topic returns the bus topic for a packet name on vcid.
func Topic(vcid core.VCID, name string) string {
	return fmt.Sprintf("Telemetry.AOS.VCID.%s.TaggedPacket.%s", vcid, name)
}

// Tag converts packets into TaggedPackets. Idle packets and APIDs missing from the
// dictionary are skipped; every packet still advances the processor counter.
func (t *Tagger) Tag(packets []ccsds.Packet) []core.TaggedPacket {
	out := make([]core.TaggedPacket, 0, len(packets))
	for i := range packets {
		p := &packets[i]
		t.counter++
		if p.IsIdle() {
			continue
		}

		def, ok := t.cfg.Dictionary.Lookup(p.Header.APID)
		if !ok {
			t.unknown++
			metrics.PacketsUnknownTotal.WithLabelValues(t.cfg.ProcessorName).Inc()
			slog.Warn("could not look up apid", "apid", p.Header.APID,
				"processor", t.cfg.ProcessorName, "vcid", t.cfg.VCID.String())
			continue
		}

		tp := core.TaggedPacket{
			Topic:            Topic(t.cfg.VCID, def.Name),
			PacketName:       def.Name,
			ProcessorName:    t.cfg.ProcessorName,
			ProcessorCounter: t.counter,
			VCID:             t.cfg.VCID,
			PassID:           t.cfg.PassID,
			SVIdentifier:     t.cfg.SVIdentifier,
			TimeProcessed:    t.now().UTC(),
			APID:             p.Header.APID,
			PrimaryHeader:    p.Header.Fields(),
			SecondaryHeader:  p.SecondaryHeader,
			Data:             p.Data,
			Labels: core.Labels{
				core.LabelVCID:       t.cfg.VCID.String(),
				core.LabelAPID:       strconv.Itoa(int(p.Header.APID)),
				core.LabelPacketName: def.Name,
				core.LabelProcessor:  t.cfg.ProcessorName,
			},
		}
		if t.cfg.PassID != "" {
			tp.Labels[core.LabelPassID] = t.cfg.PassID
		}
		tp.FieldAlarms = t.alarms(def, p.Data)
		out = append(out, tp)
	}
	return out
}

func (t *Tagger) alarms(def Definition, data []byte) map[string]core.FieldAlarm {
	if t.cfg.Decoder == nil {
		return nil
	}
	fields, err := t.cfg.Decoder.Decode(def, data)
	if err != nil {
		slog.Warn("could not decode packet fields", "packet", def.Name, "error", err)
		return nil
	}
	alarms := make(map[string]core.FieldAlarm, len(fields))
	for name, value := range fields {
		state, threshold := t.cfg.Alarms.Check(def.Name, name, value)
		alarms[name] = core.FieldAlarm{State: state, Threshold: threshold}
	}
	return alarms
}

// Counter returns the number of packets seen, idle and unknown included.
func (t *Tagger) Counter() uint64 {
	return t.counter
}

// Unknown returns the number of packets skipped for an unknown APID.
func (t *Tagger) Unknown() uint64 {
	return t.unknown
}
