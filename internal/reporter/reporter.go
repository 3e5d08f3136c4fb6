// Package reporter delivers tagged packets to downstream consumers.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/skylink/internal/core"
)

// Reporter is a packet sink with a plugin-style lifecycle.
type Reporter interface {
	Name() string
	Init(cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Report(ctx context.Context, pkt *core.TaggedPacket) error
	Flush(ctx context.Context) error
}

// BatchReporter is implemented by reporters that deliver many packets in one call.
type BatchReporter interface {
	ReportBatch(ctx context.Context, pkts []*core.TaggedPacket) error
}

// New returns an uninitialised reporter by type name.
func New(kind string) (Reporter, error) {
	switch kind {
	case "kafka":
		return NewKafkaReporter(), nil
	case "console":
		return NewConsoleReporter(), nil
	default:
		return nil, fmt.Errorf("unknown reporter type %q", kind)
	}
}

// decodeConfig maps a loosely typed option map onto out.
func decodeConfig(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// packetRecord is the JSON form of a TaggedPacket on the bus.
type packetRecord struct {
	Topic            string                     `json:"topic"`
	PacketName       string                     `json:"packet_name"`
	ProcessorName    string                     `json:"processor_name"`
	ProcessorCounter uint64                     `json:"processor_counter"`
	VCID             string                     `json:"vcid"`
	PassID           string                     `json:"pass_id,omitempty"`
	SVIdentifier     string                     `json:"sv_identifier,omitempty"`
	TimeProcessed    string                     `json:"time_processed_utc"`
	APID             uint16                     `json:"apid"`
	PrimaryHeader    map[string]int             `json:"primary_header"`
	SecondaryHeader  []byte                     `json:"secondary_header,omitempty"`
	Data             []byte                     `json:"data"`
	FieldAlarms      map[string]fieldAlarmEntry `json:"field_alarms,omitempty"`
}

type fieldAlarmEntry struct {
	State     string `json:"state"`
	Threshold any    `json:"threshold"`
}

// Marshal encodes pkt as the JSON record written by the reporters.
func Marshal(pkt *core.TaggedPacket) ([]byte, error) {
	rec := packetRecord{
		Topic:            pkt.Topic,
		PacketName:       pkt.PacketName,
		ProcessorName:    pkt.ProcessorName,
		ProcessorCounter: pkt.ProcessorCounter,
		VCID:             pkt.VCID.String(),
		PassID:           pkt.PassID,
		SVIdentifier:     pkt.SVIdentifier,
		TimeProcessed:    pkt.TimeProcessed.UTC().Format(time.RFC3339Nano),
		APID:             pkt.APID,
		PrimaryHeader:    pkt.PrimaryHeader,
		SecondaryHeader:  pkt.SecondaryHeader,
		Data:             pkt.Data,
	}
	if len(pkt.FieldAlarms) > 0 {
		rec.FieldAlarms = make(map[string]fieldAlarmEntry, len(pkt.FieldAlarms))
		for name, a := range pkt.FieldAlarms {
			rec.FieldAlarms[name] = fieldAlarmEntry{State: a.State.String(), Threshold: a.Threshold}
		}
	}
	return json.Marshal(rec)
}
