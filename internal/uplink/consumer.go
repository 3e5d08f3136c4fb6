package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/kafkaauth"
	"firestige.xyz/skylink/internal/metrics"
)

const defaultCommandTTL = 5 * time.Minute

// UplinkCommand is the wire format for commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "target":     "gs-01",
//	  "apid":       42,
//	  "data":       "AQIDBA==",
//	  "sequence":   7,
//	  "timestamp":  "2024-01-15T10:30:00Z",
//	  "request_id": "req-abc-123"
//	}
type UplinkCommand struct {
	Target    string    `json:"target"`             // Node hostname or "*" for broadcast
	APID      uint16    `json:"apid"`               // Added to the encoder's APID base
	Data      []byte    `json:"data"`               // Base64 in JSON
	Sequence  *uint16   `json:"sequence,omitempty"` // Overrides the per-APID sequence count
	Timestamp time.Time `json:"timestamp"`          // When the command was issued
	RequestID string    `json:"request_id"`         // Unique request ID for tracing
}

// reader is the subset of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes uplink commands from Kafka, encodes them and sends
// the frames over the uplink.
type KafkaCommandConsumer struct {
	ccConfig config.CommandChannelConfig
	hostname string // local node hostname for target matching
	reader   reader
	encoder  *Encoder
	sender   Sender
	ttl      time.Duration // command TTL for stale-command rejection
	now      func() time.Time
}

// NewKafkaCommandConsumer creates a new Kafka command consumer.
func NewKafkaCommandConsumer(ccConfig config.CommandChannelConfig, hostname string, enc *Encoder, sender Sender) (*KafkaCommandConsumer, error) {
	kc := ccConfig.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}
	if enc == nil || sender == nil {
		return nil, fmt.Errorf("encoder and sender are required")
	}

	ttl := defaultCommandTTL
	if ccConfig.CommandTTL != "" {
		var err error
		ttl, err = time.ParseDuration(ccConfig.CommandTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid command_ttl %q: %w", ccConfig.CommandTTL, err)
		}
	}

	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	case "latest", "":
		startOffset = kafka.LastOffset
	default:
		return nil, fmt.Errorf("invalid auto_offset_reset %q", kc.AutoOffsetReset)
	}

	dialer, err := kafkaauth.Dialer(kc.SASL, kc.TLS)
	if err != nil {
		return nil, fmt.Errorf("invalid command channel security config: %w", err)
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		Dialer:         dialer,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        1 * time.Second,
	})

	return &KafkaCommandConsumer{
		ccConfig: ccConfig,
		hostname: hostname,
		reader:   r,
		encoder:  enc,
		sender:   sender,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Start consumes commands until ctx is cancelled or an unrecoverable error occurs.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	slog.Info("uplink command consumer started",
		"brokers", c.ccConfig.Kafka.Brokers,
		"topic", c.ccConfig.Kafka.Topic,
		"group_id", c.ccConfig.Kafka.GroupID,
		"hostname", c.hostname,
		"ttl", c.ttl,
	)

	for {
		select {
		case <-ctx.Done():
			slog.Info("uplink command consumer stopped", "reason", ctx.Err())
			return ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			slog.Error("failed to process uplink command",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

// processMessage handles a single Kafka message as an UplinkCommand.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var cmd UplinkCommand
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		metrics.UplinkCommandsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("failed to parse uplink command: %w", err)
	}

	if cmd.Target != "*" && cmd.Target != "" && cmd.Target != c.hostname {
		metrics.UplinkCommandsTotal.WithLabelValues("other_target").Inc()
		slog.Debug("skipping command not targeting this node",
			"target", cmd.Target,
			"hostname", c.hostname,
			"request_id", cmd.RequestID,
		)
		return nil
	}

	if !cmd.Timestamp.IsZero() && c.now().Sub(cmd.Timestamp) > c.ttl {
		metrics.UplinkCommandsTotal.WithLabelValues("stale").Inc()
		slog.Warn("skipping stale command",
			"request_id", cmd.RequestID,
			"timestamp", cmd.Timestamp,
			"age", c.now().Sub(cmd.Timestamp),
			"ttl", c.ttl,
		)
		return nil
	}

	frame, err := c.encoder.Frame(Command{APID: cmd.APID, Data: cmd.Data, Sequence: cmd.Sequence})
	if err != nil {
		metrics.UplinkCommandsTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("failed to encode command %s: %w", cmd.RequestID, err)
	}

	if err := c.sender.Send(ctx, frame); err != nil {
		metrics.UplinkCommandsTotal.WithLabelValues("send_error").Inc()
		return fmt.Errorf("failed to send command %s: %w", cmd.RequestID, err)
	}

	metrics.UplinkCommandsTotal.WithLabelValues("sent").Inc()
	slog.Info("uplink command sent",
		"request_id", cmd.RequestID,
		"apid", cmd.APID,
		"bytes", len(frame),
	)
	return nil
}

// Stop closes the Kafka reader. It is safe to call more than once.
func (c *KafkaCommandConsumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	r := c.reader
	c.reader = nil
	slog.Info("closing uplink command consumer")
	if err := r.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
