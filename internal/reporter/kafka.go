package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/kafkaauth"
	"firestige.xyz/skylink/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

// KafkaConfig represents Kafka reporter configuration.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`       // required
	Topic        string        `mapstructure:"topic"`         // optional: single topic, packet topic becomes the key
	BatchSize    int           `mapstructure:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `mapstructure:"batch_timeout"` // optional, default 100ms
	Compression  string        `mapstructure:"compression"`   // optional: none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `mapstructure:"max_attempts"`  // optional, default 3

	SASL config.SASLConfig `mapstructure:"sasl"`
	TLS  config.TLSConfig  `mapstructure:"tls"`
}

// KafkaReporter publishes tagged packets to Kafka.
//
// Without a configured topic each packet goes to the topic named by its Topic field
// (Telemetry.AOS.VCID.<vcid>.TaggedPacket.<name>).
type KafkaReporter struct {
	name   string
	writer *kafka.Writer
	config KafkaConfig

	// Statistics
	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewKafkaReporter creates a new Kafka reporter.
func NewKafkaReporter() *KafkaReporter {
	return &KafkaReporter{name: "kafka"}
}

// Name returns the reporter name.
func (r *KafkaReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *KafkaReporter) Init(config map[string]any) error {
	if config == nil {
		return fmt.Errorf("kafka reporter requires configuration")
	}

	cfg := KafkaConfig{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Compression:  defaultCompression,
		MaxAttempts:  defaultMaxAttempts,
	}
	if err := decodeConfig(config, &cfg); err != nil {
		return fmt.Errorf("invalid kafka reporter config: %w", err)
	}
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("brokers is required")
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false, // Synchronous for error handling
	}

	dialer, err := kafkaauth.Dialer(cfg.SASL, cfg.TLS)
	if err != nil {
		return fmt.Errorf("invalid kafka reporter security config: %w", err)
	}
	writerConfig.Dialer = dialer

	switch cfg.Compression {
	case "none", "":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	r.config = cfg
	r.writer = kafka.NewWriter(writerConfig)
	return nil
}

// Start starts the reporter.
func (r *KafkaReporter) Start(ctx context.Context) error {
	slog.Info("kafka reporter started",
		"brokers", r.config.Brokers,
		"topic", r.config.Topic,
		"batch_size", r.config.BatchSize,
		"batch_timeout", r.config.BatchTimeout,
		"compression", r.config.Compression,
	)
	return nil
}

// Stop closes the writer, flushing pending messages.
func (r *KafkaReporter) Stop(ctx context.Context) error {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
			return err
		}
	}

	slog.Info("kafka reporter stopped",
		"total_reported", r.reportedCount.Load(),
		"total_errors", r.errorCount.Load(),
	)
	return nil
}

// Report sends a packet to Kafka.
func (r *KafkaReporter) Report(ctx context.Context, pkt *core.TaggedPacket) error {
	msg, err := r.message(pkt)
	if err != nil {
		r.errorCount.Add(1)
		metrics.ReporterErrorsTotal.WithLabelValues(r.name, "serialize").Inc()
		return err
	}

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		metrics.ReporterErrorsTotal.WithLabelValues(r.name, "write").Inc()
		return fmt.Errorf("kafka write failed: %w", err)
	}

	r.reportedCount.Add(1)
	return nil
}

// ReportBatch sends pkts in a single writer call. Packets that fail to serialize
// are counted and skipped.
func (r *KafkaReporter) ReportBatch(ctx context.Context, pkts []*core.TaggedPacket) error {
	msgs := make([]kafka.Message, 0, len(pkts))
	for _, pkt := range pkts {
		msg, err := r.message(pkt)
		if err != nil {
			r.errorCount.Add(1)
			metrics.ReporterErrorsTotal.WithLabelValues(r.name, "serialize").Inc()
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		r.errorCount.Add(uint64(len(msgs)))
		metrics.ReporterErrorsTotal.WithLabelValues(r.name, "batch").Inc()
		return fmt.Errorf("kafka batch write failed: %w", err)
	}
	r.reportedCount.Add(uint64(len(msgs)))
	return nil
}

// message builds the Kafka message for pkt.
func (r *KafkaReporter) message(pkt *core.TaggedPacket) (kafka.Message, error) {
	if pkt == nil {
		return kafka.Message{}, fmt.Errorf("nil packet")
	}

	value, err := Marshal(pkt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize packet failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(pkt.Topic),
		Value: value,
		Time:  pkt.TimeProcessed,
	}
	if r.config.Topic == "" {
		msg.Topic = pkt.Topic
	}

	// Labels become Kafka headers
	if len(pkt.Labels) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(pkt.Labels))
		for k, v := range pkt.Labels {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return msg, nil
}

// Flush is a no-op; kafka.Writer batches by BatchSize/BatchTimeout.
func (r *KafkaReporter) Flush(ctx context.Context) error {
	return nil
}
