// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTaggedTotal counts frames passed through the integrity tagger
	FramesTaggedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_frames_tagged_total",
			Help: "Total number of transfer frames tagged",
		},
		[]string{"link", "vcid"},
	)

	// FrameCorruptionsTotal counts frames whose error control field did not match
	FrameCorruptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_frame_corruptions_total",
			Help: "Total number of corrupt transfer frames",
		},
		[]string{"link", "vcid"},
	)

	// FrameLossesTotal counts virtual channel sequence discontinuities
	FrameLossesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_frame_losses_total",
			Help: "Total number of out-of-sequence transfer frames",
		},
		[]string{"link", "vcid"},
	)

	// FramesDroppedTotal counts frames the depacketizer refused to process
	FramesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_frames_dropped_total",
			Help: "Total number of frames dropped before depacketization",
		},
		[]string{"processor", "reason"},
	)

	// CarryOverDiscardsTotal counts partial packets thrown away
	CarryOverDiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_carry_over_discards_total",
			Help: "Total number of pending partial packets discarded",
		},
		[]string{"processor"},
	)

	// PacketsEmittedTotal counts space packets produced by the depacketizer
	PacketsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_packets_emitted_total",
			Help: "Total number of space packets reassembled",
		},
		[]string{"processor"},
	)

	// PacketsUnknownTotal counts packets skipped because their APID is not in the dictionary
	PacketsUnknownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_packets_unknown_apid_total",
			Help: "Total number of packets with an unknown APID",
		},
		[]string{"processor"},
	)

	// SyncState tracks the desynchronizer state (0=unsynchronized, 1=synchronized)
	SyncState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "skylink_sync_state",
			Help: "Current stream synchronization state",
		},
		[]string{"source"},
	)

	// SyncResetsTotal counts desynchronizer resets by cause
	SyncResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_sync_resets_total",
			Help: "Total number of stream synchronization resets",
		},
		[]string{"source", "reason"},
	)

	// ProcessorLatencySeconds measures per-frame processing latency
	ProcessorLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skylink_processor_latency_seconds",
			Help:    "Latency of per-frame processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
		[]string{"processor"},
	)

	// ReporterErrorsTotal counts reporter errors by name and error type
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_reporter_errors_total",
			Help: "Total number of reporter errors",
		},
		[]string{"reporter", "error_type"},
	)

	// ReporterBatchSize tracks the number of packets per reporter batch
	ReporterBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skylink_reporter_batch_size",
			Help:    "Number of packets per reporter batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"reporter"},
	)

	// UplinkCommandsTotal counts uplink commands by outcome
	UplinkCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skylink_uplink_commands_total",
			Help: "Total number of uplink commands handled",
		},
		[]string{"result"},
	)
)

// SyncStateValue represents desynchronizer state as a numeric value for Prometheus gauge
const (
	SyncStateUnsynchronized = 0
	SyncStateSynchronized   = 1
)
