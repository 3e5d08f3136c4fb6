package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"firestige.xyz/skylink/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
skylink:
  node:
    hostname: "gs-01"
  control:
    pid_file: "/tmp/test.pid"
    socket: "/tmp/test.sock"
  log:
    level: "debug"
    format: "text"
  kafka:
    brokers:
      - "localhost:9092"
  link:
    name: "x-band"
    virtual_channels: [0, 1, 2]
    frame:
      insert_zone_length: 4
      operational_control: true
    sync:
      marker: "1ACFFC1D"
      length_width: 2
    pass_id: "pass-42"
  processors:
    - name: "Real Time Telemetry"
      vcid: 1
      enforce_sequence: true
    - vcid: 2
      secondary_header_length: 10
  sources:
    - type: tcp
      address: "0.0.0.0:7000"
  reporters:
    outputs:
      - type: kafka
        config:
          topic: ""
      - type: console
  uplink:
    enabled: true
    address: "gs:7100"
    pad_to: 64
    commands:
      enabled: true
      kafka:
        topic: "uplink-commands"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Expected PIDFile /tmp/test.pid, got %s", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.Link.Name != "x-band" || len(cfg.Link.VirtualChannels) != 3 {
		t.Errorf("Unexpected link config %+v", cfg.Link)
	}
	if cfg.Link.Frame.InsertZoneLength != 4 || !cfg.Link.Frame.OperationalControl {
		t.Errorf("Unexpected frame config %+v", cfg.Link.Frame)
	}
	if !cfg.Link.Frame.ErrorControl || !cfg.Link.Frame.CheckECF {
		t.Error("Expected error control and ECF check enabled by default")
	}
	s, err := cfg.Link.Sync.Syncer()
	if err != nil {
		t.Fatalf("Syncer: %v", err)
	}
	if len(s.Marker) != 4 || s.LengthWidth != 2 {
		t.Errorf("Unexpected syncer %+v", s)
	}
	if cfg.Processors[0].Name != "Real Time Telemetry" || !cfg.Processors[0].EnforceSequence {
		t.Errorf("Unexpected processor %+v", cfg.Processors[0])
	}
	if cfg.Processors[1].Name != "VCID 2" || cfg.Processors[1].SecondaryHeaderLength != 10 {
		t.Errorf("Unexpected processor %+v", cfg.Processors[1])
	}
	if cfg.Sources[0].Mode != "listen" {
		t.Errorf("Expected tcp source mode to default to listen, got %s", cfg.Sources[0].Mode)
	}
	if len(cfg.Reporters.Kafka.Brokers) != 1 || cfg.Reporters.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Expected reporter brokers inherited, got %v", cfg.Reporters.Kafka.Brokers)
	}
	if len(cfg.Uplink.Commands.Kafka.Brokers) != 1 {
		t.Errorf("Expected command brokers inherited, got %v", cfg.Uplink.Commands.Kafka.Brokers)
	}
	if cfg.Uplink.Commands.Kafka.GroupID != "skylink-gs-01" {
		t.Errorf("Expected default group id skylink-gs-01, got %s", cfg.Uplink.Commands.Kafka.GroupID)
	}
	if cfg.Uplink.Mode != "dial" || cfg.Uplink.PadTo != 64 {
		t.Errorf("Unexpected uplink config %+v", cfg.Uplink)
	}
}

func TestLoadDefaults(t *testing.T) {
	configPath := writeConfig(t, `
skylink:
  link:
    virtual_channels: [1]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Control.PIDFile != "/var/run/skylink.pid" {
		t.Errorf("Expected default PIDFile /var/run/skylink.pid, got %s", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected default log config %+v", cfg.Log)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected default metrics config %+v", cfg.Metrics)
	}
	if cfg.Link.Sync.Marker != "0xBEEF" || cfg.Link.Sync.LengthWidth != 4 {
		t.Errorf("Unexpected default sync config %+v", cfg.Link.Sync)
	}
	if cfg.Link.Sync.StallThreshold != 2 {
		t.Errorf("Expected default stall threshold 2, got %d", cfg.Link.Sync.StallThreshold)
	}
	if cfg.Node.Hostname == "" {
		t.Error("Expected hostname to be auto-detected")
	}
	if Duration(cfg.Reporters.BatchTimeout, 0) != 50*time.Millisecond {
		t.Errorf("Expected default batch timeout 50ms, got %s", cfg.Reporters.BatchTimeout)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
skylink:
  log:
    level: "info"
`)

	t.Setenv("SKYLINK_LOG_LEVEL", "debug")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", `
skylink:
  log:
    level: "verbose"
`},
		{"log format", `
skylink:
  log:
    format: "xml"
`},
		{"vcid out of range", `
skylink:
  link:
    virtual_channels: [64]
`},
		{"duplicate vcid", `
skylink:
  link:
    virtual_channels: [3, 3]
`},
		{"processor on unconfigured vcid", `
skylink:
  link:
    virtual_channels: [1]
  processors:
    - vcid: 2
`},
		{"duplicate processor", `
skylink:
  link:
    virtual_channels: [1]
  processors:
    - vcid: 1
    - vcid: 1
`},
		{"negative secondary header", `
skylink:
  link:
    virtual_channels: [1]
  processors:
    - vcid: 1
      secondary_header_length: -2
`},
		{"bad marker", `
skylink:
  link:
    sync:
      marker: "xyz"
`},
		{"bad length width", `
skylink:
  link:
    sync:
      length_width: 3
`},
		{"ecf check without ecf", `
skylink:
  link:
    frame:
      error_control: false
`},
		{"unknown source", `
skylink:
  sources:
    - type: serial
`},
		{"tcp source without address", `
skylink:
  sources:
    - type: tcp
`},
		{"file source without path", `
skylink:
  sources:
    - type: file
`},
		{"kafka reporter without brokers", `
skylink:
  reporters:
    outputs:
      - type: kafka
`},
		{"unknown reporter", `
skylink:
  reporters:
    outputs:
      - type: loki
`},
		{"uplink without address", `
skylink:
  uplink:
    enabled: true
`},
		{"commands without topic", `
skylink:
  kafka:
    brokers: ["localhost:9092"]
  uplink:
    enabled: true
    address: "gs:7100"
    commands:
      enabled: true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, core.ErrConfigInvalid) {
				t.Errorf("Expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestArchiveInheritsVirtualChannels(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
skylink:
  link:
    virtual_channels: [1, 5]
  archive:
    enabled: true
    dir: "/tmp/archive"
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Archive.VirtualChannels) != 2 || cfg.Archive.VirtualChannels[1] != 5 {
		t.Errorf("Expected archive channels [1 5], got %v", cfg.Archive.VirtualChannels)
	}
	if got := VCIDs(cfg.Archive.VirtualChannels); got[1] != core.VCID(5) {
		t.Errorf("Unexpected VCIDs %v", got)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if cfg.Link.Name != "downlink" || !cfg.Link.Frame.ErrorControl {
		t.Errorf("Unexpected default link config %+v", cfg.Link)
	}
	if len(cfg.Sources) != 0 || cfg.Archive.Enabled || cfg.Uplink.Enabled {
		t.Errorf("Expected no sources, archive or uplink by default")
	}
}
