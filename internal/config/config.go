// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/framesync"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `skylink:` root key in YAML.
type GlobalConfig struct {
	Node       NodeConfig        `mapstructure:"node"`
	Control    ControlConfig     `mapstructure:"control"`
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Kafka      GlobalKafkaConfig `mapstructure:"kafka"`
	Link       LinkConfig        `mapstructure:"link"`
	Processors []ProcessorConfig `mapstructure:"processors"`
	Sources    []SourceConfig    `mapstructure:"sources"`
	Reporters  ReportersConfig   `mapstructure:"reporters"`
	Archive    ArchiveConfig     `mapstructure:"archive"`
	Dictionary DictionaryConfig  `mapstructure:"dictionary"`
	Uplink     UplinkConfig      `mapstructure:"uplink"`
}

// ─── Node & Control ───

// NodeConfig identifies this ground station node.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Log & Metrics ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains optional log outputs; stdout is always on.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig contains rotated file output settings.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig contains lumberjack rotation settings.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`  // MB
	MaxAgeDays int  `mapstructure:"max_age_days"` // Days
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Kafka ───

// GlobalKafkaConfig is inherited by the reporter and the uplink command channel.
type GlobalKafkaConfig struct {
	Brokers []string   `mapstructure:"brokers"`
	SASL    SASLConfig `mapstructure:"sasl"`
	TLS     TLSConfig  `mapstructure:"tls"`
}

// SASLConfig contains Kafka SASL authentication settings.
type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains Kafka TLS settings.
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACert             string `mapstructure:"ca_cert"`
	ClientCert         string `mapstructure:"client_cert"`
	ClientKey          string `mapstructure:"client_key"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// ─── Link ───

// LinkConfig describes the downlink: frame layout, virtual channels and stream sync.
type LinkConfig struct {
	Name            string      `mapstructure:"name"`
	Frame           FrameConfig `mapstructure:"frame"`
	VirtualChannels []int       `mapstructure:"virtual_channels"`
	Sync            SyncConfig  `mapstructure:"sync"`
	PassID          string      `mapstructure:"pass_id"`
	SVIdentifier    string      `mapstructure:"sv_identifier"`
	BufferSize      int         `mapstructure:"buffer_size"`
}

// FrameConfig describes the AOS transfer frame layout.
type FrameConfig struct {
	InsertZoneLength   int  `mapstructure:"insert_zone_length"`
	HeaderErrorControl bool `mapstructure:"header_error_control"`
	OperationalControl bool `mapstructure:"operational_control"`
	ErrorControl       bool `mapstructure:"error_control"`
	CheckECF           bool `mapstructure:"check_ecf"`
}

// SyncConfig describes the sync marker framing of the byte stream.
type SyncConfig struct {
	Marker         string `mapstructure:"marker"`       // hex, e.g. "0xBEEF"
	LengthWidth    int    `mapstructure:"length_width"` // 1, 2, 4 or 8
	MaxFrameSize   int    `mapstructure:"max_frame_size"`
	StallThreshold int    `mapstructure:"stall_threshold"`
}

// Syncer builds the framing described by sc.
func (sc SyncConfig) Syncer() (framesync.Syncer, error) {
	marker, err := framesync.ParseMarker(sc.Marker)
	if err != nil {
		return framesync.Syncer{}, err
	}
	return framesync.NewSyncer(marker, sc.LengthWidth)
}

// ProcessorConfig configures the packet processor of one virtual channel.
type ProcessorConfig struct {
	Name                  string `mapstructure:"name"`
	VCID                  int    `mapstructure:"vcid"`
	EnforceSequence       bool   `mapstructure:"enforce_sequence"`
	SecondaryHeaderLength int    `mapstructure:"secondary_header_length"`
	MaxPending            int    `mapstructure:"max_pending"`
}

// SourceConfig configures one frame source.
type SourceConfig struct {
	Type           string `mapstructure:"type"` // tcp | file | pcap | archive
	Name           string `mapstructure:"name"`
	Mode           string `mapstructure:"mode"` // tcp: listen | dial
	Address        string `mapstructure:"address"`
	Path           string `mapstructure:"path"`
	FrameSize      int    `mapstructure:"frame_size"` // file: fixed frame size, 0 = synchronized stream
	Transport      string `mapstructure:"transport"`  // pcap: udp | tcp
	Port           int    `mapstructure:"port"`       // pcap: destination port filter
	Sync           bool   `mapstructure:"sync"`       // pcap udp: datagrams carry the synchronized stream
	ReadSize       int    `mapstructure:"read_size"`
	ReconnectDelay string `mapstructure:"reconnect_delay"`
}

// ─── Reporters, Archive, Dictionary ───

// ReportersConfig contains the reporter chain and shared Kafka connection settings.
type ReportersConfig struct {
	Kafka        KafkaReporterConnectionConfig `mapstructure:"kafka"`
	Outputs      []ReporterConfig              `mapstructure:"outputs"`
	Fallback     *ReporterConfig               `mapstructure:"fallback"`
	BatchSize    int                           `mapstructure:"batch_size"`
	BatchTimeout string                        `mapstructure:"batch_timeout"`
}

// KafkaReporterConnectionConfig is inherited by every kafka reporter output.
type KafkaReporterConnectionConfig struct {
	Brokers     []string   `mapstructure:"brokers"`
	Compression string     `mapstructure:"compression"`
	SASL        SASLConfig `mapstructure:"sasl"`
	TLS         TLSConfig  `mapstructure:"tls"`
}

// ReporterConfig contains one reporter's type and options.
type ReporterConfig struct {
	Type   string         `mapstructure:"type"` // kafka | console
	Config map[string]any `mapstructure:"config"`
}

// ArchiveConfig contains the frame archive settings.
type ArchiveConfig struct {
	Enabled         bool           `mapstructure:"enabled"`
	Dir             string         `mapstructure:"dir"`
	VirtualChannels []int          `mapstructure:"virtual_channels"` // empty = link.virtual_channels
	Rotation        RotationConfig `mapstructure:"rotation"`
}

// DictionaryConfig points at the APID dictionary.
type DictionaryConfig struct {
	Path string `mapstructure:"path"` // empty = name packets APID_<n>
}

// ─── Uplink ───

// UplinkConfig contains the command uplink settings.
type UplinkConfig struct {
	Enabled      bool                 `mapstructure:"enabled"`
	Mode         string               `mapstructure:"mode"` // listen | dial
	Address      string               `mapstructure:"address"`
	APIDBase     int                  `mapstructure:"apid_base"`
	PadTo        int                  `mapstructure:"pad_to"` // data field size, 0 = no padding
	Sync         bool                 `mapstructure:"sync"`   // wrap commands with link.sync framing
	WriteTimeout string               `mapstructure:"write_timeout"`
	Commands     CommandChannelConfig `mapstructure:"commands"`
}

// CommandChannelConfig contains the Kafka command channel settings.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL string             `mapstructure:"command_ttl"` // Default "5m"
}

// CommandKafkaConfig contains the command consumer connection settings.
type CommandKafkaConfig struct {
	Brokers         []string   `mapstructure:"brokers"`
	Topic           string     `mapstructure:"topic"`
	GroupID         string     `mapstructure:"group_id"`
	AutoOffsetReset string     `mapstructure:"auto_offset_reset"` // earliest | latest
	SASL            SASLConfig `mapstructure:"sasl"`
	TLS             TLSConfig  `mapstructure:"tls"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `skylink: ...`.
type configRoot struct {
	Skylink GlobalConfig `mapstructure:"skylink"`
}

// Load loads configuration from file.
// The YAML file uses `skylink:` as root key; env vars use the SKYLINK_ prefix
// (e.g., SKYLINK_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `skylink.` key prefix maps to `SKYLINK_` in env vars via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

// Default returns the configuration an empty file would load.
func Default() (*GlobalConfig, error) {
	return decode(viper.New())
}

func decode(v *viper.Viper) (*GlobalConfig, error) {
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Skylink

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "skylink." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("skylink.control.pid_file", "/var/run/skylink.pid")
	v.SetDefault("skylink.control.socket", "/var/run/skylink.sock")

	// Log defaults
	v.SetDefault("skylink.log.level", "info")
	v.SetDefault("skylink.log.format", "json")
	v.SetDefault("skylink.log.outputs.file.enabled", false)
	v.SetDefault("skylink.log.outputs.file.path", "/var/log/skylink/skylink.log")
	v.SetDefault("skylink.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("skylink.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("skylink.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("skylink.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("skylink.metrics.enabled", true)
	v.SetDefault("skylink.metrics.listen", ":9091")
	v.SetDefault("skylink.metrics.path", "/metrics")

	// Link defaults
	v.SetDefault("skylink.link.name", "downlink")
	v.SetDefault("skylink.link.frame.error_control", true)
	v.SetDefault("skylink.link.frame.check_ecf", true)
	v.SetDefault("skylink.link.sync.marker", "0xBEEF")
	v.SetDefault("skylink.link.sync.length_width", framesync.DefaultLengthWidth)
	v.SetDefault("skylink.link.sync.max_frame_size", framesync.DefaultMaxFrameSize)
	v.SetDefault("skylink.link.sync.stall_threshold", framesync.DefaultStallThreshold)
	v.SetDefault("skylink.link.buffer_size", 1024)

	// Reporter defaults
	v.SetDefault("skylink.reporters.kafka.compression", "snappy")
	v.SetDefault("skylink.reporters.batch_size", 100)
	v.SetDefault("skylink.reporters.batch_timeout", "50ms")

	// Archive defaults
	v.SetDefault("skylink.archive.enabled", false)
	v.SetDefault("skylink.archive.dir", "/var/lib/skylink/archive")
	v.SetDefault("skylink.archive.rotation.max_size_mb", 512)
	v.SetDefault("skylink.archive.rotation.max_age_days", 90)
	v.SetDefault("skylink.archive.rotation.max_backups", 0)
	v.SetDefault("skylink.archive.rotation.compress", true)

	// Uplink defaults
	v.SetDefault("skylink.uplink.enabled", false)
	v.SetDefault("skylink.uplink.mode", "dial")
	v.SetDefault("skylink.uplink.write_timeout", "5s")
	v.SetDefault("skylink.uplink.commands.enabled", false)
	v.SetDefault("skylink.uplink.commands.kafka.auto_offset_reset", "latest")
	v.SetDefault("skylink.uplink.commands.command_ttl", "5m")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults,
// including Kafka inheritance from the global kafka section.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	if err := cfg.validateLink(); err != nil {
		return err
	}
	if err := cfg.validateProcessors(); err != nil {
		return err
	}
	if err := cfg.validateSources(); err != nil {
		return err
	}

	applyKafkaInheritance(cfg)

	if err := cfg.validateReporters(); err != nil {
		return err
	}
	if err := cfg.validateArchive(); err != nil {
		return err
	}
	return cfg.validateUplink()
}

func (cfg *GlobalConfig) validateLink() error {
	link := &cfg.Link
	seen := make(map[int]bool, len(link.VirtualChannels))
	for _, v := range link.VirtualChannels {
		if err := validVCID(v); err != nil {
			return fmt.Errorf("link.virtual_channels: %w", err)
		}
		if seen[v] {
			return fmt.Errorf("%w: link.virtual_channels lists %d twice", core.ErrConfigInvalid, v)
		}
		seen[v] = true
	}
	if link.Frame.InsertZoneLength < 0 {
		return fmt.Errorf("%w: link.frame.insert_zone_length must be >= 0", core.ErrConfigInvalid)
	}
	if link.Frame.CheckECF && !link.Frame.ErrorControl {
		return fmt.Errorf("%w: link.frame.check_ecf requires link.frame.error_control", core.ErrConfigInvalid)
	}
	if _, err := link.Sync.Syncer(); err != nil {
		return fmt.Errorf("%w: link.sync: %v", core.ErrConfigInvalid, err)
	}
	if link.BufferSize <= 0 {
		link.BufferSize = 1024
	}
	return nil
}

func (cfg *GlobalConfig) validateProcessors() error {
	configured := make(map[int]bool, len(cfg.Link.VirtualChannels))
	for _, v := range cfg.Link.VirtualChannels {
		configured[v] = true
	}
	used := make(map[int]bool, len(cfg.Processors))
	for i := range cfg.Processors {
		p := &cfg.Processors[i]
		if !configured[p.VCID] {
			return fmt.Errorf("%w: processors[%d] vcid %d is not in link.virtual_channels", core.ErrConfigInvalid, i, p.VCID)
		}
		if used[p.VCID] {
			return fmt.Errorf("%w: more than one processor for vcid %d", core.ErrConfigInvalid, p.VCID)
		}
		used[p.VCID] = true
		if p.SecondaryHeaderLength < 0 {
			return fmt.Errorf("%w: processors[%d].secondary_header_length must be >= 0", core.ErrConfigInvalid, i)
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("VCID %d", p.VCID)
		}
	}
	return nil
}

func (cfg *GlobalConfig) validateSources() error {
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		switch s.Type {
		case "tcp":
			if s.Mode == "" {
				s.Mode = "listen"
			}
			if s.Mode != "listen" && s.Mode != "dial" {
				return fmt.Errorf("%w: sources[%d].mode must be listen or dial", core.ErrConfigInvalid, i)
			}
			if s.Address == "" {
				return fmt.Errorf("%w: sources[%d].address is required for tcp", core.ErrConfigInvalid, i)
			}
		case "file", "pcap", "archive":
			if s.Path == "" {
				return fmt.Errorf("%w: sources[%d].path is required for %s", core.ErrConfigInvalid, i, s.Type)
			}
			if s.Type == "pcap" && (s.Port < 0 || s.Port > 65535) {
				return fmt.Errorf("%w: sources[%d].port out of range", core.ErrConfigInvalid, i)
			}
		default:
			return fmt.Errorf("%w: sources[%d].type %q (must be tcp/file/pcap/archive)", core.ErrConfigInvalid, i, s.Type)
		}
		if s.ReconnectDelay != "" {
			if _, err := time.ParseDuration(s.ReconnectDelay); err != nil {
				return fmt.Errorf("%w: sources[%d].reconnect_delay: %v", core.ErrConfigInvalid, i, err)
			}
		}
	}
	return nil
}

func (cfg *GlobalConfig) validateReporters() error {
	rc := &cfg.Reporters
	outputs := rc.Outputs
	if rc.Fallback != nil {
		outputs = append(append([]ReporterConfig(nil), outputs...), *rc.Fallback)
	}
	for i, out := range outputs {
		switch out.Type {
		case "console":
		case "kafka":
			if len(rc.Kafka.Brokers) == 0 {
				if _, ok := out.Config["brokers"]; !ok {
					return fmt.Errorf("%w: reporter %d: kafka brokers are required", core.ErrConfigInvalid, i)
				}
			}
		default:
			return fmt.Errorf("%w: reporter %d: unsupported type %q (must be kafka/console)", core.ErrConfigInvalid, i, out.Type)
		}
	}
	if _, err := time.ParseDuration(rc.BatchTimeout); err != nil {
		return fmt.Errorf("%w: reporters.batch_timeout: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

func (cfg *GlobalConfig) validateArchive() error {
	a := &cfg.Archive
	if !a.Enabled {
		return nil
	}
	if a.Dir == "" {
		return fmt.Errorf("%w: archive.dir is required when archive.enabled=true", core.ErrConfigInvalid)
	}
	if len(a.VirtualChannels) == 0 {
		a.VirtualChannels = append([]int(nil), cfg.Link.VirtualChannels...)
	}
	for _, v := range a.VirtualChannels {
		if err := validVCID(v); err != nil {
			return fmt.Errorf("archive.virtual_channels: %w", err)
		}
	}
	return nil
}

func (cfg *GlobalConfig) validateUplink() error {
	u := &cfg.Uplink
	if !u.Enabled {
		return nil
	}
	if u.Mode != "listen" && u.Mode != "dial" {
		return fmt.Errorf("%w: uplink.mode must be listen or dial", core.ErrConfigInvalid)
	}
	if u.Address == "" {
		return fmt.Errorf("%w: uplink.address is required when uplink.enabled=true", core.ErrConfigInvalid)
	}
	if u.APIDBase < 0 || u.APIDBase > 0x7FE {
		return fmt.Errorf("%w: uplink.apid_base out of range", core.ErrConfigInvalid)
	}
	if u.PadTo < 0 {
		return fmt.Errorf("%w: uplink.pad_to must be >= 0", core.ErrConfigInvalid)
	}
	if _, err := time.ParseDuration(u.WriteTimeout); err != nil {
		return fmt.Errorf("%w: uplink.write_timeout: %v", core.ErrConfigInvalid, err)
	}

	cc := &u.Commands
	if !cc.Enabled {
		return nil
	}
	if len(cc.Kafka.Brokers) == 0 {
		return fmt.Errorf("%w: uplink.commands.kafka.brokers is required when uplink.commands.enabled=true", core.ErrConfigInvalid)
	}
	if cc.Kafka.Topic == "" {
		return fmt.Errorf("%w: uplink.commands.kafka.topic is required when uplink.commands.enabled=true", core.ErrConfigInvalid)
	}
	if cc.Kafka.GroupID == "" {
		cc.Kafka.GroupID = "skylink-" + cfg.Node.Hostname
	}
	if _, err := time.ParseDuration(cc.CommandTTL); err != nil {
		return fmt.Errorf("%w: uplink.commands.command_ttl: %v", core.ErrConfigInvalid, err)
	}
	return nil
}

func validVCID(v int) error {
	if v < 0 || v > int(core.MaxVCID) {
		return fmt.Errorf("%w: vcid %d out of range 0..%d", core.ErrConfigInvalid, v, core.MaxVCID)
	}
	return nil
}

// applyKafkaInheritance copies the global kafka settings into the reporter and
// uplink command channel sections when their local fields are empty.
func applyKafkaInheritance(cfg *GlobalConfig) {
	global := &cfg.Kafka

	// ── uplink.commands.kafka ──
	cc := &cfg.Uplink.Commands.Kafka
	if len(cc.Brokers) == 0 {
		cc.Brokers = global.Brokers
	}
	if !cc.SASL.Enabled && global.SASL.Enabled {
		cc.SASL = global.SASL
	}
	if !cc.TLS.Enabled && global.TLS.Enabled {
		cc.TLS = global.TLS
	}

	// ── reporters.kafka ──
	rk := &cfg.Reporters.Kafka
	if len(rk.Brokers) == 0 {
		rk.Brokers = global.Brokers
	}
	if !rk.SASL.Enabled && global.SASL.Enabled {
		rk.SASL = global.SASL
	}
	if !rk.TLS.Enabled && global.TLS.Enabled {
		rk.TLS = global.TLS
	}
}

// VCIDs converts configured channel numbers.
func VCIDs(in []int) []core.VCID {
	out := make([]core.VCID, len(in))
	for i, v := range in {
		out[i] = core.VCID(v)
	}
	return out
}

// Duration parses a validated duration string, returning def when s is empty.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
