// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/wlanrx/internal/core"
)

// MaxWorkers is the upper bound on dispatch workers (one per hardware ring).
const MaxWorkers = 8

// GlobalConfig represents the top-level global static configuration.
// Maps to the `wlanrx:` root key in YAML.
type GlobalConfig struct {
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	RX      RXConfig      `mapstructure:"rx" yaml:"rx"`
	Source  SourceConfig  `mapstructure:"source" yaml:"source"`
	Sink    SinkConfig    `mapstructure:"sink" yaml:"sink"`
	Notify  NotifyConfig  `mapstructure:"notify" yaml:"notify"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string             `mapstructure:"socket" yaml:"socket"`
	PIDFile string             `mapstructure:"pid_file" yaml:"pid_file"`
	Kafka   KafkaCommandConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaCommandConfig configures the remote command channel.
type KafkaCommandConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers         []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic           string        `mapstructure:"topic" yaml:"topic"`
	GroupID         string        `mapstructure:"group_id" yaml:"group_id"`
	AutoOffsetReset string        `mapstructure:"auto_offset_reset" yaml:"auto_offset_reset"` // earliest / latest
	CommandTTL      time.Duration `mapstructure:"command_ttl" yaml:"command_ttl"`             // older commands are skipped
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Receive Path ───

// RXConfig configures the receive data path.
type RXConfig struct {
	Workers      int `mapstructure:"workers" yaml:"workers"`             // one per hardware ring
	RingSize     int `mapstructure:"ring_size" yaml:"ring_size"`         // receive buffer ring capacity
	FillLevel    int `mapstructure:"fill_level" yaml:"fill_level"`       // refill target
	LowWatermark int `mapstructure:"low_watermark" yaml:"low_watermark"` // kick refill below this
	BufferSize   int `mapstructure:"buffer_size" yaml:"buffer_size"`
	AllocBudget  int `mapstructure:"alloc_budget" yaml:"alloc_budget"` // outstanding buffers; 0 = 2x ring_size

	StrictPN          bool          `mapstructure:"strict_pn" yaml:"strict_pn"`
	ReplayLogInterval time.Duration `mapstructure:"replay_log_interval" yaml:"replay_log_interval"`
	TraceCapacity     int           `mapstructure:"trace_capacity" yaml:"trace_capacity"`

	FlushInterval          time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	LowThroughputThreshold int           `mapstructure:"low_throughput_threshold" yaml:"low_throughput_threshold"` // MPDUs per flush interval
	GROMaxSegments         int           `mapstructure:"gro_max_segments" yaml:"gro_max_segments"`
	QueueLimit             int           `mapstructure:"queue_limit" yaml:"queue_limit"` // 0 = unbounded
	CPUAffinity            []int         `mapstructure:"cpu_affinity" yaml:"cpu_affinity"`

	RefillRetryMin time.Duration `mapstructure:"refill_retry_min" yaml:"refill_retry_min"`
	RefillRetryMax time.Duration `mapstructure:"refill_retry_max" yaml:"refill_retry_max"`
}

// ─── Frame Source ───

// Frame source types.
const (
	SourceFile     = "file"     // replay a pcap/pcapng capture
	SourceAFPacket = "afpacket" // live monitor-mode interface
)

// SourceConfig configures the frame source feeding the receive ring.
type SourceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Type    string `mapstructure:"type" yaml:"type"` // file / afpacket
	File    string `mapstructure:"file" yaml:"file"`
	Cipher  string `mapstructure:"cipher" yaml:"cipher"` // cipher installed on discovered peers
	Mode    string `mapstructure:"mode" yaml:"mode"`     // ap / sta / ibss
	Owner   uint32 `mapstructure:"owner" yaml:"owner"`   // owner (vdev) id stamped on batches
	Loop    bool   `mapstructure:"loop" yaml:"loop"`

	// afpacket only
	Device       string        `mapstructure:"device" yaml:"device"`
	Radiotap     bool          `mapstructure:"radiotap" yaml:"radiotap"` // frames carry a radiotap header
	SnapLen      int           `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout" yaml:"poll_timeout"`
	FanoutID     uint16        `mapstructure:"fanout_id" yaml:"fanout_id"`
}

// SinkConfig configures where delivered segments go.
type SinkConfig struct {
	Verbose bool `mapstructure:"verbose" yaml:"verbose"` // print one line per segment
}

// ─── Replay Notification ───

// NotifyConfig configures replay event export.
type NotifyConfig struct {
	Kafka KafkaNotifyConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaNotifyConfig configures the Kafka replay event publisher.
type KafkaNotifyConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	Compression  string        `mapstructure:"compression" yaml:"compression"` // none / gzip / snappy / lz4
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `wlanrx: ...`.
type configRoot struct {
	WLANRX GlobalConfig `mapstructure:"wlanrx"`
}

// Load loads configuration from file.
// The YAML file uses `wlanrx:` as root key; env vars use the WLANRX_ prefix (e.g., WLANRX_LOG_LEVEL).
// An empty path loads defaults only.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "wlanrx.log.level" → env "WLANRX_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.WLANRX

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "wlanrx." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("wlanrx.control.pid_file", "/var/run/wlanrx.pid")
	v.SetDefault("wlanrx.control.socket", "/var/run/wlanrx.sock")
	v.SetDefault("wlanrx.control.kafka.enabled", false)
	v.SetDefault("wlanrx.control.kafka.topic", "wlanrx-commands")
	v.SetDefault("wlanrx.control.kafka.group_id", "wlanrx")
	v.SetDefault("wlanrx.control.kafka.auto_offset_reset", "latest")
	v.SetDefault("wlanrx.control.kafka.command_ttl", "5m")

	// Log defaults
	v.SetDefault("wlanrx.log.level", "info")
	v.SetDefault("wlanrx.log.format", "json")
	v.SetDefault("wlanrx.log.outputs.file.enabled", false)
	v.SetDefault("wlanrx.log.outputs.file.path", "/var/log/wlanrx/wlanrx.log")
	v.SetDefault("wlanrx.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("wlanrx.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("wlanrx.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("wlanrx.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("wlanrx.metrics.enabled", true)
	v.SetDefault("wlanrx.metrics.listen", ":9092")
	v.SetDefault("wlanrx.metrics.path", "/metrics")

	// Receive path defaults
	v.SetDefault("wlanrx.rx.workers", 4)
	v.SetDefault("wlanrx.rx.ring_size", 1024)
	v.SetDefault("wlanrx.rx.fill_level", 1024)
	v.SetDefault("wlanrx.rx.low_watermark", 256)
	v.SetDefault("wlanrx.rx.buffer_size", 2048)
	v.SetDefault("wlanrx.rx.alloc_budget", 0)
	v.SetDefault("wlanrx.rx.strict_pn", false)
	v.SetDefault("wlanrx.rx.replay_log_interval", "250ms")
	v.SetDefault("wlanrx.rx.trace_capacity", 512)
	v.SetDefault("wlanrx.rx.flush_interval", "10ms")
	v.SetDefault("wlanrx.rx.low_throughput_threshold", 16)
	v.SetDefault("wlanrx.rx.gro_max_segments", 64)
	v.SetDefault("wlanrx.rx.queue_limit", 0)
	v.SetDefault("wlanrx.rx.refill_retry_min", "10ms")
	v.SetDefault("wlanrx.rx.refill_retry_max", "500ms")

	// Source defaults
	v.SetDefault("wlanrx.source.enabled", false)
	v.SetDefault("wlanrx.source.type", SourceFile)
	v.SetDefault("wlanrx.source.radiotap", true)
	v.SetDefault("wlanrx.source.snap_len", 4096)
	v.SetDefault("wlanrx.source.buffer_size_mb", 8)
	v.SetDefault("wlanrx.source.poll_timeout", "100ms")
	v.SetDefault("wlanrx.source.cipher", "ccmp")
	v.SetDefault("wlanrx.source.mode", "sta")

	v.SetDefault("wlanrx.sink.verbose", false)

	// Notify defaults
	v.SetDefault("wlanrx.notify.kafka.enabled", false)
	v.SetDefault("wlanrx.notify.kafka.topic", "wlanrx-replay")
	v.SetDefault("wlanrx.notify.kafka.queue_size", 1024)
	v.SetDefault("wlanrx.notify.kafka.batch_size", 100)
	v.SetDefault("wlanrx.notify.kafka.batch_timeout", "100ms")
	v.SetDefault("wlanrx.notify.kafka.compression", "snappy")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Command channel validation ──
	if cfg.Control.Kafka.Enabled {
		if err := cfg.Control.Kafka.Validate(); err != nil {
			return err
		}
	}

	if err := cfg.RX.Validate(); err != nil {
		return err
	}

	// ── Source validation ──
	if cfg.Source.Enabled {
		switch cfg.Source.Type {
		case SourceFile, "":
			cfg.Source.Type = SourceFile
			if cfg.Source.File == "" {
				return fmt.Errorf("%w: source.file is required when source.type=file", core.ErrConfigInvalid)
			}
		case SourceAFPacket:
			if cfg.Source.Device == "" {
				return fmt.Errorf("%w: source.device is required when source.type=afpacket", core.ErrConfigInvalid)
			}
			if cfg.Source.SnapLen <= 0 || cfg.Source.BufferSizeMB <= 0 {
				return fmt.Errorf("%w: source.snap_len and source.buffer_size_mb must be positive", core.ErrConfigInvalid)
			}
		default:
			return fmt.Errorf("%w: source.type must be file/afpacket, got %q", core.ErrConfigInvalid, cfg.Source.Type)
		}
		if _, ok := core.ParseCipher(cfg.Source.Cipher); !ok {
			return fmt.Errorf("%w: unknown source.cipher %q", core.ErrConfigInvalid, cfg.Source.Cipher)
		}
		switch core.OpMode(cfg.Source.Mode) {
		case core.OpModeAP, core.OpModeSTA, core.OpModeIBSS:
		default:
			return fmt.Errorf("%w: source.mode must be ap/sta/ibss, got %q", core.ErrConfigInvalid, cfg.Source.Mode)
		}
	}

	// ── Notify validation ──
	if cfg.Notify.Kafka.Enabled {
		if len(cfg.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: notify.kafka.brokers is required when notify.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Notify.Kafka.Topic == "" {
			return fmt.Errorf("%w: notify.kafka.topic is required when notify.kafka.enabled=true", core.ErrConfigInvalid)
		}
		switch cfg.Notify.Kafka.Compression {
		case "", "none", "gzip", "snappy", "lz4":
		default:
			return fmt.Errorf("%w: invalid notify.kafka.compression %q", core.ErrConfigInvalid, cfg.Notify.Kafka.Compression)
		}
	}

	return nil
}

// Validate checks receive path settings and fills derived defaults.
func (rx *RXConfig) Validate() error {
	if rx.Workers < 1 || rx.Workers > MaxWorkers {
		return fmt.Errorf("%w: rx.workers must be in [1, %d], got %d", core.ErrConfigInvalid, MaxWorkers, rx.Workers)
	}
	if rx.RingSize < 1 {
		return fmt.Errorf("%w: rx.ring_size must be positive", core.ErrConfigInvalid)
	}
	if rx.FillLevel <= 0 || rx.FillLevel > rx.RingSize {
		rx.FillLevel = rx.RingSize
	}
	if rx.LowWatermark < 0 || rx.LowWatermark >= rx.FillLevel {
		rx.LowWatermark = rx.FillLevel / 4
	}
	if rx.BufferSize <= 0 {
		rx.BufferSize = 2048
	}
	if rx.AllocBudget <= 0 {
		rx.AllocBudget = 2 * rx.RingSize
	}
	if rx.GROMaxSegments < 1 {
		rx.GROMaxSegments = 1
	}
	if rx.FlushInterval <= 0 {
		return fmt.Errorf("%w: rx.flush_interval must be positive", core.ErrConfigInvalid)
	}
	if rx.ReplayLogInterval <= 0 {
		rx.ReplayLogInterval = 250 * time.Millisecond
	}
	if rx.RefillRetryMin <= 0 {
		rx.RefillRetryMin = 10 * time.Millisecond
	}
	if rx.RefillRetryMax < rx.RefillRetryMin {
		rx.RefillRetryMax = rx.RefillRetryMin
	}
	for _, cpu := range rx.CPUAffinity {
		if cpu < 0 {
			return fmt.Errorf("%w: rx.cpu_affinity contains negative cpu %d", core.ErrConfigInvalid, cpu)
		}
	}
	return nil
}

// Validate checks the remote command channel settings.
func (kc *KafkaCommandConfig) Validate() error {
	if len(kc.Brokers) == 0 {
		return fmt.Errorf("%w: control.kafka.brokers is required", core.ErrConfigInvalid)
	}
	if kc.Topic == "" {
		return fmt.Errorf("%w: control.kafka.topic is required", core.ErrConfigInvalid)
	}
	if kc.GroupID == "" {
		return fmt.Errorf("%w: control.kafka.group_id is required", core.ErrConfigInvalid)
	}
	switch kc.AutoOffsetReset {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("%w: control.kafka.auto_offset_reset must be earliest/latest, got %q", core.ErrConfigInvalid, kc.AutoOffsetReset)
	}
	if kc.CommandTTL < 0 {
		return fmt.Errorf("%w: control.kafka.command_ttl must not be negative", core.ErrConfigInvalid)
	}
	return nil
}
