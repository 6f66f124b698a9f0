package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firestige.xyz/wlanrx/internal/core"
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
wlanrx:
  node:
    hostname: "ap-01"
  control:
    pid_file: "/tmp/test.pid"
    socket: "/tmp/test.sock"
  log:
    level: "debug"
    format: "text"
  rx:
    workers: 2
    ring_size: 64
    fill_level: 48
    strict_pn: true
    flush_interval: "5ms"
    replay_log_interval: "1s"
    cpu_affinity: [0, 2]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.Hostname != "ap-01" {
		t.Errorf("Expected hostname ap-01, got %s", cfg.Node.Hostname)
	}
	if cfg.Control.PIDFile != "/tmp/test.pid" {
		t.Errorf("Expected PIDFile /tmp/test.pid, got %s", cfg.Control.PIDFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
	if cfg.RX.Workers != 2 || cfg.RX.RingSize != 64 || cfg.RX.FillLevel != 48 {
		t.Errorf("Unexpected rx sizing %+v", cfg.RX)
	}
	if !cfg.RX.StrictPN {
		t.Error("Expected strict_pn true")
	}
	if cfg.RX.FlushInterval != 5*time.Millisecond {
		t.Errorf("Expected flush_interval 5ms, got %v", cfg.RX.FlushInterval)
	}
	if cfg.RX.ReplayLogInterval != time.Second {
		t.Errorf("Expected replay_log_interval 1s, got %v", cfg.RX.ReplayLogInterval)
	}
	if len(cfg.RX.CPUAffinity) != 2 || cfg.RX.CPUAffinity[1] != 2 {
		t.Errorf("Expected cpu_affinity [0 2], got %v", cfg.RX.CPUAffinity)
	}
	// derived defaults
	if cfg.RX.AllocBudget != 128 {
		t.Errorf("Expected alloc_budget 2x ring_size, got %d", cfg.RX.AllocBudget)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Control.Socket != "/var/run/wlanrx.sock" {
		t.Errorf("Expected default socket, got %s", cfg.Control.Socket)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected default log config %+v", cfg.Log)
	}
	if cfg.RX.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.RX.Workers)
	}
	if cfg.RX.ReplayLogInterval != 250*time.Millisecond {
		t.Errorf("Expected 250ms replay log interval, got %v", cfg.RX.ReplayLogInterval)
	}
	if cfg.RX.StrictPN {
		t.Error("Expected lenient PN mode by default")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Expected metrics enabled by default")
	}
	if cfg.Node.Hostname == "" {
		t.Error("Expected hostname auto-detected")
	}
}

func TestLoadInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
wlanrx:
  log:
    level: "invalid"
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for invalid log level, got nil")
	}
}

func TestLoadInvalidLogFormat(t *testing.T) {
	configPath := writeConfig(t, `
wlanrx:
  log:
    format: "xml"
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for invalid log format, got nil")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
wlanrx:
  log:
    level: "info"
`)
	t.Setenv("WLANRX_LOG_LEVEL", "debug")
	t.Setenv("WLANRX_RX_WORKERS", "3")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug from env var, got %s", cfg.Log.Level)
	}
	if cfg.RX.Workers != 3 {
		t.Errorf("Expected 3 workers from env var, got %d", cfg.RX.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestRXValidate(t *testing.T) {
	base := func() RXConfig {
		return RXConfig{Workers: 2, RingSize: 32, FlushInterval: time.Millisecond}
	}

	t.Run("TooManyWorkers", func(t *testing.T) {
		rx := base()
		rx.Workers = MaxWorkers + 1
		if err := rx.Validate(); !errors.Is(err, core.ErrConfigInvalid) {
			t.Errorf("Expected ErrConfigInvalid, got %v", err)
		}
	})

	t.Run("ZeroFlushInterval", func(t *testing.T) {
		rx := base()
		rx.FlushInterval = 0
		if err := rx.Validate(); err == nil {
			t.Error("Expected error for zero flush interval")
		}
	})

	t.Run("FillLevelClamped", func(t *testing.T) {
		rx := base()
		rx.FillLevel = 1000
		if err := rx.Validate(); err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if rx.FillLevel != 32 {
			t.Errorf("Expected fill level clamped to 32, got %d", rx.FillLevel)
		}
		if rx.LowWatermark != 8 {
			t.Errorf("Expected low watermark 8, got %d", rx.LowWatermark)
		}
	})

	t.Run("NegativeCPU", func(t *testing.T) {
		rx := base()
		rx.CPUAffinity = []int{-1}
		if err := rx.Validate(); err == nil {
			t.Error("Expected error for negative cpu")
		}
	})
}

func TestSourceAndNotifyValidation(t *testing.T) {
	configPath := writeConfig(t, `
wlanrx:
  source:
    enabled: true
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for source without file")
	}

	configPath = writeConfig(t, `
wlanrx:
  source:
    enabled: true
    type: afpacket
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for afpacket source without device")
	}

	configPath = writeConfig(t, `
wlanrx:
  source:
    enabled: true
    type: afpacket
    device: mon0
`)
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source.SnapLen != 4096 || !cfg.Source.Radiotap || cfg.Source.PollTimeout != 100*time.Millisecond {
		t.Errorf("unexpected afpacket defaults: %+v", cfg.Source)
	}

	configPath = writeConfig(t, `
wlanrx:
  source:
    enabled: true
    type: netmap
    file: x.pcap
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for unknown source type")
	}

	configPath = writeConfig(t, `
wlanrx:
  notify:
    kafka:
      enabled: true
`)
	if _, err := Load(configPath); err == nil {
		t.Error("Expected error for kafka notify without brokers")
	}
}

func TestCommandChannelConfig(t *testing.T) {
	configPath := writeConfig(t, `
wlanrx:
  control:
    kafka:
      enabled: true
      brokers: ["kafka-1:9092"]
      command_ttl: "30s"
`)
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	kc := cfg.Control.Kafka
	if kc.Topic != "wlanrx-commands" || kc.GroupID != "wlanrx" {
		t.Errorf("defaults not applied: topic=%q group=%q", kc.Topic, kc.GroupID)
	}
	if kc.CommandTTL != 30*time.Second {
		t.Errorf("CommandTTL = %v, expected 30s", kc.CommandTTL)
	}

	bad := KafkaCommandConfig{Brokers: []string{"b"}, Topic: "t", GroupID: "g", AutoOffsetReset: "middle"}
	if err := bad.Validate(); !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("Validate = %v, expected ErrConfigInvalid", err)
	}
	if err := (&KafkaCommandConfig{Topic: "t", GroupID: "g"}).Validate(); err == nil {
		t.Error("Expected error for missing brokers")
	}
}

func TestDump(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}
	data, err := Dump(cfg)
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	out := string(data)
	for _, want := range []string{"wlanrx:", "strict_pn: false", "replay_log_interval: 250ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump output missing %q:\n%s", want, out)
		}
	}
}
