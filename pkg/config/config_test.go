package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vruitrack/pkg/config"
)

func TestLoadOrDefaultMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	cfg, exists, err := config.LoadOrDefault(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if exists {
		t.Fatalf("expected exists=false")
	}
	if cfg.Device.ConnectTimeoutDuration() != 30*time.Second {
		t.Fatalf("unexpected connect timeout: %s", cfg.Device.ConnectTimeout)
	}
	if cfg.Device.PollTimeoutDuration() != 10*time.Second {
		t.Fatalf("unexpected poll timeout: %s", cfg.Device.PollTimeout)
	}
	if cfg.Device.TickDuration() != 40*time.Millisecond {
		t.Fatalf("unexpected tick: %s", cfg.Device.Tick)
	}
	if cfg.Device.KeepAliveDuration() != 15*time.Second {
		t.Fatalf("unexpected keep-alive: %s", cfg.Device.KeepAlive)
	}

	if _, err := config.Load(path); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestLoadOrDefaultFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vruitrack.toml")
	mustWriteFile(t, cfgPath, `
[device]
addr = "10.0.0.5:8555"
stream = true

[record]
path = "logs/session.jsonl"

[log]
level = "DEBUG"
`)

	cfg, exists, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !exists {
		t.Fatalf("expected exists=true")
	}
	if cfg.Device.Addr != "10.0.0.5:8555" || !cfg.Device.Stream {
		t.Fatalf("device section not applied: %+v", cfg.Device)
	}
	if cfg.Device.PollTimeout != "10s" {
		t.Fatalf("expected default poll timeout, got %q", cfg.Device.PollTimeout)
	}
	if cfg.Foxglove.WSAddr == "" {
		t.Fatalf("expected default foxglove ws addr")
	}
	want := filepath.Join(dir, "logs", "session.jsonl")
	if cfg.Record.Path != want {
		t.Fatalf("record path not resolved: got %q want %q", cfg.Record.Path, want)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level not normalized: %q", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":   "[device]\npoll_timeout = \"soon\"\n",
		"zero tick":      "[device]\ntick = \"0s\"\n",
		"bad keep-alive": "[device]\nkeep_alive = \"often\"\n",
		"bad level":      "[log]\nlevel = \"loud\"\n",
		"bad format":     "[log]\nformat = \"xml\"\n",
		"negative index": "[device]\ntracker = -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vruitrack.toml")
			mustWriteFile(t, path, content)
			if _, _, err := config.LoadOrDefault(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "vruitrack.toml")

	cfg := config.Default()
	cfg.Device.Addr = "192.168.1.20:8555"
	cfg.Foxglove.Enabled = true
	cfg.SHM.Path = "/tmp/head.pose"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Device.Addr != cfg.Device.Addr || !loaded.Foxglove.Enabled || loaded.SHM.Path != "/tmp/head.pose" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if loaded.ConfigPath() != path {
		t.Fatalf("unexpected config path: %s", loaded.ConfigPath())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := config.LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func mustWriteFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
