package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const DefaultConfigPath = "vruitrack.toml"

type Config struct {
	Device     DeviceConfig   `toml:"device"`
	Foxglove   FoxgloveConfig `toml:"foxglove"`
	Record     RecordConfig   `toml:"record"`
	SHM        SHMConfig      `toml:"shm"`
	Metrics    MetricsConfig  `toml:"metrics"`
	Log        LogConfig      `toml:"log"`
	configPath string         `toml:"-"`
}

type DeviceConfig struct {
	Addr           string `toml:"addr"`
	ConnectTimeout string `toml:"connect_timeout"`
	PollTimeout    string `toml:"poll_timeout"`
	Tick           string `toml:"tick"`
	KeepAlive      string `toml:"keep_alive"`
	Stream         bool   `toml:"stream"`
	Tracker        int    `toml:"tracker"`
	ReaderBuf      int    `toml:"reader_buf"`
}

type FoxgloveConfig struct {
	Enabled     bool   `toml:"enabled"`
	WSAddr      string `toml:"ws_addr"`
	ParentFrame string `toml:"parent_frame"`
	FrameID     string `toml:"frame_id"`
}

type RecordConfig struct {
	Path string `toml:"path,omitempty"`
}

type SHMConfig struct {
	Path string `toml:"path,omitempty"`
}

type MetricsConfig struct {
	Addr string `toml:"addr,omitempty"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			Addr:           "127.0.0.1:8555",
			ConnectTimeout: "30s",
			PollTimeout:    "10s",
			Tick:           "40ms",
			KeepAlive:      "15s",
			ReaderBuf:      64 * 1024,
		},
		Foxglove: FoxgloveConfig{
			WSAddr:      "127.0.0.1:8765",
			ParentFrame: "world",
			FrameID:     "head",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func Load(path string) (Config, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return Config{}, err
	}
	if !exists {
		return Config{}, os.ErrNotExist
	}
	return cfg, nil
}

// LoadOrDefault reads path, falling back to Default when it does not exist.
// The boolean reports whether the file was found.
func LoadOrDefault(path string) (Config, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return Config{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}

func (cfg *Config) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *Config) ConfigPath() string {
	return cfg.configPath
}

func (cfg *Config) Validate() error {
	if cfg.Device.Addr == "" {
		return fmt.Errorf("device.addr is empty")
	}
	for name, value := range map[string]string{
		"device.connect_timeout": cfg.Device.ConnectTimeout,
		"device.poll_timeout":    cfg.Device.PollTimeout,
		"device.tick":            cfg.Device.Tick,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}
	if _, err := time.ParseDuration(cfg.Device.KeepAlive); err != nil {
		return fmt.Errorf("device.keep_alive: %w", err)
	}
	if cfg.Device.Tracker < 0 {
		return fmt.Errorf("device.tracker must not be negative, got %d", cfg.Device.Tracker)
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format)
	}
	return nil
}

func (d DeviceConfig) ConnectTimeoutDuration() time.Duration {
	return mustDuration(d.ConnectTimeout)
}

func (d DeviceConfig) PollTimeoutDuration() time.Duration {
	return mustDuration(d.PollTimeout)
}

func (d DeviceConfig) TickDuration() time.Duration {
	return mustDuration(d.Tick)
}

// KeepAliveDuration is the TCP keep-alive period. Negative disables it.
func (d DeviceConfig) KeepAliveDuration() time.Duration {
	return mustDuration(d.KeepAlive)
}

// mustDuration returns 0 for strings Validate would reject.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// NewLogger builds the process logger described by the [log] section.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (cfg *Config) normalize(path string) {
	def := Default()

	if cfg.Device.Addr == "" {
		cfg.Device.Addr = def.Device.Addr
	}
	if cfg.Device.ConnectTimeout == "" {
		cfg.Device.ConnectTimeout = def.Device.ConnectTimeout
	}
	if cfg.Device.PollTimeout == "" {
		cfg.Device.PollTimeout = def.Device.PollTimeout
	}
	if cfg.Device.Tick == "" {
		cfg.Device.Tick = def.Device.Tick
	}
	if cfg.Device.KeepAlive == "" {
		cfg.Device.KeepAlive = def.Device.KeepAlive
	}
	if cfg.Device.ReaderBuf <= 0 {
		cfg.Device.ReaderBuf = def.Device.ReaderBuf
	}

	if cfg.Foxglove.WSAddr == "" {
		cfg.Foxglove.WSAddr = def.Foxglove.WSAddr
	}
	if cfg.Foxglove.ParentFrame == "" {
		cfg.Foxglove.ParentFrame = def.Foxglove.ParentFrame
	}
	if cfg.Foxglove.FrameID == "" {
		cfg.Foxglove.FrameID = def.Foxglove.FrameID
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path

	baseDir := filepath.Dir(path)
	cfg.Record.Path = resolve(baseDir, cfg.Record.Path)
	cfg.SHM.Path = resolve(baseDir, cfg.SHM.Path)
}

// resolve makes a relative output path relative to the config file's directory.
func resolve(baseDir string, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "-" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
