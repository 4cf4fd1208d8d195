// config.go — bootstrap configuration cascade (spec.md §6 "Configuration
// (recognized options)"): defaults < file < env vars < flags.
//
// Grounded on the teacher's cmd/gasoline-cmd/config/loader.go (same
// pointer-based "only override what was actually set" cascade, same
// Validate-at-the-end shape), re-pointed from encoding/json at
// gopkg.in/yaml.v3 per this pack's YAML-config examples.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WindowDefaults carries the schema-independent window parameters every
// compiled WindowSchema falls back to when a field is unset (spec.md §6).
type WindowDefaults struct {
	EvictInterval   time.Duration
	MaxWindowBytes  int64
	MaxTotalBytes   int64
	EvictPolicy     string // "TimeFirst" is the only value this core implements
	WatermarkDelay  time.Duration
	AllowedLateness time.Duration
	LatePolicy      string // "Drop" | "SideOutput" (treated as Drop) | "Revise"
}

// LoggingConfig selects the zap level/encoding internal/logging builds from.
type LoggingConfig struct {
	Level    string // zapcore.Level text, e.g. "info", "debug"
	Encoding string // "json" (production) or "console" (development)
}

// Config holds every bootstrap-resolved value the reactor consumes.
type Config struct {
	ServerListen            string
	Windows                 WindowDefaults
	DispatchChannelCapacity int
	SinkPath                string
	Logging                 LoggingConfig
	MetricsListen           string
}

// Defaults returns the base configuration (spec.md §6 recognized options,
// conservative out-of-the-box values).
func Defaults() Config {
	return Config{
		ServerListen: "0.0.0.0:9700",
		Windows: WindowDefaults{
			EvictInterval:   5 * time.Second,
			MaxWindowBytes:  64 << 20,
			MaxTotalBytes:   512 << 20,
			EvictPolicy:     "TimeFirst",
			WatermarkDelay:  time.Second,
			AllowedLateness: 10 * time.Second,
			LatePolicy:      "Drop",
		},
		DispatchChannelCapacity: 1024,
		SinkPath:                "alerts.jsonl",
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		MetricsListen: "127.0.0.1:9700",
	}
}

// FlagOverrides holds values explicitly set via command-line flags. A nil
// pointer means the flag was not set, so a lower-priority value is kept.
type FlagOverrides struct {
	ServerListen  *string
	SinkPath      *string
	MetricsListen *string
	LogLevel      *string
}

// Load builds the final configuration: defaults < configPath (if non-empty
// and present) < env vars < flags, then validates.
func Load(configPath string, flags *FlagOverrides) (Config, error) {
	cfg := Defaults()

	if configPath != "" {
		if err := loadYAMLFile(&cfg, configPath); err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
	}

	loadEnvVars(&cfg)

	if flags != nil {
		applyFlags(&cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// fileConfig uses pointers so an absent YAML key never clobbers a
// higher-priority value already in cfg.
type serverFileConfig struct {
	Listen *string `yaml:"listen"`
}

type windowsFileConfig struct {
	EvictInterval   *string `yaml:"evict_interval"`
	MaxWindowBytes  *int64  `yaml:"max_window_bytes"`
	MaxTotalBytes   *int64  `yaml:"max_total_bytes"`
	EvictPolicy     *string `yaml:"evict_policy"`
	Watermark       *string `yaml:"watermark"`
	AllowedLateness *string `yaml:"allowed_lateness"`
	LatePolicy      *string `yaml:"late_policy"`
}

type dispatchFileConfig struct {
	ChannelCapacity *int    `yaml:"channel_capacity"`
	SinkPath        *string `yaml:"sink_path"`
}

type loggingFileConfig struct {
	Level    *string `yaml:"level"`
	Encoding *string `yaml:"encoding"`
}

type metricsFileConfig struct {
	Listen *string `yaml:"listen"`
}

type fileConfig struct {
	Server   *serverFileConfig   `yaml:"server"`
	Windows  *windowsFileConfig  `yaml:"windows"`
	Dispatch *dispatchFileConfig `yaml:"dispatch"`
	Logging  *loggingFileConfig  `yaml:"logging"`
	Metrics  *metricsFileConfig  `yaml:"metrics"`
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.Server != nil && fc.Server.Listen != nil {
		cfg.ServerListen = *fc.Server.Listen
	}
	if fc.Windows != nil {
		if err := applyWindowFile(cfg, fc.Windows); err != nil {
			return err
		}
	}
	if fc.Dispatch != nil {
		if fc.Dispatch.ChannelCapacity != nil {
			cfg.DispatchChannelCapacity = *fc.Dispatch.ChannelCapacity
		}
		if fc.Dispatch.SinkPath != nil {
			cfg.SinkPath = *fc.Dispatch.SinkPath
		}
	}
	if fc.Logging != nil {
		if fc.Logging.Level != nil {
			cfg.Logging.Level = *fc.Logging.Level
		}
		if fc.Logging.Encoding != nil {
			cfg.Logging.Encoding = *fc.Logging.Encoding
		}
	}
	if fc.Metrics != nil && fc.Metrics.Listen != nil {
		cfg.MetricsListen = *fc.Metrics.Listen
	}
	return nil
}

func applyWindowFile(cfg *Config, w *windowsFileConfig) error {
	if w.EvictInterval != nil {
		d, err := time.ParseDuration(*w.EvictInterval)
		if err != nil {
			return fmt.Errorf("windows.evict_interval: %w", err)
		}
		cfg.Windows.EvictInterval = d
	}
	if w.MaxWindowBytes != nil {
		cfg.Windows.MaxWindowBytes = *w.MaxWindowBytes
	}
	if w.MaxTotalBytes != nil {
		cfg.Windows.MaxTotalBytes = *w.MaxTotalBytes
	}
	if w.EvictPolicy != nil {
		cfg.Windows.EvictPolicy = *w.EvictPolicy
	}
	if w.Watermark != nil {
		d, err := time.ParseDuration(*w.Watermark)
		if err != nil {
			return fmt.Errorf("windows.watermark: %w", err)
		}
		cfg.Windows.WatermarkDelay = d
	}
	if w.AllowedLateness != nil {
		d, err := time.ParseDuration(*w.AllowedLateness)
		if err != nil {
			return fmt.Errorf("windows.allowed_lateness: %w", err)
		}
		cfg.Windows.AllowedLateness = d
	}
	if w.LatePolicy != nil {
		cfg.Windows.LatePolicy = *w.LatePolicy
	}
	return nil
}

func loadEnvVars(cfg *Config) {
	if v := os.Getenv("WARPFUSION_LISTEN"); v != "" {
		cfg.ServerListen = v
	}
	if v := os.Getenv("WARPFUSION_EVICT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Windows.EvictInterval = d
		}
	}
	if v := os.Getenv("WARPFUSION_MAX_TOTAL_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Windows.MaxTotalBytes = n
		}
	}
	if v := os.Getenv("WARPFUSION_SINK_PATH"); v != "" {
		cfg.SinkPath = v
	}
	if v := os.Getenv("WARPFUSION_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WARPFUSION_LOG_ENCODING"); v != "" {
		cfg.Logging.Encoding = v
	}
	if v := os.Getenv("WARPFUSION_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
}

func applyFlags(cfg *Config, flags *FlagOverrides) {
	if flags.ServerListen != nil {
		cfg.ServerListen = *flags.ServerListen
	}
	if flags.SinkPath != nil {
		cfg.SinkPath = *flags.SinkPath
	}
	if flags.MetricsListen != nil {
		cfg.MetricsListen = *flags.MetricsListen
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
}

// Validate checks that the resolved configuration is usable.
func (c Config) Validate() error {
	if c.ServerListen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}
	if c.Windows.EvictInterval <= 0 {
		return fmt.Errorf("windows.evict_interval must be positive")
	}
	switch c.Windows.LatePolicy {
	case "Drop", "SideOutput", "Revise":
	default:
		return fmt.Errorf("windows.late_policy must be Drop, SideOutput, or Revise, got %q", c.Windows.LatePolicy)
	}
	if c.Windows.EvictPolicy != "TimeFirst" {
		return fmt.Errorf("windows.evict_policy must be TimeFirst, got %q", c.Windows.EvictPolicy)
	}
	if c.DispatchChannelCapacity <= 0 {
		return fmt.Errorf("dispatch.channel_capacity must be positive")
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging.encoding must be json or console, got %q", c.Logging.Encoding)
	}
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.MetricsListen == "" {
		return fmt.Errorf("metrics.listen must not be empty")
	}
	return nil
}
