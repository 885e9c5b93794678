// Package config loads daemon configuration from the environment, with an
// optional TOML file overlay for deployments that prefer files over
// environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Duration wraps time.Duration so values like "100ms" decode from both
// environment variables and TOML strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds all daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Engine   EngineConfig   `toml:"engine"`
	Watchdog WatchdogConfig `toml:"watchdog"`
	Capture  CaptureConfig  `toml:"capture"`
	Logging  LogConfig      `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"SCANPIPE_PORT" toml:"port" default:"8750"`
	Host string `envconfig:"SCANPIPE_HOST" toml:"host" default:"127.0.0.1"`
}

// ScannerConfig describes the external scanner the workers execute.
type ScannerConfig struct {
	Command     string   `envconfig:"SCANPIPE_SCANNER_CMD" toml:"command" default:"/usr/bin/clamscan"`
	Args        []string `envconfig:"SCANPIPE_SCANNER_ARGS" toml:"args"`
	DatabaseDir string   `envconfig:"SCANPIPE_SCANNER_DB_DIR" toml:"database_dir" default:"/var/lib/clamav"`
	MirrorURL   string   `envconfig:"SCANPIPE_SCANNER_MIRROR_URL" toml:"mirror_url"`
	UsePTY      bool     `envconfig:"SCANPIPE_SCANNER_PTY" toml:"use_pty" default:"false"`
}

// EngineConfig tunes the per-worker streaming engine.
type EngineConfig struct {
	RingSize         int      `envconfig:"SCANPIPE_ENGINE_RING_SIZE" toml:"ring_size" default:"8192"`
	AccumulatorSize  int      `envconfig:"SCANPIPE_ENGINE_ACC_SIZE" toml:"accumulator_size" default:"4096"`
	MailboxCapacity  int      `envconfig:"SCANPIPE_ENGINE_MAILBOX_CAP" toml:"mailbox_capacity" default:"64"`
	BackoffBase      Duration `envconfig:"SCANPIPE_ENGINE_BACKOFF_BASE" toml:"backoff_base" default:"50ms"`
	BackoffCeiling   Duration `envconfig:"SCANPIPE_ENGINE_BACKOFF_CEILING" toml:"backoff_ceiling" default:"2s"`
	BackoffJitter    Duration `envconfig:"SCANPIPE_ENGINE_BACKOFF_JITTER" toml:"backoff_jitter" default:"25ms"`
	BackoffThreshold int      `envconfig:"SCANPIPE_ENGINE_BACKOFF_THRESHOLD" toml:"backoff_threshold" default:"10"`
}

// WatchdogConfig tunes pool supervision.
type WatchdogConfig struct {
	Interval Duration `envconfig:"SCANPIPE_WATCHDOG_INTERVAL" toml:"interval" default:"250ms"`
	// Signal is the termination signal number broadcast at shutdown.
	Signal int `envconfig:"SCANPIPE_WATCHDOG_SIGNAL" toml:"signal" default:"15"`
	// StatusFile backs the shared status cell; empty selects an in-process
	// cell.
	StatusFile string `envconfig:"SCANPIPE_WATCHDOG_STATUS_FILE" toml:"status_file"`
}

// CaptureConfig controls per-session output capture.
type CaptureConfig struct {
	Dir      string `envconfig:"SCANPIPE_CAPTURE_DIR" toml:"dir"`
	Compress bool   `envconfig:"SCANPIPE_CAPTURE_COMPRESS" toml:"compress" default:"true"`
	// Lines is the number of recent output lines retained in memory per
	// session.
	Lines int `envconfig:"SCANPIPE_CAPTURE_LINES" toml:"lines" default:"500"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"SCANPIPE_LOG_LEVEL" toml:"level" default:"info"`
	Development bool   `envconfig:"SCANPIPE_LOG_DEV" toml:"development" default:"false"`
}

// Load loads configuration from environment variables. Tags spell the
// full variable names, so the prefix argument stays empty; a non-empty
// prefix would make envconfig derive nested names from struct field
// paths instead of the tags.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment, then overlays values
// from the TOML file at path.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns the
// defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8750",
			Host: "127.0.0.1",
		},
		Scanner: ScannerConfig{
			Command:     "/usr/bin/clamscan",
			DatabaseDir: "/var/lib/clamav",
		},
		Engine: EngineConfig{
			RingSize:         8192,
			AccumulatorSize:  4096,
			MailboxCapacity:  64,
			BackoffBase:      Duration(50 * time.Millisecond),
			BackoffCeiling:   Duration(2 * time.Second),
			BackoffJitter:    Duration(25 * time.Millisecond),
			BackoffThreshold: 10,
		},
		Watchdog: WatchdogConfig{
			Interval: Duration(250 * time.Millisecond),
			Signal:   15,
		},
		Capture: CaptureConfig{
			Compress: true,
			Lines:    500,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
