// Package config loads runtime configuration from a TOML file and the
// environment and builds the structured logger shared by all packages.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultDBPath = ":memory:"
	defaultNodes  = 1
	defaultPPN    = 1

	envListenAddr     = "COSIM_LISTEN_ADDR"
	envDBPath         = "COSIM_DB_PATH"
	envLogLevel       = "COSIM_LOG_LEVEL"
	envTaskTimeout    = "COSIM_TASK_TIMEOUT"
	envMaxConcurrency = "COSIM_LOCAL_MAX_CONCURRENCY"
	envNodes          = "COSIM_DISTRIBUTED_NODES"
	envPPN            = "COSIM_DISTRIBUTED_PPN"
	envWorkDir        = "COSIM_WORK_DIR"
)

// Config holds runtime configuration.
type Config struct {
	// ListenAddr enables the introspection API when non-empty.
	ListenAddr string `toml:"listen_addr"`
	// DBPath is the task ledger location; ":memory:" keeps it per run.
	DBPath   string     `toml:"db_path"`
	LogLevel slog.Level `toml:"-"`
	// TaskTimeout is applied to tasks that carry no timeout of their own.
	// Zero disables it.
	TaskTimeout         time.Duration `toml:"-"`
	LocalMaxConcurrency int           `toml:"local_max_concurrency"`
	DistributedNodes    int           `toml:"distributed_nodes"`
	DistributedPPN      int           `toml:"distributed_ppn"`
	WorkDir             string        `toml:"work_dir"`
}

// fileConfig mirrors Config for fields whose TOML form differs from the Go type.
type fileConfig struct {
	Config
	LogLevel    string `toml:"log_level"`
	TaskTimeout string `toml:"task_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	wd, _ := os.Getwd()
	return Config{
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		DistributedNodes: defaultNodes,
		DistributedPPN:   defaultPPN,
		WorkDir:          wd,
	}
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// LoadFile reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fc := fileConfig{Config: cfg}
			if _, err := toml.DecodeFile(path, &fc); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg = fc.Config
			if fc.LogLevel != "" {
				cfg.LogLevel = parseLogLevel(fc.LogLevel)
			}
			if fc.TaskTimeout != "" {
				d, err := time.ParseDuration(fc.TaskTimeout)
				if err != nil {
					return cfg, fmt.Errorf("parse task_timeout: %w", err)
				}
				cfg.TaskTimeout = d
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envTaskTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TaskTimeout = d
		}
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	setInt(&cfg.LocalMaxConcurrency, envMaxConcurrency)
	setInt(&cfg.DistributedNodes, envNodes)
	setInt(&cfg.DistributedPPN, envPPN)
}

func setInt(dst *int, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		*dst = n
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
