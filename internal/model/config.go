package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DatabaseTypeJSON     = "json"
	DatabaseTypeSQLite   = "sqlite"
	DatabaseTypePostgres = "postgres"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Spack    SpackConfig    `yaml:"spack"`
	Worker   WorkerConfig   `yaml:"worker"`
	Retry    RetryConfig    `yaml:"retry"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"` // json, sqlite or postgres
	Path string `yaml:"path"` // state file location for the json backend
	URL  string `yaml:"url"`  // sqlite file path or postgres DSN
}

type SpackConfig struct {
	SetupScript string `yaml:"setup_script"` // sourced before spack commands; empty disables sourcing
}

type WorkerConfig struct {
	CheckIntervalSec     float64 `yaml:"check_interval_sec"`
	HeartbeatIntervalSec float64 `yaml:"heartbeat_interval_sec"`
	MaxHeartbeatAgeSec   float64 `yaml:"max_heartbeat_age_sec"`
	TimeoutMultiplier    float64 `yaml:"timeout_multiplier"`
}

type RetryConfig struct {
	Auto             bool    `yaml:"auto"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffFactor    float64 `yaml:"backoff_factor"`
	BaseDelaySec     float64 `yaml:"base_delay_sec"`
	CheckIntervalSec float64 `yaml:"check_interval_sec"`
}

type ServerConfig struct {
	UseUnixSocket bool    `yaml:"use_unix_socket"`
	SocketPath    string  `yaml:"socket_path"`
	Host          string  `yaml:"host"`
	Port          int     `yaml:"port"`
	TimeoutSec    float64 `yaml:"timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults. The database path defaults to
// ~/.spack_installer/jobs.json, resolved against the current home directory.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return Config{
		Database: DatabaseConfig{
			Type: DatabaseTypeJSON,
			Path: filepath.Join(home, ".spack_installer", "jobs.json"),
		},
		Spack: SpackConfig{
			SetupScript: "/opt/spack/setup-env.sh",
		},
		Worker: WorkerConfig{
			CheckIntervalSec:     10.0,
			HeartbeatIntervalSec: 30.0,
			MaxHeartbeatAgeSec:   60.0,
			TimeoutMultiplier:    2.0,
		},
		Retry: RetryConfig{
			Auto:             true,
			MaxRetries:       3,
			BackoffFactor:    2.0,
			BaseDelaySec:     60.0,
			CheckIntervalSec: 300.0,
		},
		Server: ServerConfig{
			UseUnixSocket: true,
			SocketPath:    "/tmp/spack_installer.sock",
			Host:          "localhost",
			Port:          8080,
			TimeoutSec:    30.0,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the config file location `spackq init` writes
// and LoadConfig falls back to when no path is given.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	return filepath.Join(home, ".spack_installer", "config.yaml")
}

// LoadConfig builds the effective configuration: defaults, overlaid with the
// YAML file at path when given, overlaid with environment variables. An empty
// path reads DefaultConfigPath when that file exists.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		if def := DefaultConfigPath(); fileExists(def) {
			path = def
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from the environment. Variable names match
// the spack_installer deployment conventions.
func (c *Config) ApplyEnv() {
	c.Database.Type = strings.ToLower(envString("SPACK_INSTALLER_DB_TYPE", c.Database.Type))
	c.Database.Path = envString("SPACK_INSTALLER_DB_PATH", c.Database.Path)
	c.Database.URL = envString("SPACK_INSTALLER_DB_URL", c.Database.URL)
	c.Spack.SetupScript = envString("SPACK_SETUP_SCRIPT", c.Spack.SetupScript)

	c.Worker.CheckIntervalSec = envFloat("WORKER_CHECK_INTERVAL", c.Worker.CheckIntervalSec)
	c.Worker.HeartbeatIntervalSec = envFloat("WORKER_HEARTBEAT_INTERVAL", c.Worker.HeartbeatIntervalSec)
	c.Worker.MaxHeartbeatAgeSec = envFloat("MAX_WORKER_HEARTBEAT_AGE", c.Worker.MaxHeartbeatAgeSec)
	c.Worker.TimeoutMultiplier = envFloat("JOB_TIMEOUT_MULTIPLIER", c.Worker.TimeoutMultiplier)

	c.Retry.Auto = envBool("SPACK_INSTALLER_AUTO_RETRY", c.Retry.Auto)
	c.Retry.MaxRetries = envInt("SPACK_INSTALLER_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.BackoffFactor = envFloat("SPACK_INSTALLER_RETRY_BACKOFF", c.Retry.BackoffFactor)
	c.Retry.BaseDelaySec = envFloat("SPACK_INSTALLER_RETRY_DELAY", c.Retry.BaseDelaySec)
	c.Retry.CheckIntervalSec = envFloat("SPACK_INSTALLER_RETRY_CHECK_INTERVAL", c.Retry.CheckIntervalSec)

	c.Server.UseUnixSocket = envBool("SPACK_INSTALLER_USE_UNIX_SOCKET", c.Server.UseUnixSocket)
	c.Server.SocketPath = envString("SPACK_INSTALLER_SERVER_SOCKET", c.Server.SocketPath)
	c.Server.Host = envString("SPACK_INSTALLER_SERVER_HOST", c.Server.Host)
	c.Server.Port = envInt("SPACK_INSTALLER_SERVER_PORT", c.Server.Port)
	c.Server.TimeoutSec = envFloat("SPACK_INSTALLER_SOCKET_TIMEOUT", c.Server.TimeoutSec)

	c.Logging.Level = envString("SPACK_INSTALLER_LOG_LEVEL", c.Logging.Level)
}

func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabaseTypeJSON:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the json backend")
		}
	case DatabaseTypeSQLite, DatabaseTypePostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the %s backend", c.Database.Type)
		}
	default:
		return fmt.Errorf("unknown database.type %q (expected json, sqlite or postgres)", c.Database.Type)
	}

	if c.Worker.CheckIntervalSec <= 0 {
		return fmt.Errorf("worker.check_interval_sec must be positive")
	}
	if c.Worker.HeartbeatIntervalSec <= 0 {
		return fmt.Errorf("worker.heartbeat_interval_sec must be positive")
	}
	if c.Worker.MaxHeartbeatAgeSec <= 0 {
		return fmt.Errorf("worker.max_heartbeat_age_sec must be positive")
	}
	if c.Worker.TimeoutMultiplier <= 0 {
		return fmt.Errorf("worker.timeout_multiplier must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be at least 1")
	}
	if c.Retry.BaseDelaySec <= 0 {
		return fmt.Errorf("retry.base_delay_sec must be positive")
	}
	if c.Retry.CheckIntervalSec <= 0 {
		return fmt.Errorf("retry.check_interval_sec must be positive")
	}

	if c.Server.UseUnixSocket {
		if c.Server.SocketPath == "" {
			return fmt.Errorf("server.socket_path is required when use_unix_socket is set")
		}
	} else {
		if c.Server.Host == "" {
			return fmt.Errorf("server.host is required for tcp mode")
		}
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			return fmt.Errorf("server.port %d out of range", c.Server.Port)
		}
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("server.timeout_sec must be positive")
	}

	return nil
}

// Seconds converts a fractional-seconds config value to a time.Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
