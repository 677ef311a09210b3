// Package config loads agent configuration. Precedence, lowest first:
// built-in defaults, optional YAML file (UDF_CONFIG), environment
// variables. A .env file in the working directory is loaded into the
// environment before resolution.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	// Transport
	SocketPath        string `yaml:"socket_path"`
	HandshakeTimeoutS int    `yaml:"handshake_timeout_s"`
	MaxFrameBytes     int    `yaml:"max_frame_bytes"`

	// Observability
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	// Snapshot journal (both optional; empty disables)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	SQLitePath    string `yaml:"sqlite_path"`

	// Point mirror (optional; empty NATSURL disables)
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`
}

func defaults() *Config {
	return &Config{
		SocketPath:        "/tmp/udfagent.sock",
		HandshakeTimeoutS: 30,
		MaxFrameBytes:     1 << 20,
		MetricsAddr:       ":9100",
		LogLevel:          "info",
		NATSSubjectPrefix: "udf.points",
	}
}

// Load resolves the configuration. A missing .env or YAML file is not an
// error; a malformed YAML file is.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("UDF_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.SocketPath = getEnv("UDF_SOCKET", cfg.SocketPath)
	cfg.HandshakeTimeoutS = getEnvInt("UDF_HANDSHAKE_TIMEOUT_S", cfg.HandshakeTimeoutS)
	cfg.MaxFrameBytes = getEnvInt("UDF_MAX_FRAME_BYTES", cfg.MaxFrameBytes)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", cfg.NATSSubjectPrefix)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	if c.HandshakeTimeoutS < 1 {
		return fmt.Errorf("handshake timeout must be >= 1s, got %d", c.HandshakeTimeoutS)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("max frame bytes must be >= 1024, got %d", c.MaxFrameBytes)
	}
	return nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
