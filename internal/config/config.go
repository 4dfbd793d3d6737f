// ABOUTME: Configuration loading and parsing for the lair server
// ABOUTME: YAML file, LAIR_* environment overrides, duration parsing

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds listener addresses and TLS material.
type ServerConfig struct {
	TCPAddr  string `yaml:"tcp_addr"`
	HTTPAddr string `yaml:"http_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds token and session settings.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	SessionMaxAge time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionMaxAgeRaw string `yaml:"session_max_age"`
}

// LimitsConfig holds protocol and rate limits.
type LimitsConfig struct {
	MaxFrameBytes   int     `yaml:"max_frame_bytes"`
	MaxMessageBytes int     `yaml:"max_message_bytes"`
	PostPerMinute   float64 `yaml:"post_per_minute"`
	PostBurst       int     `yaml:"post_burst"`
}

// ChatConfig holds domain policy settings.
type ChatConfig struct {
	PersistDirectMessages bool `yaml:"persist_direct_messages"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:  "localhost:7350",
			HTTPAddr: "localhost:8080",
		},
		Database: DatabaseConfig{URL: "lair.db"},
		Auth:     AuthConfig{SessionMaxAge: 24 * time.Hour},
		Limits: LimitsConfig{
			MaxFrameBytes:   1 << 20,
			MaxMessageBytes: 4096,
			PostPerMinute:   60,
			PostBurst:       10,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path, applies LAIR_* environment overrides and
// validates the result. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseDurations converts raw string fields into time.Duration values.
func (c *Config) parseDurations() error {
	if c.Auth.SessionMaxAgeRaw != "" {
		d, err := time.ParseDuration(c.Auth.SessionMaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing session_max_age: %w", err)
		}
		c.Auth.SessionMaxAge = d
	}
	return nil
}

// applyEnv overrides file values with LAIR_* environment variables.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("LAIR_TCP_ADDR", &c.Server.TCPAddr)
	setString("LAIR_HTTP_ADDR", &c.Server.HTTPAddr)
	setString("LAIR_TLS_CERT", &c.Server.TLSCert)
	setString("LAIR_TLS_KEY", &c.Server.TLSKey)
	setString("LAIR_DATABASE_URL", &c.Database.URL)
	setString("LAIR_JWT_SECRET", &c.Auth.JWTSecret)
	setString("LAIR_LOG_LEVEL", &c.Logging.Level)
	setString("LAIR_LOG_FORMAT", &c.Logging.Format)

	if v := os.Getenv("LAIR_SESSION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Auth.SessionMaxAge = d
		}
	}
	if v := os.Getenv("LAIR_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxMessageBytes = n
		}
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" {
		return fmt.Errorf("server.tcp_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if c.Limits.MaxMessageBytes <= 0 || c.Limits.MaxFrameBytes <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}
