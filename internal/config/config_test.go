// ABOUTME: Tests for config loading: YAML parsing, env overrides, validation
// ABOUTME: Duration fields are raw strings parsed after unmarshal

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lair.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost:7350", cfg.Server.TCPAddr)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionMaxAge)
	assert.Equal(t, 4096, cfg.Limits.MaxMessageBytes)
	assert.Equal(t, 1<<20, cfg.Limits.MaxFrameBytes)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
server:
  tcp_addr: "0.0.0.0:7000"
  http_addr: "0.0.0.0:8000"
database:
  url: "/var/lib/lair/lair.db"
auth:
  jwt_secret: "file-secret"
  session_max_age: "12h"
limits:
  max_message_bytes: 2048
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.TCPAddr)
	assert.Equal(t, "/var/lib/lair/lair.db", cfg.Database.URL)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 12*time.Hour, cfg.Auth.SessionMaxAge)
	assert.Equal(t, 2048, cfg.Limits.MaxMessageBytes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
auth:
  jwt_secret: "file-secret"
`)
	t.Setenv("LAIR_JWT_SECRET", "env-secret")
	t.Setenv("LAIR_TCP_ADDR", "localhost:9999")
	t.Setenv("LAIR_SESSION_MAX_AGE", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "localhost:9999", cfg.Server.TCPAddr)
	assert.Equal(t, time.Hour, cfg.Auth.SessionMaxAge)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "lair.db", cfg.Database.URL)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
auth:
  session_max_age: "one day"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_TLSPairing(t *testing.T) {
	cfg := Default()
	cfg.Server.TLSCert = "cert.pem"
	assert.Error(t, cfg.Validate())

	cfg.Server.TLSKey = "key.pem"
	assert.NoError(t, cfg.Validate())
}
