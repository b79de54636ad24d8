package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/repaircoin/rcn-engine/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RCN_CONFIG", "")
	t.Setenv("RCN_STORE", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "50", cfg.DailyLimit)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file choosing memory storage and a 2h TTL
	// WHEN: RCN_SESSION_TTL is also set
	// THEN: The file applies, and the environment wins where both are set

	dir := t.TempDir()
	path := filepath.Join(dir, "rcn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
store:
  driver: memory
session_ttl: 2h
allowed_origins: ["https://shop.example"]
`), 0o644))

	t.Setenv("RCN_CONFIG", path)
	t.Setenv("RCN_SESSION_TTL", "30m")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, []string{"https://shop.example"}, cfg.AllowedOrigins)
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("RCN_CONFIG", "")
	t.Setenv("RCN_STORE", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("RCN_CONFIG", "")
	t.Setenv("RCN_SWEEP_INTERVAL", "soon")

	_, err := config.Load()
	assert.Error(t, err)
}
