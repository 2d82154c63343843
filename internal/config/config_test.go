package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"portal/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadPath_Defaults(t *testing.T) {
	path := writeConfig(t, "env: dev\nstorage:\n  path: /tmp/portal.db\n")

	cfg, err := config.LoadPath(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, config.DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/portal.db", cfg.Storage.Path)
	assert.Equal(t, time.Hour, cfg.JWT.TokenTTL)
	assert.Equal(t, 168*time.Hour, cfg.JWT.RefreshTokenTTL)
	assert.Equal(t, 5, cfg.Lockout.MaxFailedAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, 24*time.Hour, cfg.Reset.TokenTTL)
	assert.Empty(t, cfg.Cache.Redis.Addr)
	assert.Empty(t, cfg.SMTP.Host)
	assert.Empty(t, cfg.MQTT.Broker)
}

func TestLoadPath_Errors(t *testing.T) {
	_, err := config.LoadPath(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.LoadPath(writeConfig(t, "storage:\n  driver: postgres\n"))
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestMustLoadPath_Panics(t *testing.T) {
	assert.Panics(t, func() {
		config.MustLoadPath(filepath.Join(t.TempDir(), "missing.yaml"))
	})
}
