package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
server:
  port: "9000"
  body_limit: "2 MiB"
hub:
  presence_grace: 2s
  max_frame_size: "32 KiB"
rate_guard:
  window: 30s
  threshold: 5
  duplicate_window: 1m
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9100")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port)
	assert.EqualValues(t, 2*1024*1024, cfg.Server.BodyLimit)
	assert.Equal(t, 2*time.Second, cfg.Hub.PresenceGrace.Std())
	assert.EqualValues(t, 32*1024, cfg.Hub.MaxFrameSize)
	assert.Equal(t, 30*time.Second, cfg.RateGuard.Window.Std())
	assert.Equal(t, 5, cfg.RateGuard.Threshold)
	assert.Equal(t, "memory", cfg.Database.Driver)
	// untouched defaults survive
	assert.Equal(t, 15*time.Minute, cfg.Messaging.EditWindow.Std())
	assert.Equal(t, 10, cfg.Messaging.PinCap)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.RateGuard.Threshold)
	assert.Equal(t, time.Minute, cfg.RateGuard.Window.Std())
	assert.Equal(t, 5*time.Minute, cfg.RateGuard.DuplicateWindow.Std())
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "missing secret")

	cfg.Server.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())

	cfg.RateGuard.Threshold = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.JWTSecret = "s"
	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub:\n  typing_ttl: soon\n"), 0o600))
	t.Setenv("JWT_SECRET", "secret")
	_, err := Load(path)
	assert.Error(t, err)
}
