package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := LoadServer("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.Transport.ShortTimeout)
	assert.Equal(t, 300*time.Second, cfg.Transport.LongTimeout)
	assert.Equal(t, "127.0.0.1", cfg.Transport.LoopbackHost)
}

func TestLoadServerFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	body := "http_addr: 127.0.0.1:9999\ntransport:\n  short_timeout: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SITEFLEET_DB_PATH", "/tmp/fleet.db")

	cfg, err := LoadServer(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Transport.ShortTimeout)
	assert.Equal(t, "/tmp/fleet.db", cfg.DBPath)
}

func TestLoadServerMissingFile(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAgentValidate(t *testing.T) {
	cfg, err := LoadAgent("")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.WorkerKey = "k"
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "nginx -t", cfg.Proxy.ValidateCommand)
}
