package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, 10000, cfg.BufferSize)
	assert.Equal(t, 5*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 5*time.Second, cfg.TerminateTimeout)
	assert.Equal(t, 2*time.Second, cfg.PersistInterval)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
	assert.Equal(t, cfg.DatabaseURL, cfg.Location())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CRMWEB_GRACE_PERIOD", "30s")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("CRMWEB_WORKER_ARGS", "run --json")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, []string{"run", "--json"}, cfg.WorkerArgs)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestPrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("CRMWEB_HTTP_PORT", "7000")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTPPort)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crmweb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
store_backend = "jsonl"
data_dir = "/var/lib/crmweb"
worker_command = "crm-agent"
buffer_size = 500
terminate_timeout = "2s"
`), 0o644))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "jsonl", cfg.StoreBackend)
	assert.Equal(t, "/var/lib/crmweb", cfg.Location())
	assert.Equal(t, "crm-agent", cfg.WorkerCommand)
	assert.Equal(t, 500, cfg.BufferSize)
	assert.Equal(t, 2*time.Second, cfg.TerminateTimeout)
}

func TestValidateCollectsErrors(t *testing.T) {
	v := New()
	v.Set(KeyHTTPPort, 0)
	v.Set(KeyStoreBackend, "postgres")
	v.Set(KeyGracePeriod, "0s")
	v.Set(KeyLogLevel, "loud")

	_, err := Load(v, "")
	require.Error(t, err)
	for _, key := range []string{KeyHTTPPort, KeyStoreBackend, KeyGracePeriod, KeyLogLevel} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestMissingConfigFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
