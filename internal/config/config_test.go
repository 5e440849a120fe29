package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9000, "admins": ["ops@example.com"]},
		"ollama": {"default_model": "llama3.1:8b"},
		"databases": {"sqlite3": {"dsn": "usage.db"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, "llama3.1:8b", cfg.Ollama.DefaultModel)
	assert.Equal(t, DefaultOllamaURL, cfg.Ollama.BaseURL)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Server.Admins)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "usage.db"), cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, 300*time.Second, cfg.Ollama.Timeout())
}

func TestLoadMissingDefaultFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8081", cfg.Addr())
	assert.Equal(t, []string{DefaultOrigin}, cfg.Server.AllowedOrigins)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PORT":            "7000",
		"OLLAMA_BASE_URL": "http://ollama:11434",
		"ALLOWED_ORIGINS": "http://a.test, http://b.test ,",
		"AZURE_TENANT_ID": "tenant",
		"DATABASE_PATH":   ":memory:",
		"LOG_LEVEL":       "DEBUG",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "http://ollama:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "tenant", cfg.Identity.TenantID)
	assert.Equal(t, ":memory:", cfg.Databases["sqlite3"].DSN)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Dispatcher.MinWorkers = 10
	cfg.Dispatcher.MaxWorkers = 2
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database = "postgres"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())

	require.NoError(t, Default().Validate())
}
