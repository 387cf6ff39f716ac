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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
upstream:
  base_url: https://ai.example.com/v1
  api_key: up-key
  timeout: 45s
callback:
  url: https://shop.example.com/api/lead
  max_attempts: 3
redis:
  addr: redis:6379
  ttl: 12h
postgres:
  dsn: postgres://quotebot@db/quotebot
completion:
  keywords:
    - all done
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "https://ai.example.com/v1", cfg.Upstream.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 3, cfg.Callback.MaxAttempts)
	assert.Equal(t, 12*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, []string{"all done"}, cfg.Completion.Keywords)

	// Defaults fill the gaps the file leaves.
	assert.Equal(t, time.Second, cfg.Callback.BaseDelay)
	assert.Equal(t, "@every 5m", cfg.Callback.SweepInterval)
	assert.Equal(t, []string{"customer_name", "customer_email", "product_type"}, cfg.Completion.RequiredFields)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "listen: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "env-up-key")
	t.Setenv("CALLBACK_URL", "https://env.example.com/lead")
	t.Setenv("DATABASE_URL", "postgres://env@db/quotebot")
	t.Setenv("UPSTREAM_API_URL", "https://env-ai.example.com/v1")

	cfg := Default()
	assert.Equal(t, "env-up-key", cfg.Upstream.APIKey)
	assert.Equal(t, "https://env.example.com/lead", cfg.Callback.URL)
	assert.Equal(t, "postgres://env@db/quotebot", cfg.Postgres.DSN)
	assert.NoError(t, cfg.Validate())
}

func TestEnvDoesNotOverrideFile(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "env-key")
	path := writeConfig(t, `
upstream:
  base_url: https://ai.example.com/v1
  api_key: file-key
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Upstream.APIKey)
}

func TestValidate(t *testing.T) {
	t.Setenv("UPSTREAM_API_KEY", "")
	t.Setenv("UPSTREAM_API_URL", "")
	t.Setenv("CALLBACK_URL", "")
	t.Setenv("DATABASE_URL", "")

	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream.base_url")
}
