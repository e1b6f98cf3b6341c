package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 300, cfg.Gateway.RequestTimeoutSecs)
	assert.True(t, cfg.Gateway.VerifySSL)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.RequestTimeout())
}

func TestLoader_EnvOverride(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/modelgate")
	t.Setenv("PORT", "9000")
	t.Setenv("VERIFY_SSL", "false")
	t.Setenv("REQUEST_TIMEOUT_SECS", "60")
	t.Setenv("PROVIDER_SUFFIX", "openrouter/")
	t.Setenv("BILLING_PREFIXES", "You are ExampleCLI., legacy-header:")
	t.Setenv("JSONL_LOG_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/modelgate", cfg.Database.URL)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Gateway.VerifySSL)
	assert.Equal(t, 60, cfg.Gateway.RequestTimeoutSecs)
	assert.Equal(t, "openrouter/", cfg.Gateway.ProviderSuffix)
	assert.Equal(t, []string{"You are ExampleCLI.", "legacy-header:"}, cfg.Gateway.BillingPrefixList())
	assert.True(t, cfg.RequestLog.Enabled)
}

func TestLoader_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelgate.yaml")
	yaml := `
server:
  port: 8888
database:
  url: postgres://db/gate
gateway:
  max_tokens_limit: 32000
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.Port)
	assert.Equal(t, "postgres://db/gate", cfg.Database.URL)
	assert.Equal(t, 32000, cfg.Gateway.MaxTokensLimit)
	// Defaults survive for unset fields.
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
}

func TestLoader_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modelgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8888\n"), 0o600))
	t.Setenv("PORT", "7777")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/modelgate.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.URL = "postgres://localhost/modelgate"
	assert.NoError(t, cfg.Validate())

	cfg.Database.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Database.URL = "x"
	cfg.Gateway.MaxTokensLimit = 0
	assert.Error(t, cfg.Validate())
}
