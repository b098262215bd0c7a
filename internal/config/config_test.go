package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "http://127.0.0.1:8080/proxy", cfg.RelayURL())
	assert.Equal(t, "http://127.0.0.1:8080/oauth/callback", cfg.RedirectURI())
}

func TestRelayURLTrimsTrailingSlash(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicBaseURL = "https://bridge.example.com/"
	assert.Equal(t, "https://bridge.example.com/proxy", cfg.RelayURL())
}

func TestValidateRejectsBadBaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PublicBaseURL = "not-a-url"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateBrokerNeedsEndpoints(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Broker = &BrokerConfig{ClientID: "abc"}
	assert.Error(t, cfg.Validate())

	cfg.Broker.AuthorizeEndpoint = "https://idp.example.com/authorize"
	cfg.Broker.TokenEndpoint = "https://idp.example.com/token"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen": "0.0.0.0:9090",
		"public_base_url": "https://bridge.example.com",
		"client_name": "Starbase"
	}`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.Listen)
	assert.Equal(t, "Starbase", cfg.ClientName)
	assert.Equal(t, "https://bridge.example.com/proxy", cfg.RelayURL())
}

func TestLoadFromEmptyFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Listen, cfg.Listen)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("MCPBRIDGE_LISTEN", "127.0.0.1:7070")
	t.Setenv(EnvSessionSecret, "0123456789abcdef0123456789abcdef")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.SessionSecret)
}

func TestSaveConfigOmitsSessionSecret(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)

	cfg := DefaultConfig()
	cfg.SessionSecret = "super-secret"
	require.NoError(t, SaveConfig(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
