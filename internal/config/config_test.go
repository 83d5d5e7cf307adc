package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// clearEnv unsets every bound variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range keys {
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}
}

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := NewLoader("", noEnvFile(t)).Load()
	require.NoError(t, err)

	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, DefaultHost, cfg.Host)
	require.Equal(t, DefaultAnthropicBaseURL, cfg.AnthropicBaseURL)
	require.Equal(t, DefaultOpenAIBaseURL, cfg.OpenAIBaseURL)
	require.Equal(t, DefaultAnthropicVersion, cfg.AnthropicVersion)
	require.True(t, cfg.EnableConsole)
	require.Equal(t, DefaultMaxHistory, cfg.MaxHistory)
	require.Equal(t, 5*time.Second, cfg.ObserverWriteTimeout)
	require.Zero(t, cfg.UpstreamTimeout)
	require.Equal(t, "0.0.0.0:7357", cfg.Addr())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LIVETOKEN_PORT", "9000")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:11434")
	t.Setenv("API_KEY", " sk-test ")
	t.Setenv("ENABLE_CONSOLE", "false")
	t.Setenv("MAX_HISTORY", "5")
	t.Setenv("UPSTREAM_TIMEOUT", "90s")

	cfg, err := NewLoader("", noEnvFile(t)).Load()
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, "http://localhost:11434", cfg.OpenAIBaseURL)
	require.Equal(t, "sk-test", cfg.APIKey)
	require.False(t, cfg.EnableConsole)
	require.Equal(t, 5, cfg.MaxHistory)
	require.Equal(t, 90*time.Second, cfg.UpstreamTimeout)
}

func TestLoad_ConfigFileAndPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "livetoken.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 8100
anthropic_base_url = "https://proxy.internal"
max_history = 20
`), 0o600))
	t.Setenv("MAX_HISTORY", "30")

	l := NewLoader(path, noEnvFile(t))
	cfg, err := l.Load()
	require.NoError(t, err)

	require.Equal(t, path, l.ConfigFile())
	require.Equal(t, 8100, cfg.Port)
	require.Equal(t, "https://proxy.internal", cfg.AnthropicBaseURL)
	require.Equal(t, 30, cfg.MaxHistory)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	clearEnv(t)
	_, err := NewLoader(filepath.Join(t.TempDir(), "nope.toml"), noEnvFile(t)).Load()
	require.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	clearEnv(t)

	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("ANTHROPIC_VERSION=2024-01-01\n"), 0o600))

	cfg, err := NewLoader("", envPath).Load()
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", cfg.AnthropicVersion)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base, err := NewLoader("", noEnvFile(t)).Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "port zero", mutate: func(c *Config) { c.Port = 0 }},
		{name: "port too large", mutate: func(c *Config) { c.Port = 70000 }},
		{name: "history zero", mutate: func(c *Config) { c.MaxHistory = 0 }},
		{name: "observer buffer zero", mutate: func(c *Config) { c.ObserverBuffer = 0 }},
		{name: "negative timeout", mutate: func(c *Config) { c.UpstreamTimeout = -time.Second }},
		{name: "relative url", mutate: func(c *Config) { c.OpenAIBaseURL = "/v1" }},
		{name: "ftp url", mutate: func(c *Config) { c.AnthropicBaseURL = "ftp://example.com" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, base.Validate())
}

func TestLoad_InvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_HISTORY", "0")
	_, err := NewLoader("", noEnvFile(t)).Load()
	require.Error(t, err)
}

func TestWatch(t *testing.T) {
	clearEnv(t)
	require.False(t, NewLoader("", noEnvFile(t)).Watch(func(Config) {}))

	path := filepath.Join(t.TempDir(), "livetoken.toml")
	require.NoError(t, os.WriteFile(path, []byte("api_key = \"old\"\n"), 0o600))

	l := NewLoader(path, noEnvFile(t))
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, "old", cfg.APIKey)

	var latest atomic.Value
	require.True(t, l.Watch(func(c Config) { latest.Store(c.APIKey) }))

	require.NoError(t, os.WriteFile(path, []byte("api_key = \"new\"\n"), 0o600))
	require.Eventually(t, func() bool {
		v, _ := latest.Load().(string)
		return v == "new"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoad_IgnoresAmbientEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_BASE_URL", "http://127.0.0.1:9999")
	t.Setenv("LIVETOKEN_PORT", "1234")
	clearEnv(t)

	cfg, err := NewLoader("", noEnvFile(t)).Load()
	require.NoError(t, err)
	require.Equal(t, DefaultAnthropicBaseURL, cfg.AnthropicBaseURL)
	require.Equal(t, DefaultPort, cfg.Port)
}
