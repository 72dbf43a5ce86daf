package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("default provider needs a key", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.ErrorContains(t, cfg.Validate(), "api_key")
	})

	t.Run("unknown provider rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Providers.Default = "gemini"
		assert.ErrorContains(t, cfg.Validate(), "invalid default provider")
	})

	t.Run("openai as default", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.Default = "openai"
		cfg.Providers.OpenAI.APIKey = "sk-test"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("webhook enabled requires secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhook.Enabled = true
		assert.ErrorContains(t, cfg.Validate(), "webhook secret")

		cfg.Webhook.Secret = "s3cret"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("bad log level rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "loud"
		assert.ErrorContains(t, cfg.Validate(), "log level")
	})

	t.Run("non-positive max turns rejected", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.MaxTurns = 0
		assert.ErrorContains(t, cfg.Validate(), "max_turns")
	})
}

func TestLoaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.DataDir = "/var/lib/loom"
	cfg.Gateway.Port = 9999
	require.NoError(t, loader.Save(cfg))

	got, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, got.Gateway.Port)
	assert.Equal(t, "/var/lib/loom", got.DataDir)
	assert.Equal(t, "sk-ant-test", got.Providers.Anthropic.APIKey)

	t.Run("derived paths filled", func(t *testing.T) {
		assert.Equal(t, filepath.Join("/var/lib/loom", "loomd.log"), got.Logging.File)
		assert.Equal(t, filepath.Join("/var/lib/loom", "loom.db"), got.DatabasePath())
	})
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.Equal(t, 10, cfg.Engine.MaxTurns)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.DataDir = dir
	require.NoError(t, loader.Save(cfg))

	reloaded := make(chan *Config, 4)
	require.NoError(t, loader.Watch(func(c *Config) { reloaded <- c }))
	defer loader.StopWatch()

	cfg.Logging.Level = "debug"
	require.NoError(t, loader.Save(cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload never fired")
	}

	t.Run("invalid rewrite is skipped", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"providers":{"default":"bogus"}}`), 0o644))
		select {
		case got := <-reloaded:
			t.Fatalf("invalid config was delivered: %v", got)
		case <-time.After(500 * time.Millisecond):
		}
	})
}

func TestTickInterval(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.TickInterval())
}
