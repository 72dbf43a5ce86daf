package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiwarna/loom/internal/config"
)

func TestBuildClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-x"
	cfg.Providers.OpenAI.APIKey = "sk-x"

	t.Run("anthropic", func(t *testing.T) {
		client, err := buildClient(cfg)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", client.Provider())
	})

	t.Run("openai", func(t *testing.T) {
		cfg.Providers.Default = "openai"
		client, err := buildClient(cfg)
		require.NoError(t, err)
		assert.Equal(t, "openai", client.Provider())
	})

	t.Run("unknown", func(t *testing.T) {
		cfg.Providers.Default = "mystery"
		_, err := buildClient(cfg)
		assert.Error(t, err)
	})
}

func TestPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "loomd.pid")

	assert.False(t, isRunning(pidFile))

	require.NoError(t, writePIDFile(pidFile))
	// Our own PID is alive, so the file reports running.
	assert.True(t, isRunning(pidFile))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	t.Run("garbage pid file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(pidFile, []byte("not a pid"), 0o644))
		assert.False(t, isRunning(pidFile))
	})
}

func TestDefaultModel(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, cfg.Providers.Anthropic.Model, defaultModel(cfg))
	cfg.Providers.Default = "openai"
	assert.Equal(t, cfg.Providers.OpenAI.Model, defaultModel(cfg))
}
