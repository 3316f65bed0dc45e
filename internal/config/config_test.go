package config

import (
	"os"
	"path/filepath"
	"testing"

	"wamux/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"path": "/tmp/wamux.db"},
		"engine": {"workDir": "/tmp/wamux-state"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "wamux", cfg.Engine.DeviceName)
	assert.Equal(t, 5, cfg.Webhook.TimeoutSec)
	assert.Equal(t, 50, cfg.Webhook.ForwardBatchLimit)
	assert.Equal(t, 5, cfg.Reconnect.DelaySec)
	assert.Equal(t, 30, cfg.RetentionDays)
	assert.Equal(t, 24, cfg.CleanupIntervalHours)
	assert.Equal(t, "wamux.messages", cfg.AMQP.Queue)
}

func TestLoadConfigExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"logLevel": "debug",
		"server": {"port": 9090},
		"database": {"path": "/data/wamux.db"},
		"engine": {"workDir": "/data/state", "deviceName": "gateway-1"},
		"webhook": {"timeoutSec": 10, "forwardBatchLimit": 25},
		"reconnect": {"delaySec": 3},
		"amqp": {"url": "amqp://localhost", "queue": "custom.queue"},
		"retentionDays": 7
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "gateway-1", cfg.Engine.DeviceName)
	assert.Equal(t, 10, cfg.Webhook.TimeoutSec)
	assert.Equal(t, 25, cfg.Webhook.ForwardBatchLimit)
	assert.Equal(t, 3, cfg.Reconnect.DelaySec)
	assert.Equal(t, "amqp://localhost", cfg.AMQP.URL)
	assert.Equal(t, "custom.queue", cfg.AMQP.Queue)
	assert.Equal(t, 7, cfg.RetentionDays)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WAMUX_LOG_LEVEL", "warn")
	t.Setenv("WAMUX_DB_PATH", "/override/wamux.db")
	t.Setenv("WAMUX_WORK_DIR", "/override/state")
	t.Setenv("WAMUX_AMQP_URL", "amqp://broker:5672")
	t.Setenv("PORT", "3000")

	path := writeConfig(t, `{
		"database": {"path": "/file/wamux.db"},
		"engine": {"workDir": "/file/state"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/override/wamux.db", cfg.Database.Path)
	assert.Equal(t, "/override/state", cfg.Engine.WorkDir)
	assert.Equal(t, "amqp://broker:5672", cfg.AMQP.URL)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not json`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing database path", `{"engine": {"workDir": "/tmp/state"}}`},
		{"missing work dir", `{"database": {"path": "/tmp/wamux.db"}}`},
		{"invalid port", `{"server": {"port": 99999}, "database": {"path": "/tmp/wamux.db"}, "engine": {"workDir": "/tmp/state"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			var cfgErr models.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}
