package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"wamux/internal/constants"
	"wamux/internal/models"
)

// LoadConfig reads a JSON config file, fills defaults and applies environment
// overrides. Environment wins over file, file wins over defaults.
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg models.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = constants.DefaultServerPort
	}
	if cfg.Server.ReadTimeoutSec == 0 {
		cfg.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if cfg.Server.WriteTimeoutSec == 0 {
		cfg.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if cfg.Server.IdleTimeoutSec == 0 {
		cfg.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if cfg.Engine.DeviceName == "" {
		cfg.Engine.DeviceName = constants.DefaultEngineDeviceName
	}
	if cfg.Webhook.TimeoutSec == 0 {
		cfg.Webhook.TimeoutSec = constants.DefaultWebhookTimeoutSec
	}
	if cfg.Webhook.ForwardBatchLimit == 0 {
		cfg.Webhook.ForwardBatchLimit = constants.DefaultForwardBatchLimit
	}
	if cfg.Reconnect.DelaySec == 0 {
		cfg.Reconnect.DelaySec = constants.DefaultReconnectDelaySec
	}
	if cfg.AMQP.Queue == "" {
		cfg.AMQP.Queue = "wamux.messages"
	}
	if cfg.Retry.InitialBackoffMs == 0 {
		cfg.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = constants.DefaultBackoffMaxMs
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = constants.DefaultRetentionDays
	}
	if cfg.CleanupIntervalHours == 0 {
		cfg.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}
}

func applyEnvOverrides(cfg *models.Config) {
	if v := os.Getenv("WAMUX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WAMUX_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("WAMUX_WORK_DIR"); v != "" {
		cfg.Engine.WorkDir = v
	}
	if v := os.Getenv("WAMUX_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.Server.Port = port
		}
	}
}

func validate(cfg *models.Config) error {
	if cfg.Database.Path == "" {
		return models.ConfigError{Message: "database path is required"}
	}
	if cfg.Engine.WorkDir == "" {
		return models.ConfigError{Message: "engine work directory is required"}
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", cfg.Server.Port)}
	}
	return nil
}
