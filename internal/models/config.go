package models

// ConfigError represents a configuration validation failure
type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}

type ServerConfig struct {
	Port            int `json:"port"`
	ReadTimeoutSec  int `json:"readTimeoutSec"`
	WriteTimeoutSec int `json:"writeTimeoutSec"`
	IdleTimeoutSec  int `json:"idleTimeoutSec"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type EngineConfig struct {
	// WorkDir is the root under which each session gets its own
	// working-state directory that the protocol engine reads directly.
	WorkDir    string `json:"workDir"`
	DeviceName string `json:"deviceName"`
}

type WebhookClientConfig struct {
	TimeoutSec        int `json:"timeoutSec"`
	ForwardBatchLimit int `json:"forwardBatchLimit"`
}

type ReconnectConfig struct {
	DelaySec int `json:"delaySec"`
}

type AMQPConfig struct {
	URL   string `json:"url"`
	Queue string `json:"queue"`
}

type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

type Config struct {
	LogLevel             string              `json:"logLevel"`
	Server               ServerConfig        `json:"server"`
	Database             DatabaseConfig      `json:"database"`
	Engine               EngineConfig        `json:"engine"`
	Webhook              WebhookClientConfig `json:"webhook"`
	Reconnect            ReconnectConfig     `json:"reconnect"`
	AMQP                 AMQPConfig          `json:"amqp"`
	Retry                RetryConfig         `json:"retry"`
	RetentionDays        int                 `json:"retentionDays"`
	CleanupIntervalHours int                 `json:"cleanupIntervalHours"`
}
