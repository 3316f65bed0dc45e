package constants

// Default server configuration values
const (
	DefaultServerPort           = 8080
	DefaultServerReadTimeoutSec = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec = 60
	DefaultGracefulShutdownSec  = 30
)

// Default delivery configuration values
const (
	DefaultWebhookTimeoutSec      = 5
	DefaultForwardBatchLimit      = 50
	DefaultWebhookConfigCacheMin  = 5
	DefaultRetentionDays          = 30
	DefaultCleanupIntervalHours   = 24
)

// Default session configuration values
const (
	DefaultReconnectDelaySec   = 5
	DefaultRestoreConcurrency  = 5
	DefaultEngineDeviceName    = "wamux"
	PairingPhoneMinDigits      = 10
	PairingPhoneMaxDigits      = 15
	PhoneRunMinDigits          = 6
	PhoneRunMaxDigits          = 15
)

// Default database configuration values
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultBackoffInitialMs      = 500
	DefaultBackoffMaxMs          = 5000
)

// Encryption settings for credential blobs at rest
const (
	EncryptionSalt       = "wamux-credential-salt-v1"
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
	MinEncryptionSecretLength = 32
)
