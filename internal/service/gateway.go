package service

import (
	"context"
	"encoding/json"
	"time"

	"wamux/internal/models"
)

// Gateway is the persistence surface the services depend on. Implemented by
// the database package; narrowed here so tests can substitute fakes without
// touching sqlite.
type Gateway interface {
	CreateSession(ctx context.Context, id string) error
	SessionExists(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error

	SaveCredentials(ctx context.Context, id string, blob *models.CredentialBlob) error
	LoadCredentials(ctx context.Context, id string) (*models.CredentialBlob, error)
	DeleteCredentials(ctx context.Context, id string) error

	SaveWebhookConfig(ctx context.Context, id string, cfg models.WebhookConfig) error
	LoadWebhookConfig(ctx context.Context, id string) (*models.WebhookConfig, error)

	SaveLastStatus(ctx context.Context, id string, snapshot json.RawMessage) error
	LoadLastStatus(ctx context.Context, id string) (json.RawMessage, error)

	InsertMessageIfAbsent(ctx context.Context, msg *models.Message) (bool, error)
	RecordDeliveryAttempt(ctx context.Context, sessionID, messageID string, upd models.DeliveryUpdate) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error)
	QueryMessages(ctx context.Context, sessionID string, ids []string, limit int) ([]*models.Message, error)
	QueryUndelivered(ctx context.Context, sessionID, targetURL string) ([]*models.Message, error)
	DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
