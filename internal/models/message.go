package models

import (
	"encoding/json"
	"time"
)

// Message is an inbound event recorded by the delivery ledger. Content
// fields are immutable after ingestion; delivery-state fields are mutated
// only by the ledger.
type Message struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	FromJID     string          `json:"fromJid"`
	IsGroup     bool            `json:"isGroup"`
	TimestampMs int64           `json:"timestamp"`
	Text        string          `json:"text"`
	Raw         json.RawMessage `json:"raw,omitempty"`

	Delivered         bool       `json:"delivered"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	DeliveryAttempts  int        `json:"deliveryAttempts"`
	LastDeliveryError *string    `json:"lastDeliveryError,omitempty"`
	PendingWebhook    *string    `json:"pendingWebhook,omitempty"`
}

// DeliveryUpdate is the result of a single forwarding attempt, applied to a
// message in one atomic storage write. The attempts counter is incremented
// in place by the storage layer, never read-modify-written here.
type DeliveryUpdate struct {
	Delivered         bool
	DeliveredAt       *time.Time
	LastDeliveryError *string
	PendingWebhook    *string
}

// Forward outcome status values reported per message in batch operations.
const (
	ForwardStatusDelivered = "delivered"
	ForwardStatusPending   = "pending"
	ForwardStatusSkipped   = "skipped"
)

// ForwardOutcome is the per-message result of a forward or retry batch.
type ForwardOutcome struct {
	MessageID string `json:"id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// WebhookPayload is the sanitized document POSTed to webhook targets.
type WebhookPayload struct {
	ID                string          `json:"id"`
	FromJID           string          `json:"fromJid"`
	From              *string         `json:"from"`
	IsGroup           bool            `json:"isGroup"`
	Timestamp         int64           `json:"timestamp"`
	Text              string          `json:"text"`
	Delivered         bool            `json:"delivered"`
	DeliveryAttempts  int             `json:"deliveryAttempts"`
	LastDeliveryError *string         `json:"lastDeliveryError"`
	PendingWebhook    *string         `json:"pendingWebhook"`
	Raw               json.RawMessage `json:"raw"`
}

// StatusSnapshot is the last-known result of a status send, kept for
// diagnostics only.
type StatusSnapshot struct {
	MessageID string    `json:"messageId"`
	Timestamp int64     `json:"timestamp"`
	SentAt    time.Time `json:"sentAt"`
}
