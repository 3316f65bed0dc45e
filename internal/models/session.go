package models

import (
	"time"
)

// ConnectionState is the runtime connection state of a session. It is owned
// by the connection supervisor and never persisted; every session starts a
// process run as disconnected.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionLoggedOut    ConnectionState = "logged_out"
)

// Session is the durable row for one managed account.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionInfo is a session row joined with its runtime state, for listings.
type SessionInfo struct {
	ID             string          `json:"id"`
	State          ConnectionState `json:"state"`
	HasCredentials bool            `json:"hasCredentials"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// WebhookConfig holds the per-session callback targets. Empty string means
// no target configured for that category.
type WebhookConfig struct {
	Incoming string `json:"incoming,omitempty"`
	Group    string `json:"group,omitempty"`
	Status   string `json:"status,omitempty"`
}

// TargetFor returns the configured target URL for a message category.
func (c WebhookConfig) TargetFor(isGroup bool) string {
	if isGroup {
		return c.Group
	}
	return c.Incoming
}

// CredentialBlob is the durable serialized form of everything the protocol
// engine needs to resume a connection without re-pairing. Files maps working
// state file names to base64 contents.
type CredentialBlob struct {
	Identity   string            `json:"identity"`
	Files      map[string]string `json:"files"`
	CapturedAt time.Time         `json:"capturedAt"`
}

// Usable reports whether the blob carries a paired identity. Presence of the
// blob alone is not enough: a session that was created but never paired has
// files without an identity marker.
func (b *CredentialBlob) Usable() bool {
	return b != nil && b.Identity != ""
}
