// Package types defines the contract between the session supervisor and the
// underlying WhatsApp protocol engine. The concrete engine lives in a sibling
// package; everything above it depends only on these interfaces.
package types

import (
	"context"
	"encoding/json"
	"errors"
)

// ConnState describes the lifecycle of one engine connection.
type ConnState string

const (
	ConnStateConnecting ConnState = "connecting"
	ConnStateOpen       ConnState = "open"
	ConnStateClosed     ConnState = "closed"
)

// ErrRecipientNotFound is returned by Send when the destination is not a
// registered account.
var ErrRecipientNotFound = errors.New("recipient is not a registered account")

// ConnectionEvent reports a state transition. Terminal means the engine
// invalidated its credentials and the connection must not be retried.
type ConnectionEvent struct {
	State    ConnState
	Reason   string
	Terminal bool
}

// InboundMessage is a normalized incoming message. Raw carries the engine's
// full event envelope for consumers that need fields beyond the normalized
// ones.
type InboundMessage struct {
	ID          string
	FromJID     string
	IsGroup     bool
	TimestampMs int64
	Text        string
	Raw         json.RawMessage
}

// SendReceipt is returned for an accepted outbound message.
type SendReceipt struct {
	MessageID   string
	TimestampMs int64
}

// EventHandlers receives engine callbacks. Handlers may be invoked from the
// engine's own goroutines; nil handlers are skipped.
type EventHandlers struct {
	// OnCredentialUpdate fires when the engine's stored credentials change
	// in a way worth re-capturing, including initial pairing.
	OnCredentialUpdate func(identity string)
	OnConnectionState  func(ev ConnectionEvent)
	OnInboundMessage   func(msg InboundMessage)
}

// Config carries per-connection engine settings.
type Config struct {
	DeviceName string
}

// Handle is one live engine connection bound to a working-state directory.
type Handle interface {
	// RequestPairingCode asks the service for a link code the user types
	// into their phone. The phone number is digits only, no plus sign.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Send delivers a text message to a JID. Returns ErrRecipientNotFound
	// (possibly wrapped) when the destination is not registered.
	Send(ctx context.Context, toJID, text string) (*SendReceipt, error)

	// SendStatus publishes a text status visible to the account's contacts.
	SendStatus(ctx context.Context, text string) (*SendReceipt, error)

	// Identity returns the paired account JID, or "" before pairing.
	Identity() string

	// IsOnWhatsApp reports whether a phone number maps to a registered
	// account without sending anything.
	IsOnWhatsApp(ctx context.Context, phone string) (bool, error)

	Close() error
}

// Connector opens engine connections. workDir must exist and hold (or be
// ready to receive) the engine's working state. Handlers are registered
// before the connection dials, so no event is lost.
type Connector interface {
	Connect(ctx context.Context, workDir string, cfg Config, handlers EventHandlers) (Handle, error)
}
