// Package meow implements the engine contract on top of whatsmeow. It is the
// only package that imports the protocol library; everything above consumes
// the interfaces in pkg/waengine/types.
package meow

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"wamux/pkg/waengine/types"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// engineStoreFile is the sqlite database whatsmeow keeps inside each
// session's working-state directory. This file is what the credential
// synchronizer captures and restores.
const engineStoreFile = "engine.db"

// Connector opens whatsmeow connections, one per session.
type Connector struct {
	logger *logrus.Logger
}

func NewConnector(logger *logrus.Logger) *Connector {
	return &Connector{logger: logger}
}

func (c *Connector) Connect(ctx context.Context, workDir string, cfg types.Config, handlers types.EventHandlers) (types.Handle, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(workDir, engineStoreFile))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection policy belongs to the supervisor, not the engine.
	client.EnableAutoReconnect = false

	h := &handle{
		client:    client,
		container: container,
		handlers:  handlers,
		logger:    c.logger,
	}
	client.AddEventHandler(h.dispatch)

	if err := client.Connect(); err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return h, nil
}

type handle struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	handlers  types.EventHandlers
	logger    *logrus.Logger
	closeOnce sync.Once
	closeErr  error
}

func (h *handle) dispatch(evt interface{}) {
	switch e := evt.(type) {
	case *events.Connected:
		h.emitState(types.ConnectionEvent{State: types.ConnStateOpen})
		// Session keys rotate during login; re-capture after every connect.
		if h.handlers.OnCredentialUpdate != nil {
			h.handlers.OnCredentialUpdate(h.Identity())
		}
	case *events.PairSuccess:
		if h.handlers.OnCredentialUpdate != nil {
			h.handlers.OnCredentialUpdate(e.ID.String())
		}
	case *events.LoggedOut:
		h.emitState(types.ConnectionEvent{
			State:    types.ConnStateClosed,
			Reason:   fmt.Sprintf("logged out: %s", e.Reason),
			Terminal: true,
		})
	case *events.Disconnected:
		h.emitState(types.ConnectionEvent{State: types.ConnStateClosed, Reason: "connection closed"})
	case *events.Message:
		h.handleMessage(e)
	}
}

func (h *handle) emitState(ev types.ConnectionEvent) {
	if h.handlers.OnConnectionState != nil {
		h.handlers.OnConnectionState(ev)
	}
}

func (h *handle) handleMessage(e *events.Message) {
	if h.handlers.OnInboundMessage == nil {
		return
	}
	// Status updates from contacts are not messages to forward.
	if e.Info.Chat == watypes.StatusBroadcastJID {
		return
	}

	text := e.Message.GetConversation()
	if text == "" {
		text = e.Message.GetExtendedTextMessage().GetText()
	}

	h.handlers.OnInboundMessage(types.InboundMessage{
		ID:          e.Info.ID,
		FromJID:     e.Info.Chat.String(),
		IsGroup:     e.Info.IsGroup,
		TimestampMs: e.Info.Timestamp.UnixMilli(),
		Text:        text,
		Raw:         buildEnvelope(e),
	})
}

// buildEnvelope serializes the event into a stable JSON document carried as
// the message's raw payload. The message body uses protojson so every field
// whatsmeow decoded survives.
func buildEnvelope(e *events.Message) json.RawMessage {
	key := map[string]interface{}{
		"id":        e.Info.ID,
		"remoteJid": e.Info.Chat.String(),
		"fromMe":    e.Info.IsFromMe,
	}
	if e.Info.IsGroup {
		key["participant"] = e.Info.Sender.String()
	}

	envelope := map[string]interface{}{
		"key":              key,
		"pushName":         e.Info.PushName,
		"messageTimestamp": e.Info.Timestamp.Unix(),
	}
	if body, err := protojson.Marshal(e.Message); err == nil {
		envelope["message"] = json.RawMessage(body)
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil
	}
	return raw
}

func (h *handle) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := h.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return code, nil
}

func (h *handle) Send(ctx context.Context, toJID, text string) (*types.SendReceipt, error) {
	jid, err := watypes.ParseJID(toJID)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient jid: %w", err)
	}

	if jid.Server == watypes.DefaultUserServer {
		registered, err := h.IsOnWhatsApp(ctx, jid.User)
		if err == nil && !registered {
			return nil, types.ErrRecipientNotFound
		}
	}

	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return &types.SendReceipt{
		MessageID:   string(resp.ID),
		TimestampMs: resp.Timestamp.UnixMilli(),
	}, nil
}

func (h *handle) SendStatus(ctx context.Context, text string) (*types.SendReceipt, error) {
	resp, err := h.client.SendMessage(ctx, watypes.StatusBroadcastJID, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send status: %w", err)
	}

	return &types.SendReceipt{
		MessageID:   string(resp.ID),
		TimestampMs: resp.Timestamp.UnixMilli(),
	}, nil
}

func (h *handle) Identity() string {
	if h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.String()
}

func (h *handle) IsOnWhatsApp(ctx context.Context, phone string) (bool, error) {
	resps, err := h.client.IsOnWhatsApp([]string{"+" + phone})
	if err != nil {
		return false, fmt.Errorf("failed to check registration: %w", err)
	}
	if len(resps) == 0 {
		return false, nil
	}
	return resps[0].IsIn, nil
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.client.Disconnect()
		h.closeErr = h.container.Close()
	})
	return h.closeErr
}
