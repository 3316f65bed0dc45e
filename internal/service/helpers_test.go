package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"wamux/internal/models"
	"wamux/pkg/waengine/types"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeGateway is an in-memory Gateway with the same semantics as the sqlite
// implementation.
type fakeGateway struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	creds    map[string]*models.CredentialBlob
	webhooks map[string]models.WebhookConfig
	statuses map[string]json.RawMessage
	messages map[string]*models.Message
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: make(map[string]models.Session),
		creds:    make(map[string]*models.CredentialBlob),
		webhooks: make(map[string]models.WebhookConfig),
		statuses: make(map[string]json.RawMessage),
		messages: make(map[string]*models.Message),
	}
}

func (g *fakeGateway) CreateSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		now := time.Now().UTC()
		g.sessions[id] = models.Session{ID: id, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (g *fakeGateway) SessionExists(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[id]
	return ok, nil
}

func (g *fakeGateway) ListSessions(_ context.Context) ([]models.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) DeleteSession(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
	delete(g.creds, id)
	delete(g.webhooks, id)
	delete(g.statuses, id)
	for msgID, msg := range g.messages {
		if msg.SessionID == id {
			delete(g.messages, msgID)
		}
	}
	return nil
}

func (g *fakeGateway) SaveCredentials(_ context.Context, id string, blob *models.CredentialBlob) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return fmt.Errorf("no session found with id: %s", id)
	}
	g.creds[id] = blob
	return nil
}

func (g *fakeGateway) LoadCredentials(_ context.Context, id string) (*models.CredentialBlob, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creds[id], nil
}

func (g *fakeGateway) DeleteCredentials(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.creds, id)
	return nil
}

func (g *fakeGateway) SaveWebhookConfig(_ context.Context, id string, cfg models.WebhookConfig) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return fmt.Errorf("no session found with id: %s", id)
	}
	g.webhooks[id] = cfg
	return nil
}

func (g *fakeGateway) LoadWebhookConfig(_ context.Context, id string) (*models.WebhookConfig, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return nil, nil
	}
	cfg := g.webhooks[id]
	return &cfg, nil
}

func (g *fakeGateway) SaveLastStatus(_ context.Context, id string, snapshot json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[id]; !ok {
		return fmt.Errorf("no session found with id: %s", id)
	}
	g.statuses[id] = snapshot
	return nil
}

func (g *fakeGateway) LoadLastStatus(_ context.Context, id string) (json.RawMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statuses[id], nil
}

func (g *fakeGateway) InsertMessageIfAbsent(_ context.Context, msg *models.Message) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.messages[msg.ID]; ok {
		return false, nil
	}
	stored := *msg
	g.messages[msg.ID] = &stored
	return true, nil
}

func (g *fakeGateway) RecordDeliveryAttempt(_ context.Context, sessionID, messageID string, upd models.DeliveryUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.messages[messageID]
	if !ok || msg.SessionID != sessionID {
		return fmt.Errorf("no message found with id: %s", messageID)
	}
	msg.Delivered = upd.Delivered
	msg.DeliveredAt = upd.DeliveredAt
	msg.LastDeliveryError = upd.LastDeliveryError
	msg.PendingWebhook = upd.PendingWebhook
	msg.DeliveryAttempts++
	return nil
}

func (g *fakeGateway) GetMessage(_ context.Context, sessionID, messageID string) (*models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	msg, ok := g.messages[messageID]
	if !ok || msg.SessionID != sessionID {
		return nil, nil
	}
	copied := *msg
	return &copied, nil
}

func (g *fakeGateway) QueryMessages(_ context.Context, sessionID string, ids []string, limit int) ([]*models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*models.Message
	if len(ids) > 0 {
		wanted := make(map[string]bool, len(ids))
		for _, id := range ids {
			wanted[id] = true
		}
		for _, msg := range g.messages {
			if msg.SessionID == sessionID && wanted[msg.ID] {
				copied := *msg
				out = append(out, &copied)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs > out[j].TimestampMs })
		return out, nil
	}

	for _, msg := range g.messages {
		if msg.SessionID == sessionID {
			copied := *msg
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs > out[j].TimestampMs })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *fakeGateway) QueryUndelivered(_ context.Context, sessionID, targetURL string) ([]*models.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*models.Message
	for _, msg := range g.messages {
		if msg.SessionID != sessionID || msg.Delivered {
			continue
		}
		if targetURL != "" && (msg.PendingWebhook == nil || *msg.PendingWebhook != targetURL) {
			continue
		}
		copied := *msg
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

func (g *fakeGateway) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var deleted int64
	for id, msg := range g.messages {
		if msg.Delivered && msg.DeliveredAt != nil && msg.DeliveredAt.Before(cutoff) {
			delete(g.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// fakeConnector hands out fakeHandles and records connect calls.
type fakeConnector struct {
	mu         sync.Mutex
	connectErr error
	handles    []*fakeHandle
	workDirs   []string
}

func (c *fakeConnector) Connect(_ context.Context, workDir string, _ types.Config, handlers types.EventHandlers) (types.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	h := &fakeHandle{handlers: handlers, identity: "15551234567@s.whatsapp.net", onWhatsApp: true}
	c.handles = append(c.handles, h)
	c.workDirs = append(c.workDirs, workDir)
	return h, nil
}

func (c *fakeConnector) lastHandle() *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) == 0 {
		return nil
	}
	return c.handles[len(c.handles)-1]
}

func (c *fakeConnector) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

type fakeHandle struct {
	mu         sync.Mutex
	handlers   types.EventHandlers
	identity   string
	onWhatsApp bool
	sendErr    error
	sent       []string
	statuses   []string
	closed     bool
}

func (h *fakeHandle) RequestPairingCode(_ context.Context, _ string) (string, error) {
	return "ABCD-1234", nil
}

func (h *fakeHandle) Send(_ context.Context, toJID, text string) (*types.SendReceipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	h.sent = append(h.sent, toJID+":"+text)
	return &types.SendReceipt{MessageID: fmt.Sprintf("sent-%d", len(h.sent)), TimestampMs: time.Now().UnixMilli()}, nil
}

func (h *fakeHandle) SendStatus(_ context.Context, text string) (*types.SendReceipt, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	h.statuses = append(h.statuses, text)
	return &types.SendReceipt{MessageID: fmt.Sprintf("status-%d", len(h.statuses)), TimestampMs: time.Now().UnixMilli()}, nil
}

func (h *fakeHandle) Identity() string {
	return h.identity
}

func (h *fakeHandle) IsOnWhatsApp(_ context.Context, _ string) (bool, error) {
	return h.onWhatsApp, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) fire(apply func(types.EventHandlers)) {
	h.mu.Lock()
	handlers := h.handlers
	h.mu.Unlock()
	apply(handlers)
}

// fakePublisher captures broker publishes.
type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (p *fakePublisher) Enabled() bool { return true }

func (p *fakePublisher) Publish(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bodies)
}
