package service

import (
	"context"
	"time"

	"wamux/pkg/waengine/types"

	"github.com/sirupsen/logrus"
)

// EventAdapter turns raw engine callbacks into supervisor and ledger calls.
// One handler set per session; the engine invokes them from its own
// goroutines, so everything here must be safe to call concurrently.
type EventAdapter struct {
	supervisor *Supervisor
	ledger     *Ledger
	logger     *logrus.Logger
}

func NewEventAdapter(supervisor *Supervisor, ledger *Ledger, logger *logrus.Logger) *EventAdapter {
	return &EventAdapter{
		supervisor: supervisor,
		ledger:     ledger,
		logger:     logger,
	}
}

// HandlersFor builds the handler set bound to one session id.
func (a *EventAdapter) HandlersFor(id string) types.EventHandlers {
	return types.EventHandlers{
		OnCredentialUpdate: func(identity string) {
			a.supervisor.handleCredentialUpdate(id, identity)
		},
		OnConnectionState: func(ev types.ConnectionEvent) {
			a.supervisor.handleConnectionEvent(id, ev)
		},
		OnInboundMessage: func(msg types.InboundMessage) {
			a.handleInbound(id, msg)
		},
	}
}

// handleInbound records the message and, for a first-seen message, attempts
// immediate webhook delivery. Delivery failure is not an event failure; the
// message stays queued for retry.
func (a *EventAdapter) handleInbound(id string, msg types.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	storedID, created, err := a.ledger.Ingest(ctx, id, msg)
	if err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"session":    id,
			"message_id": msg.ID,
		}).Error("Failed to ingest inbound message")
		return
	}
	if !created {
		return
	}

	if err := a.ledger.DeliverNow(ctx, id, storedID); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"session":    id,
			"message_id": storedID,
		}).Warn("Immediate delivery attempt failed")
	}
}
