package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"wamux/internal/constants"
	"wamux/internal/metrics"
	"wamux/internal/models"
	"wamux/pkg/waengine/types"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// MessagePublisher is the broker side of ingestion. Satisfied by Publisher.
type MessagePublisher interface {
	Enabled() bool
	Publish(ctx context.Context, body []byte) error
}

var phonePattern = regexp.MustCompile(fmt.Sprintf("[0-9]{%d,%d}",
	constants.PhoneRunMinDigits, constants.PhoneRunMaxDigits))

// Ledger records every inbound message durably before any forwarding is
// attempted, then forwards to the session's webhook targets with at-least-
// once semantics. Failed deliveries stay queued until retried.
type Ledger struct {
	gateway     Gateway
	client      *resty.Client
	configCache *cache.Cache
	publisher   MessagePublisher
	batchLimit  int
	logger      *logrus.Logger
}

func NewLedger(gateway Gateway, publisher MessagePublisher, cfg models.WebhookClientConfig, logger *logrus.Logger) *Ledger {
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = constants.DefaultWebhookTimeoutSec
	}
	batchLimit := cfg.ForwardBatchLimit
	if batchLimit <= 0 {
		batchLimit = constants.DefaultForwardBatchLimit
	}

	return &Ledger{
		gateway: gateway,
		client: resty.New().
			SetTimeout(time.Duration(timeout) * time.Second).
			SetHeader("Content-Type", "application/json"),
		configCache: cache.New(constants.DefaultWebhookConfigCacheMin*time.Minute, 10*time.Minute),
		publisher:   publisher,
		batchLimit:  batchLimit,
		logger:      logger,
	}
}

// Ingest records an inbound message. A message without an id gets a
// generated one; a message whose id was seen before is a no-op. Returns the
// stored id and whether a new row was created.
func (l *Ledger) Ingest(ctx context.Context, sessionID string, in types.InboundMessage) (string, bool, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	msg := &models.Message{
		ID:          id,
		SessionID:   sessionID,
		FromJID:     in.FromJID,
		IsGroup:     in.IsGroup,
		TimestampMs: in.TimestampMs,
		Text:        in.Text,
		Raw:         in.Raw,
	}

	created, err := l.gateway.InsertMessageIfAbsent(ctx, msg)
	if err != nil {
		return "", false, fmt.Errorf("failed to ingest message: %w", err)
	}
	if !created {
		l.logger.WithFields(logrus.Fields{
			"session":    sessionID,
			"message_id": id,
		}).Debug("Duplicate message ignored")
		return id, false, nil
	}

	metrics.IncrCounter("messages_ingested", 1, map[string]string{"session": sessionID}, "Inbound messages recorded")

	if l.publisher.Enabled() {
		body, err := json.Marshal(msg)
		if err == nil {
			err = l.publisher.Publish(ctx, body)
		}
		if err != nil {
			// Broker publish is best effort; the webhook path owns delivery.
			l.logger.WithError(err).WithField("message_id", id).Warn("Failed to publish message to broker")
		}
	}
	return id, true, nil
}

// DeliverNow makes one immediate forwarding attempt for a stored message. A
// session with no target configured for the message's category leaves the
// message queued without recording an attempt.
func (l *Ledger) DeliverNow(ctx context.Context, sessionID, messageID string) error {
	msg, err := l.gateway.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("no message found with id: %s", messageID)
	}

	cfg, err := l.webhookConfig(ctx, sessionID)
	if err != nil {
		return err
	}
	target := cfg.TargetFor(msg.IsGroup)
	if target == "" {
		return nil
	}

	_, err = l.attemptForward(ctx, msg, target)
	return err
}

// Forward pushes the given message ids (or, with none, the most recent batch)
// to a target. An empty target falls back to the session's configured target
// per message category.
func (l *Ledger) Forward(ctx context.Context, sessionID, target string, ids []string) ([]models.ForwardOutcome, error) {
	msgs, err := l.gateway.QueryMessages(ctx, sessionID, ids, l.batchLimit)
	if err != nil {
		return nil, err
	}

	cfg, err := l.webhookConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]models.ForwardOutcome, 0, len(msgs))
	for _, msg := range msgs {
		to := target
		if to == "" {
			to = cfg.TargetFor(msg.IsGroup)
		}
		if to == "" {
			outcomes = append(outcomes, models.ForwardOutcome{
				MessageID: msg.ID,
				Status:    models.ForwardStatusSkipped,
				Error:     "no webhook target",
			})
			continue
		}
		outcomes = append(outcomes, l.forwardOutcome(ctx, msg, to))
	}
	return outcomes, nil
}

// RetryPending re-attempts undelivered messages. With ids, only those ids
// are considered and already-delivered ones report skipped; without ids,
// every undelivered message for the session is retried, narrowed to one
// pending target when one is given. A message with neither an explicit nor
// a recorded target is skipped without an attempt.
func (l *Ledger) RetryPending(ctx context.Context, sessionID, target string, ids []string) ([]models.ForwardOutcome, error) {
	var msgs []*models.Message
	var err error
	if len(ids) > 0 {
		msgs, err = l.gateway.QueryMessages(ctx, sessionID, ids, 0)
	} else {
		// Without explicit ids a target narrows the backlog to messages
		// already pending against that target.
		msgs, err = l.gateway.QueryUndelivered(ctx, sessionID, target)
	}
	if err != nil {
		return nil, err
	}

	outcomes := make([]models.ForwardOutcome, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Delivered {
			outcomes = append(outcomes, models.ForwardOutcome{
				MessageID: msg.ID,
				Status:    models.ForwardStatusSkipped,
			})
			continue
		}

		to := target
		if to == "" && msg.PendingWebhook != nil {
			to = *msg.PendingWebhook
		}
		if to == "" {
			outcomes = append(outcomes, models.ForwardOutcome{
				MessageID: msg.ID,
				Status:    models.ForwardStatusSkipped,
				Error:     "no webhook target",
			})
			continue
		}
		outcomes = append(outcomes, l.forwardOutcome(ctx, msg, to))
	}
	return outcomes, nil
}

// OnWebhookConfigChange persists a new webhook config and kicks off a
// background retry of the backlog now reachable through the new targets.
func (l *Ledger) OnWebhookConfigChange(ctx context.Context, sessionID string, cfg models.WebhookConfig) error {
	if err := l.gateway.SaveWebhookConfig(ctx, sessionID, cfg); err != nil {
		return err
	}
	l.configCache.Delete(sessionID)

	go l.retryBacklog(sessionID, cfg)
	return nil
}

func (l *Ledger) retryBacklog(sessionID string, cfg models.WebhookConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	msgs, err := l.gateway.QueryUndelivered(ctx, sessionID, "")
	if err != nil {
		l.logger.WithError(err).WithField("session", sessionID).Error("Failed to load undelivered backlog")
		return
	}

	retried := 0
	for _, msg := range msgs {
		target := cfg.TargetFor(msg.IsGroup)
		if target == "" {
			continue
		}
		if _, err := l.attemptForward(ctx, msg, target); err != nil {
			l.logger.WithError(err).WithField("message_id", msg.ID).Warn("Backlog retry attempt failed")
		}
		retried++
	}
	if retried > 0 {
		l.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"count":   retried,
		}).Info("Retried undelivered backlog after webhook config change")
	}
}

// NotifyStatus saves the snapshot of a status send and, when a status
// webhook is configured, posts it there. Webhook failure is logged, not
// returned: the status was already published upstream.
func (l *Ledger) NotifyStatus(ctx context.Context, sessionID string, snap models.StatusSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal status snapshot: %w", err)
	}
	if err := l.gateway.SaveLastStatus(ctx, sessionID, body); err != nil {
		return err
	}

	cfg, err := l.webhookConfig(ctx, sessionID)
	if err != nil {
		return err
	}
	if cfg.Status == "" {
		return nil
	}

	resp, err := l.client.R().SetContext(ctx).SetBody(body).Post(cfg.Status)
	if err != nil {
		l.logger.WithError(err).WithField("session", sessionID).Warn("Status webhook unreachable")
		return nil
	}
	if resp.IsError() {
		l.logger.WithFields(logrus.Fields{
			"session": sessionID,
			"status":  resp.StatusCode(),
		}).Warn("Status webhook rejected notification")
	}
	return nil
}

// InvalidateWebhookCache drops the cached config for a session.
func (l *Ledger) InvalidateWebhookCache(sessionID string) {
	l.configCache.Delete(sessionID)
}

func (l *Ledger) webhookConfig(ctx context.Context, sessionID string) (*models.WebhookConfig, error) {
	if cached, found := l.configCache.Get(sessionID); found {
		return cached.(*models.WebhookConfig), nil
	}

	cfg, err := l.gateway.LoadWebhookConfig(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook config: %w", err)
	}
	if cfg == nil {
		cfg = &models.WebhookConfig{}
	}
	l.configCache.Set(sessionID, cfg, cache.DefaultExpiration)
	return cfg, nil
}

func (l *Ledger) forwardOutcome(ctx context.Context, msg *models.Message, target string) models.ForwardOutcome {
	delivered, err := l.attemptForward(ctx, msg, target)
	outcome := models.ForwardOutcome{MessageID: msg.ID}
	switch {
	case err != nil:
		outcome.Status = models.ForwardStatusPending
		outcome.Error = err.Error()
	case delivered:
		outcome.Status = models.ForwardStatusDelivered
	default:
		outcome.Status = models.ForwardStatusPending
		if msg.LastDeliveryError != nil {
			outcome.Error = *msg.LastDeliveryError
		}
	}
	return outcome
}

// attemptForward makes a single POST and records the result as one atomic
// delivery update. The message struct is updated in place so callers see the
// post-attempt state.
func (l *Ledger) attemptForward(ctx context.Context, msg *models.Message, target string) (bool, error) {
	payload := models.WebhookPayload{
		ID:                msg.ID,
		FromJID:           msg.FromJID,
		From:              extractPhone(msg),
		IsGroup:           msg.IsGroup,
		Timestamp:         msg.TimestampMs,
		Text:              msg.Text,
		Delivered:         msg.Delivered,
		DeliveryAttempts:  msg.DeliveryAttempts,
		LastDeliveryError: msg.LastDeliveryError,
		PendingWebhook:    msg.PendingWebhook,
		Raw:               msg.Raw,
	}

	var upd models.DeliveryUpdate
	resp, err := l.client.R().SetContext(ctx).SetBody(payload).Post(target)
	switch {
	case err != nil:
		reason := err.Error()
		upd = models.DeliveryUpdate{LastDeliveryError: &reason, PendingWebhook: &target}
	case resp.IsError():
		reason := fmt.Sprintf("webhook returned status %d", resp.StatusCode())
		upd = models.DeliveryUpdate{LastDeliveryError: &reason, PendingWebhook: &target}
	default:
		now := time.Now().UTC()
		upd = models.DeliveryUpdate{Delivered: true, DeliveredAt: &now}
	}

	if recErr := l.gateway.RecordDeliveryAttempt(ctx, msg.SessionID, msg.ID, upd); recErr != nil {
		return false, recErr
	}

	msg.Delivered = upd.Delivered
	msg.DeliveredAt = upd.DeliveredAt
	msg.LastDeliveryError = upd.LastDeliveryError
	msg.PendingWebhook = upd.PendingWebhook
	msg.DeliveryAttempts++

	if upd.Delivered {
		metrics.IncrCounter("messages_delivered", 1, map[string]string{"session": msg.SessionID}, "Messages delivered to webhooks")
		l.logger.WithFields(logrus.Fields{
			"session":    msg.SessionID,
			"message_id": msg.ID,
			"attempts":   msg.DeliveryAttempts,
		}).Debug("Message delivered to webhook")
		return true, nil
	}

	metrics.IncrCounter("delivery_failures", 1, map[string]string{"session": msg.SessionID}, "Failed webhook delivery attempts")
	l.logger.WithFields(logrus.Fields{
		"session":    msg.SessionID,
		"message_id": msg.ID,
		"target":     target,
		"error":      *upd.LastDeliveryError,
	}).Warn("Webhook delivery failed; message stays queued")
	return false, nil
}

// extractPhone derives a display phone number from the message origin. Group
// messages carry the sender in a participant field of the raw envelope; the
// fallback is the message JID itself. Nil when no plausible digit run exists.
func extractPhone(msg *models.Message) *string {
	candidate := msg.FromJID
	if len(msg.Raw) > 0 {
		var envelope struct {
			Key struct {
				Participant string `json:"participant"`
			} `json:"key"`
			Participant string `json:"participant"`
		}
		if err := json.Unmarshal(msg.Raw, &envelope); err == nil {
			if envelope.Key.Participant != "" {
				candidate = envelope.Key.Participant
			} else if envelope.Participant != "" {
				candidate = envelope.Participant
			}
		}
	}

	digits := phonePattern.FindString(candidate)
	if digits == "" {
		return nil
	}
	phone := "+" + digits
	return &phone
}
