package service

import (
	"context"
	"fmt"

	"wamux/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Publisher fans ingested messages out to an AMQP queue in addition to the
// per-session webhooks. Optional: with no broker URL configured every call
// is a no-op.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *logrus.Logger
}

func NewPublisher(cfg models.AMQPConfig, logger *logrus.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return &Publisher{logger: logger}, nil
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to open channel: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to declare queue: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	logger.WithField("queue", cfg.Queue).Info("Connected to AMQP broker")
	return &Publisher{conn: conn, ch: ch, queue: cfg.Queue, logger: logger}, nil
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.ch != nil
}

func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	if !p.Enabled() {
		return nil
	}

	err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	if err := p.ch.Close(); err != nil {
		p.logger.WithError(err).Warn("Failed to close AMQP channel")
	}
	return p.conn.Close()
}
