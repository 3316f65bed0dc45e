package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"wamux/internal/models"
)

const messageColumns = `id, session_id, from_jid, is_group, timestamp_ms, text, raw,
	delivered, delivered_at, delivery_attempts, last_delivery_error, pending_webhook`

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var msg models.Message
	var raw sql.NullString
	var deliveredAt sql.NullTime
	var lastErr, pending sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.FromJID,
		&msg.IsGroup,
		&msg.TimestampMs,
		&msg.Text,
		&raw,
		&msg.Delivered,
		&deliveredAt,
		&msg.DeliveryAttempts,
		&lastErr,
		&pending,
	)
	if err != nil {
		return nil, err
	}

	if raw.Valid {
		msg.Raw = []byte(raw.String)
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		msg.DeliveredAt = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		msg.LastDeliveryError = &s
	}
	if pending.Valid {
		s := pending.String
		msg.PendingWebhook = &s
	}
	return &msg, nil
}

// InsertMessageIfAbsent records an inbound message exactly once. Re-ingesting
// an id that already exists is a silent no-op; the return value reports
// whether a new row was created.
func (d *Database) InsertMessageIfAbsent(ctx context.Context, msg *models.Message) (bool, error) {
	var raw interface{}
	if len(msg.Raw) > 0 {
		raw = string(msg.Raw)
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, session_id, from_jid, is_group, timestamp_ms, text, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, msg.FromJID, msg.IsGroup, msg.TimestampMs, msg.Text, raw)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// RecordDeliveryAttempt applies the outcome of one forwarding attempt. The
// attempts counter is incremented in the same statement so concurrent
// attempts never lose an increment.
func (d *Database) RecordDeliveryAttempt(ctx context.Context, sessionID, messageID string, upd models.DeliveryUpdate) error {
	var deliveredAt interface{}
	if upd.DeliveredAt != nil {
		deliveredAt = *upd.DeliveredAt
	}
	var lastErr interface{}
	if upd.LastDeliveryError != nil {
		lastErr = *upd.LastDeliveryError
	}
	var pending interface{}
	if upd.PendingWebhook != nil {
		pending = *upd.PendingWebhook
	}

	result, err := d.db.ExecContext(ctx, `
		UPDATE messages
		SET delivered = ?,
		    delivered_at = ?,
		    last_delivery_error = ?,
		    pending_webhook = ?,
		    delivery_attempts = delivery_attempts + 1
		WHERE id = ? AND session_id = ?
	`, upd.Delivered, deliveredAt, lastErr, pending, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no message found with id: %s", messageID)
	}
	return nil
}

// GetMessage returns a message scoped to a session, or nil if absent.
func (d *Database) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = ? AND session_id = ?
	`, messageID, sessionID)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// QueryMessages returns the given ids (scoped to the session, missing ids
// silently absent from the result) or, with no ids, the most recent limit
// messages.
func (d *Database) QueryMessages(ctx context.Context, sessionID string, ids []string, limit int) ([]*models.Message, error) {
	var rows *sql.Rows
	var err error

	if len(ids) > 0 {
		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, sessionID)
		for _, id := range ids {
			args = append(args, id)
		}
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND id IN (`+placeholders+`)
			ORDER BY timestamp_ms DESC
		`, args...)
	} else {
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ?
			ORDER BY timestamp_ms DESC
			LIMIT ?
		`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMessages(rows)
}

// QueryUndelivered returns all undelivered messages for a session, oldest
// first. A non-empty targetURL narrows the result to messages pending
// against that exact target.
func (d *Database) QueryUndelivered(ctx context.Context, sessionID, targetURL string) ([]*models.Message, error) {
	var rows *sql.Rows
	var err error

	if targetURL != "" {
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND delivered = FALSE AND pending_webhook = ?
			ORDER BY timestamp_ms
		`, sessionID, targetURL)
	} else {
		rows, err = d.db.QueryContext(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = ? AND delivered = FALSE
			ORDER BY timestamp_ms
		`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectMessages(rows)
}

// DeleteDeliveredBefore removes delivered messages older than the cutoff.
func (d *Database) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE delivered = TRUE AND delivered_at IS NOT NULL AND delivered_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered messages: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows, nil
}

func collectMessages(rows *sql.Rows) ([]*models.Message, error) {
	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}
