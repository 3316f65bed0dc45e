package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"wamux/internal/models"
	"wamux/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable store behind the persistence gateway: one row per
// session (credentials, webhook config, last status) and one row per message.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	// Foreign keys must be on for the session -> messages delete cascade.
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CreateSession inserts a session row if absent. Creating an existing
// session is a no-op.
func (d *Database) CreateSession(ctx context.Context, id string) error {
	if err := security.ValidateSessionID(id); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}

	_, err := d.db.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (id) VALUES (?)`, id)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (d *Database) SessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return true, nil
}

func (d *Database) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at
		FROM sessions
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes the session row; the messages cascade follows the
// foreign key. Deleting an unknown id is a success no-op.
func (d *Database) DeleteSession(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (d *Database) SaveCredentials(ctx context.Context, id string, blob *models.CredentialBlob) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to marshal credential blob: %w", err)
	}

	encrypted, err := d.encryptor.EncryptIfEnabled(string(raw))
	if err != nil {
		return fmt.Errorf("failed to encrypt credential blob: %w", err)
	}

	result, err := d.db.ExecContext(ctx, `UPDATE sessions SET credential_blob = ? WHERE id = ?`, encrypted, id)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no session found with id: %s", id)
	}
	return nil
}

func (d *Database) LoadCredentials(ctx context.Context, id string) (*models.CredentialBlob, error) {
	var stored sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT credential_blob FROM sessions WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if !stored.Valid || stored.String == "" {
		return nil, nil
	}

	raw, err := d.encryptor.DecryptIfEnabled(stored.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential blob: %w", err)
	}

	var blob models.CredentialBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential blob: %w", err)
	}
	return &blob, nil
}

// DeleteCredentials clears the blob but keeps the session row.
func (d *Database) DeleteCredentials(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE sessions SET credential_blob = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

func (d *Database) SaveWebhookConfig(ctx context.Context, id string, cfg models.WebhookConfig) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE sessions
		SET webhook_incoming = ?, webhook_group = ?, webhook_status = ?
		WHERE id = ?
	`, cfg.Incoming, cfg.Group, cfg.Status, id)
	if err != nil {
		return fmt.Errorf("failed to save webhook config: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no session found with id: %s", id)
	}
	return nil
}

func (d *Database) LoadWebhookConfig(ctx context.Context, id string) (*models.WebhookConfig, error) {
	var cfg models.WebhookConfig
	err := d.db.QueryRowContext(ctx, `
		SELECT webhook_incoming, webhook_group, webhook_status
		FROM sessions WHERE id = ?
	`, id).Scan(&cfg.Incoming, &cfg.Group, &cfg.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook config: %w", err)
	}
	return &cfg, nil
}

func (d *Database) SaveLastStatus(ctx context.Context, id string, snapshot json.RawMessage) error {
	result, err := d.db.ExecContext(ctx, `UPDATE sessions SET last_status = ? WHERE id = ?`, string(snapshot), id)
	if err != nil {
		return fmt.Errorf("failed to save last status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no session found with id: %s", id)
	}
	return nil
}

func (d *Database) LoadLastStatus(ctx context.Context, id string) (json.RawMessage, error) {
	var stored sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT last_status FROM sessions WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last status: %w", err)
	}
	if !stored.Valid || stored.String == "" {
		return nil, nil
	}
	return json.RawMessage(stored.String), nil
}
