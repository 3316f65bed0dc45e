package database

// Schema is embedded so the binary is self-contained; all statements are
// idempotent and run on every startup.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    credential_blob TEXT,
    webhook_incoming TEXT NOT NULL DEFAULT '',
    webhook_group TEXT NOT NULL DEFAULT '',
    webhook_status TEXT NOT NULL DEFAULT '',
    last_status TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS sessions_updated_at
AFTER UPDATE ON sessions
BEGIN
    UPDATE sessions SET updated_at = CURRENT_TIMESTAMP
    WHERE id = NEW.id;
END;

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    from_jid TEXT NOT NULL,
    is_group BOOLEAN NOT NULL DEFAULT FALSE,
    timestamp_ms INTEGER NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    raw TEXT,
    delivered BOOLEAN NOT NULL DEFAULT FALSE,
    delivered_at DATETIME,
    delivery_attempts INTEGER NOT NULL DEFAULT 0,
    last_delivery_error TEXT,
    pending_webhook TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, timestamp_ms);
CREATE INDEX IF NOT EXISTS idx_messages_undelivered ON messages(session_id, delivered);

CREATE TRIGGER IF NOT EXISTS messages_updated_at
AFTER UPDATE ON messages
BEGIN
    UPDATE messages SET updated_at = CURRENT_TIMESTAMP
    WHERE id = NEW.id;
END;
`
