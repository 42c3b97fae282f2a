package chatlog

import (
	"context"
	"database/sql"
	"fmt"

	"chatcall/pkg/utils"
)

// Schema creates the tables used by PostgresRepo. Message rows are insert-only.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	last_message    TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id              UUID PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	kind            TEXT NOT NULL,
	text            TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_messages_conversation_idx ON chat_messages (conversation_id, created_at);
`

const (
	upsertConversationSQL = `
INSERT INTO conversations (id, last_message, last_message_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET last_message = EXCLUDED.last_message, last_message_at = EXCLUDED.last_message_at`

	insertMessageSQL = `
INSERT INTO chat_messages (id, conversation_id, kind, text, created_at)
VALUES ($1, $2, $3, $4, $5)`
)

// PostgresRepo appends chat messages and bumps the conversation preview in one transaction.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("chatlog: ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, m Message) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertConversationSQL, m.ConversationID, m.Text, m.CreatedAt); err != nil {
			return fmt.Errorf("chatlog: upsert conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertMessageSQL, m.ID, m.ConversationID, string(m.Kind), m.Text, m.CreatedAt); err != nil {
			return fmt.Errorf("chatlog: insert message: %w", err)
		}
		return nil
	})
}
