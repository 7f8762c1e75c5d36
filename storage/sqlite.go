package storage

import (
	"context"
	"database/sql"
	"errors"

	// database/sql SQLite driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/opd-ai/msgsync/interfaces"
	"github.com/opd-ai/msgsync/messaging"
)

var _ interfaces.StateWriter = (*SQLite)(nil)

// SQLite implements the StateWriter contract on SQLite via database/sql.
// It is safe for concurrent use; database/sql manages connection pooling
// and serialization.
type SQLite struct{ db *sql.DB }

// NewSQLite constructs a SQLite state writer, initializing the required
// schema if absent.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if db == nil {
		return nil, errors.New("nil database handle")
	}
	s := &SQLite{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens a database at the given DSN and constructs a writer
// on it. The recommended DSN enables WAL and foreign keys, e.g.
// "file:msgsync.db?_journal_mode=WAL&_foreign_keys=on".
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLite(db)
}

func (s *SQLite) init() error {
	schema := `CREATE TABLE IF NOT EXISTS conversations (
id TEXT PRIMARY KEY,
kind INTEGER NOT NULL DEFAULT 0,
name TEXT NOT NULL DEFAULT '',
creator_inbox_id TEXT NOT NULL DEFAULT '',
invite_tag TEXT NOT NULL DEFAULT '',
push_topic TEXT NOT NULL DEFAULT '',
created_at INTEGER NOT NULL DEFAULT 0,
expires_at INTEGER NOT NULL DEFAULT 0,
unread INTEGER NOT NULL DEFAULT 0,
consent INTEGER NOT NULL DEFAULT 0,
exploded_directive TEXT
);
CREATE TABLE IF NOT EXISTS messages (
id TEXT PRIMARY KEY,
conversation_id TEXT NOT NULL,
sender_inbox_id TEXT NOT NULL DEFAULT '',
kind INTEGER NOT NULL DEFAULT 0,
body TEXT NOT NULL DEFAULT '',
sent_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);`
	_, err := s.db.Exec(schema)
	return err
}

// StoreConversation upserts a conversation row, preserving local-only
// columns (unread, consent, explode marker).
func (s *SQLite) StoreConversation(ctx context.Context, conv messaging.Conversation) error {
	const q = `INSERT INTO conversations (id, kind, name, creator_inbox_id, invite_tag, push_topic, created_at, expires_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
kind=excluded.kind,
name=excluded.name,
creator_inbox_id=excluded.creator_inbox_id,
invite_tag=excluded.invite_tag,
push_topic=excluded.push_topic,
created_at=excluded.created_at,
expires_at=excluded.expires_at`

	var expires int64
	if !conv.ExpiresAt.IsZero() {
		expires = conv.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, q, conv.ID, conv.Kind, conv.Name, conv.CreatorInboxID,
		conv.InviteTag, conv.PushTopic, conv.CreatedAt.Unix(), expires)
	return err
}

// StoreMessage upserts a message row keyed by its stable id.
func (s *SQLite) StoreMessage(ctx context.Context, msg messaging.Message) (interfaces.StoredMessage, error) {
	if err := msg.Validate(); err != nil {
		return interfaces.StoredMessage{}, err
	}

	const q = `INSERT INTO messages (id, conversation_id, sender_inbox_id, kind, body, sent_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
conversation_id=excluded.conversation_id,
sender_inbox_id=excluded.sender_inbox_id,
kind=excluded.kind,
body=excluded.body,
sent_at=excluded.sent_at`

	_, err := s.db.ExecContext(ctx, q, msg.ID, msg.ConversationID, msg.SenderInboxID,
		msg.Kind, msg.Text, msg.SentAt.Unix())
	if err != nil {
		return interfaces.StoredMessage{}, err
	}
	return interfaces.StoredMessage{ContentKind: msg.Kind}, nil
}

// SetUnread sets or clears the unread flag, creating a placeholder row
// when the conversation has not been stored yet.
func (s *SQLite) SetUnread(ctx context.Context, conversationID string, unread bool) error {
	const q = `INSERT INTO conversations (id, unread) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET unread=excluded.unread`
	flag := 0
	if unread {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, q, conversationID, flag)
	return err
}

// SetConsent records the consent decision for a conversation.
func (s *SQLite) SetConsent(ctx context.Context, conversationID string, state messaging.ConsentState) error {
	const q = `INSERT INTO conversations (id, consent) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET consent=excluded.consent`
	_, err := s.db.ExecContext(ctx, q, conversationID, state)
	return err
}

// Consent reads the consent decision; missing rows report ConsentUnknown.
func (s *SQLite) Consent(ctx context.Context, conversationID string) (messaging.ConsentState, error) {
	const q = `SELECT consent FROM conversations WHERE id=?`
	var state messaging.ConsentState
	err := s.db.QueryRowContext(ctx, q, conversationID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return messaging.ConsentUnknown, nil
	}
	if err != nil {
		return messaging.ConsentUnknown, err
	}
	return state, nil
}

// ApplyExplodeSettings deletes the conversation's messages inside one
// transaction. A directive is applied at most once per directive id.
func (s *SQLite) ApplyExplodeSettings(ctx context.Context, settings messaging.ExplodeSettings) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT exploded_directive FROM conversations WHERE id=?`,
		settings.ConversationID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prev.Valid && prev.String == settings.DirectiveID && settings.DirectiveID != "" {
		_ = tx.Rollback()
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=?`, settings.ConversationID); err != nil {
		return false, err
	}
	if _, err = tx.ExecContext(ctx, `UPDATE conversations SET exploded_directive=? WHERE id=?`,
		settings.DirectiveID, settings.ConversationID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }
