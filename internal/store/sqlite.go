package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/chatrelay/internal/model"
)

const messageColumns = `id, conversation_id, text, from_me, sender, timestamp, status, status_timestamp`

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (and creates if needed) the database at path.
// If path is empty, defaults to "./data/chatrelay.db".
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "./data/chatrelay.db"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sqlite: %v", model.ErrStorageUnavailable, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		text TEXT NOT NULL,
		from_me INTEGER NOT NULL DEFAULT 0,
		sender TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'sent',
		status_timestamp INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages(conversation_id, timestamp, seq);

	CREATE TABLE IF NOT EXISTS members (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		wa_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// insert writes msg unless its id exists and reports whether a row was added.
func (s *SQLiteStore) insert(ctx context.Context, msg model.Message) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.Text, msg.FromMe, msg.Sender, msg.Timestamp, string(msg.Status), msg.StatusTimestamp)
	if err != nil {
		return false, sqliteErr("inserting message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, sqliteErr("inserting message", err)
	}
	return n > 0, nil
}

// Append implements MessageStore.
func (s *SQLiteStore) Append(ctx context.Context, msg *model.Message) (*model.Message, error) {
	stored, err := prepareAppend(msg)
	if err != nil {
		return nil, err
	}
	inserted, err := s.insert(ctx, stored)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: message %s", model.ErrConflict, stored.ID)
	}
	return &stored, nil
}

// Import implements MessageStore.
func (s *SQLiteStore) Import(ctx context.Context, msg *model.Message) (bool, error) {
	stored, err := prepareImport(msg)
	if err != nil {
		return false, err
	}
	return s.insert(ctx, stored)
}

// Messages implements MessageStore.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	msgs := []model.Message{}
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp, seq
	`, conversationID)
	if err != nil {
		return nil, sqliteErr("querying messages", err)
	}
	return msgs, nil
}

// All implements MessageStore.
func (s *SQLiteStore) All(ctx context.Context) ([]model.Message, error) {
	msgs := []model.Message{}
	if err := s.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages ORDER BY seq`); err != nil {
		return nil, sqliteErr("querying messages", err)
	}
	return msgs, nil
}

// UpdateStatus implements MessageStore.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status model.Status, statusTimestamp int64) (model.MatchResult, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, status_timestamp = ? WHERE id = ?
	`, string(status), statusTimestamp, id)
	if err != nil {
		return model.MatchResult{}, sqliteErr("updating status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.MatchResult{}, sqliteErr("updating status", err)
	}
	return model.MatchResult{Matched: n > 0}, nil
}

// FindByID implements MessageStore.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	err := s.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %s", model.ErrNotFound, id)
		}
		return nil, sqliteErr("fetching message", err)
	}
	return &msg, nil
}

// Members implements MemberStore.
func (s *SQLiteStore) Members(ctx context.Context) ([]model.Member, error) {
	members := []model.Member{}
	if err := s.db.SelectContext(ctx, &members, `SELECT wa_id, name FROM members ORDER BY seq`); err != nil {
		return nil, sqliteErr("querying members", err)
	}
	return members, nil
}

// CreateMember implements MemberStore.
func (s *SQLiteStore) CreateMember(ctx context.Context, member model.Member) (*model.Member, error) {
	if err := member.Validate(); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO members (wa_id, name) VALUES (?, ?)
		ON CONFLICT(wa_id) DO NOTHING
	`, member.WaID, member.Name)
	if err != nil {
		return nil, sqliteErr("inserting member", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteErr("inserting member", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: member %s", model.ErrConflict, member.WaID)
	}
	return &member, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return sqliteErr("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteErr wraps err, classifying a closed or unreachable database as
// model.ErrStorageUnavailable.
func sqliteErr(op string, err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %s: %v", model.ErrStorageUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
