package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/tavern-chat/internal/model/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	title         TEXT    NOT NULL,
	last_message  TEXT    NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL DEFAULT '',
	file_url   TEXT    NOT NULL DEFAULT '',
	file_name  TEXT    NOT NULL DEFAULT '',
	mime_type  TEXT    NOT NULL DEFAULT '',
	file_size  INTEGER NOT NULL DEFAULT 0,
	status     TEXT    NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC, id DESC);
`

// SQLiteStore persists chat data in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, title string) (chat.Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (title, created_at, updated_at) VALUES (?, ?, ?)`,
		title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return chat.Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
		UpdatedAt: time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

const sessionColumns = `id, title, last_message, message_count, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (chat.Session, error) {
	var (
		session          chat.Session
		created, updated int64
	)
	if err := row.Scan(&session.ID, &session.Title, &session.LastMessage, &session.MessageCount, &created, &updated); err != nil {
		return chat.Session{}, err
	}
	session.CreatedAt = time.UnixMilli(created).UTC()
	session.UpdatedAt = time.UnixMilli(updated).UTC()
	return session, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, offset, limit int) ([]chat.Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0, limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, total, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg chat.StoredMessage) (chat.StoredMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	created := msg.CreatedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_message = ?, message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		msg.Content, created, msg.SessionID)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.StoredMessage{}, ErrSessionNotFound
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, file_url, file_name, mime_type, file_size, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, string(msg.Role), msg.Content, msg.FileURL, msg.FileName, msg.MimeType, msg.FileSize, string(msg.Status), created)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("commit: %w", err)
	}
	msg.CreatedAt = time.UnixMilli(created).UTC()
	return msg, nil
}

const messageColumns = `id, session_id, role, content, file_url, file_name, mime_type, file_size, status, created_at`

func scanMessage(row interface{ Scan(...any) error }) (chat.StoredMessage, error) {
	var (
		msg          chat.StoredMessage
		role, status string
		created      int64
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.FileURL, &msg.FileName,
		&msg.MimeType, &msg.FileSize, &status, &created); err != nil {
		return chat.StoredMessage{}, err
	}
	msg.Role = chat.Role(role)
	msg.Status = chat.Status(status)
	msg.CreatedAt = time.UnixMilli(created).UTC()
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID int64) ([]chat.StoredMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []chat.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) (chat.StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.StoredMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("get message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("delete message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			message_count = (SELECT COUNT(*) FROM messages WHERE session_id = ?),
			last_message = COALESCE((SELECT content FROM messages WHERE session_id = ? ORDER BY id DESC LIMIT 1), '')
		WHERE id = ?`, msg.SessionID, msg.SessionID, msg.SessionID); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
