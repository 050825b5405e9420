// Package store keeps conversation history: a SQLite-backed store for the
// binary and an in-memory one for tests and ephemeral sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agent-webapp/internal/domain"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements domain.ConversationStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration. The parent directory is created when missing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			attachments     TEXT NOT NULL DEFAULT '[]',
			annotations     TEXT NOT NULL DEFAULT '[]',
			usage           TEXT,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS messages_conversation ON messages(conversation_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements domain.ConversationStore.
func (s *SQLiteStore) Create(ctx context.Context, title string, metadata map[string]string) (*domain.ConversationInfo, error) {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal conversation metadata: %w", err)
	}
	if metadata == nil {
		metaJSON = []byte("{}")
	}
	now := time.Now().UTC()
	conv := &domain.ConversationInfo{
		ID:        domain.NewID(),
		Title:     title,
		CreatedAt: now,
		Metadata:  metadata,
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, title, metadata, created_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.Title, string(metaJSON), now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// List implements domain.ConversationStore. The most recently active
// conversation comes first.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.ConversationInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, metadata, created_at, updated_at FROM conversations ORDER BY COALESCE(updated_at, created_at) DESC, id DESC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.ConversationInfo
	for rows.Next() {
		var (
			c                   domain.ConversationInfo
			metaStr, createdStr string
			updatedStr          sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Title, &metaStr, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaStr), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal conversation metadata: %w", err)
		}
		if len(c.Metadata) == 0 {
			c.Metadata = nil
		}
		c.CreatedAt, _ = time.Parse(timeLayout, createdStr)
		if updatedStr.Valid {
			if t, err := time.Parse(timeLayout, updatedStr.String); err == nil {
				c.UpdatedAt = &t
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Append implements domain.ConversationStore. It fails with
// domain.ErrConversationNotFound for an unknown conversation.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, msg domain.MessageInfo) error {
	attJSON, err := json.Marshal(nonNil(msg.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	annJSON, err := json.Marshal(nonNil(msg.Annotations))
	if err != nil {
		return fmt.Errorf("marshal annotations: %w", err)
	}
	var usage sql.NullString
	if msg.Usage != nil {
		raw, err := json.Marshal(msg.Usage)
		if err != nil {
			return fmt.Errorf("marshal usage: %w", err)
		}
		usage = sql.NullString{String: string(raw), Valid: true}
	}
	if msg.ID == "" {
		msg.ID = domain.NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ts := msg.Timestamp.UTC().Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at = ? WHERE id = ?", ts, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewDomainError("SQLiteStore.Append", domain.ErrConversationNotFound, conversationID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, attachments, annotations, usage, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content,
		string(attJSON), string(annJSON), usage, msg.Duration.Milliseconds(), ts,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// Messages implements domain.ConversationStore. Messages come back in the
// order they were appended.
func (s *SQLiteStore) Messages(ctx context.Context, conversationID string) ([]domain.MessageInfo, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, domain.NewDomainError("SQLiteStore.Messages", domain.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, attachments, annotations, usage, duration_ms, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.MessageInfo
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.MessageInfo, error) {
	var (
		m                           domain.MessageInfo
		role, attStr, annStr, tsStr string
		usage                       sql.NullString
		durationMS                  int64
	)
	if err := row.Scan(&m.ID, &role, &m.Content, &attStr, &annStr, &usage, &durationMS, &tsStr); err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	if err := json.Unmarshal([]byte(attStr), &m.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if err := json.Unmarshal([]byte(annStr), &m.Annotations); err != nil {
		return nil, fmt.Errorf("unmarshal annotations: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if len(m.Annotations) == 0 {
		m.Annotations = nil
	}
	if usage.Valid {
		m.Usage = &domain.UsageInfo{}
		if err := json.Unmarshal([]byte(usage.String), m.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal usage: %w", err)
		}
	}
	m.Duration = time.Duration(durationMS) * time.Millisecond
	m.Timestamp, _ = time.Parse(timeLayout, tsStr)
	return &m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ domain.ConversationStore = (*SQLiteStore)(nil)
