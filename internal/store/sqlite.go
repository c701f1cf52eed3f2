package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/HavenChat/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteConnParams enables foreign keys and waits on locks instead of failing fast.
	sqliteConnParams = "_foreign_keys=on&_busy_timeout=5000"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
	sqlDedup
}

// Compile-time checks.
var (
	_ Store               = (*SQLiteStore)(nil)
	_ PersistenceProvider = (*SQLiteStore)(nil)
	_ DedupRepo           = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file, optionally
// followed by query parameters. Missing directories are created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	if !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + sqliteConnParams
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, sqlDedup: sqlDedup{db: db, q: sqliteDedupQueries}}, nil
}

// DedupRepo returns the store itself.
func (s *SQLiteStore) DedupRepo() DedupRepo { return s }

// OutboxRepo returns the store itself.
func (s *SQLiteStore) OutboxRepo() OutboxRepo { return s }

func (s *SQLiteStore) CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error) {
	if userID == "" {
		return models.Conversation{}, models.ErrEmptyUserID
	}
	c := newConversation(userID, title, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, 0, '', '')`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "userID", userID)
		return models.Conversation{}, fmt.Errorf("failed to insert conversation for %s: %w", userID, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "conversationID", c.ID, "userID", userID)
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	limit = normalizeLimit(limit, models.DefaultConversationListLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("SQLiteStore ListConversations succeeded", "userID", userID, "count", len(out))
	return out, nil
}

func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update title of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	msg, err := prepareMessage(conversationID, msg)
	if err != nil {
		return msg, err
	}
	suggestion, err := encodeSuggestion(msg.ResourceSuggestion)
	if err != nil {
		return msg, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return msg, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, last_message = ?, last_message_role = ?, updated_at = ? WHERE id = ?`,
		models.Excerpt(msg.Content), string(msg.Role), msg.Timestamp, conversationID,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return msg, models.ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, msg.Timestamp, msg.IsEmergency, suggestion,
	); err != nil {
		return msg, fmt.Errorf("failed to insert message into %s: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return msg, fmt.Errorf("failed to commit append: %w", err)
	}
	slog.Debug("SQLiteStore AppendMessage succeeded", "conversationID", conversationID, "messageID", msg.ID, "role", msg.Role)
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, models.DefaultMessageListLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	reverseMessages(out)
	return out, nil
}

func (s *SQLiteStore) GetContext(ctx context.Context, conversationID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT context_json FROM conversation_contexts WHERE conversation_id = ?`, conversationID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context for %s: %w", conversationID, err)
	}
	return blob, nil
}

func (s *SQLiteStore) SaveContext(ctx context.Context, conversationID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_contexts (conversation_id, context_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET context_json = excluded.context_json, updated_at = excluded.updated_at`,
		conversationID, string(blob), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveContext failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save context for %s: %w", conversationID, err)
	}
	slog.Debug("SQLiteStore SaveContext succeeded", "conversationID", conversationID, "bytes", len(blob))
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
