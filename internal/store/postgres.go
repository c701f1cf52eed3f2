package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/HavenChat/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	sqlDedup
}

// Compile-time checks.
var (
	_ Store               = (*PostgresStore)(nil)
	_ PersistenceProvider = (*PostgresStore)(nil)
	_ DedupRepo           = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db, sqlDedup: sqlDedup{db: db, q: postgresDedupQueries}}, nil
}

// DedupRepo returns the store itself.
func (s *PostgresStore) DedupRepo() DedupRepo { return s }

// OutboxRepo returns the store itself.
func (s *PostgresStore) OutboxRepo() OutboxRepo { return s }

func (s *PostgresStore) CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error) {
	if userID == "" {
		return models.Conversation{}, models.ErrEmptyUserID
	}
	c := newConversation(userID, title, time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, 0, '', '')`,
		c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "userID", userID)
		return models.Conversation{}, fmt.Errorf("failed to insert conversation for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "conversationID", c.ID, "userID", userID)
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversation failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	limit = normalizeLimit(limit, models.DefaultConversationListLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err, "userID", userID)
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
	slog.Debug("PostgresStore ListConversations succeeded", "userID", userID, "count", len(out))
	return out, nil
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1, updated_at = $2 WHERE id = $3`,
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

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
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
		`UPDATE conversations SET message_count = message_count + 1, last_message = $1, last_message_role = $2, updated_at = $3 WHERE id = $4`,
		models.Excerpt(msg.Content), string(msg.Role), msg.Timestamp, conversationID,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to update conversation %s: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return msg, models.ErrConversationNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, conversationID, string(msg.Role), msg.Content, msg.Timestamp, msg.IsEmergency, suggestion,
	); err != nil {
		return msg, fmt.Errorf("failed to insert message into %s: %w", conversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return msg, fmt.Errorf("failed to commit append: %w", err)
	}
	slog.Debug("PostgresStore AppendMessage succeeded", "conversationID", conversationID, "messageID", msg.ID, "role", msg.Role)
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, models.DefaultMessageListLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "conversationID", conversationID)
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

func (s *PostgresStore) GetContext(ctx context.Context, conversationID string) ([]byte, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT context_json FROM conversation_contexts WHERE conversation_id = $1`, conversationID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context for %s: %w", conversationID, err)
	}
	return []byte(blob), nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, conversationID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_contexts (conversation_id, context_json, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE SET context_json = EXCLUDED.context_json, updated_at = EXCLUDED.updated_at`,
		conversationID, string(blob), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveContext failed", "error", err, "conversationID", conversationID)
		return fmt.Errorf("failed to save context for %s: %w", conversationID, err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
