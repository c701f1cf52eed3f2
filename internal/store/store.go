// Package store provides storage backends for HavenChat.
//
// It persists conversations, their messages and the serialized conversation
// context. An in-memory store is used when no DSN is configured; SQLite and
// PostgreSQL are selected from the DSN format.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/google/uuid"
)

// Store is the persistence collaborator consumed by the chat service.
type Store interface {
	CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error)
	// GetConversation returns nil, nil when the conversation does not exist.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// ListConversations returns the user's conversations, most recently updated first.
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	// AppendMessage stores msg and updates the conversation bookkeeping in one step.
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error)
	// ListMessages returns the most recent limit messages in ascending time order.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	// GetContext returns nil, nil when no context has been saved.
	GetContext(ctx context.Context, conversationID string) ([]byte, error)
	SaveContext(ctx context.Context, conversationID string, blob []byte) error
	Close() error
}

// PersistenceProvider is implemented by durable stores that also back the
// channel bridge's inbound dedup and outbound outbox.
type PersistenceProvider interface {
	DedupRepo() DedupRepo
	OutboxRepo() OutboxRepo
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open selects a backend from the DSN. An empty DSN yields an InMemoryStore.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func newConversation(userID, title string, now time.Time) models.Conversation {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}
	return models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// prepareMessage fills the id, conversation id and timestamp of a message about to be stored.
func prepareMessage(conversationID string, msg models.Message) (models.Message, error) {
	if !models.IsValidRole(msg.Role) {
		return msg, models.ErrInvalidRole
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ConversationID = conversationID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

// InMemoryStore is a process-local Store. Data is lost on restart.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	contexts      map[string][]byte
	inbound       map[string]DedupRecord
}

// Compile-time checks.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		contexts:      make(map[string][]byte),
		inbound:       make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) CreateConversation(ctx context.Context, userID, title string) (models.Conversation, error) {
	if userID == "" {
		return models.Conversation{}, models.ErrEmptyUserID
	}
	c := newConversation(userID, title, time.Now().UTC())
	s.mu.Lock()
	s.conversations[c.ID] = c
	s.mu.Unlock()
	slog.Debug("InMemoryStore.CreateConversation: created", "conversationID", c.ID, "userID", userID)
	return c, nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	limit = normalizeLimit(limit, models.DefaultConversationListLimit)
	s.mu.RLock()
	out := make([]models.Conversation, 0)
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.ErrConversationNotFound
	}
	c.Title = title
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	msg, err := prepareMessage(conversationID, msg)
	if err != nil {
		return msg, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return msg, models.ErrConversationNotFound
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	c.MessageCount++
	c.LastMessage = models.Excerpt(msg.Content)
	c.LastMessageRole = msg.Role
	c.UpdatedAt = msg.Timestamp
	s.conversations[conversationID] = c
	return msg, nil
}

func (s *InMemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	limit = normalizeLimit(limit, models.DefaultMessageListLimit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.Message{}, all...), nil
}

func (s *InMemoryStore) GetContext(ctx context.Context, conversationID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.contexts[conversationID]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

func (s *InMemoryStore) SaveContext(ctx context.Context, conversationID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[conversationID] = append([]byte(nil), blob...)
	return nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return fmt.Errorf("mark processed failed: unknown message %s", messageID)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
