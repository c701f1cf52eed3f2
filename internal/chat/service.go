// Package chat ties the response engine to persistence. It owns the
// conversation lifecycle: creation, history, per-turn context loading and
// saving, and serialization of turns within one conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/responder"
	"github.com/BTreeMap/HavenChat/internal/state"
	"github.com/BTreeMap/HavenChat/internal/store"
)

// Engine produces replies. *responder.Engine implements it.
type Engine interface {
	ProcessMessage(ctx context.Context, cc *state.ConversationContext, text string, history []models.Message) responder.Reply
	Welcome(name string) string
	NewConversationGreeting() string
}

var _ Engine = (*responder.Engine)(nil)

// StartResult is returned when a conversation is created.
type StartResult struct {
	Conversation models.Conversation `json:"conversation"`
	Greeting     models.Message      `json:"greeting"`
}

// SendResult is the outcome of one user turn.
type SendResult struct {
	responder.Reply
	UserMessage      models.Message `json:"userMessage"`
	AssistantMessage models.Message `json:"assistantMessage"`
}

// Service handles conversations for authenticated users.
type Service struct {
	store  store.Store
	engine Engine
	locks  *conversationLocks
	now    func() time.Time
}

// NewService creates a Service.
func NewService(st store.Store, engine Engine) *Service {
	return &Service{store: st, engine: engine, locks: newConversationLocks(), now: time.Now}
}

// Welcome returns the greeting for a named user.
func (s *Service) Welcome(name string) string {
	return s.engine.Welcome(name)
}

// StartConversation creates a conversation, stores the greeting and saves a
// fresh context. A user's first conversation gets the welcome greeting.
func (s *Service) StartConversation(ctx context.Context, userID string, req models.CreateConversationRequest) (*StartResult, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.ListConversations(ctx, userID, 1)
	if err != nil {
		slog.Warn("Service.StartConversation: listing conversations failed", "userID", userID, "error", err)
	}
	greeting := s.engine.NewConversationGreeting()
	if err == nil && len(existing) == 0 {
		greeting = s.engine.Welcome(req.Name)
	}

	conv, err := s.store.CreateConversation(ctx, userID, req.Title)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	msg := models.Message{Role: models.RoleAssistant, Content: greeting, Timestamp: s.now().UTC()}
	if stored, err := s.store.AppendMessage(ctx, conv.ID, msg); err != nil {
		slog.Error("Service.StartConversation: failed to store greeting", "conversationID", conv.ID, "error", err)
	} else {
		msg = stored
		conv.MessageCount++
		conv.LastMessage = models.Excerpt(greeting)
		conv.LastMessageRole = models.RoleAssistant
		conv.UpdatedAt = stored.Timestamp
	}
	s.saveContext(ctx, conv.ID, state.New())

	slog.Info("Service.StartConversation: conversation started", "conversationID", conv.ID, "userID", userID)
	return &StartResult{Conversation: conv, Greeting: msg}, nil
}

// ListConversations returns the user's most recently updated conversations.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	list, err := s.store.ListConversations(ctx, userID, models.DefaultConversationListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return list, nil
}

// RenameConversation updates the title of a conversation owned by userID.
func (s *Service) RenameConversation(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error) {
	req := models.RenameConversationRequest{Title: strings.TrimSpace(title)}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	conv, err := s.owned(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateConversationTitle(ctx, conversationID, req.Title); err != nil {
		return nil, fmt.Errorf("failed to rename conversation: %w", err)
	}
	conv.Title = req.Title
	return conv, nil
}

// GetMessages returns up to limit recent messages in ascending order.
func (s *Service) GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.Message, error) {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > models.DefaultMessageListLimit {
		limit = models.DefaultMessageListLimit
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// SendMessage processes one user turn. Turns of the same conversation are
// serialized. Persistence failures after ownership is established are logged
// and the reply is still returned.
func (s *Service) SendMessage(ctx context.Context, userID, conversationID, content string) (*SendResult, error) {
	if err := models.ValidateContent(content); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(conversationID)
	defer unlock()

	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	history, err := s.store.ListMessages(ctx, conversationID, models.DefaultMessageListLimit)
	if err != nil {
		slog.Error("Service.SendMessage: failed to load history, continuing without it", "conversationID", conversationID, "error", err)
		history = nil
	}
	cc := s.loadContext(ctx, conversationID)

	userMsg := models.Message{Role: models.RoleUser, Content: content, Timestamp: s.now().UTC()}
	if stored, err := s.store.AppendMessage(ctx, conversationID, userMsg); err != nil {
		slog.Error("Service.SendMessage: failed to store user message", "conversationID", conversationID, "error", err)
	} else {
		userMsg = stored
	}

	reply := s.engine.ProcessMessage(ctx, cc, content, history)

	assistantMsg := models.Message{
		Role:               models.RoleAssistant,
		Content:            reply.Reply,
		Timestamp:          s.now().UTC(),
		IsEmergency:        reply.IsEmergency,
		ResourceSuggestion: reply.ResourceSuggestion,
	}
	if !assistantMsg.Timestamp.After(userMsg.Timestamp) {
		assistantMsg.Timestamp = userMsg.Timestamp.Add(time.Millisecond)
	}
	if stored, err := s.store.AppendMessage(ctx, conversationID, assistantMsg); err != nil {
		slog.Error("Service.SendMessage: failed to store assistant message", "conversationID", conversationID, "error", err)
	} else {
		assistantMsg = stored
	}
	s.saveContext(ctx, conversationID, cc)

	slog.Debug("Service.SendMessage: turn complete", "conversationID", conversationID, "stage", reply.Stage,
		"source", reply.Source, "emergency", reply.IsEmergency)
	return &SendResult{Reply: reply, UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// Insights returns the exported context and sentiment trend of a conversation.
func (s *Service) Insights(ctx context.Context, userID, conversationID string) (*state.Insights, error) {
	if _, err := s.owned(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	insights := s.loadContext(ctx, conversationID).Insights()
	return &insights, nil
}

// owned loads a conversation and checks it belongs to userID.
func (s *Service) owned(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	if userID == "" {
		return nil, models.ErrEmptyUserID
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv == nil {
		return nil, models.ErrConversationNotFound
	}
	if conv.UserID != userID {
		slog.Warn("Service.owned: conversation belongs to another user", "conversationID", conversationID, "userID", userID)
		return nil, models.ErrForbidden
	}
	return conv, nil
}

// loadContext imports the saved context, or resets and saves a fresh one.
func (s *Service) loadContext(ctx context.Context, conversationID string) *state.ConversationContext {
	blob, err := s.store.GetContext(ctx, conversationID)
	if err != nil {
		slog.Error("Service.loadContext: failed to read context, starting fresh", "conversationID", conversationID, "error", err)
		return state.New()
	}
	if blob != nil {
		cc, err := state.Unmarshal(blob)
		if err == nil {
			return cc
		}
		slog.Error("Service.loadContext: stored context is corrupt, resetting", "conversationID", conversationID, "error", err)
	}
	cc := state.New()
	s.saveContext(ctx, conversationID, cc)
	return cc
}

func (s *Service) saveContext(ctx context.Context, conversationID string, cc *state.ConversationContext) {
	blob, err := cc.Marshal()
	if err != nil {
		slog.Error("Service.saveContext: failed to encode context", "conversationID", conversationID, "error", err)
		return
	}
	if err := s.store.SaveContext(ctx, conversationID, blob); err != nil {
		slog.Error("Service.saveContext: failed to save context", "conversationID", conversationID, "error", err)
	}
}

// IsClientError reports whether err is caused by the caller rather than the server.
func IsClientError(err error) bool {
	return errors.Is(err, models.ErrEmptyContent) || errors.Is(err, models.ErrContentTooLong) ||
		errors.Is(err, models.ErrEmptyTitle) || errors.Is(err, models.ErrTitleTooLong) ||
		errors.Is(err, models.ErrEmptyUserID)
}

// conversationLocks hands out one mutex per conversation and drops it once unused.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*refLock)}
}

func (l *conversationLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
