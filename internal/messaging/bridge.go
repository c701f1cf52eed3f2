package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/HavenChat/internal/chat"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/resources"
	"github.com/BTreeMap/HavenChat/internal/responder"
	"github.com/BTreeMap/HavenChat/internal/store"
)

const (
	// UserIDPrefix namespaces channel users apart from API users.
	UserIDPrefix = "phone:"
	// NewConversationCommand starts a fresh conversation from a channel.
	NewConversationCommand = "/new"

	tooLongReply = "Sorry, that message is too long for me to read. Could you send it in shorter parts?"
)

// ChatService is the part of chat.Service the bridge needs.
type ChatService interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	StartConversation(ctx context.Context, userID string, req models.CreateConversationRequest) (*chat.StartResult, error)
	SendMessage(ctx context.Context, userID, conversationID, content string) (*chat.SendResult, error)
}

var _ ChatService = (*chat.Service)(nil)

// BridgeMetrics receives channel traffic events. *metrics.Collector implements it.
type BridgeMetrics interface {
	ObserveChannelMessage(backend, direction, outcome string)
}

// Bridge feeds inbound channel messages to the chat service and sends the
// replies back on the same channel. Each sender maps to a synthetic user
// and continues their most recent conversation.
type Bridge struct {
	svc     Service
	chat    ChatService
	backend string
	dedup   store.DedupRepo
	outbox  store.OutboxRepo
	metrics BridgeMetrics
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithDedup drops inbound messages whose channel id was already recorded.
func WithDedup(repo store.DedupRepo) BridgeOption {
	return func(b *Bridge) { b.dedup = repo }
}

// WithOutbox queues replies in a durable outbox instead of sending inline.
// An OutboxSender using Deliver must run for them to go out.
func WithOutbox(repo store.OutboxRepo) BridgeOption {
	return func(b *Bridge) { b.outbox = repo }
}

// WithBridgeMetrics records channel traffic.
func WithBridgeMetrics(m BridgeMetrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge creates a Bridge. backend names the channel in logs and metrics.
func NewBridge(svc Service, chatSvc ChatService, backend string, opts ...BridgeOption) *Bridge {
	b := &Bridge{svc: svc, chat: chatSvc, backend: backend}
	for _, opt := range opts {
		opt(b)
	}
	slog.Debug("NewBridge: bridge created", "backend", backend, "dedup", b.dedup != nil, "outbox", b.outbox != nil)
	return b
}

// Run processes inbound messages until ctx is done or the service stops.
// Messages are handled one at a time so a sender's turns keep their order.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("Bridge.Run: starting", "backend", b.backend)
	go b.drainReceipts(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Bridge.Run: stopping", "backend", b.backend)
			return ctx.Err()
		case resp, ok := <-b.svc.Responses():
			if !ok {
				slog.Info("Bridge.Run: responses channel closed", "backend", b.backend)
				return nil
			}
			if err := b.Handle(ctx, resp); err != nil {
				slog.Error("Bridge.Run: failed to handle inbound message", "from", resp.From, "id", resp.ID, "error", err)
			}
		}
	}
}

func (b *Bridge) drainReceipts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-b.svc.Receipts():
			if !ok {
				return
			}
			slog.Debug("Bridge.drainReceipts: receipt", "to", r.To, "status", r.Status)
			b.observe("receipt", string(r.Status))
		}
	}
}

// Handle processes one inbound message end to end.
func (b *Bridge) Handle(ctx context.Context, resp models.Response) error {
	sender, err := b.svc.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		b.observe("inbound", "invalid")
		return fmt.Errorf("invalid sender: %w", err)
	}

	if b.dedup != nil && resp.ID != "" {
		isNew, err := b.dedup.RecordInbound(resp.ID, sender)
		if err != nil {
			slog.Warn("Bridge.Handle: dedup record failed, processing anyway", "id", resp.ID, "error", err)
		} else if !isNew {
			slog.Info("Bridge.Handle: duplicate inbound message skipped", "id", resp.ID, "from", sender)
			b.observe("inbound", "duplicate")
			return nil
		}
	}
	b.observe("inbound", "accepted")

	userID := UserIDPrefix + sender
	text := strings.TrimSpace(resp.Body)
	if strings.EqualFold(text, NewConversationCommand) {
		started, err := b.chat.StartConversation(ctx, userID, models.CreateConversationRequest{})
		if err != nil {
			return fmt.Errorf("failed to start conversation: %w", err)
		}
		return b.finish(ctx, resp, sender, started.Greeting.Content)
	}

	conv, greeting, err := b.conversationFor(ctx, userID)
	if err != nil {
		return err
	}
	if greeting != "" {
		if err := b.deliver(ctx, sender, greeting, dedupeKey("greeting", resp.ID)); err != nil {
			slog.Error("Bridge.Handle: failed to send greeting", "to", sender, "error", err)
		}
	}

	result, err := b.chat.SendMessage(ctx, userID, conv.ID, text)
	switch {
	case errors.Is(err, models.ErrEmptyContent):
		b.markProcessed(resp.ID)
		return nil
	case errors.Is(err, models.ErrContentTooLong):
		return b.finish(ctx, resp, sender, tooLongReply)
	case err != nil:
		slog.Error("Bridge.Handle: chat failed", "userID", userID, "conversationID", conv.ID, "error", err)
		return b.finish(ctx, resp, sender, responder.TroubleConnectingReply)
	}
	return b.finish(ctx, resp, sender, FormatReply(result.Reply))
}

// conversationFor returns the sender's latest conversation, starting one and
// returning its greeting when none exists.
func (b *Bridge) conversationFor(ctx context.Context, userID string) (models.Conversation, string, error) {
	list, err := b.chat.ListConversations(ctx, userID)
	if err != nil {
		return models.Conversation{}, "", fmt.Errorf("failed to list conversations: %w", err)
	}
	if len(list) > 0 {
		return list[0], "", nil
	}
	started, err := b.chat.StartConversation(ctx, userID, models.CreateConversationRequest{})
	if err != nil {
		return models.Conversation{}, "", fmt.Errorf("failed to start conversation: %w", err)
	}
	slog.Info("Bridge.conversationFor: started conversation for new sender", "userID", userID, "conversationID", started.Conversation.ID)
	return started.Conversation, started.Greeting.Content, nil
}

func (b *Bridge) finish(ctx context.Context, resp models.Response, sender, body string) error {
	if err := b.deliver(ctx, sender, body, dedupeKey("reply", resp.ID)); err != nil {
		return err
	}
	b.markProcessed(resp.ID)
	return nil
}

func (b *Bridge) markProcessed(id string) {
	if b.dedup == nil || id == "" {
		return
	}
	if err := b.dedup.MarkProcessed(id); err != nil {
		slog.Warn("Bridge.markProcessed: failed", "id", id, "error", err)
	}
}

// deliver queues body in the outbox when configured, otherwise sends it now.
func (b *Bridge) deliver(ctx context.Context, to, body, key string) error {
	if b.outbox != nil {
		id, err := b.outbox.EnqueueOutboxMessage(to, store.OutboxKindReply, body, key)
		if err != nil {
			b.observe("outbound", "enqueue_failed")
			return fmt.Errorf("failed to enqueue reply: %w", err)
		}
		slog.Debug("Bridge.deliver: reply queued", "to", to, "outboxID", id)
		b.observe("outbound", "queued")
		return nil
	}
	if err := b.svc.SendMessage(ctx, to, body); err != nil {
		b.observe("outbound", "failed")
		return fmt.Errorf("failed to send reply: %w", err)
	}
	b.observe("outbound", "sent")
	return nil
}

// Deliver sends one outbox message on the channel. It is the send function
// for store.OutboxSender.
func (b *Bridge) Deliver(ctx context.Context, msg store.OutboxMessage) error {
	if err := b.svc.SendMessage(ctx, msg.Recipient, msg.Body); err != nil {
		b.observe("outbound", "failed")
		return err
	}
	b.observe("outbound", "sent")
	return nil
}

func (b *Bridge) observe(direction, outcome string) {
	if b.metrics != nil {
		b.metrics.ObserveChannelMessage(b.backend, direction, outcome)
	}
}

func dedupeKey(kind, messageID string) string {
	if messageID == "" {
		return ""
	}
	return kind + ":" + messageID
}

// FormatReply renders a reply for a plain text channel, listing any attached
// resources after the text.
func FormatReply(r responder.Reply) string {
	if len(r.Resources) == 0 {
		return r.Reply
	}
	var b strings.Builder
	b.WriteString(r.Reply)
	b.WriteString("\n\n")
	if s := r.ResourceSuggestion; s != nil && s.Introduction != "" && !strings.Contains(r.Reply, s.Introduction) {
		b.WriteString(s.Introduction)
		b.WriteString("\n")
	}
	lines := make([]string, 0, len(r.Resources))
	for _, res := range r.Resources {
		lines = append(lines, resources.FormatForDisplay([]resources.Resource{res}, res.Category))
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
