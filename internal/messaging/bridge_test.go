package messaging

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/HavenChat/internal/chat"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/responder"
	"github.com/BTreeMap/HavenChat/internal/store"
	"github.com/BTreeMap/HavenChat/internal/twiliowhatsapp"
)

type recordingMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMetrics) ObserveChannelMessage(backend, direction, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, backend+"/"+direction+"/"+outcome)
}

func (m *recordingMetrics) count(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e == event {
			n++
		}
	}
	return n
}

type bridgeFixture struct {
	bridge  *Bridge
	svc     *TwilioService
	mock    *twiliowhatsapp.MockClient
	store   *store.InMemoryStore
	chat    *chat.Service
	metrics *recordingMetrics
}

func newBridgeFixture(t *testing.T, opts ...BridgeOption) *bridgeFixture {
	t.Helper()
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	st := store.NewInMemoryStore()
	chatSvc := chat.NewService(st, responder.NewEngine())
	met := &recordingMetrics{}
	opts = append([]BridgeOption{WithDedup(st), WithBridgeMetrics(met)}, opts...)
	return &bridgeFixture{
		bridge:  NewBridge(svc, chatSvc, "twilio", opts...),
		svc:     svc,
		mock:    mock,
		store:   st,
		chat:    chatSvc,
		metrics: met,
	}
}

func inbound(id, body string) models.Response {
	return models.Response{ID: id, From: "whatsapp:+15551234567", Body: body, Time: time.Now().Unix()}
}

func TestBridge_FirstContactGreetsAndReplies(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if err := f.bridge.Handle(ctx, inbound("SM1", "I feel so alone and nobody understands me")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sent := f.mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected greeting and reply, got %+v", sent)
	}
	if !strings.HasPrefix(sent[0].Body, "Hello there!") {
		t.Errorf("expected welcome greeting first, got %q", sent[0].Body)
	}
	for _, m := range sent {
		if m.To != "15551234567" {
			t.Errorf("expected canonical recipient, got %q", m.To)
		}
	}

	convs, err := f.chat.ListConversations(ctx, "phone:15551234567")
	if err != nil || len(convs) != 1 {
		t.Fatalf("expected one conversation for sender, got %v, %v", convs, err)
	}
	if convs[0].MessageCount != 3 {
		t.Errorf("expected greeting, user and assistant messages, got %d", convs[0].MessageCount)
	}

	// Second turn continues the same conversation and earns a community suggestion.
	if err := f.bridge.Handle(ctx, inbound("SM2", "I feel so alone and nobody understands me")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sent = f.mock.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected one more reply, got %d messages", len(sent))
	}
	if !strings.Contains(sent[2].Body, "• ") {
		t.Errorf("expected formatted community resources, got %q", sent[2].Body)
	}
	convs, _ = f.chat.ListConversations(ctx, "phone:15551234567")
	if len(convs) != 1 {
		t.Errorf("expected the conversation to be reused, got %d", len(convs))
	}
	if f.metrics.count("twilio/inbound/accepted") != 2 || f.metrics.count("twilio/outbound/sent") != 3 {
		t.Errorf("unexpected metrics %v", f.metrics.events)
	}
}

func TestBridge_DuplicateSkipped(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	msg := inbound("SM-dup", "hello")

	if err := f.bridge.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	before := len(f.mock.Sent())
	if err := f.bridge.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle duplicate failed: %v", err)
	}
	if after := len(f.mock.Sent()); after != before {
		t.Errorf("expected duplicate to be skipped, sent %d more", after-before)
	}
	if f.metrics.count("twilio/inbound/duplicate") != 1 {
		t.Errorf("expected duplicate metric, got %v", f.metrics.events)
	}
}

func TestBridge_CrisisIncludesHotlines(t *testing.T) {
	f := newBridgeFixture(t)
	if err := f.bridge.Handle(context.Background(), inbound("SM3", "I want to kill myself")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sent := f.mock.Sent()
	reply := sent[len(sent)-1].Body
	if !strings.Contains(reply, "deeply concerned") || !strings.Contains(reply, "• ") {
		t.Errorf("expected crisis message with hotline list, got %q", reply)
	}
}

func TestBridge_NewConversationCommand(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()
	_ = f.bridge.Handle(ctx, inbound("SM4", "hi"))

	if err := f.bridge.Handle(ctx, inbound("SM5", " /NEW ")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sent := f.mock.Sent()
	if got := sent[len(sent)-1].Body; got != "Hello again! How can I help you today?" {
		t.Errorf("expected new conversation greeting, got %q", got)
	}
	convs, _ := f.chat.ListConversations(ctx, "phone:15551234567")
	if len(convs) != 2 {
		t.Errorf("expected a second conversation, got %d", len(convs))
	}
}

func TestBridge_Errors(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	if err := f.bridge.Handle(ctx, models.Response{From: "abc", Body: "hi"}); err == nil {
		t.Error("expected invalid sender error")
	}

	long := strings.Repeat("a", models.MaxMessageLength+1)
	if err := f.bridge.Handle(ctx, inbound("SM6", long)); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	sent := f.mock.Sent()
	if sent[len(sent)-1].Body != tooLongReply {
		t.Errorf("expected too-long reply, got %q", sent[len(sent)-1].Body)
	}

	f.mock.Fail = true
	if err := f.bridge.Handle(ctx, inbound("SM7", "hello")); !errors.Is(err, twiliowhatsapp.ErrMockSendFailed) {
		t.Errorf("expected send failure, got %v", err)
	}
}

func TestBridge_OutboxDelivery(t *testing.T) {
	sqlite, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "bridge.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer sqlite.Close()

	f := newBridgeFixture(t, WithDedup(sqlite.DedupRepo()), WithOutbox(sqlite.OutboxRepo()))
	ctx := context.Background()
	if err := f.bridge.Handle(ctx, inbound("SM8", "work has me so stressed")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(f.mock.Sent()) != 0 {
		t.Fatal("expected replies to be queued, not sent inline")
	}

	sender := store.NewOutboxSender(sqlite.OutboxRepo(), f.bridge.Deliver, time.Hour)
	if n := sender.Poll(ctx); n != 2 {
		t.Fatalf("expected greeting and reply delivered, got %d", n)
	}
	if len(f.mock.Sent()) != 2 {
		t.Errorf("expected 2 channel messages, got %d", len(f.mock.Sent()))
	}
	if dup, _ := sqlite.IsDuplicate("SM8"); !dup {
		t.Error("expected inbound message to be recorded")
	}
}

func TestBridge_RunProcessesWebhookTraffic(t *testing.T) {
	f := newBridgeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.bridge.Run(ctx) }()

	rr := postWebhook(t, f.svc, url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"hello"},
		"MessageSid": {"SM9"},
	}, "")
	if rr.Code != 200 {
		t.Fatalf("webhook returned %d", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.mock.Sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(f.mock.Sent()) != 2 {
		t.Fatalf("expected greeting and reply, got %d", len(f.mock.Sent()))
	}

	_ = f.svc.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil after channel close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestFormatReply(t *testing.T) {
	plain := responder.Reply{Reply: "I'm here with you."}
	if FormatReply(plain) != plain.Reply {
		t.Errorf("expected plain reply unchanged")
	}

	withResources := responder.Reply{
		Reply: "Have you thought about a group?",
		Resources: []models.Resource{
			{ID: "com-1", Category: models.ResourceCommunity, Name: "Peer Circle", Description: "Weekly meetups"},
		},
		ResourceSuggestion: &models.ResourceSuggestion{Introduction: "These groups might help:", Type: models.ResourceCommunity},
	}
	got := FormatReply(withResources)
	if !strings.HasPrefix(got, withResources.Reply+"\n\nThese groups might help:\n• ") {
		t.Errorf("unexpected layout %q", got)
	}
	if !strings.Contains(got, "Weekly meetups") {
		t.Errorf("expected resource description, got %q", got)
	}
}
