package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSQLiteStore_DedupRepo(t *testing.T) {
	s := newTestSQLiteStore(t)

	dup, err := s.IsDuplicate("SM123")
	if err != nil || dup {
		t.Fatalf("IsDuplicate before record = %v, %v", dup, err)
	}
	isNew, err := s.RecordInbound("SM123", "+233201234567")
	if err != nil || !isNew {
		t.Fatalf("RecordInbound first = %v, %v", isNew, err)
	}
	isNew, err = s.RecordInbound("SM123", "+233201234567")
	if err != nil || isNew {
		t.Fatalf("RecordInbound duplicate = %v, %v", isNew, err)
	}
	if err := s.MarkProcessed("SM123"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	dup, _ = s.IsDuplicate("SM123")
	if !dup {
		t.Error("expected duplicate after record")
	}
}

func TestDedupQueries_Placeholders(t *testing.T) {
	tests := []struct {
		name    string
		q       dedupQueries
		want    string
		foreign string
	}{
		{"sqlite", sqliteDedupQueries, "?", "$1"},
		{"postgres", postgresDedupQueries, "$1", "?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, stmt := range []string{tt.q.exists, tt.q.insert, tt.q.markProcessed} {
				if !strings.Contains(stmt, tt.want) || strings.Contains(stmt, tt.foreign) {
					t.Errorf("statement %q uses the wrong placeholder style", stmt)
				}
			}
		})
	}
}

func TestInMemoryStore_DedupRepo(t *testing.T) {
	s := NewInMemoryStore()
	if isNew, _ := s.RecordInbound("wa-1", "alice"); !isNew {
		t.Error("expected first record to be new")
	}
	if isNew, _ := s.RecordInbound("wa-1", "alice"); isNew {
		t.Error("expected second record to be a duplicate")
	}
	if err := s.MarkProcessed("wa-1"); err != nil {
		t.Errorf("MarkProcessed failed: %v", err)
	}
	if err := s.MarkProcessed("missing"); err == nil {
		t.Error("expected error for unknown message")
	}
}

func TestDedupRepoRestartSafety(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if isNew, err := s1.RecordInbound("msg-restart-1", "+15550001"); err != nil || !isNew {
		t.Fatalf("RecordInbound = %v, %v", isNew, err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()
	if isNew, _ := s2.RecordInbound("msg-restart-1", "+15550001"); isNew {
		t.Error("expected duplicate after restart")
	}
}

func TestSQLiteStore_OutboxDedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	id1, err := s.EnqueueOutboxMessage("+15550001", OutboxKindReply, "hello", "reply:SM1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	id2, err := s.EnqueueOutboxMessage("+15550001", OutboxKindReply, "hello", "reply:SM1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage duplicate failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected dedupe to return %s, got %s", id1, id2)
	}
	id3, _ := s.EnqueueOutboxMessage("+15550001", OutboxKindReply, "again", "")
	if id3 == id1 {
		t.Error("expected a new id without dedupe key")
	}
}

func TestOutboxSender_DeliversAndRetries(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	okID, _ := s.EnqueueOutboxMessage("+15550001", OutboxKindReply, "fine", "")
	badID, _ := s.EnqueueOutboxMessage("+15550002", OutboxKindReply, "broken", "")

	var bodies []string
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		if msg.Recipient == "+15550002" {
			return errors.New("channel down")
		}
		bodies = append(bodies, msg.Body)
		return nil
	}, time.Hour)

	if sent := sender.Poll(ctx); sent != 1 {
		t.Fatalf("Poll sent %d, want 1", sent)
	}
	if len(bodies) != 1 || bodies[0] != "fine" {
		t.Errorf("unexpected deliveries %v", bodies)
	}

	ok, _ := s.getOutboxMessage(okID)
	if ok.Status != OutboxStatusSent {
		t.Errorf("expected sent, got %s", ok.Status)
	}
	bad, _ := s.getOutboxMessage(badID)
	if bad.Status != OutboxStatusQueued || bad.Attempts != 1 || bad.LastError != "channel down" {
		t.Errorf("unexpected failed message state %+v", bad)
	}
	if bad.NextAttemptAt == nil || !bad.NextAttemptAt.After(time.Now()) {
		t.Errorf("expected retry in the future, got %v", bad.NextAttemptAt)
	}

	// Not due yet.
	if sent := sender.Poll(ctx); sent != 0 {
		t.Errorf("expected nothing due, sent %d", sent)
	}
}

func TestSQLiteStore_FailOutboxMessageGivesUp(t *testing.T) {
	s := newTestSQLiteStore(t)
	id, _ := s.EnqueueOutboxMessage("+15550003", OutboxKindReply, "x", "")
	for i := 0; i < 2; i++ {
		if err := s.FailOutboxMessage(id, "boom", time.Now(), 2); err != nil {
			t.Fatalf("FailOutboxMessage failed: %v", err)
		}
	}
	m, _ := s.getOutboxMessage(id)
	if m.Status != OutboxStatusFailed || m.Attempts != 2 {
		t.Errorf("expected failed after max attempts, got %+v", m)
	}
}

func TestOutboxSenderRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage("+15550001", OutboxKindReply, "Hello!", "outbox-restart"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	msgs, err := s1.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimDueOutboxMessages = %d, %v", len(msgs), err)
	}
	if msgs[0].Status != OutboxStatusSending {
		t.Errorf("expected status sending, got %q", msgs[0].Status)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	n, err := s2.RequeueStaleSendingMessages(time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RequeueStaleSendingMessages = %d, %v", n, err)
	}

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := sender.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v", err)
	}
	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected 1 send after recovery, got %d", atomic.LoadInt32(&sent))
	}
}
