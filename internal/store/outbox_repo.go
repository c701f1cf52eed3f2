package store

import (
	"time"
)

// OutboxStatus represents the lifecycle state of an outbound channel reply.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxKindReply is the kind used for assistant replies delivered to a channel.
const OutboxKindReply = "reply"

// DefaultOutboxMaxAttempts is the number of send attempts before a message is marked failed.
const DefaultOutboxMaxAttempts = 5

// OutboxMessage is a durable outbound channel message.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"`
	Kind          string       `json:"kind"`
	Body          string       `json:"body"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists replies so that channel delivery survives send failures and restarts.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new message. If dedupeKey is non-empty and
	// a pending message with that key exists, the existing ID is returned.
	EnqueueOutboxMessage(recipient, kind, body, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered to the channel.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure. The message is requeued for
	// nextAttemptAt, or marked failed once maxAttempts is reached.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
