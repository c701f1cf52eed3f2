package store

import (
	"time"
)

// DedupRecord marks one inbound channel message as seen.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo guards the channel bridge against webhook and event redelivery.
type DedupRepo interface {
	// IsDuplicate reports whether a channel message id was already recorded.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a record for messageID. It returns false if the
	// message was already recorded.
	RecordInbound(messageID, sender string) (bool, error)

	// MarkProcessed sets the processed_at timestamp once a reply was produced.
	MarkProcessed(messageID string) error
}
