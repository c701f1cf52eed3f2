package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/HavenChat/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, user_id, title, created_at, updated_at, message_count, last_message, last_message_role`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var role string
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount, &c.LastMessage, &role)
	if err != nil {
		return c, err
	}
	c.LastMessageRole = models.Role(role)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

const messageColumns = `id, conversation_id, role, content, timestamp, is_emergency, resource_suggestion`

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var role string
	var suggestion sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Timestamp, &m.IsEmergency, &suggestion); err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.Role = models.Role(role)
	m.Timestamp = m.Timestamp.UTC()
	if suggestion.Valid && suggestion.String != "" {
		var rs models.ResourceSuggestion
		if err := json.Unmarshal([]byte(suggestion.String), &rs); err != nil {
			return m, fmt.Errorf("decode resource suggestion for message %s: %w", m.ID, err)
		}
		m.ResourceSuggestion = &rs
	}
	return m, nil
}

// encodeSuggestion returns the JSON column value for a message's resource suggestion.
func encodeSuggestion(rs *models.ResourceSuggestion) (interface{}, error) {
	if rs == nil {
		return nil, nil
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode resource suggestion: %w", err)
	}
	return string(b), nil
}

func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &m.Body, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// reverseMessages flips a newest-first page into ascending order.
func reverseMessages(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
