// Package models defines the core data structures for HavenChat.
//
// It includes conversations, messages, resource records and the API envelope
// types that are shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message written by the person seeking support.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the response engine.
	RoleAssistant Role = "assistant"
)

// IsValidRole checks if the given role is supported.
func IsValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Validation and paging constants
const (
	// DefaultConversationTitle is used when a conversation is created without a title.
	DefaultConversationTitle = "New Conversation"
	// MaxMessageLength defines the maximum allowed length for a user message in bytes
	MaxMessageLength = 4096
	// MaxTitleLength defines the maximum allowed length for a conversation title
	MaxTitleLength = 120
	// LastMessageExcerptLength is the number of runes kept in Conversation.LastMessage
	LastMessageExcerptLength = 100
	// DefaultConversationListLimit is the default page size for conversation listings
	DefaultConversationListLimit = 20
	// DefaultMessageListLimit is the default page size for message history
	DefaultMessageListLimit = 100
)

// Error variables for better error handling and testability
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrForbidden            = errors.New("conversation belongs to another user")
	ErrEmptyUserID          = errors.New("user id cannot be empty")
	ErrEmptyContent         = errors.New("message content cannot be empty")
	ErrContentTooLong       = errors.New("message content exceeds maximum length")
	ErrEmptyTitle           = errors.New("title cannot be empty")
	ErrTitleTooLong         = errors.New("title exceeds maximum length")
	ErrInvalidRole          = errors.New("invalid message role")
)

// Message is a single chat turn. Messages are immutable once appended to a conversation.
type Message struct {
	ID                 string              `json:"id"`
	ConversationID     string              `json:"conversation_id"`
	Role               Role                `json:"role"`
	Content            string              `json:"content"`
	Timestamp          time.Time           `json:"timestamp"`
	IsEmergency        bool                `json:"is_emergency,omitempty"`
	ResourceSuggestion *ResourceSuggestion `json:"resource_suggestion,omitempty"`
}

// Validate checks the message role and content.
func (m *Message) Validate() error {
	if !IsValidRole(m.Role) {
		return ErrInvalidRole
	}
	return ValidateContent(m.Content)
}

// Conversation holds the metadata of a chat thread owned by one user.
type Conversation struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	MessageCount    int       `json:"message_count"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageRole Role      `json:"last_message_role,omitempty"`
}

// Excerpt shortens content to LastMessageExcerptLength runes for conversation listings.
func Excerpt(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= LastMessageExcerptLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:LastMessageExcerptLength])
}

// ValidateContent checks that user supplied message content is present and bounded.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxMessageLength {
		return ErrContentTooLong
	}
	return nil
}

// ValidateTitle checks a conversation title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	return nil
}

// CreateConversationRequest represents the payload for starting a conversation.
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
	// Name is the display name used in the first-conversation welcome.
	Name string `json:"name,omitempty"`
}

// Validate validates a CreateConversationRequest. An empty title is allowed and replaced by the default.
func (r *CreateConversationRequest) Validate() error {
	if r.Title == "" {
		return nil
	}
	return ValidateTitle(r.Title)
}

// RenameConversationRequest represents the payload for updating a conversation title.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// Validate validates a RenameConversationRequest.
func (r *RenameConversationRequest) Validate() error {
	return ValidateTitle(r.Title)
}

// SendMessageRequest represents the payload for posting a user message.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// Validate validates a SendMessageRequest.
func (r *SendMessageRequest) Validate() error {
	return ValidateContent(r.Content)
}

// MessageStatus represents the delivery status of an outbound channel message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event reported by a messaging channel.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming text received on a messaging channel. ID is
// the channel's message id and is empty when the channel does not provide one.
type Response struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}
