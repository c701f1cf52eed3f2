package models

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{"valid", "I had a rough day", nil},
		{"empty", "", ErrEmptyContent},
		{"whitespace only", "   \n\t", ErrEmptyContent},
		{"too long", strings.Repeat("a", MaxMessageLength+1), ErrContentTooLong},
		{"at limit", strings.Repeat("a", MaxMessageLength), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateContent() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateConversationRequestAllowsEmptyTitle(t *testing.T) {
	req := CreateConversationRequest{}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected empty title to be accepted, got %v", err)
	}
	req.Title = strings.Repeat("t", MaxTitleLength+1)
	if err := req.Validate(); !errors.Is(err, ErrTitleTooLong) {
		t.Errorf("expected ErrTitleTooLong, got %v", err)
	}
}

func TestRenameConversationRequestRequiresTitle(t *testing.T) {
	req := RenameConversationRequest{Title: "  "}
	if err := req.Validate(); !errors.Is(err, ErrEmptyTitle) {
		t.Errorf("expected ErrEmptyTitle, got %v", err)
	}
}

func TestMessageValidateRole(t *testing.T) {
	m := Message{Role: "system", Content: "hi"}
	if err := m.Validate(); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
	m.Role = RoleAssistant
	if err := m.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExcerptTruncatesByRune(t *testing.T) {
	long := strings.Repeat("ɛ", LastMessageExcerptLength+20)
	got := Excerpt(long)
	if n := utf8.RuneCountInString(got); n != LastMessageExcerptLength {
		t.Errorf("expected %d runes, got %d", LastMessageExcerptLength, n)
	}
	if Excerpt("  short  ") != "short" {
		t.Errorf("expected trimmed excerpt, got %q", Excerpt("  short  "))
	}
}

func TestErrorResponse(t *testing.T) {
	resp := Error("boom")
	if resp.Status != string(APIStatusError) || resp.Message != "boom" || resp.Result != nil {
		t.Errorf("unexpected error response: %+v", resp)
	}
	ok := SuccessWithMessage("done", 3)
	if ok.Status != string(APIStatusOK) || ok.Message != "done" || ok.Result != 3 {
		t.Errorf("unexpected success response: %+v", ok)
	}
}

func TestResourceDisplayName(t *testing.T) {
	if got := (Resource{Name: "Dr. A", Title: "Psychologist"}).DisplayName(); got != "Dr. A" {
		t.Errorf("expected name, got %q", got)
	}
	if got := (Resource{Title: "Guide"}).DisplayName(); got != "Guide" {
		t.Errorf("expected title, got %q", got)
	}
	if IsValidResourceCategory("podcasts") {
		t.Error("unexpected valid category")
	}
}
