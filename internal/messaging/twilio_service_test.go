package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/twiliowhatsapp"
)

func postWebhook(t *testing.T, svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	return rr
}

func TestTwilioService_ValidateAndCanonicalizeRecipient(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"whatsapp:+15551234567", "15551234567", false},
		{"+1 (555) 123-4567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"+123", "", true},
	}
	for _, tt := range tests {
		got, err := svc.ValidateAndCanonicalizeRecipient(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ValidateAndCanonicalizeRecipient(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	if err := svc.SendMessage(context.Background(), "whatsapp:+15551234567", "Hi from Twilio!"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if sent := mock.Sent(); len(sent) != 1 || sent[0].To != "15551234567" {
		t.Errorf("unexpected sent messages %+v", sent)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent {
		t.Errorf("expected sent receipt, got %+v", r)
	}

	mock.Fail = true
	if err := svc.SendMessage(context.Background(), "15551234567", "x"); !errors.Is(err, twiliowhatsapp.ErrMockSendFailed) {
		t.Errorf("expected client error, got %v", err)
	}

	_ = svc.Stop()
	if err := svc.SendMessage(context.Background(), "15551234567", "x"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	rr := postWebhook(t, svc, url.Values{"From": {"whatsapp:+15551234567"}}, "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing body: expected 400, got %d", rr.Code)
	}

	rr = postWebhook(t, svc, url.Values{
		"From":       {"whatsapp:+15551234567"},
		"Body":       {"hello"},
		"MessageSid": {"SM123"},
	}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := <-svc.Responses()
	if resp.ID != "SM123" || resp.From != "whatsapp:+15551234567" || resp.Body != "hello" {
		t.Errorf("unexpected response %+v", resp)
	}

	_ = svc.Stop()
	rr = postWebhook(t, svc, url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"late"}}, "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("after stop: expected 503, got %d", rr.Code)
	}
}

func TestTwilioWebhookHandler_SignatureValidation(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(),
		WithSignatureValidation("auth-token", "https://haven.example.com/webhooks/twilio"))

	rr := postWebhook(t, svc, url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi"}}, "bogus")
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rr.Code)
	}
	select {
	case resp := <-svc.Responses():
		t.Errorf("expected nothing emitted, got %+v", resp)
	default:
	}
}
