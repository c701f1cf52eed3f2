package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/HavenChat/internal/testutil"
)

func TestRequestID(t *testing.T) {
	var seen string
	h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rr.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected generated id echoed, got context %q header %q", seen, rr.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "abc-123" || rr.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("expected client id reused, got %q", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) > maxRequestIDLength {
		t.Error("expected oversized client id to be replaced")
	}
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, WithRateLimit(3), WithJWTSecret(testSecret)).Handler()
	send := func(sub string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, sub))
		return testutil.Serve(h, req)
	}

	for i := 0; i < 3; i++ {
		if rr := send("user-1"); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := send("user-1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rr.Code)
	}
	env := testutil.DecodeEnvelope(t, rr)
	if rr.Header().Get("Retry-After") == "" || env.Status != "error" {
		t.Errorf("expected Retry-After and error envelope, got %q %+v", rr.Header().Get("Retry-After"), env)
	}

	// Other verified users have their own bucket.
	if rr := send("user-2"); rr.Code != http.StatusOK {
		t.Errorf("expected separate budget for another user, got %d", rr.Code)
	}
}

func TestRateLimit_UnverifiedHeadersShareBucket(t *testing.T) {
	h := newTestServer(t, WithRateLimit(2), WithJWTSecret(testSecret)).Handler()
	headers := []map[string]string{
		{UserIDHeader: "a"},
		{"Authorization": "Bearer forged-1"},
		{"X-Forwarded-For": "198.51.100.9", "X-Real-IP": "198.51.100.10"},
	}
	var last int
	for _, hdr := range headers {
		req := httptest.NewRequest(http.MethodGet, "/welcome", nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		last = testutil.Serve(h, req).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("expected rotating headers to share the peer's bucket, got %d", last)
	}
}

func TestRateLimiterStore_SweepsIdleKeys(t *testing.T) {
	s := newRateLimiterStore(60)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.reserve("a")
	s.reserve("b")
	if s.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", s.size())
	}

	now = now.Add(limiterIdleTTL + time.Minute)
	s.reserve("c")
	if s.size() != 1 {
		t.Errorf("expected idle limiters swept, got %d", s.size())
	}
}

func TestRateLimitKey(t *testing.T) {
	s := newTestServer(t, WithJWTSecret(testSecret), WithTrustedProxies("10.0.0.0/8", "192.0.2.50", "not-an-ip"))
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"verified bearer", map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, "u1")}, "203.0.113.1:1", "user:u1"},
		{"forged bearer", map[string]string{"Authorization": "Bearer tok"}, "203.0.113.1:1", "ip:203.0.113.1"},
		{"user header", map[string]string{UserIDHeader: "u1"}, "203.0.113.1:1", "ip:203.0.113.1"},
		{"untrusted peer forwarded", map[string]string{"X-Forwarded-For": "198.51.100.2"}, "203.0.113.1:1", "ip:203.0.113.1"},
		{"untrusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "203.0.113.1:1", "ip:203.0.113.1"},
		{"trusted peer forwarded", map[string]string{"X-Forwarded-For": "198.51.100.2, 10.1.1.1"}, "10.0.0.1:1234", "ip:198.51.100.2"},
		{"spoofed leftmost hop", map[string]string{"X-Forwarded-For": "1.1.1.1, 198.51.100.2"}, "10.0.0.1:1234", "ip:198.51.100.2"},
		{"trusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.3"}, "192.0.2.50:80", "ip:198.51.100.3"},
		{"trusted peer no headers", nil, "10.0.0.1:1234", "ip:10.0.0.1"},
		{"remote addr", nil, "192.0.2.7:5555", "ip:192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := s.rateLimitKey(req); got != tt.want {
				t.Errorf("rateLimitKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitKey_DevModeUsesIP(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set(UserIDHeader, "u1")
	if got := s.rateLimitKey(req); got != "ip:192.0.2.7" {
		t.Errorf("rateLimitKey() = %q, want ip key", got)
	}
}
