package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	userIDKey
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	// UserIDHeader identifies the caller when no JWT secret is configured.
	UserIDHeader = "X-User-ID"

	maxRequestIDLength = 128
	limiterIdleTTL     = 10 * time.Minute
)

// RequestIDFromContext returns the id assigned by the request id middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// UserIDFromContext returns the authenticated user id.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// withRequestID reuses a client supplied X-Request-ID when it is short enough,
// otherwise it assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// HTTPMetrics records served requests. *metrics.Collector implements it.
type HTTPMetrics interface {
	RecordHTTPRequest(method, route string, statusCode int, d time.Duration)
}

// withMetrics records each request under its mux pattern, which the mux sets
// on the request it is handed.
func withMetrics(m HTTPMetrics, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
		slog.Debug("Server.withMetrics: request served", "method", r.Method, "route", route,
			"status", rec.status, "duration", time.Since(start), "requestID", RequestIDFromContext(r.Context()))
	})
}

type keyedLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore holds one token bucket per caller key. Idle buckets are
// swept lazily on access.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*keyedLimiter
	r         rate.Limit
	b         int
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiterStore(requestsPerMinute int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*keyedLimiter),
		r:        rate.Limit(float64(requestsPerMinute) / 60.0),
		b:        requestsPerMinute,
		now:      time.Now,
	}
}

// reserve takes a token for key. It returns how long to wait when none is left.
func (s *rateLimiterStore) reserve(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, l := range s.limiters {
			if now.Sub(l.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}
	l, ok := s.limiters[key]
	if !ok {
		l = &keyedLimiter{limiter: rate.NewLimiter(s.r, s.b)}
		s.limiters[key] = l
	}
	l.lastSeen = now
	reservation := l.limiter.ReserveN(now, 1)
	if d := reservation.DelayFrom(now); d > 0 {
		reservation.CancelAt(now)
		return d, false
	}
	return 0, true
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// withRateLimit limits each caller by the key keyFn derives from the request.
func withRateLimit(store *rateLimiterStore, keyFn func(*http.Request) string, next http.Handler) http.Handler {
	if store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		if wait, ok := store.reserve(key); !ok {
			retryAfter := int(math.Ceil(wait.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			slog.Warn("Server.withRateLimit: rate limit exceeded", "path", r.URL.Path, "retryAfter", retryAfter,
				"requestID", RequestIDFromContext(r.Context()))
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSONResponse(w, http.StatusTooManyRequests, models.Error("Rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitKey keys a request by the subject of a verified bearer token, or
// by client IP. Unverified headers never select the bucket.
func (s *Server) rateLimitKey(r *http.Request) string {
	if len(s.auth.secret) > 0 {
		if sub, err := s.auth.userID(r); err == nil {
			return "user:" + sub
		}
	}
	return "ip:" + clientIP(r, s.trustedProxies)
}

// parseTrustedProxies accepts CIDR prefixes and bare addresses. Invalid
// entries are logged and skipped.
func parseTrustedProxies(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		if addr, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		slog.Warn("api.parseTrustedProxies: ignoring invalid entry", "entry", entry)
	}
	return out
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address. Proxy headers are honored only when the
// peer is a trusted proxy; X-Forwarded-For is walked right to left and the
// first untrusted hop is the client.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			if !isTrusted(hop, trusted) {
				return hop.Unmap().String()
			}
		}
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap().String()
	}
	return host
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

var errUnauthorized = errors.New("unauthorized")

// authenticator resolves the caller's user id. With a secret it requires an
// HS256 bearer token whose sub claim is the user id. Without one it trusts
// the X-User-ID header, which is meant for local development only.
type authenticator struct {
	secret []byte
}

func (a *authenticator) userID(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
			return id, nil
		}
		return "", errUnauthorized
	}
	tokenStr, ok := bearerToken(r)
	if !ok {
		return "", errUnauthorized
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", errUnauthorized)
	}
	return sub, nil
}

// requireAuth rejects unauthenticated requests with 401.
func (a *authenticator) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.userID(r)
		if err != nil {
			slog.Debug("Server.requireAuth: rejected", "path", r.URL.Path, "error", err,
				"requestID", RequestIDFromContext(r.Context()))
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}
