// Package api serves the HavenChat HTTP/JSON API.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/BTreeMap/HavenChat/internal/chat"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/resources"
	"github.com/BTreeMap/HavenChat/internal/state"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultRateLimitRPM is the default per-caller request budget per minute.
	DefaultRateLimitRPM = 60
	// DefaultMaxBodyBytes bounds JSON request bodies.
	DefaultMaxBodyBytes int64 = 64 << 10

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// ChatService is the conversation surface used by the handlers. *chat.Service implements it.
type ChatService interface {
	Welcome(name string) string
	StartConversation(ctx context.Context, userID string, req models.CreateConversationRequest) (*chat.StartResult, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, userID, conversationID, title string) (*models.Conversation, error)
	GetMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.Message, error)
	SendMessage(ctx context.Context, userID, conversationID, content string) (*chat.SendResult, error)
	Insights(ctx context.Context, userID, conversationID string) (*state.Insights, error)
}

var _ ChatService = (*chat.Service)(nil)

// MetricsProvider exposes the Prometheus handler and records HTTP traffic.
// *metrics.Collector implements it.
type MetricsProvider interface {
	HTTPMetrics
	Handler() http.Handler
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	JWTSecret     string
	RateLimitRPM  int
	MaxBodyBytes  int64
	Metrics       MetricsProvider
	Catalog       *resources.Catalog
	TwilioWebhook http.HandlerFunc

	// TrustedProxies lists CIDRs or addresses whose forwarding headers are honored.
	TrustedProxies []string
}

// Option defines a function type for configuring the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithJWTSecret enables bearer token authentication.
func WithJWTSecret(secret string) Option {
	return func(o *Opts) { o.JWTSecret = secret }
}

// WithRateLimit sets the per-caller request budget per minute. Zero or less disables limiting.
func WithRateLimit(rpm int) Option {
	return func(o *Opts) { o.RateLimitRPM = rpm }
}

// WithMaxBodyBytes bounds JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) { o.MaxBodyBytes = n }
}

// WithMetrics records HTTP metrics and serves /metrics.
func WithMetrics(m MetricsProvider) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithCatalog sets the catalog served on /resources.
func WithCatalog(c *resources.Catalog) Option {
	return func(o *Opts) { o.Catalog = c }
}

// WithTwilioWebhook mounts the inbound Twilio handler on /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// WithTrustedProxies sets the reverse proxies allowed to report client IPs.
func WithTrustedProxies(entries ...string) Option {
	return func(o *Opts) { o.TrustedProxies = entries }
}

// Server holds the HTTP routes and their dependencies.
type Server struct {
	chat    ChatService
	opts    Opts
	auth    *authenticator
	limiter *rateLimiterStore

	trustedProxies []netip.Prefix
}

// NewServer creates a Server.
func NewServer(chatSvc ChatService, opts ...Option) *Server {
	cfg := Opts{
		Addr:         DefaultAddr,
		RateLimitRPM: DefaultRateLimitRPM,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Catalog == nil {
		cfg.Catalog = resources.DefaultCatalog()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		chat: chatSvc,
		opts: cfg,
		auth: &authenticator{secret: []byte(cfg.JWTSecret)},

		trustedProxies: parseTrustedProxies(cfg.TrustedProxies),
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = newRateLimiterStore(cfg.RateLimitRPM)
	}
	if cfg.JWTSecret == "" {
		slog.Warn("Server.NewServer: no JWT secret configured, trusting X-User-ID header")
	}
	return s
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	mux.HandleFunc("GET /welcome", s.welcomeHandler)
	mux.HandleFunc("GET /resources", s.resourcesHandler)

	mux.HandleFunc("GET /conversations", s.auth.requireAuth(s.listConversationsHandler))
	mux.HandleFunc("POST /conversations", s.auth.requireAuth(s.createConversationHandler))
	mux.HandleFunc("PATCH /conversations/{id}", s.auth.requireAuth(s.renameConversationHandler))
	mux.HandleFunc("GET /conversations/{id}/messages", s.auth.requireAuth(s.listMessagesHandler))
	mux.HandleFunc("POST /conversations/{id}/messages", s.auth.requireAuth(s.sendMessageHandler))
	mux.HandleFunc("GET /conversations/{id}/insights", s.auth.requireAuth(s.insightsHandler))

	var h http.Handler = mux
	h = withRateLimit(s.limiter, s.rateLimitKey, h)
	if s.opts.Metrics != nil {
		h = withMetrics(s.opts.Metrics, h)
	}
	return withRequestID(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server.Run: server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: graceful shutdown failed", "error", err)
		return err
	}
	return nil
}
