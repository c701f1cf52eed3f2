package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/HavenChat/internal/api"
	"github.com/BTreeMap/HavenChat/internal/chat"
	"github.com/BTreeMap/HavenChat/internal/genai"
	"github.com/BTreeMap/HavenChat/internal/lockfile"
	"github.com/BTreeMap/HavenChat/internal/messaging"
	"github.com/BTreeMap/HavenChat/internal/metrics"
	"github.com/BTreeMap/HavenChat/internal/responder"
	"github.com/BTreeMap/HavenChat/internal/store"
	"github.com/BTreeMap/HavenChat/internal/twiliowhatsapp"
	"github.com/BTreeMap/HavenChat/internal/util"
	"github.com/BTreeMap/HavenChat/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for HavenChat state data
	DefaultStateDir = "/var/lib/havenchat"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "havenchat.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often queued channel replies are retried
	DefaultOutboxPollInterval = 2 * time.Second
)

// Messaging backends
const (
	BackendNone     = "none"
	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	initializeLogger(config.LogLevel)

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping HavenChat", "state_dir", flags.StateDir, "backend", flags.Backend, "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("HavenChat failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("HavenChat exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	RedisURL       string
	OpenAIKey      string
	OpenAIBaseURL  string
	GenAIModel     string
	GenAITimeout   time.Duration
	GenAIDebug     bool
	APIAddr        string
	JWTSecret      string
	RateLimitRPM   int
	TrustedProxies []string
	Backend        string
	TwilioSID      string
	TwilioToken    string
	TwilioFrom     string
	TwilioURL      string
	WhatsAppDSN    string
	LogLevel       string
	ProcessMetrics bool
}

// Flags holds the effective settings after command line overrides.
type Flags struct {
	Config
	QROutput    string
	NumericCode bool
}

// initializeLogger sets up structured text logging at the configured level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:       os.Getenv("HAVENCHAT_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		GenAIModel:     os.Getenv("GENAI_MODEL"),
		GenAITimeout:   util.ParseDurationEnv("GENAI_TIMEOUT", responder.DefaultTimeout),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:        os.Getenv("API_ADDR"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RateLimitRPM:   util.ParseIntEnv("RATE_LIMIT_RPM", api.DefaultRateLimitRPM),
		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),
		Backend:        strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_BACKEND"))),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioURL:      os.Getenv("TWILIO_WEBHOOK_URL"),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		LogLevel:       os.Getenv("HAVENCHAT_LOG_LEVEL"),
		ProcessMetrics: util.ParseBoolEnv("METRICS_PROCESS", true),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Backend == "" {
		config.Backend = BackendNone
	}

	slog.Debug("environment variables loaded",
		"HAVENCHAT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"GENAI_MODEL", config.GenAIModel,
		"API_ADDR", config.APIAddr,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"MESSAGING_BACKEND", config.Backend)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{Config: config}
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	defaultWADSN := filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)

	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for HavenChat data (overrides $HAVENCHAT_STATE_DIR)")
	fs.StringVar(&flags.DatabaseURL, "db-dsn", config.DatabaseURL, "Postgres DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.RedisURL, "redis-url", config.RedisURL, "Redis URL for the context cache (overrides $REDIS_URL)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.GenAIModel, "genai-model", config.GenAIModel, "generation model (overrides $GENAI_MODEL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.Backend, "messaging", config.Backend, "messaging backend: none, whatsapp or twilio (overrides $MESSAGING_BACKEND)")
	fs.StringVar(&flags.QROutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&flags.NumericCode, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Follow a relocated state directory unless the DSNs were set explicitly.
	if flags.StateDir != config.StateDir {
		if flags.DatabaseURL == defaultDSN {
			flags.DatabaseURL = filepath.Join(flags.StateDir, DefaultDBFileName)
		}
		if flags.WhatsAppDSN == defaultWADSN {
			flags.WhatsAppDSN = filepath.Join(flags.StateDir, DefaultWhatsAppDBFileName)
		}
	}

	switch flags.Backend {
	case BackendNone, BackendWhatsApp, BackendTwilio:
	default:
		return Flags{}, fmt.Errorf("unknown messaging backend %q", flags.Backend)
	}
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	if flags.DatabaseURL == "" {
		return nil
	}
	if store.DetectDSNType(flags.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(flags.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(flags.DatabaseURL)}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if flags.OpenAIKey != "" {
		opts = append(opts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(flags.OpenAIBaseURL))
	}
	if flags.GenAIModel != "" {
		opts = append(opts, genai.WithModel(flags.GenAIModel))
	}
	if flags.GenAIDebug {
		opts = append(opts, genai.WithDebugMode(true), genai.WithStateDir(flags.StateDir))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(flags.WhatsAppDSN)}
	if flags.QROutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(flags.QROutput))
	}
	if flags.NumericCode {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	return []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(flags.TwilioSID),
		twiliowhatsapp.WithAuthToken(flags.TwilioToken),
		twiliowhatsapp.WithFromWhats(flags.TwilioFrom),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, collector *metrics.Collector) []api.Option {
	opts := []api.Option{
		api.WithAddr(flags.APIAddr),
		api.WithRateLimit(flags.RateLimitRPM),
		api.WithMetrics(collector),
	}
	if flags.JWTSecret != "" {
		opts = append(opts, api.WithJWTSecret(flags.JWTSecret))
	}
	if len(flags.TrustedProxies) > 0 {
		opts = append(opts, api.WithTrustedProxies(flags.TrustedProxies...))
	}
	return opts
}

// splitList splits a comma separated value, dropping empty items.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// openStore opens the configured store and, when REDIS_URL is set, wraps it
// in the context cache. The durable store is returned separately because the
// cache does not expose the bridge's dedup and outbox repositories.
func openStore(ctx context.Context, flags Flags) (store.Store, store.PersistenceProvider, error) {
	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	durable, _ := st.(store.PersistenceProvider)
	if flags.RedisURL == "" {
		return st, durable, nil
	}
	client, err := store.NewRedisClient(ctx, flags.RedisURL)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("Context cache enabled", "ttl", store.DefaultContextCacheTTL)
	return store.NewRedisContextCache(st, client, 0), durable, nil
}

// dedupRepo returns the repository the bridge uses to skip redelivered
// messages, looking beneath the context cache.
func dedupRepo(st store.Store, durable store.PersistenceProvider) store.DedupRepo {
	if durable != nil {
		return durable.DedupRepo()
	}
	if cache, ok := st.(*store.RedisContextCache); ok {
		st = cache.Backing()
	}
	repo, _ := st.(store.DedupRepo)
	return repo
}

// newEngine builds the response engine. A missing API key selects fallback-only mode.
func newEngine(flags Flags, collector *metrics.Collector) *responder.Engine {
	opts := []responder.Option{responder.WithTimeout(flags.GenAITimeout)}
	if collector != nil {
		opts = append(opts, responder.WithMetrics(collector))
	}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	switch {
	case errors.Is(err, genai.ErrMissingAPIKey):
		slog.Warn("No OpenAI API key configured, using fallback replies only")
	case err != nil:
		slog.Error("Failed to create GenAI client, using fallback replies only", "error", err)
	default:
		slog.Info("GenAI client ready", "model", client.Model())
		opts = append(opts, responder.WithGenerator(client))
	}
	return responder.NewEngine(opts...)
}

// newMessaging connects the configured channel. It returns nil for BackendNone.
func newMessaging(ctx context.Context, flags Flags) (messaging.Service, func(), error) {
	switch flags.Backend {
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), client.Close, nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if flags.TwilioURL != "" {
			opts = append(opts, messaging.WithSignatureValidation(flags.TwilioToken, flags.TwilioURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set, inbound webhook signatures are not validated")
		}
		return messaging.NewTwilioService(client, opts...), func() {}, nil
	default:
		return nil, func() {}, nil
	}
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.Acquire(flags.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, durable, err := openStore(ctx, flags)
	if err != nil {
		return err
	}
	defer st.Close()

	var metricOpts []metrics.Option
	if flags.ProcessMetrics {
		metricOpts = append(metricOpts, metrics.WithProcessMetrics())
	}
	collector := metrics.NewCollector(metricOpts...)
	engine := newEngine(flags, collector)
	chatSvc := chat.NewService(st, engine)

	msgSvc, closeClient, err := newMessaging(ctx, flags)
	if err != nil {
		return err
	}
	defer closeClient()

	apiOpts := append(buildAPIOptions(flags, collector), api.WithCatalog(engine.Catalog()))
	g, gctx := errgroup.WithContext(ctx)

	if msgSvc != nil {
		bridgeOpts := []messaging.BridgeOption{messaging.WithBridgeMetrics(collector)}
		if repo := dedupRepo(st, durable); repo != nil {
			bridgeOpts = append(bridgeOpts, messaging.WithDedup(repo))
		}
		if durable != nil {
			bridgeOpts = append(bridgeOpts, messaging.WithOutbox(durable.OutboxRepo()))
		}
		bridge := messaging.NewBridge(msgSvc, chatSvc, flags.Backend, bridgeOpts...)

		if twilioSvc, ok := msgSvc.(*messaging.TwilioService); ok {
			apiOpts = append(apiOpts, api.WithTwilioWebhook(twilioSvc.TwilioWebhookHandler))
		}
		if err := msgSvc.Start(gctx); err != nil {
			return fmt.Errorf("failed to start messaging service: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return msgSvc.Stop()
		})
		g.Go(func() error { return bridge.Run(gctx) })

		if durable != nil {
			sender := store.NewOutboxSender(durable.OutboxRepo(), bridge.Deliver, DefaultOutboxPollInterval)
			if err := sender.RecoverStaleMessages(); err != nil {
				slog.Warn("Failed to recover stale outbox messages", "error", err)
			}
			g.Go(func() error { return sender.Run(gctx) })
		}
	}

	server := api.NewServer(chatSvc, apiOpts...)
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
