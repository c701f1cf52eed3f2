// Package genai provides text generation over an OpenAI-compatible chat
// completion API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
var DefaultModel = string(openai.ChatModelGPT4oMini)

var (
	// ErrMissingAPIKey is returned by NewClient when no API key is supplied.
	ErrMissingAPIKey = errors.New("genai: API key not set")
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("genai: no choices returned")
	// ErrEmptyCompletion is returned when the first choice has no text.
	ErrEmptyCompletion = errors.New("genai: empty completion")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionService adapts the SDK's completion service to chatService.
type completionService struct {
	svc *openai.ChatCompletionService
}

func (s completionService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Params are the sampling parameters for one generation.
type Params struct {
	MaxTokens         int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
}

// DefaultParams returns the sampling parameters used for supportive replies.
func DefaultParams() Params {
	return Params{MaxTokens: 180, Temperature: 0.85, TopP: 0.9, RepetitionPenalty: 1.2}
}

// frequencyPenalty maps a multiplicative repetition penalty (1 = none) onto
// the additive frequency_penalty range [-2, 2].
func frequencyPenalty(repetition float64) float64 {
	fp := repetition - 1
	if fp < -2 {
		return -2
	}
	if fp > 2 {
		return 2
	}
	return fp
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey    string
	BaseURL   string
	Model     string
	DebugMode bool
	StateDir  string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithDebugMode writes every request and response under StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug logs.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat      chatService
	model     string
	debugMode bool
	stateDir  string
}

// NewClient creates a Client. It returns ErrMissingAPIKey when no key is set
// so that callers can fall back to deterministic replies.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	// Retries are owned by the caller, which bounds each attempt with its own timeout.
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "", "debug", cfg.DebugMode)
	return &Client{
		chat:      completionService{svc: &cli.Chat.Completions},
		model:     cfg.Model,
		debugMode: cfg.DebugMode,
		stateDir:  cfg.StateDir,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Generate sends a system and user prompt and returns the trimmed reply text.
func (c *Client) Generate(ctx context.Context, system, user string, p Params) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.MaxTokens))
	}
	if p.Temperature > 0 {
		params.Temperature = openai.Float(p.Temperature)
	}
	if p.TopP > 0 {
		params.TopP = openai.Float(p.TopP)
	}
	if p.RepetitionPenalty > 0 {
		params.FrequencyPenalty = openai.Float(frequencyPenalty(p.RepetitionPenalty))
	}

	slog.Debug("Client.Generate: sending request", "model", c.model, "system_len", len(system), "user_len", len(user), "max_tokens", p.MaxTokens)
	resp, err := c.chat.Create(ctx, params)
	c.writeDebugLog("Generate", params, resp, err)
	if err != nil {
		slog.Debug("Client.Generate: request failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	slog.Debug("Client.Generate: received reply", "reply_len", len(text))
	return text, nil
}

// GeneratePrompt is Generate with DefaultParams.
func (c *Client) GeneratePrompt(ctx context.Context, system, user string) (string, error) {
	return c.Generate(ctx, system, user, DefaultParams())
}
