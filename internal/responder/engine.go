// Package responder turns a user message into a supportive reply. It runs
// crisis detection first, then classification, engagement tracking and the
// resource recommender, and finally asks the generation API for text, falling
// back to deterministic templates whenever the API is missing or failing.
package responder

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HavenChat/internal/analysis"
	"github.com/BTreeMap/HavenChat/internal/crisis"
	"github.com/BTreeMap/HavenChat/internal/genai"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/resources"
	"github.com/BTreeMap/HavenChat/internal/state"
	"github.com/BTreeMap/HavenChat/internal/util"
)

const (
	// DefaultTimeout bounds a single generation attempt.
	DefaultTimeout = 20 * time.Second
	// DefaultRetries is the number of extra attempts after the first failure.
	DefaultRetries = 1
	// MaxHistory is the number of prior messages shown to the generator per
	// turn. Resource recommendation sees the whole history it is given.
	MaxHistory = 10

	// TroubleConnectingReply is the last-resort reply when no text could be produced.
	TroubleConnectingReply = "I'm having trouble connecting right now. Can we try again in a moment?"
)

// Generator produces model-backed text. *genai.Client implements it.
type Generator interface {
	Generate(ctx context.Context, system, user string, p genai.Params) (string, error)
}

// Metrics receives engine events. *metrics.Collector implements it.
type Metrics interface {
	ObserveMessage(stage string, emotion string)
	ObserveCrisis(category, severity string)
	ObserveGeneration(source string, d time.Duration)
	ObserveSuggestion(category, reason string)
}

// Source names where the reply text came from.
type Source string

const (
	SourceCrisis   Source = "crisis"
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Reply is the engine output for one user message.
type Reply struct {
	Reply              string                     `json:"reply"`
	IsEmergency        bool                       `json:"isEmergency"`
	Resources          []models.Resource          `json:"resources,omitempty"`
	ResourceSuggestion *models.ResourceSuggestion `json:"resourceSuggestion,omitempty"`
	Stage              state.Stage                `json:"stage"`
	Classification     *analysis.Result           `json:"classification,omitempty"`
	Crisis             crisis.Assessment          `json:"crisis"`
	Source             Source                     `json:"source"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithGenerator enables model-backed replies.
func WithGenerator(g Generator) Option {
	return func(e *Engine) { e.generator = g }
}

// WithTimeout sets the per-attempt generation timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRetries sets the number of retries after a failed generation attempt.
func WithRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retries = n
		}
	}
}

// WithParams overrides the generation sampling parameters.
func WithParams(p genai.Params) Option {
	return func(e *Engine) { e.params = p }
}

// WithChooser replaces the random index source used by the fallback templates.
func WithChooser(choose func(n int) int) Option {
	return func(e *Engine) {
		if choose != nil {
			e.choose = choose
		}
	}
}

// WithMetrics registers a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCatalog sets the resource catalog used for suggestions and crisis responses.
func WithCatalog(c *resources.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// Engine orchestrates one conversational turn. It holds no per-conversation
// state and is safe for concurrent use across conversations.
type Engine struct {
	detector    *crisis.Detector
	classifier  *analysis.Classifier
	catalog     *resources.Catalog
	recommender *resources.Recommender
	generator   Generator
	params      genai.Params
	timeout     time.Duration
	retries     int
	choose      func(n int) int
	metrics     Metrics
}

// NewEngine creates an Engine. Without WithGenerator it runs in fallback-only mode.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		detector: crisis.NewDetector(),
		catalog:  resources.DefaultCatalog(),
		params:   genai.DefaultParams(),
		timeout:  DefaultTimeout,
		retries:  DefaultRetries,
		choose:   util.RandomIndex,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.classifier = analysis.NewClassifier(e.detector)
	e.recommender = resources.NewRecommender(e.catalog)
	slog.Debug("responder.NewEngine: engine created", "generator", e.generator != nil, "timeout", e.timeout, "retries", e.retries)
	return e
}

// Catalog returns the resource catalog in use.
func (e *Engine) Catalog() *resources.Catalog {
	return e.catalog
}

// ProcessMessage runs one turn against cc, which it mutates. history holds the
// prior messages of the conversation, oldest first, excluding text. It never
// fails: generation errors degrade to template replies.
func (e *Engine) ProcessMessage(ctx context.Context, cc *state.ConversationContext, text string, history []models.Message) Reply {
	if cc == nil {
		cc = state.New()
	}
	start := time.Now()

	assessment := e.detector.Detect(text)
	if assessment.IsActive {
		cc.RecordCrisis(assessment)
		e.observeCrisis(assessment)
	}
	if assessment.Severity == crisis.SeveritySevere {
		resp := crisis.ResponseFor(assessment, e.catalog)
		slog.Warn("Engine.ProcessMessage: severe crisis, bypassing generation", "category", assessment.Category)
		e.observeGeneration(SourceCrisis, start)
		return Reply{
			Reply:       resp.Message,
			IsEmergency: true,
			Resources:   resp.Resources,
			ResourceSuggestion: &models.ResourceSuggestion{
				Introduction: resources.Introduction(models.ResourceCrisis),
				Resources:    resp.Resources,
				Type:         models.ResourceCrisis,
			},
			Stage:  cc.Stage,
			Crisis: assessment,
			Source: SourceCrisis,
		}
	}

	result := e.classifier.Classify(text)
	cc.Track(result, text)
	stage := cc.UpdateStage()
	if e.metrics != nil {
		e.metrics.ObserveMessage(string(stage), string(result.Emotion))
	}

	full := make([]models.Message, 0, len(history)+1)
	full = append(full, history...)
	full = append(full, models.Message{Role: models.RoleUser, Content: text})
	rec := e.recommender.Recommend(full, cc)
	if rec.ShouldSuggest && e.metrics != nil {
		e.metrics.ObserveSuggestion(string(rec.Type), string(rec.Reason))
	}

	body, source := e.generate(ctx, cc, result, text, lastMessages(history, MaxHistory))
	if rec.Reason == resources.ReasonEngagementPattern {
		body = strings.TrimSpace(body + " " + communityMention)
	}

	out := Reply{
		Stage:              stage,
		Classification:     &result,
		Crisis:             assessment,
		Source:             source,
		ResourceSuggestion: rec.Suggestion(),
		Resources:          rec.Resources,
	}
	if assessment.IsActive {
		resp := crisis.ResponseFor(assessment, e.catalog)
		body = resp.Message + "\n\n" + body
		if len(resp.Resources) > 0 {
			category := resp.Resources[0].Category
			out.Resources = resp.Resources
			out.ResourceSuggestion = &models.ResourceSuggestion{
				Introduction: resources.Introduction(category),
				Resources:    resp.Resources,
				Type:         category,
			}
		}
	}
	if strings.TrimSpace(body) == "" {
		body = TroubleConnectingReply
	}
	out.Reply = body

	slog.Debug("Engine.ProcessMessage: reply ready", "source", source, "stage", stage, "emotion", result.Emotion,
		"suggest", rec.ShouldSuggest, "category", rec.Type, "crisis", assessment.Severity)
	return out
}

// generate tries the model with a bounded timeout and retries, then falls back.
func (e *Engine) generate(ctx context.Context, cc *state.ConversationContext, r analysis.Result, text string, history []models.Message) (string, Source) {
	start := time.Now()
	if e.generator != nil {
		prompt := buildUserPrompt(cc, r, text, history)
		for attempt := 0; attempt <= e.retries; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
			reply, err := e.generator.Generate(attemptCtx, systemPrompt, prompt, e.params)
			cancel()
			if err == nil && strings.TrimSpace(reply) != "" {
				reply = strings.TrimSpace(reply)
				cc.RememberResponse(firstSentence(reply))
				e.observeGeneration(SourceModel, start)
				return reply, SourceModel
			}
			slog.Warn("Engine.generate: generation attempt failed", "attempt", attempt+1, "error", err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	body := e.fallback(cc, r)
	e.observeGeneration(SourceFallback, start)
	return body, SourceFallback
}

// fallback builds opener, connector and follow-up question from templates.
func (e *Engine) fallback(cc *state.ConversationContext, r analysis.Result) string {
	options := openersFor(cc.Stage, r)
	fresh := make([]string, 0, len(options))
	for _, o := range options {
		if !cc.RecentlyUsed(o) {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) == 0 {
		fresh = options
	}
	opener := util.PickString(fresh, e.choose)
	cc.RememberResponse(opener)

	question := util.PickString(questionsFor(cc.Stage, r, cc.Engagement.ReadinessForHelp), e.choose)
	connector := util.PickString(connectors, e.choose)

	parts := []string{opener}
	if connector != "" {
		parts = append(parts, connector)
	}
	parts = append(parts, question)
	return strings.Join(parts, " ")
}

func (e *Engine) observeCrisis(a crisis.Assessment) {
	if e.metrics != nil {
		e.metrics.ObserveCrisis(string(a.Category), string(a.Severity))
	}
}

func (e *Engine) observeGeneration(source Source, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObserveGeneration(string(source), time.Since(start))
	}
}

// Welcome returns the greeting shown before a user's first message.
func (e *Engine) Welcome(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "there"
	}
	return "Hello " + name + "! How are you feeling today? I'm here to listen and help."
}

// NewConversationGreeting returns the greeting for an explicitly started conversation.
func (e *Engine) NewConversationGreeting() string {
	return "Hello again! How can I help you today?"
}
