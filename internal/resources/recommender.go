package resources

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/HavenChat/internal/analysis"
	"github.com/BTreeMap/HavenChat/internal/models"
	"github.com/BTreeMap/HavenChat/internal/state"
)

// MaxSuggestions is the most resources attached to one suggestion.
const MaxSuggestions = 3

// intensityWindow is the number of recent user messages scored for intensity.
const intensityWindow = 3

// ResourceStage is the recommender's view of conversation depth.
type ResourceStage string

const (
	ResourceStageInitial     ResourceStage = "initial"
	ResourceStageExploring   ResourceStage = "exploring"
	ResourceStageDeveloping  ResourceStage = "developing"
	ResourceStageEstablished ResourceStage = "established"
)

var resourceStageRank = map[ResourceStage]int{
	ResourceStageInitial:     0,
	ResourceStageExploring:   1,
	ResourceStageDeveloping:  2,
	ResourceStageEstablished: 3,
}

// StageForMessageCount maps the number of user messages to a stage.
func StageForMessageCount(n int) ResourceStage {
	switch {
	case n >= 9:
		return ResourceStageEstablished
	case n >= 6:
		return ResourceStageDeveloping
	case n >= 3:
		return ResourceStageExploring
	default:
		return ResourceStageInitial
	}
}

// StageForEngagement maps a conversation stage onto the recommender scale.
func StageForEngagement(s state.Stage) ResourceStage {
	switch s {
	case state.StageReadyForReferral:
		return ResourceStageEstablished
	case state.StageDeepening:
		return ResourceStageDeveloping
	case state.StageExploring:
		return ResourceStageExploring
	default:
		return ResourceStageInitial
	}
}

func laterStage(a, b ResourceStage) ResourceStage {
	if resourceStageRank[b] > resourceStageRank[a] {
		return b
	}
	return a
}

// Reason records which rule produced a suggestion.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonCrisis            Reason = "crisis"
	ReasonStage             Reason = "stage"
	ReasonEngagementPattern Reason = "engagement_pattern"
)

var resourceTopics = []struct {
	topic    string
	keywords []string
}{
	{"anxiety", []string{"anxious", "worry", "nervous", "panic", "stress", "anxiousness"}},
	{"depression", []string{"sad", "depressed", "hopeless", "empty", "worthless", "tired"}},
	{"family", []string{"parent", "mother", "father", "brother", "sister", "family", "home"}},
	{"relationships", []string{"friend", "partner", "boyfriend", "girlfriend", "spouse", "relationship"}},
	{"self-esteem", []string{"confidence", "self-worth", "value", "ugly", "failure", "not enough"}},
	{"trauma", []string{"trauma", "abuse", "incident", "accident", "attack", "terrible"}},
	{"loneliness", []string{"alone", "lonely", "isolated", "no friends", "nobody", "by myself"}},
}

// crisisWords are matched as whole words so that "skills" does not read as "kill".
var crisisWords = map[string]bool{"suicide": true, "suicidal": true, "harm": true, "kill": true}

// DetectResourceTopics returns the resource topics mentioned in text.
func DetectResourceTopics(text string) []string {
	lower := strings.ToLower(text)
	topics := []string{}
	for _, entry := range resourceTopics {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				topics = append(topics, entry.topic)
				break
			}
		}
	}
	return topics
}

func hasCrisisWords(text string) bool {
	for _, w := range analysis.Words(text) {
		if crisisWords[w] {
			return true
		}
	}
	return false
}

// Signals is the conversation analysis a suggestion decision is made from.
type Signals struct {
	Stage           ResourceStage      `json:"stage"`
	UserMessages    int                `json:"user_messages"`
	Topics          []string           `json:"topics"`
	Intensity       analysis.Intensity `json:"intensity"`
	Crisis          bool               `json:"crisis"`
	SupportiveTurns int                `json:"supportive_turns"`
}

// Recommendation is the outcome of a suggestion decision.
type Recommendation struct {
	ShouldSuggest bool                    `json:"should_suggest"`
	Introduction  string                  `json:"introduction,omitempty"`
	Resources     []Resource              `json:"resources,omitempty"`
	Type          models.ResourceCategory `json:"type,omitempty"`
	Reason        Reason                  `json:"reason,omitempty"`
}

// Suggestion converts a positive recommendation into the message attachment.
func (r Recommendation) Suggestion() *models.ResourceSuggestion {
	if !r.ShouldSuggest {
		return nil
	}
	return &models.ResourceSuggestion{Introduction: r.Introduction, Resources: r.Resources, Type: r.Type}
}

// Recommender selects resources from a Catalog.
type Recommender struct {
	catalog *Catalog
}

// NewRecommender creates a Recommender. A nil catalog uses DefaultCatalog.
func NewRecommender(catalog *Catalog) *Recommender {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Recommender{catalog: catalog}
}

// Catalog returns the catalog backing the recommender.
func (r *Recommender) Catalog() *Catalog {
	return r.catalog
}

// Analyze derives suggestion signals from the user messages in history and
// the conversation context. cc may be nil.
func (r *Recommender) Analyze(history []models.Message, cc *state.ConversationContext) Signals {
	var userTexts []string
	for _, m := range history {
		if m.Role == models.RoleUser {
			userTexts = append(userTexts, m.Content)
		}
	}
	all := strings.Join(userTexts, " ")

	recent := userTexts
	if len(recent) > intensityWindow {
		recent = recent[len(recent)-intensityWindow:]
	}
	intensity, _ := analysis.ScoreIntensity(strings.Join(recent, " "))

	s := Signals{
		Stage:        StageForMessageCount(len(userTexts)),
		UserMessages: len(userTexts),
		Topics:       DetectResourceTopics(all),
		Intensity:    intensity,
		Crisis:       hasCrisisWords(all),
	}
	if cc != nil {
		s.Stage = laterStage(s.Stage, StageForEngagement(cc.Stage))
		s.Crisis = s.Crisis || cc.HasElevatedCrisis()
		s.SupportiveTurns = cc.SupportiveTurns()
	}
	return s
}

// Decide picks a resource category for the signals. Crisis always wins, the
// initial stage never suggests otherwise, stage rules come next and the
// engagement pattern is the last resort.
func Decide(s Signals) (models.ResourceCategory, Reason, bool) {
	if s.Crisis {
		return models.ResourceCrisis, ReasonCrisis, true
	}
	highIntensity := s.Intensity.AtLeast(analysis.IntensityHigh)
	switch s.Stage {
	case ResourceStageInitial:
		return "", ReasonNone, false
	case ResourceStageExploring:
		if highIntensity || len(s.Topics) >= 2 {
			return models.ResourceArticles, ReasonStage, true
		}
	case ResourceStageDeveloping:
		if len(s.Topics) > 0 {
			return models.ResourceCommunity, ReasonStage, true
		}
	case ResourceStageEstablished:
		if highIntensity || len(s.Topics) >= 2 {
			return models.ResourceProfessional, ReasonStage, true
		}
		return models.ResourceCommunity, ReasonStage, true
	}
	if s.SupportiveTurns >= 2 {
		return models.ResourceCommunity, ReasonEngagementPattern, true
	}
	return "", ReasonNone, false
}

// Recommend analyzes the conversation and returns a recommendation. An empty
// selection yields ShouldSuggest false.
func (r *Recommender) Recommend(history []models.Message, cc *state.ConversationContext) Recommendation {
	signals := r.Analyze(history, cc)
	category, reason, ok := Decide(signals)
	if !ok {
		slog.Debug("Recommender.Recommend: no suggestion", "stage", signals.Stage, "topics", signals.Topics, "intensity", signals.Intensity)
		return Recommendation{}
	}
	selected := r.Select(category, signals.Topics)
	if len(selected) == 0 {
		slog.Debug("Recommender.Recommend: empty selection", "category", category)
		return Recommendation{}
	}
	slog.Debug("Recommender.Recommend: suggesting resources", "category", category, "reason", reason, "count", len(selected), "stage", signals.Stage)
	return Recommendation{
		ShouldSuggest: true,
		Introduction:  Introduction(category),
		Resources:     selected,
		Type:          category,
		Reason:        reason,
	}
}

// Select returns at most MaxSuggestions entries of category, preferring
// entries whose tags overlap topics.
func (r *Recommender) Select(category models.ResourceCategory, topics []string) []Resource {
	list := r.catalog.ByCategory(category)
	if len(topics) > 0 {
		var matched []Resource
		for _, res := range list {
			if tagsMatch(res.Tags, topics) {
				matched = append(matched, res)
			}
		}
		if len(matched) > 0 {
			list = matched
		}
	}
	if len(list) > MaxSuggestions {
		list = list[:MaxSuggestions]
	}
	return list
}

func tagsMatch(tags, topics []string) bool {
	for _, tag := range tags {
		for _, topic := range topics {
			if strings.Contains(tag, topic) || strings.Contains(topic, tag) {
				return true
			}
		}
	}
	return false
}

// Introduction returns the lead-in sentence for a category.
func Introduction(category models.ResourceCategory) string {
	switch category {
	case models.ResourceArticles:
		return "I've noticed we've been talking about this for a bit. Some people find these resources helpful:"
	case models.ResourceCommunity:
		return "It can help to connect with others who understand what you're going through. Here are some communities that might be supportive:"
	case models.ResourceProfessional:
		return "Given what you've shared, you might benefit from speaking with a professional who specializes in this area:"
	case models.ResourceCrisis:
		return "I'm concerned about what you're sharing. It's really important to talk to someone who can help right away:"
	default:
		return ""
	}
}

// FormatForDisplay renders one bullet per resource in a category-specific layout.
func FormatForDisplay(list []Resource, category models.ResourceCategory) string {
	lines := make([]string, 0, len(list))
	for _, r := range list {
		var b strings.Builder
		b.WriteString("• ")
		switch category {
		case models.ResourceArticles:
			fmt.Fprintf(&b, "%s: %s", r.Title, r.Description)
			if r.URL != "" {
				fmt.Fprintf(&b, " [%s]", r.URL)
			}
		case models.ResourceProfessional:
			fmt.Fprintf(&b, "%s, %s:", r.DisplayName(), r.Title)
			if len(r.Specialties) > 0 {
				b.WriteString(" " + strings.Join(r.Specialties, ", "))
			} else if r.Description != "" {
				b.WriteString(" " + r.Description)
			}
			if r.Location != "" {
				fmt.Fprintf(&b, " (%s)", r.Location)
			}
			if r.Contact != "" {
				fmt.Fprintf(&b, " - Contact: %s", r.Contact)
			}
		case models.ResourceCrisis:
			fmt.Fprintf(&b, "%s: %s", r.DisplayName(), r.Contact)
			if r.Available != "" {
				fmt.Fprintf(&b, " (%s)", r.Available)
			}
		default:
			fmt.Fprintf(&b, "%s: %s", r.DisplayName(), r.Description)
			if r.Location != "" {
				fmt.Fprintf(&b, " (%s)", r.Location)
			}
			if r.Contact != "" {
				fmt.Fprintf(&b, " - Contact: %s", r.Contact)
			}
			if r.URL != "" {
				fmt.Fprintf(&b, " [%s]", r.URL)
			}
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n\n")
}
