// Package state holds the per-conversation context: engagement metrics,
// the stage state machine, anti-repetition history and the sentiment trail.
//
// A ConversationContext is owned by exactly one conversation. Callers load it
// with FromSnapshot (or New for a fresh conversation), mutate it for a single
// turn and persist it again with ToSnapshot. It is not safe for concurrent use;
// the chat service serializes turns per conversation.
package state

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/HavenChat/internal/analysis"
	"github.com/BTreeMap/HavenChat/internal/crisis"
)

// Stage is the conversation stage derived from engagement metrics.
type Stage string

const (
	StageInitial          Stage = "initial"
	StageExploring        Stage = "exploring"
	StageDeepening        Stage = "deepening"
	StageReadyForReferral Stage = "ready_for_referral"
)

// IsValidStage checks if the given stage is known.
func IsValidStage(s Stage) bool {
	switch s {
	case StageInitial, StageExploring, StageDeepening, StageReadyForReferral:
		return true
	default:
		return false
	}
}

const (
	// MaxMetric is the upper bound for every engagement score.
	MaxMetric = 10
	// MaxResponseHistory is the number of recent openers remembered for anti-repetition.
	MaxResponseHistory = 5
	// MaxSentimentHistory bounds the sentiment trail.
	MaxSentimentHistory = 20
	// longMessageLength is the length above which a message counts as an openness cue.
	longMessageLength = 100
)

var (
	opennessCues  = []string{"feel", "think", "because", "remember"}
	helpSeekCues  = []string{"help", "therapy", "professional", "advice", "what should i do"}
	supportEmotes = map[analysis.Emotion]bool{
		analysis.EmotionSad:     true,
		analysis.EmotionLonely:  true,
		analysis.EmotionAnxious: true,
	}
)

// CrisisIndicator records a non-empty crisis assessment seen in this conversation.
type CrisisIndicator struct {
	Category crisis.Category `json:"category"`
	Severity crisis.Severity `json:"severity"`
	At       time.Time       `json:"at"`
}

// SentimentEntry is one point on the sentiment trail.
type SentimentEntry struct {
	Emotion   analysis.Emotion   `json:"emotion"`
	Intensity analysis.Intensity `json:"intensity"`
	Score     float64            `json:"score"`
	At        time.Time          `json:"at"`
}

// EngagementMetrics accumulate across turns. Scores are clamped to [0, MaxMetric].
type EngagementMetrics struct {
	TopicsExplored   map[analysis.Topic]struct{}
	EmotionalDepth   int
	UserOpenness     int
	ReadinessForHelp int
	CrisisIndicators []CrisisIndicator
}

// ConversationContext is the mutable state bag for a single conversation.
type ConversationContext struct {
	EmotionalTone    analysis.Emotion
	KeyTopics        map[analysis.Topic]struct{}
	ResponseHistory  []string
	Engagement       EngagementMetrics
	Stage            Stage
	SentimentHistory []SentimentEntry
	TurnCount        int

	now func() time.Time
}

// New returns a context in its initial state.
func New() *ConversationContext {
	c := &ConversationContext{now: time.Now}
	c.Reset()
	return c
}

// Reset restores every counter and collection to its zero state.
func (c *ConversationContext) Reset() {
	c.EmotionalTone = analysis.EmotionNeutral
	c.KeyTopics = make(map[analysis.Topic]struct{})
	c.ResponseHistory = []string{}
	c.Engagement = EngagementMetrics{
		TopicsExplored:   make(map[analysis.Topic]struct{}),
		CrisisIndicators: []CrisisIndicator{},
	}
	c.Stage = StageInitial
	c.SentimentHistory = []SentimentEntry{}
	c.TurnCount = 0
	if c.now == nil {
		c.now = time.Now
	}
}

// SetClock overrides the time source used for timestamps.
func (c *ConversationContext) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Track folds one classified user message into the engagement metrics and
// sentiment trail. It does not recompute the stage; call UpdateStage after.
func (c *ConversationContext) Track(result analysis.Result, text string) {
	lower := strings.ToLower(text)

	c.EmotionalTone = result.Emotion
	for _, t := range result.Topics {
		c.KeyTopics[t] = struct{}{}
		c.Engagement.TopicsExplored[t] = struct{}{}
	}

	openness := 0
	if len(text) > longMessageLength {
		openness++
	}
	for _, cue := range opennessCues {
		if strings.Contains(lower, cue) {
			openness++
		}
	}
	if len(result.Topics) > 0 {
		openness++
	}
	c.Engagement.UserOpenness = clamp(c.Engagement.UserOpenness + openness)

	if result.Emotion != analysis.EmotionNeutral {
		c.Engagement.EmotionalDepth = clamp(c.Engagement.EmotionalDepth + 1)
	}

	readiness := 0
	for _, cue := range helpSeekCues {
		if strings.Contains(lower, cue) {
			readiness++
		}
	}
	if c.Engagement.EmotionalDepth > 5 {
		readiness++
	}
	c.Engagement.ReadinessForHelp = clamp(c.Engagement.ReadinessForHelp + readiness)

	c.SentimentHistory = append(c.SentimentHistory, SentimentEntry{
		Emotion:   result.Emotion,
		Intensity: result.Intensity,
		Score:     sentimentScore(result.Emotion, result.Intensity),
		At:        c.now(),
	})
	if over := len(c.SentimentHistory) - MaxSentimentHistory; over > 0 {
		c.SentimentHistory = c.SentimentHistory[over:]
	}
	c.TurnCount++

	slog.Debug("ConversationContext.Track: metrics updated", "turn", c.TurnCount,
		"openness", c.Engagement.UserOpenness, "depth", c.Engagement.EmotionalDepth,
		"readiness", c.Engagement.ReadinessForHelp, "topics", len(c.Engagement.TopicsExplored))
}

// UpdateStage recomputes the stage from the current metrics and returns it.
func (c *ConversationContext) UpdateStage() Stage {
	prev := c.Stage
	c.Stage = ComputeStage(c.Engagement)
	if prev != c.Stage {
		slog.Debug("ConversationContext.UpdateStage: stage changed", "from", prev, "to", c.Stage)
	}
	return c.Stage
}

// ComputeStage maps engagement metrics onto a stage. It is a pure function.
func ComputeStage(m EngagementMetrics) Stage {
	switch {
	case m.EmotionalDepth > 7 && m.ReadinessForHelp > 7:
		return StageReadyForReferral
	case m.EmotionalDepth > 4 && m.UserOpenness > 6:
		return StageDeepening
	case m.UserOpenness > 3:
		return StageExploring
	default:
		return StageInitial
	}
}

// RememberResponse records an opener; the oldest entry is evicted past MaxResponseHistory.
func (c *ConversationContext) RememberResponse(opener string) {
	if opener == "" {
		return
	}
	c.ResponseHistory = append(c.ResponseHistory, opener)
	if over := len(c.ResponseHistory) - MaxResponseHistory; over > 0 {
		c.ResponseHistory = c.ResponseHistory[over:]
	}
}

// RecentlyUsed reports whether opener is in the response history.
func (c *ConversationContext) RecentlyUsed(opener string) bool {
	for _, r := range c.ResponseHistory {
		if r == opener {
			return true
		}
	}
	return false
}

// RecordCrisis appends an indicator for an active assessment.
func (c *ConversationContext) RecordCrisis(a crisis.Assessment) {
	if !a.IsActive {
		return
	}
	c.Engagement.CrisisIndicators = append(c.Engagement.CrisisIndicators, CrisisIndicator{
		Category: a.Category,
		Severity: a.Severity,
		At:       c.now(),
	})
}

// HasCrisisIndicators reports whether any crisis was recorded.
func (c *ConversationContext) HasCrisisIndicators() bool {
	return len(c.Engagement.CrisisIndicators) > 0
}

// HasElevatedCrisis reports whether a high or severe crisis was recorded.
func (c *ConversationContext) HasElevatedCrisis() bool {
	for _, ci := range c.Engagement.CrisisIndicators {
		if ci.Severity == crisis.SeverityHigh || ci.Severity == crisis.SeveritySevere {
			return true
		}
	}
	return false
}

// SupportiveTurns counts sentiment entries with a sad, lonely or anxious
// emotion below high intensity.
func (c *ConversationContext) SupportiveTurns() int {
	n := 0
	for _, e := range c.SentimentHistory {
		if supportEmotes[e.Emotion] && !e.Intensity.AtLeast(analysis.IntensityHigh) {
			n++
		}
	}
	return n
}

// Topics returns the explored topics in sorted order.
func (c *ConversationContext) Topics() []analysis.Topic {
	return sortedTopics(c.Engagement.TopicsExplored)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxMetric {
		return MaxMetric
	}
	return v
}

// sentimentScore maps an emotion and intensity to [-1, 0]; neutral is 0.
func sentimentScore(e analysis.Emotion, i analysis.Intensity) float64 {
	if e == analysis.EmotionNeutral || e == "" {
		return 0
	}
	switch i {
	case analysis.IntensityCritical:
		return -1
	case analysis.IntensityHigh:
		return -0.75
	case analysis.IntensityMedium:
		return -0.5
	default:
		return -0.25
	}
}
