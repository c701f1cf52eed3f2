package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/BTreeMap/HavenChat/internal/analysis"
)

// EngagementSnapshot is the serializable form of EngagementMetrics.
type EngagementSnapshot struct {
	TopicsExplored   []analysis.Topic  `json:"topicsExplored"`
	EmotionalDepth   int               `json:"emotionalDepth"`
	UserOpenness     int               `json:"userOpenness"`
	ReadinessForHelp int               `json:"readinessForHelp"`
	CrisisIndicators []CrisisIndicator `json:"crisisIndicators"`
}

// Snapshot is the plain serializable form of a ConversationContext. Sets are
// exported as sorted lists so that ToSnapshot(FromSnapshot(s)) equals s.
type Snapshot struct {
	EmotionalTone     analysis.Emotion   `json:"emotionalTone"`
	KeyTopics         []analysis.Topic   `json:"keyTopics"`
	ResponseHistory   []string           `json:"responseHistory"`
	EngagementMetrics EngagementSnapshot `json:"engagementMetrics"`
	SessionStage      Stage              `json:"sessionStage"`
	SentimentHistory  []SentimentEntry   `json:"sentimentHistory"`
	TurnCount         int                `json:"turnCount"`
}

// ToSnapshot returns a deep copy of the context.
func (c *ConversationContext) ToSnapshot() Snapshot {
	return Snapshot{
		EmotionalTone:   c.EmotionalTone,
		KeyTopics:       sortedTopics(c.KeyTopics),
		ResponseHistory: append([]string{}, c.ResponseHistory...),
		EngagementMetrics: EngagementSnapshot{
			TopicsExplored:   sortedTopics(c.Engagement.TopicsExplored),
			EmotionalDepth:   c.Engagement.EmotionalDepth,
			UserOpenness:     c.Engagement.UserOpenness,
			ReadinessForHelp: c.Engagement.ReadinessForHelp,
			CrisisIndicators: append([]CrisisIndicator{}, c.Engagement.CrisisIndicators...),
		},
		SessionStage:     c.Stage,
		SentimentHistory: append([]SentimentEntry{}, c.SentimentHistory...),
		TurnCount:        c.TurnCount,
	}
}

// FromSnapshot restores a context. Out-of-range values are clamped and
// bounded lists keep their newest entries.
func FromSnapshot(s Snapshot) *ConversationContext {
	c := New()
	if s.EmotionalTone != "" {
		c.EmotionalTone = s.EmotionalTone
	}
	for _, t := range s.KeyTopics {
		c.KeyTopics[t] = struct{}{}
	}
	for _, r := range s.ResponseHistory {
		c.RememberResponse(r)
	}
	for _, t := range s.EngagementMetrics.TopicsExplored {
		c.Engagement.TopicsExplored[t] = struct{}{}
	}
	c.Engagement.EmotionalDepth = clamp(s.EngagementMetrics.EmotionalDepth)
	c.Engagement.UserOpenness = clamp(s.EngagementMetrics.UserOpenness)
	c.Engagement.ReadinessForHelp = clamp(s.EngagementMetrics.ReadinessForHelp)
	c.Engagement.CrisisIndicators = append(c.Engagement.CrisisIndicators, s.EngagementMetrics.CrisisIndicators...)
	if IsValidStage(s.SessionStage) {
		c.Stage = s.SessionStage
	}
	history := s.SentimentHistory
	if over := len(history) - MaxSentimentHistory; over > 0 {
		history = history[over:]
	}
	c.SentimentHistory = append(c.SentimentHistory, history...)
	if s.TurnCount > 0 {
		c.TurnCount = s.TurnCount
	}
	return c
}

// Marshal encodes the context snapshot as JSON for the persistence layer.
func (c *ConversationContext) Marshal() ([]byte, error) {
	data, err := json.Marshal(c.ToSnapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation context: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON snapshot into a new context.
func Unmarshal(data []byte) (*ConversationContext, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation context: %w", err)
	}
	return FromSnapshot(s), nil
}

// Trend describes the direction of recent sentiment.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	trendWindow    = 3
	trendThreshold = 0.2
	sharpDropDelta = 0.5
)

// Trend compares the oldest and newest of the last few sentiment points.
func (c *ConversationContext) Trend() Trend {
	h := c.SentimentHistory
	if len(h) < 2 {
		return TrendStable
	}
	if len(h) > trendWindow {
		h = h[len(h)-trendWindow:]
	}
	diff := h[len(h)-1].Score - h[0].Score
	switch {
	case diff > trendThreshold:
		return TrendImproving
	case diff < -trendThreshold:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// SharpDrop reports the most recent drop of at least sharpDropDelta between
// consecutive sentiment points, if any.
func (c *ConversationContext) SharpDrop() (time.Time, bool) {
	for i := len(c.SentimentHistory) - 1; i > 0; i-- {
		if c.SentimentHistory[i-1].Score-c.SentimentHistory[i].Score >= sharpDropDelta {
			return c.SentimentHistory[i].At, true
		}
	}
	return time.Time{}, false
}

// Insights is the read-only view served to clients.
type Insights struct {
	Context   Snapshot   `json:"context"`
	Trend     Trend      `json:"trend"`
	SharpDrop *time.Time `json:"sharpDropAt,omitempty"`
}

// Insights returns the exported context with its sentiment trend.
func (c *ConversationContext) Insights() Insights {
	in := Insights{Context: c.ToSnapshot(), Trend: c.Trend()}
	if at, ok := c.SharpDrop(); ok {
		in.SharpDrop = &at
	}
	return in
}

func sortedTopics(set map[analysis.Topic]struct{}) []analysis.Topic {
	out := make([]analysis.Topic, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
