// Package analysis classifies a single user message: emotion, topics,
// intensity and whether the user needs validation.
package analysis

import (
	"log/slog"
	"math"
	"strings"
	"unicode"

	"github.com/BTreeMap/HavenChat/internal/crisis"
)

// Emotion is the dominant emotion label for a message.
type Emotion string

const (
	EmotionNeutral    Emotion = "neutral"
	EmotionFrustrated Emotion = "frustrated"
	EmotionSad        Emotion = "sad"
	EmotionAnxious    Emotion = "anxious"
	EmotionLonely     Emotion = "lonely"
	EmotionHopeless   Emotion = "hopeless"
)

// Topic is a conversation subject detected in a message.
type Topic string

const (
	TopicFamily      Topic = "family"
	TopicPerformance Topic = "performance"
	TopicSocial      Topic = "social"
	TopicValidation  Topic = "validation"
	TopicTrauma      Topic = "trauma"
	TopicIdentity    Topic = "identity"
	TopicHealth      Topic = "health"
	TopicFuture      Topic = "future"
)

type emotionKeywords struct {
	emotion  Emotion
	keywords []string
}

// emotionTable is scanned in order and the first category with a hit wins.
var emotionTable = []emotionKeywords{
	{EmotionFrustrated, []string{"frustrated", "annoyed", "angry", "mad", "pissed"}},
	{EmotionSad, []string{"sad", "depressed", "down", "hurt", "broken"}},
	{EmotionAnxious, []string{"anxious", "worried", "stressed", "nervous", "scared"}},
	{EmotionLonely, []string{"alone", "lonely", "isolated", "nobody", "empty"}},
	{EmotionHopeless, []string{"hopeless", "pointless", "useless", "worthless", "give up"}},
}

type topicKeywords struct {
	topic    Topic
	keywords []string
}

var topicTable = []topicKeywords{
	{TopicFamily, []string{"family", "parent", "mother", "father", "mom", "dad", "sibling", "brother", "sister"}},
	{TopicPerformance, []string{"school", "exam", "grades", "work", "job", "career", "study"}},
	{TopicSocial, []string{"friend", "relationship", "people", "social", "alone", "lonely", "isolated", "nobody"}},
	{TopicValidation, []string{"childish", "immature", "stupid", "not good enough", "judge", "criticize"}},
	{TopicTrauma, []string{"abuse", "trauma", "assault", "violence", "accident"}},
	{TopicIdentity, []string{"who i am", "identity", "belong", "culture", "faith"}},
	{TopicHealth, []string{"sleep", "eat", "sick", "tired", "pain", "health"}},
	{TopicFuture, []string{"future", "plans", "goals", "dream", "tomorrow"}},
}

var validationKeywords = []string{"childish", "immature", "stupid", "worthless", "useless"}

// Result is the classification of one message. It is not persisted.
type Result struct {
	Emotion         Emotion   `json:"emotion"`
	Confidence      float64   `json:"confidence"`
	Topics          []Topic   `json:"topics"`
	Intensity       Intensity `json:"intensity"`
	IntensityScore  float64   `json:"intensity_score"`
	NeedsValidation bool      `json:"needs_validation"`
	Crisis          bool      `json:"crisis"`
}

// HasTopic reports whether t was detected.
func (r Result) HasTopic(t Topic) bool {
	for _, topic := range r.Topics {
		if topic == t {
			return true
		}
	}
	return false
}

// Classifier combines the emotion, topic and intensity scans with the crisis flag.
type Classifier struct {
	detector *crisis.Detector
}

// NewClassifier creates a Classifier. A nil detector disables the crisis flag.
func NewClassifier(detector *crisis.Detector) *Classifier {
	return &Classifier{detector: detector}
}

// Classify never fails; empty input yields a neutral, low-intensity result.
func (c *Classifier) Classify(text string) Result {
	emotion, confidence := DetectEmotion(text)
	intensity, score := ScoreIntensity(text)
	r := Result{
		Emotion:         emotion,
		Confidence:      confidence,
		Topics:          DetectTopics(text),
		Intensity:       intensity,
		IntensityScore:  score,
		NeedsValidation: NeedsValidation(text),
	}
	if c != nil && c.detector != nil {
		r.Crisis = c.detector.Detect(text).IsActive
	}
	slog.Debug("Classifier.Classify: classified message", "emotion", r.Emotion, "confidence", r.Confidence,
		"topics", r.Topics, "intensity", r.Intensity, "score", r.IntensityScore, "needsValidation", r.NeedsValidation)
	return r
}

// DetectEmotion returns the first emotion in table order with a keyword hit.
func DetectEmotion(text string) (Emotion, float64) {
	lower := strings.ToLower(text)
	for _, entry := range emotionTable {
		matched := 0
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				matched++
			}
		}
		if matched > 0 {
			return entry.emotion, math.Min(1, 0.5+0.15*float64(matched))
		}
	}
	return EmotionNeutral, 1
}

// DetectTopics returns every topic with at least one keyword hit, in table order.
func DetectTopics(text string) []Topic {
	lower := strings.ToLower(text)
	topics := []Topic{}
	for _, entry := range topicTable {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				topics = append(topics, entry.topic)
				break
			}
		}
	}
	return topics
}

// NeedsValidation reports self-deprecating or dismissive language.
func NeedsValidation(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range validationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Words splits text into lower-cased letter runs, keeping apostrophes inside words.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
}
