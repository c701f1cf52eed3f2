package analysis

import (
	"math"
	"testing"

	"github.com/BTreeMap/HavenChat/internal/crisis"
)

func TestDetectEmotionFirstMatchWins(t *testing.T) {
	tests := []struct {
		text string
		want Emotion
	}{
		{"I feel so alone and nobody understands me", EmotionLonely},
		{"I'm angry and sad", EmotionFrustrated},
		{"so worried about everything", EmotionAnxious},
		{"it all feels pointless", EmotionHopeless},
		{"I had lunch", EmotionNeutral},
		{"", EmotionNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, _ := DetectEmotion(tt.text)
			if got != tt.want {
				t.Errorf("DetectEmotion(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetectEmotionConfidence(t *testing.T) {
	_, c := DetectEmotion("I feel so alone and nobody understands me")
	if math.Abs(c-0.8) > 1e-9 {
		t.Errorf("expected confidence 0.8 for two keywords, got %v", c)
	}
	_, c = DetectEmotion("alone lonely isolated nobody empty")
	if c != 1 {
		t.Errorf("expected confidence capped at 1, got %v", c)
	}
	_, c = DetectEmotion("hello")
	if c != 1 {
		t.Errorf("expected neutral confidence 1, got %v", c)
	}
}

func TestDetectTopics(t *testing.T) {
	got := DetectTopics("My mother says my grades are not good enough")
	want := []Topic{TopicFamily, TopicPerformance, TopicValidation}
	if len(got) != len(want) {
		t.Fatalf("DetectTopics() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("topic %d = %s, want %s", i, got[i], want[i])
		}
	}
	if topics := DetectTopics(""); topics == nil || len(topics) != 0 {
		t.Errorf("expected empty non-nil topic list, got %#v", topics)
	}
}

func TestScoreIntensity(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Intensity
	}{
		{"plain", "I had a long day", IntensityLow},
		{"intensifiers", "I am really very tired, always", IntensityMedium},
		{"so inside also is ignored", "I also went out", IntensityLow},
		{"high words", "This is terrible and horrible and I hate it!", IntensityHigh},
		{"shouting", "I HATE THIS SO MUCH!!! It is UNBEARABLE... nooooo", IntensityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, score := ScoreIntensity(tt.text)
			if got != tt.want {
				t.Errorf("ScoreIntensity(%q) = %s (score %v), want %s", tt.text, got, score, tt.want)
			}
		})
	}
}

func TestBucketIntensityBoundaries(t *testing.T) {
	cases := map[float64]Intensity{0: IntensityLow, 2: IntensityLow, 2.5: IntensityMedium, 5: IntensityMedium, 5.5: IntensityHigh, 8: IntensityHigh, 8.5: IntensityCritical}
	for score, want := range cases {
		if got := BucketIntensity(score); got != want {
			t.Errorf("BucketIntensity(%v) = %s, want %s", score, got, want)
		}
	}
	if !IntensityCritical.AtLeast(IntensityHigh) || IntensityMedium.AtLeast(IntensityHigh) {
		t.Error("AtLeast ordering is wrong")
	}
}

func TestRepeatedLetterRuns(t *testing.T) {
	if n := repeatedLetterRuns("sooo baaaad"); n != 2 {
		t.Errorf("expected 2 runs, got %d", n)
	}
	if n := repeatedLetterRuns("good"); n != 0 {
		t.Errorf("expected 0 runs, got %d", n)
	}
}

func TestClassifyLonelyScenario(t *testing.T) {
	c := NewClassifier(crisis.NewDetector())
	r := c.Classify("I feel so alone and nobody understands me")
	if r.Emotion != EmotionLonely {
		t.Errorf("expected lonely, got %s", r.Emotion)
	}
	if r.Crisis {
		t.Error("expected no crisis flag")
	}
	if !r.HasTopic(TopicSocial) {
		t.Errorf("expected social topic, got %v", r.Topics)
	}
	if r.Intensity != IntensityLow {
		t.Errorf("expected low intensity, got %s", r.Intensity)
	}
}

func TestClassifyFlagsCrisisAndValidation(t *testing.T) {
	c := NewClassifier(crisis.NewDetector())
	r := c.Classify("I feel worthless, I want to die")
	if !r.Crisis {
		t.Error("expected crisis flag")
	}
	if !r.NeedsValidation {
		t.Error("expected needs validation")
	}
	if r.Emotion != EmotionHopeless {
		t.Errorf("expected hopeless, got %s", r.Emotion)
	}
}

func TestClassifyNilDetector(t *testing.T) {
	r := NewClassifier(nil).Classify("")
	if r.Emotion != EmotionNeutral || r.Intensity != IntensityLow || len(r.Topics) != 0 || r.Crisis {
		t.Errorf("unexpected result for empty input: %+v", r)
	}
}
