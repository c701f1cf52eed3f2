// Package crisis scans user messages for self-harm, spiritual distress and
// cultural pressure language. Detection runs before any other analysis and a
// severe result always bypasses normal response generation.
package crisis

import (
	"log/slog"
	"strings"
)

// Category names the pattern group that matched.
type Category string

const (
	CategoryNone              Category = ""
	CategoryImmediateRisk     Category = "immediate_risk"
	CategorySpiritualDistress Category = "spiritual_distress"
	CategoryCulturalPressure  Category = "cultural_pressure"
)

// Severity is the mapped crisis level.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeveritySevere   Severity = "severe"
)

// highThreshold is the match count above which a non-immediate assessment is high.
const highThreshold = 2

// Assessment is the result of scanning one message.
type Assessment struct {
	IsActive          bool     `json:"is_active"`
	Severity          Severity `json:"severity"`
	Category          Category `json:"category,omitempty"`
	RequiresImmediate bool     `json:"requires_immediate"`
	Level             int      `json:"level"`
	Matches           []string `json:"matches,omitempty"`
}

// phraseList is one named list of phrases inside a category.
type phraseList struct {
	name    string
	phrases []string
}

type categoryPatterns struct {
	category Category
	lists    []phraseList
}

// defaultPatterns are evaluated in order; immediate risk must stay first.
var defaultPatterns = []categoryPatterns{
	{
		category: CategoryImmediateRisk,
		lists: []phraseList{
			{name: "keywords", phrases: []string{
				"suicide", "kill myself", "end my life", "want to die",
				"harm myself", "hurt myself", "self harm", "self-harm",
				"no reason to live", "better off dead", "can't go on",
			}},
			// Twi phrasings, with and without the open-e letter.
			{name: "localized", phrases: []string{
				"me pɛ sɛ me wu", "me pe se me wu",
				"medi me ho awu",
				"menpɛ sɛ me tra ase", "menpe se me tra ase",
				"mepɛ sɛ metena ase", "mepe se metena ase",
			}},
			{name: "contextual", phrases: []string{
				"spirits haunting me", "cursed", "no peace",
				"voices telling me", "evil spirits",
			}},
		},
	},
	{
		category: CategorySpiritualDistress,
		lists: []phraseList{
			{name: "keywords", phrases: []string{
				"cursed", "spiritual attack", "witchcraft",
				"evil eye", "bad spirit", "haunted",
				"ancestral curse", "spiritual problem",
			}},
		},
	},
	{
		category: CategoryCulturalPressure,
		lists: []phraseList{
			{name: "keywords", phrases: []string{
				"family name", "bring shame", "community will judge",
				"elders disapprove", "against our culture",
				"what will people say",
			}},
		},
	},
}

// Detector evaluates crisis patterns. It is stateless and safe for concurrent use.
type Detector struct {
	patterns []categoryPatterns
}

// NewDetector returns a Detector with the built-in pattern tables.
func NewDetector() *Detector {
	return &Detector{patterns: defaultPatterns}
}

// Detect scans text and returns an assessment. Any immediate-risk match
// returns a severe assessment without scoring the remaining categories.
func (d *Detector) Detect(text string) Assessment {
	normalized := Normalize(text)
	if normalized == "" {
		return Assessment{Severity: SeverityNone}
	}

	var (
		level     int
		matches   []string
		best      Category
		bestCount int
	)
	for _, group := range d.patterns {
		count := 0
		for _, list := range group.lists {
			for _, phrase := range list.phrases {
				if strings.Contains(normalized, phrase) {
					count++
					matches = append(matches, phrase)
				}
			}
		}
		if count == 0 {
			continue
		}
		if group.category == CategoryImmediateRisk {
			slog.Warn("Detector.Detect: immediate risk language detected", "matches", count)
			return Assessment{
				IsActive:          true,
				Severity:          SeveritySevere,
				Category:          CategoryImmediateRisk,
				RequiresImmediate: true,
				Level:             count,
				Matches:           matches,
			}
		}
		level += count
		if count > bestCount {
			best, bestCount = group.category, count
		}
	}

	a := Assessment{
		IsActive: level > 0,
		Severity: severityFor(level),
		Category: best,
		Level:    level,
		Matches:  matches,
	}
	if a.IsActive {
		slog.Debug("Detector.Detect: crisis indicators detected", "severity", a.Severity, "category", a.Category, "level", level)
	}
	return a
}

func severityFor(level int) Severity {
	switch {
	case level > highThreshold:
		return SeverityHigh
	case level > 0:
		return SeverityModerate
	default:
		return SeverityNone
	}
}

// Normalize lower-cases text, folds typographic apostrophes and collapses whitespace.
func Normalize(text string) string {
	lower := strings.ToLower(text)
	lower = strings.NewReplacer("’", "'", "‘", "'", "`", "'").Replace(lower)
	return strings.Join(strings.Fields(lower), " ")
}
