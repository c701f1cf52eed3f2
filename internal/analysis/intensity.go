package analysis

import (
	"strings"
	"unicode"
)

// Intensity is the bucketed emotional intensity of a message.
type Intensity string

const (
	IntensityLow      Intensity = "low"
	IntensityMedium   Intensity = "medium"
	IntensityHigh     Intensity = "high"
	IntensityCritical Intensity = "critical"
)

var intensityRank = map[Intensity]int{
	IntensityLow:      0,
	IntensityMedium:   1,
	IntensityHigh:     2,
	IntensityCritical: 3,
}

// AtLeast reports whether i is at or above other.
func (i Intensity) AtLeast(other Intensity) bool {
	return intensityRank[i] >= intensityRank[other]
}

const (
	capsWeight        = 2.0
	intensifierWeight = 1.0
	highWordWeight    = 1.5
	exclamationWeight = 1.0
	ellipsisWeight    = 0.5
	repeatWeight      = 1.0
)

var intensifiers = map[string]bool{
	"really": true, "very": true, "extremely": true, "so": true,
	"always": true, "never": true, "constantly": true,
}

var highIntensityWords = []string{"terrible", "horrible", "unbearable", "can't stand", "hate", "desperate"}

// ScoreIntensity computes the weighted intensity score and its bucket.
func ScoreIntensity(text string) (Intensity, float64) {
	var score float64

	for _, field := range strings.Fields(text) {
		if isShouted(field) {
			score += capsWeight
		}
	}
	for _, w := range Words(text) {
		if intensifiers[w] {
			score += intensifierWeight
		}
	}
	lower := strings.ToLower(strings.ReplaceAll(text, "’", "'"))
	for _, w := range highIntensityWords {
		score += highWordWeight * float64(strings.Count(lower, w))
	}
	score += exclamationWeight * float64(strings.Count(text, "!"))
	score += ellipsisWeight * float64(strings.Count(text, "..."))
	score += repeatWeight * float64(repeatedLetterRuns(lower))

	return BucketIntensity(score), score
}

// BucketIntensity maps a raw score onto the intensity levels.
func BucketIntensity(score float64) Intensity {
	switch {
	case score > 8:
		return IntensityCritical
	case score > 5:
		return IntensityHigh
	case score > 2:
		return IntensityMedium
	default:
		return IntensityLow
	}
}

// isShouted is true for a token with at least 3 letters, all upper case.
func isShouted(token string) bool {
	letters := 0
	for _, r := range token {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 3
}

// repeatedLetterRuns counts runs of the same letter repeated 3 or more times ("sooo").
func repeatedLetterRuns(s string) int {
	runs := 0
	var prev rune
	length := 0
	for _, r := range s {
		if unicode.IsLetter(r) && r == prev {
			length++
			if length == 3 {
				runs++
			}
			continue
		}
		prev = r
		length = 1
	}
	return runs
}
