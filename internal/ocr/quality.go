package ocr

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Weights of the quality score terms. Escalation thresholds are calibrated
// against these values.
const (
	lengthWeight       = 0.15
	completenessWeight = 0.25
	varietyWeight      = 0.15
	confidenceWeight   = 0.05
	lengthSaturation   = 100
)

// Score rates text in [0,1] from its content alone.
func Score(text string) float64 {
	return score(text, 0, false)
}

// ScoreWithConfidence adds the engine-confidence term to Score.
func ScoreWithConfidence(text string, confidence float64) float64 {
	return score(text, confidence, true)
}

func score(text string, confidence float64, withConfidence bool) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	runes := utf8.RuneCountInString(text)
	q := math.Min(float64(runes)/lengthSaturation, 1.0) * lengthWeight

	if words := strings.Fields(text); len(words) > 0 {
		complete := 0
		for _, w := range words {
			if isCompleteWord(w) {
				complete++
			}
		}
		q += float64(complete) / float64(len(words)) * completenessWeight
	}

	distinct := make(map[rune]struct{})
	for _, r := range strings.ToLower(text) {
		distinct[r] = struct{}{}
	}
	q += float64(len(distinct)) / float64(runes) * varietyWeight

	if withConfidence {
		q += confidence * confidenceWeight
	}

	return math.Min(q, 1.0)
}

// isCompleteWord reports whether w has at least three runes, all of them letters.
func isCompleteWord(w string) bool {
	if utf8.RuneCountInString(w) < 3 {
		return false
	}
	for _, r := range w {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
