package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreBlankIsZero(t *testing.T) {
	for _, text := range []string{"", " ", "\n\t ", " "} {
		assert.Equal(t, 0.0, Score(text), "text %q", text)
		assert.Equal(t, 0.0, ScoreWithConfidence(text, 1), "text %q", text)
	}
}

func TestScoreNonBlankIsPositive(t *testing.T) {
	for _, text := range []string{".", "1", "a b", "x\ny"} {
		assert.Greater(t, Score(text), 0.0, "text %q", text)
	}
}

func TestScoreTerms(t *testing.T) {
	// 3 runes, one complete word, 3 distinct runes.
	assert.InDelta(t, 0.03*0.15+0.25+0.15, Score("abc"), 1e-9)

	// 11 runes, two complete words, 8 distinct lowercase runes.
	want := 0.11*0.15 + 0.25 + 8.0/11.0*0.15
	assert.InDelta(t, want, Score("hello world"), 1e-9)
	assert.InDelta(t, want+0.05, ScoreWithConfidence("hello world", 1.0), 1e-9)
	assert.InDelta(t, want, ScoreWithConfidence("hello world", 0), 1e-9)
}

func TestScoreLengthSaturates(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "ab "
	}
	// 150 runes: the length term is capped at its full weight.
	distinct := 3.0 / 150.0 * 0.15
	assert.InDelta(t, 0.15+0+distinct, Score(long), 1e-9)
}

func TestScoreClampsToOne(t *testing.T) {
	assert.Equal(t, 1.0, ScoreWithConfidence("abc", 100))
}

func TestScoreMonotonicInCompleteness(t *testing.T) {
	// Same length and character set, increasing share of complete words.
	none := Score("a1c d2f")
	half := Score("ab1 def")
	full := Score("abc def")

	assert.Less(t, none, half)
	assert.Less(t, half, full)
}

func TestScoreCountsRunesNotBytes(t *testing.T) {
	assert.InDelta(t, Score("abc"), Score("äöü"), 1e-9)
}
