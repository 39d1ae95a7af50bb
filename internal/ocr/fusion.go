package ocr

import (
	"strings"
	"unicode/utf8"
)

// Candidate scoring for positional fusion.
const (
	candidateConfidenceWeight = 0.4
	candidateWordBonus        = 0.2
)

// FusionInput is one source text offered to the fusion engine.
type FusionInput struct {
	Text       string
	Confidence float64
}

// FusionCandidate is the token one source proposes at a position.
type FusionCandidate struct {
	Word       string
	Confidence float64
	Source     int
}

func (c FusionCandidate) score() float64 {
	s := c.Confidence * candidateConfidenceWeight
	if utf8.RuneCountInString(c.Word) >= 3 && isCompleteWord(c.Word) {
		s += candidateWordBonus
	}
	return s
}

// Fuse merges texts token by token. The base sequence is the first
// tokenization with the most tokens; at every base position the
// highest-scoring candidate wins and ties go to the earlier source.
// confidences is parallel to texts.
func Fuse(texts []string, confidences []float64) string {
	if len(texts) == 0 {
		return ""
	}

	tokenized := make([][]string, len(texts))
	base := 0
	for i, t := range texts {
		tokenized[i] = strings.Fields(t)
		if len(tokenized[i]) > len(tokenized[base]) {
			base = i
		}
	}

	fused := make([]string, 0, len(tokenized[base]))
	for pos := range tokenized[base] {
		var (
			best      FusionCandidate
			bestScore float64
			found     bool
		)
		for src, words := range tokenized {
			if pos >= len(words) {
				continue
			}
			c := FusionCandidate{Word: words[pos], Confidence: confidenceAt(confidences, src), Source: src}
			if s := c.score(); !found || s > bestScore {
				best, bestScore, found = c, s, true
			}
		}
		if !found {
			fused = append(fused, tokenized[base][pos])
			continue
		}
		fused = append(fused, best.Word)
	}

	return strings.Join(fused, " ")
}

// FuseAndRefine fuses inputs and passes the result through Refine.
// A single input is only refined.
func FuseAndRefine(inputs []FusionInput) string {
	switch len(inputs) {
	case 0:
		return ""
	case 1:
		return Refine(inputs[0].Text)
	}

	texts := make([]string, len(inputs))
	confidences := make([]float64, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text
		confidences[i] = in.Confidence
	}
	return Refine(Fuse(texts, confidences))
}

func confidenceAt(confidences []float64, i int) float64 {
	if i < len(confidences) {
		return confidences[i]
	}
	return defaultCandidateConfidence
}
