package ocr

import (
	"regexp"
	"strings"
)

var (
	horizontalSpaceRe   = regexp.MustCompile(`[ \t\r\f\v\p{Zs}]+`)
	blankLinesRe        = regexp.MustCompile(`\n{3,}`)
	spaceBeforePunctRe  = regexp.MustCompile(`\s+([,.;:!?])`)
	punctFollowedByRe   = regexp.MustCompile(`([,.;:!?])(\S)`)
	unitSpacingRe       = regexp.MustCompile(`(\d+)\s*(mg|ml|kg|lbs|g|cm|mm)\b`)
	abbreviationColonRe = regexp.MustCompile(`\b([A-Z]{2,})\s*:`)
)

// Refine applies the deterministic cleanup pass used for every final text.
// It is idempotent: Refine(Refine(t)) == Refine(t).
func Refine(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text = horizontalSpaceRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")

	text = spaceBeforePunctRe.ReplaceAllString(text, "$1")
	text = punctFollowedByRe.ReplaceAllString(text, "$1 $2")

	text = unitSpacingRe.ReplaceAllString(text, "$1 $2")
	text = abbreviationColonRe.ReplaceAllString(text, "$1:")

	return strings.TrimSpace(text)
}
