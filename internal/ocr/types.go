/**
 * OCR Types - data structures shared by engines, the coordinator and callers
 *
 * OCRResult is produced once per engine/variant invocation. The coordinator
 * may rewrite Engine to tag the variant; nothing else is mutated after
 * construction.
 */

package ocr

import (
	"strings"
	"unicode/utf8"
)

// Engine names produced by the pipeline itself rather than by an adapter.
const (
	EngineNone                = "none"
	EngineFusion              = "advanced_fusion"
	EngineExternalUnavailable = "external_api_unavailable"
	EngineTesseractFallback   = "tesseract_fallback"
	EngineFailed              = "failed"
)

const (
	refinedSuffix              = "_refined"
	defaultCandidateConfidence = 0.5
	validQualityFloor          = 0.1
	detectionConfidenceFloor   = 0.3
	fallbackScore              = 0.5
)

// OCRResult represents one engine invocation (or a result derived from several)
type OCRResult struct {
	Text           string        `json:"text"`
	Confidence     float64       `json:"confidence"`
	Engine         string        `json:"engine"`
	ProcessingTime float64       `json:"processing_time"` // seconds
	WordCount      int           `json:"word_count"`
	CharacterCount int           `json:"character_count"`
	QualityScore   float64       `json:"quality_score"`
	BoundingBoxes  []BoundingBox `json:"bounding_boxes,omitempty"`
}

// BoundingBox is one recognized token and where it was found.
// Region holds the corner points as reported by the engine.
type BoundingBox struct {
	Region     []Point `json:"bbox"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Point is a pixel coordinate in the source image.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NewResult builds a result with derived counts and a freshly computed quality score.
func NewResult(engine, text string, confidence, seconds float64) OCRResult {
	return OCRResult{
		Text:           text,
		Confidence:     confidence,
		Engine:         engine,
		ProcessingTime: seconds,
		WordCount:      len(strings.Fields(text)),
		CharacterCount: utf8.RuneCountInString(text),
		QualityScore:   ScoreWithConfidence(text, confidence),
	}
}

// EmptyResult is the all-zero outcome used for any adapter failure or timeout.
func EmptyResult(engine string, seconds float64) OCRResult {
	return OCRResult{Engine: engine, ProcessingTime: seconds}
}

// derivedResult builds a result whose counts match text and whose quality is given.
func derivedResult(engine, text string, confidence, quality, seconds float64) OCRResult {
	return OCRResult{
		Text:           text,
		Confidence:     confidence,
		Engine:         engine,
		ProcessingTime: seconds,
		WordCount:      len(strings.Fields(text)),
		CharacterCount: utf8.RuneCountInString(text),
		QualityScore:   quality,
	}
}

// EnsembleOutcome is the coordinator's verdict for one page.
type EnsembleOutcome struct {
	BestResult       OCRResult   `json:"best_result"`
	AllResults       []OCRResult `json:"all_results"`
	NeedsExternalAPI bool        `json:"needs_external_api"`
	FusionUsed       bool        `json:"fusion_used"`
}

// PageResult is the per-page output contract consumed by document metrics,
// storage and the CLI.
type PageResult struct {
	PageNumber       int         `json:"page_number"`
	Text             string      `json:"text"`
	Confidence       float64     `json:"confidence"`
	QualityScore     float64     `json:"quality_score"`
	EngineUsed       string      `json:"engine_used"`
	ProcessingTime   float64     `json:"processing_time"`
	WordCount        int         `json:"word_count"`
	CharacterCount   int         `json:"character_count"`
	AllEngineResults []OCRResult `json:"all_engine_results"`
	UsedExternalAPI  bool        `json:"used_external_api"`
	FusionUsed       bool        `json:"fusion_used"`
	Error            string      `json:"error,omitempty"`
}

// DocumentResult holds every page in page order plus the aggregate metrics.
type DocumentResult struct {
	Pages   []PageResult    `json:"pages"`
	Summary DocumentMetrics `json:"processing_summary"`
}

// DocumentMetrics aggregates page results. Averages skip pages that carry an error.
type DocumentMetrics struct {
	TotalPages          int      `json:"total_pages"`
	AvgConfidence       float64  `json:"avg_confidence"`
	AvgQuality          float64  `json:"avg_quality"`
	TotalProcessingTime float64  `json:"total_processing_time"`
	EnginesUsed         []string `json:"engines_used"`
	ExternalAPIUsage    int      `json:"external_api_usage"`
	SuccessfulPages     int      `json:"successful_pages"`
	FailedPages         int      `json:"failed_pages"`
}
