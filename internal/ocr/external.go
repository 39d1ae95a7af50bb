package ocr

import (
	"bytes"
	"context"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/clients"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
)

// ExternalName is the engine name of a successful external recognition.
const ExternalName = "mageagent_vision"

// VisionSource is a hosted recognizer. *clients.MageAgentClient satisfies it.
type VisionSource interface {
	Configured() bool
	HealthCheck(ctx context.Context) error
	ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*clients.VisionOCRData, error)
}

// ExternalEngine is the escalation target. Whenever it has nothing to offer
// it returns the external_api_unavailable sentinel, never an error.
type ExternalEngine struct {
	source   VisionSource
	language string
	logger   *logging.Logger
}

// NewExternalEngine wraps a hosted recognizer
func NewExternalEngine(source VisionSource, language string) *ExternalEngine {
	return &ExternalEngine{
		source:   source,
		language: language,
		logger:   logging.NewLogger("ExternalOCR"),
	}
}

func (e *ExternalEngine) Name() string { return ExternalName }

func (e *ExternalEngine) Available() bool {
	return e.source != nil && e.source.Configured()
}

// CheckHealth asks the hosted recognizer whether it is serving.
func (e *ExternalEngine) CheckHealth(ctx context.Context) error {
	if !e.Available() {
		return ErrBackendNotConfigured
	}
	return e.source.HealthCheck(ctx)
}

// Recognize sends the page to the hosted recognizer. Quality is scored on the
// returned text alone; a missing confidence falls back to that quality.
func (e *ExternalEngine) Recognize(ctx context.Context, img image.Image) OCRResult {
	start := time.Now()
	if !e.Available() {
		e.logger.Warn("No external recognizer configured")
		return EmptyResult(EngineExternalUnavailable, time.Since(start).Seconds())
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		e.logger.Error("Encoding page failed", "error", err)
		return EmptyResult(EngineExternalUnavailable, time.Since(start).Seconds())
	}

	data, err := e.source.ExtractTextFromBytes(ctx, buf.Bytes(), e.language)
	if err != nil {
		e.logger.Error("External recognizer failed", "error", err)
		return EmptyResult(EngineExternalUnavailable, time.Since(start).Seconds())
	}
	if strings.TrimSpace(data.Text) == "" {
		e.logger.Warn("External recognizer returned no text", "model", data.ModelUsed)
		return EmptyResult(EngineExternalUnavailable, time.Since(start).Seconds())
	}

	quality := Score(data.Text)
	confidence := data.Confidence
	if confidence <= 0 {
		confidence = quality
	}
	e.logger.Info("External recognizer returned text", "model", data.ModelUsed, "quality", quality)

	return derivedResult(ExternalName, data.Text, confidence, quality, time.Since(start).Seconds())
}
