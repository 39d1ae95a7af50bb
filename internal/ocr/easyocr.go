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

// EasyOCRName is the registry key of the detection-based engine.
const EasyOCRName = "easyocr"

// DetectionSource returns per-region detections for a PNG image.
// *clients.DetectionClient satisfies it.
type DetectionSource interface {
	Configured() bool
	HealthCheck(ctx context.Context) error
	ReadText(ctx context.Context, png []byte, languages []string) ([]clients.Detection, error)
}

// DetectionEngine adapts a detection+recognition backend to Engine
type DetectionEngine struct {
	name      string
	source    DetectionSource
	languages []string
	logger    *logging.Logger
}

// NewDetectionEngine wraps source under the easyocr engine name
func NewDetectionEngine(source DetectionSource, languages []string) *DetectionEngine {
	return &DetectionEngine{
		name:      EasyOCRName,
		source:    source,
		languages: languages,
		logger:    logging.NewLogger("EasyOCR"),
	}
}

func (e *DetectionEngine) Name() string { return e.name }

func (e *DetectionEngine) Available() bool {
	return e.source != nil && e.source.Configured()
}

// CheckHealth asks the sidecar whether it is serving.
func (e *DetectionEngine) CheckHealth(ctx context.Context) error {
	if !e.Available() {
		return ErrBackendNotConfigured
	}
	return e.source.HealthCheck(ctx)
}

// Recognize keeps detections above the confidence floor, joins their text
// with single spaces and reports the mean kept confidence.
func (e *DetectionEngine) Recognize(ctx context.Context, img image.Image) OCRResult {
	start := time.Now()
	if !e.Available() {
		return EmptyResult(e.name, time.Since(start).Seconds())
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		e.logger.Error("Encoding page failed", "error", err)
		return EmptyResult(e.name, time.Since(start).Seconds())
	}

	detections, err := e.source.ReadText(ctx, buf.Bytes(), e.languages)
	if err != nil {
		e.logger.Error("EasyOCR failed", "error", err)
		return EmptyResult(e.name, time.Since(start).Seconds())
	}

	var (
		texts []string
		boxes []BoundingBox
		sum   float64
	)
	for _, d := range detections {
		if d.Confidence <= detectionConfidenceFloor {
			continue
		}
		texts = append(texts, d.Text)
		sum += d.Confidence
		region := make([]Point, len(d.Box))
		for i, p := range d.Box {
			region[i] = Point{X: p[0], Y: p[1]}
		}
		boxes = append(boxes, BoundingBox{Region: region, Text: d.Text, Confidence: d.Confidence})
	}

	var confidence float64
	if len(texts) > 0 {
		confidence = sum / float64(len(texts))
	}

	res := NewResult(e.name, strings.Join(texts, " "), confidence, time.Since(start).Seconds())
	res.BoundingBoxes = boxes
	return res
}
