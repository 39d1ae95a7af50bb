/**
 * Tesseract engine - deterministic local OCR through gosseract
 *
 * gosseract clients are not goroutine-safe, so every call gets its own
 * client. Whether libtesseract is usable is probed once.
 */

package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
)

// TesseractName is the registry key of the Tesseract engine.
const TesseractName = "tesseract"

// TesseractEngine implements Engine with libtesseract
type TesseractEngine struct {
	name          string
	languages     []string
	variables     map[string]string
	clientFactory func() *gosseract.Client
	logger        *logging.Logger

	probeOnce sync.Once
	available bool
}

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages []string
	// Variables are passed to SetVariable on every client.
	Variables map[string]string
}

// NewTesseractEngine creates a Tesseract engine
func NewTesseractEngine(cfg TesseractConfig) *TesseractEngine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	vars := map[string]string{"preserve_interword_spaces": "1"}
	for k, v := range cfg.Variables {
		vars[k] = v
	}
	return &TesseractEngine{
		name:          TesseractName,
		languages:     cfg.Languages,
		variables:     vars,
		clientFactory: gosseract.NewClient,
		logger:        logging.NewLogger("Tesseract"),
	}
}

func (t *TesseractEngine) Name() string { return t.name }

// Available probes libtesseract and the configured languages once.
func (t *TesseractEngine) Available() bool {
	t.probeOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Warn("Tesseract probe panicked", "panic", r)
				t.available = false
			}
		}()
		c := t.clientFactory()
		defer c.Close()
		if err := c.SetLanguage(t.languages...); err != nil {
			t.logger.Warn("Tesseract languages unavailable", "languages", t.languages, "error", err)
			return
		}
		t.available = gosseract.Version() != ""
		t.logger.Info("Tesseract probed", "version", gosseract.Version(), "available", t.available)
	})
	return t.available
}

// Recognize runs Tesseract on img. gosseract has no cancellation, so the
// call runs in its own goroutine and is abandoned if ctx ends first.
func (t *TesseractEngine) Recognize(ctx context.Context, img image.Image) OCRResult {
	start := time.Now()
	if !t.Available() {
		return EmptyResult(t.name, time.Since(start).Seconds())
	}

	type outcome struct {
		text string
		conf float64
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tesseract panicked: %v", r)}
			}
		}()
		text, conf, err := t.recognize(img)
		done <- outcome{text, conf, err}
	}()

	select {
	case <-ctx.Done():
		t.logger.Warn("Tesseract abandoned", "error", ctx.Err())
		return EmptyResult(t.name, time.Since(start).Seconds())
	case out := <-done:
		elapsed := time.Since(start).Seconds()
		if out.err != nil {
			t.logger.Error("Tesseract OCR failed", "error", out.err)
			return EmptyResult(t.name, elapsed)
		}
		return t.result(out.text, out.conf, elapsed)
	}
}

// result scores the page on its trimmed text. Tesseract pads output with
// newlines and a form feed.
func (t *TesseractEngine) result(raw string, conf, elapsed float64) OCRResult {
	return NewResult(t.name, strings.TrimSpace(raw), conf, elapsed)
}

func (t *TesseractEngine) recognize(img image.Image) (string, float64, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", 0, fmt.Errorf("encode png: %w", err)
	}

	c := t.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(t.languages...); err != nil {
		return "", 0, fmt.Errorf("set languages: %w", err)
	}
	for k, v := range t.variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return "", 0, fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize text: %w", err)
	}

	return text, wordConfidence(c), nil
}

// wordConfidence averages the positive word confidences, scaled to [0,1].
func wordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return 0
	}
	var sum float64
	var n int
	for _, b := range boxes {
		if b.Confidence > 0 {
			sum += b.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 100.0
}
