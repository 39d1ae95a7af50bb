package ocr

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func requireTesseract(t *testing.T) *TesseractEngine {
	t.Helper()
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed")
	}
	e := NewTesseractEngine(TesseractConfig{})
	if !e.Available() {
		t.Skip("libtesseract not usable")
	}
	return e
}

func TestTesseractConfigDefaults(t *testing.T) {
	e := NewTesseractEngine(TesseractConfig{Variables: map[string]string{"tessedit_pageseg_mode": "6"}})

	assert.Equal(t, TesseractName, e.Name())
	assert.Equal(t, []string{"eng"}, e.languages)
	assert.Equal(t, "1", e.variables["preserve_interword_spaces"])
	assert.Equal(t, "6", e.variables["tessedit_pageseg_mode"])
}

func TestTesseractRecognizesRenderedText(t *testing.T) {
	e := requireTesseract(t)
	page := GenerateVariants(textPage("HELLO WORLD", 200, 40))[VariantUpscaled]

	res := e.Recognize(context.Background(), page)

	assert.Equal(t, TesseractName, res.Engine)
	assert.GreaterOrEqual(t, res.Confidence, 0.0)
	assert.LessOrEqual(t, res.Confidence, 1.0)
	if res.Text != "" {
		assert.Equal(t, res.Text, strings.TrimSpace(res.Text))
		assert.Greater(t, res.QualityScore, 0.0)
	}
}

func TestTesseractHonoursCancelledContext(t *testing.T) {
	e := requireTesseract(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res := e.Recognize(ctx, textPage("late", 60, 20))

	assert.Equal(t, TesseractName, res.Engine)
}

func TestTesseractScoresTrimmedText(t *testing.T) {
	e := NewTesseractEngine(TesseractConfig{})
	raw := "Invoice total due\n\n\f"

	res := e.result(raw, 0.8, 0.1)

	assert.Equal(t, "Invoice total due", res.Text)
	assert.Equal(t, NewResult(TesseractName, "Invoice total due", 0.8, 0.1).QualityScore, res.QualityScore)
	assert.NotEqual(t, NewResult(TesseractName, raw, 0.8, 0.1).QualityScore, res.QualityScore)
}
