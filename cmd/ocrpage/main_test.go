package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
)

func writePNG(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, 8, 8))))
	return path
}

func TestRootCmdRequiresImages(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	assert.Error(t, cmd.Execute())
}

func TestRootCmdRejectsBadThreshold(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--confidence-threshold", "1.5", writePNG(t, dir, "a.png")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OCR_CONFIDENCE_THRESHOLD")
}

func TestRootCmdDefaultsFromEnvironment(t *testing.T) {
	t.Setenv("OCR_CONFIDENCE_THRESHOLD", "0.4")
	t.Setenv("OCR_ENGINES", "tesseract")
	t.Setenv("EASYOCR_URL", "http://easyocr:8000")

	f := newRootCmd().Flags()

	assert.Equal(t, "0.4", f.Lookup("confidence-threshold").DefValue)
	assert.Equal(t, "[tesseract]", f.Lookup("engines").DefValue)
	assert.Equal(t, "http://easyocr:8000", f.Lookup("easyocr-url").DefValue)
}

func TestRootCmdRejectsBadEnvironment(t *testing.T) {
	t.Setenv("OCR_ENGINE_TIMEOUT", "0")
	dir := t.TempDir()

	cmd := newRootCmd()
	cmd.SetArgs([]string{writePNG(t, dir, "a.png")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OCR_ENGINE_TIMEOUT")
}

func TestRootCmdPrintsDocumentJSON(t *testing.T) {
	dir := t.TempDir()
	first := writePNG(t, dir, "1.png")
	second := writePNG(t, dir, "2.png")

	var out bytes.Buffer
	cmd := newRootCmd()
	// No sidecar and no escalation target: every invocation comes back empty.
	cmd.SetArgs([]string{"--engines", "easyocr", "--easyocr-url", "", "--mageagent-url", "", "--compact", first, second})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})

	require.NoError(t, cmd.Execute())

	var doc ocr.DocumentResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &doc))
	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 1, doc.Pages[0].PageNumber)
	assert.Equal(t, 2, doc.Pages[1].PageNumber)
	assert.Equal(t, 2, doc.Summary.TotalPages)
}

func TestRootCmdRejectsUndecodableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	cmd := newRootCmd()
	cmd.SetArgs([]string{path})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notes.txt")
}
