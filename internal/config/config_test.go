package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ocr")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.ConfidenceThreshold)
	assert.Equal(t, 0.6, cfg.QualityThreshold)
	assert.Equal(t, []string{"tesseract", "easyocr"}, cfg.Engines)
	assert.Equal(t, 30*time.Second, cfg.EngineTimeout)
	assert.Equal(t, 90*time.Second, cfg.ExternalTimeout)
	assert.Equal(t, QueueBackendRedis, cfg.QueueBackend)
	assert.Equal(t, []string{"eng"}, cfg.TesseractLanguages)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/ocr")
	t.Setenv("OCR_CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("OCR_ENGINES", " tesseract , ")
	t.Setenv("OCR_ENGINE_TIMEOUT", "5")
	t.Setenv("QUEUE_BACKEND", "ASYNQ")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.ConfidenceThreshold)
	assert.Equal(t, []string{"tesseract"}, cfg.Engines)
	assert.Equal(t, 5*time.Second, cfg.EngineTimeout)
	assert.Equal(t, QueueBackendAsynq, cfg.QueueBackend)
}

func TestLoadEnsembleConfigIgnoresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OCR_CONFIDENCE_THRESHOLD", "0.4")
	t.Setenv("OCR_EXTERNAL_TIMEOUT", "12")
	t.Setenv("EASYOCR_URL", "http://easyocr:8000")

	cfg, err := LoadEnsembleConfig()
	require.NoError(t, err)

	assert.Equal(t, 0.4, cfg.ConfidenceThreshold)
	assert.Equal(t, 12*time.Second, cfg.ExternalTimeout)
	assert.Equal(t, "http://easyocr:8000", cfg.EasyOCRURL)

	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadEnsembleConfigRejectsBadThreshold(t *testing.T) {
	t.Setenv("OCR_QUALITY_THRESHOLD", "2")

	_, err := LoadEnsembleConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OCR_QUALITY_THRESHOLD")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"bad backend", func(c *Config) { c.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"confidence above one", func(c *Config) { c.ConfidenceThreshold = 1.5 }, "OCR_CONFIDENCE_THRESHOLD"},
		{"negative quality", func(c *Config) { c.QualityThreshold = -0.1 }, "OCR_QUALITY_THRESHOLD"},
		{"no engines", func(c *Config) { c.Engines = nil }, "OCR_ENGINES"},
		{"zero engine timeout", func(c *Config) { c.EngineTimeout = 0 }, "OCR_ENGINE_TIMEOUT"},
		{"zero external timeout", func(c *Config) { c.ExternalTimeout = 0 }, "OCR_EXTERNAL_TIMEOUT"},
		{"engine concurrency", func(c *Config) { c.EngineConcurrency = 0 }, "ENGINE_CONCURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DatabaseURL = "postgres://localhost/ocr"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
