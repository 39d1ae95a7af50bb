/**
 * Configuration for the OCR ensemble worker
 *
 * Values come from (lowest to highest precedence): built-in defaults,
 * an optional config.yaml in the working directory, and the process
 * environment (.env.nexus is loaded into the environment by main).
 */

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Queue backends understood by cmd/worker.
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueBackend string
	QueueName    string

	// PostgreSQL configuration
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds, whole job
	MaxImageBytes     int64
	MaxRetries        int

	// Ensemble configuration
	ConfidenceThreshold float64
	QualityThreshold    float64
	Engines             []string
	EngineTimeout       time.Duration
	ExternalTimeout     time.Duration
	EngineConcurrency   int
	PageConcurrency     int

	// Engine backends
	TesseractLanguages []string
	EasyOCRURL         string
	MageAgentURL       string

	LogLevel string
}

// LoadConfig loads configuration from defaults, config.yaml and environment
func LoadConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadEnsembleConfig reads the same sources as LoadConfig but checks only the
// OCR settings, so it works without Redis or PostgreSQL.
func LoadEnsembleConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateEnsemble(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	}
	v.AutomaticEnv()

	return fromViper(v), nil
}

// Default returns the configuration with every key at its default value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("REDIS_URL", "redis://nexus-redis:6379")
	v.SetDefault("QUEUE_BACKEND", QueueBackendRedis)
	v.SetDefault("QUEUE_NAME", "ocr:jobs")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("PROCESSING_TIMEOUT", 300000) // 5 minutes
	v.SetDefault("MAX_IMAGE_BYTES", 50*1024*1024)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("OCR_CONFIDENCE_THRESHOLD", 0.7)
	v.SetDefault("OCR_QUALITY_THRESHOLD", 0.6)
	v.SetDefault("OCR_ENGINES", "tesseract,easyocr")
	v.SetDefault("OCR_ENGINE_TIMEOUT", 30)   // seconds
	v.SetDefault("OCR_EXTERNAL_TIMEOUT", 90) // seconds
	v.SetDefault("ENGINE_CONCURRENCY", 5)
	v.SetDefault("PAGE_CONCURRENCY", 2)
	v.SetDefault("TESSERACT_LANGUAGES", "eng")
	v.SetDefault("EASYOCR_URL", "")
	v.SetDefault("MAGEAGENT_URL", "")
	v.SetDefault("LOG_LEVEL", "info")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		RedisURL:            v.GetString("REDIS_URL"),
		QueueBackend:        strings.ToLower(v.GetString("QUEUE_BACKEND")),
		QueueName:           v.GetString("QUEUE_NAME"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		WorkerConcurrency:   v.GetInt("WORKER_CONCURRENCY"),
		ProcessingTimeout:   v.GetInt("PROCESSING_TIMEOUT"),
		MaxImageBytes:       v.GetInt64("MAX_IMAGE_BYTES"),
		MaxRetries:          v.GetInt("MAX_RETRIES"),
		ConfidenceThreshold: v.GetFloat64("OCR_CONFIDENCE_THRESHOLD"),
		QualityThreshold:    v.GetFloat64("OCR_QUALITY_THRESHOLD"),
		Engines:             splitList(v.GetString("OCR_ENGINES")),
		EngineTimeout:       time.Duration(v.GetInt("OCR_ENGINE_TIMEOUT")) * time.Second,
		ExternalTimeout:     time.Duration(v.GetInt("OCR_EXTERNAL_TIMEOUT")) * time.Second,
		EngineConcurrency:   v.GetInt("ENGINE_CONCURRENCY"),
		PageConcurrency:     v.GetInt("PAGE_CONCURRENCY"),
		TesseractLanguages:  splitList(v.GetString("TESSERACT_LANGUAGES")),
		EasyOCRURL:          v.GetString("EASYOCR_URL"),
		MageAgentURL:        v.GetString("MAGEAGENT_URL"),
		LogLevel:            v.GetString("LOG_LEVEL"),
	}
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	return c.ValidateEnsemble()
}

// ValidateEnsemble checks only the OCR settings. The CLI uses it because it
// needs neither Redis nor PostgreSQL.
func (c *Config) ValidateEnsemble() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("OCR_CONFIDENCE_THRESHOLD must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}

	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return fmt.Errorf("OCR_QUALITY_THRESHOLD must be between 0 and 1, got %v", c.QualityThreshold)
	}

	if len(c.Engines) == 0 {
		return fmt.Errorf("OCR_ENGINES must name at least one engine")
	}

	if c.EngineTimeout <= 0 {
		return fmt.Errorf("OCR_ENGINE_TIMEOUT must be positive, got %v", c.EngineTimeout)
	}

	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("OCR_EXTERNAL_TIMEOUT must be positive, got %v", c.ExternalTimeout)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.EngineConcurrency < 1 || c.EngineConcurrency > 100 {
		return fmt.Errorf("ENGINE_CONCURRENCY must be between 1 and 100, got %d", c.EngineConcurrency)
	}

	if c.PageConcurrency < 1 || c.PageConcurrency > 100 {
		return fmt.Errorf("PAGE_CONCURRENCY must be between 1 and 100, got %d", c.PageConcurrency)
	}

	if c.MaxImageBytes < 1024 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be at least 1KB, got %d", c.MaxImageBytes)
	}

	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive, got %d", c.ProcessingTimeout)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
