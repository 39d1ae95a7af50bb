/**
 * OCR Ensemble Worker - Main Entry Point
 *
 * Pulls OCR jobs from Redis, runs every page through the engine ensemble
 * (Tesseract variants plus the EasyOCR sidecar), escalates weak pages to the
 * MageAgent vision service and stores the results in PostgreSQL.
 *
 * Queue backends:
 * - redis: LIST-based queue shared with the TypeScript producer (default)
 * - asynq: Asynq task queue, task type "ocr:document"
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/config"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/queue"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/storage"
)

var logger = logging.NewLogger("Worker")

// consumer is the part of both queue backends main needs.
type consumer interface {
	start(ctx context.Context) error
	stop(ctx context.Context) error
}

type redisBackend struct{ c *queue.RedisConsumer }

func (b redisBackend) start(context.Context) error { return b.c.Start() }
func (b redisBackend) stop(context.Context) error  { return b.c.Stop() }

type asynqBackend struct{ c *queue.Consumer }

func (b asynqBackend) start(ctx context.Context) error { return b.c.Start(ctx) }
func (b asynqBackend) stop(ctx context.Context) error  { return b.c.Stop(ctx) }

func main() {
	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	if err := run(cfg); err != nil {
		logger.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger.Info("OCR ensemble worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"engines", cfg.Engines)

	stack, err := ocr.BuildStack(cfg)
	if err != nil {
		return fmt.Errorf("failed to build OCR pipeline: %w", err)
	}
	for name, ok := range stack.Registry.Availability() {
		if ok {
			logger.Info("Engine available", "engine", name)
		} else {
			logger.Warn("Engine unavailable, its invocations will return empty results", "engine", name)
		}
	}
	logBackendHealth(stack)

	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize storage manager: %w", err)
	}
	defer storageManager.Close()
	logger.Info("Storage manager initialized", "pool", storageManager.GetStats())

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Pipeline:      stack.Pipeline,
		Store:         storageManager,
		MaxImageBytes: cfg.MaxImageBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize document processor: %w", err)
	}

	qc, err := newConsumer(cfg, proc)
	if err != nil {
		return fmt.Errorf("failed to initialize queue consumer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := qc.start(ctx); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	logger.Info("Waiting for jobs", "queue", cfg.QueueName)

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining in-flight jobs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ProcessingTimeout)*time.Millisecond+10*time.Second)
	defer cancel()
	if err := qc.stop(shutdownCtx); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	logger.Info("Shutdown complete", "pool", storageManager.GetStats())
	return nil
}

// logBackendHealth reports remote engines that will not answer. Their
// invocations still run and come back empty.
func logBackendHealth(stack *ocr.Stack) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, err := range stack.CheckBackends(ctx) {
		switch {
		case err == nil:
			logger.Info("Backend healthy", "engine", name)
		case errors.Is(err, ocr.ErrBackendNotConfigured):
			logger.Warn("Backend URL not set", "engine", name)
		default:
			logger.Warn("Backend health check failed", "engine", name, "error", err)
		}
	}
}

func newConsumer(cfg *config.Config, proc processor.DocumentProcessorInterface) (consumer, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		c, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			MaxRetries:        cfg.MaxRetries,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return asynqBackend{c}, nil
	default:
		c, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			MaxRetries:        cfg.MaxRetries,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		return redisBackend{c}, nil
	}
}
