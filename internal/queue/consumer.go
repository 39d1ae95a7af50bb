/**
 * Asynq Queue Consumer for the OCR Ensemble Worker
 *
 * Consumes "ocr:document" tasks through Asynq. Failures that reprocessing
 * cannot fix (undecodable or oversized pages, malformed payloads) are
 * marked SkipRetry so Asynq archives them immediately.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
)

// TaskTypeOCRDocument is the Asynq task type handled by Consumer.
const TaskTypeOCRDocument = "ocr:document"

const defaultProcessingTimeout = 5 * time.Minute

// Consumer handles job consumption from an Asynq queue
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.DocumentProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task processing error", "type", task.Type(), "error", err)
			}),
		},
	)

	consumer := &Consumer{
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}

	consumer.mux.HandleFunc(TaskTypeOCRDocument, consumer.handleOCRDocument)

	return consumer, nil
}

// retryDelay backs off exponentially: 5s, 10s, 20s, capped at 60s.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	const maxDelay = 60 * time.Second
	if n < 0 {
		n = 0
	}
	if n > 4 {
		return maxDelay
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// Enqueue submits a job to the consumer's queue. The CLI and tests use it to
// feed the worker.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewOCRDocumentTask(payload)
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.Queue(c.config.QueueName), asynq.TaskID(payload.JobID)}
	if c.config.MaxRetries > 0 {
		opts = append(opts, asynq.MaxRetry(c.config.MaxRetries))
	}
	return c.client.EnqueueContext(ctx, task, opts...)
}

// NewOCRDocumentTask builds the Asynq task for payload.
func NewOCRDocumentTask(payload *JobPayload) (*asynq.Task, error) {
	if payload == nil || payload.JobID == "" {
		return nil, fmt.Errorf("payload with jobId is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeOCRDocument, data), nil
}

func (c *Consumer) timeout() time.Duration {
	if c.config.ProcessingTimeout > 0 {
		return time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}
	return defaultProcessingTimeout
}

func (c *Consumer) handleOCRDocument(ctx context.Context, task *asynq.Task) error {
	startTime := time.Now()

	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}

	c.logger.Info("Processing OCR job",
		"jobId", payload.JobID,
		"filename", payload.Filename,
		"pages", len(payload.Pages),
		"user", payload.UserID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "processing", 0, map[string]interface{}{
		"filename": payload.Filename,
		"mimeType": payload.MimeType,
		"userId":   payload.UserID,
	}); err != nil {
		c.logger.Warn("Failed to update status to processing", "jobId", payload.JobID, "error", err)
	}

	timeout := c.timeout()
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(processCtx, payload.Request())
	duration := time.Since(startTime)

	if err != nil {
		return c.fail(ctx, processCtx, payload.JobID, timeout, duration, err)
	}

	c.logger.Info("OCR job completed",
		"jobId", payload.JobID,
		"duration", duration,
		"confidence", result.Confidence,
		"quality", result.QualityScore,
		"documentId", result.DocumentID)

	if err := c.processor.UpdateJobStatus(ctx, payload.JobID, "completed", 100, completionMetadata(result, duration.Milliseconds())); err != nil {
		c.logger.Warn("Failed to update status to completed", "jobId", payload.JobID, "error", err)
	}

	return nil
}

// fail records the failure and returns the error Asynq should see.
func (c *Consumer) fail(ctx, processCtx context.Context, jobID string, timeout, duration time.Duration, err error) error {
	if processCtx.Err() == context.DeadlineExceeded {
		c.logger.Error("Processing timed out", "jobId", jobID, "duration", duration, "timeout", timeout)

		timeoutErr := apperrors.NewProcessingTimeoutError(jobID, timeout, err)
		if updateErr := c.processor.UpdateJobStatus(ctx, jobID, "failed", 100, timeoutErr.ToMap()); updateErr != nil {
			c.logger.Warn("Failed to update status to failed", "jobId", jobID, "error", updateErr)
		}
		return fmt.Errorf("processing timeout: %w", timeoutErr)
	}

	c.logger.Error("Processing failed", "jobId", jobID, "duration", duration, "error", err)

	metadata := map[string]interface{}{
		"error":          err.Error(),
		"processingTime": duration.Milliseconds(),
	}
	if code := apperrors.CodeOf(err); code != "" {
		metadata["error_code"] = string(code)
	}
	if updateErr := c.processor.UpdateJobStatus(ctx, jobID, "failed", 100, metadata); updateErr != nil {
		c.logger.Warn("Failed to update status to failed", "jobId", jobID, "error", updateErr)
	}

	if !apperrors.IsRetryable(err) {
		return fmt.Errorf("document processing failed: %v: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("document processing failed: %w", err)
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}
