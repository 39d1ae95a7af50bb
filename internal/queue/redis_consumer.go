/**
 * Direct Redis Queue Consumer for the OCR Ensemble Worker
 *
 * Compatible with the TypeScript RedisQueue producer. Job ids are pushed
 * onto a LIST, job bodies live in the "<queue>:data" hash, and status is
 * tracked in "<queue>:processing|completed|failed" sets with results and
 * errors in hashes. Every transition is published on "<queue>:events".
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
)

// DefaultQueueName is used when RedisConsumerConfig.QueueName is empty.
const DefaultQueueName = "ocr:jobs"

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.DocumentProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	MaxRetries        int // used when a job carries no maxRetries
	Processor         processor.DocumentProcessorInterface
	ProcessingTimeout int64 // milliseconds, default 300000
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer"),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer, letting in-flight jobs finish.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// Enqueue stores payload under a new job and pushes it onto the queue.
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload) error {
	if payload == nil || payload.JobID == "" {
		return fmt.Errorf("payload with jobId is required")
	}
	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeOCRDocument,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
			if err := c.processNextJob(); err != nil && !errors.Is(err, errNoJobs) {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Error("Worker error", "worker", id, "error", err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, 5*time.Second, c.config.QueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	id := result[1]

	jobData, err := c.client.HGet(c.ctx, c.key("data"), id).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", id, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(id, map[string]interface{}{"error": err.Error(), "error_code": string(apperrors.ErrorInvalidPayload)})
		return fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}
	jobID := job.Payload.JobID

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "processing", 0, map[string]interface{}{
		"filename": job.Payload.Filename,
		"mimeType": job.Payload.MimeType,
		"userId":   job.Payload.UserID,
	}); err != nil {
		c.logger.Warn("Could not update job status to processing", "jobId", jobID, "error", err)
	}
	c.client.SAdd(c.ctx, c.key("processing"), jobID)
	c.publish("processing", jobID)

	c.logger.Info("Processing job", "jobId", jobID, "filename", job.Payload.Filename, "attempt", job.Attempts+1)

	startTime := time.Now()
	processResult, err := c.processJob(&job)
	duration := time.Since(startTime)

	if err != nil {
		c.handleFailure(&job, err, duration)
		return nil
	}

	c.markCompleted(jobID, processResult, duration)
	c.logger.Info("Job completed", "jobId", jobID, "duration", duration, "documentId", processResult.DocumentID)
	return nil
}

func (c *RedisConsumer) processJob(job *RedisJobData) (*processor.ProcessResult, error) {
	timeout := defaultProcessingTimeout
	if c.config.ProcessingTimeout > 0 {
		timeout = time.Duration(c.config.ProcessingTimeout) * time.Millisecond
	}

	// Not derived from c.ctx: Stop waits for the job instead of aborting it.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := c.processor.ProcessDocument(ctx, job.Payload.Request())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, apperrors.NewProcessingTimeoutError(job.Payload.JobID, timeout, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *RedisConsumer) handleFailure(job *RedisJobData, err error, duration time.Duration) {
	jobID := job.Payload.JobID
	job.Attempts++

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.config.MaxRetries
	}

	if shouldRequeue(job.Attempts, maxRetries, err) {
		if updated, mErr := json.Marshal(job); mErr == nil {
			c.client.HSet(c.ctx, c.key("data"), job.ID, updated)
		}
		c.client.SRem(c.ctx, c.key("processing"), jobID)
		c.client.LPush(c.ctx, c.config.QueueName, job.ID)
		c.logger.Warn("Job re-queued for retry", "jobId", jobID, "attempt", job.Attempts, "maxRetries", maxRetries, "error", err)
		return
	}

	c.logger.Error("Job failed", "jobId", jobID, "attempts", job.Attempts, "error", err)
	c.markFailed(jobID, failureMetadata(err, job.Attempts, duration))
}

// shouldRequeue reports whether a failed job gets another attempt.
func shouldRequeue(attempts, maxRetries int, err error) bool {
	return apperrors.IsRetryable(err) && attempts < maxRetries
}

// failureMetadata is stored in the errors hash and on the job row.
func failureMetadata(err error, attempts int, duration time.Duration) map[string]interface{} {
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		m := pe.ToMap()
		m["error"] = err.Error()
		m["attempts"] = attempts
		m["processingTime"] = duration.Milliseconds()
		return m
	}
	return map[string]interface{}{
		"error":          err.Error(),
		"attempts":       attempts,
		"processingTime": duration.Milliseconds(),
	}
}

func (c *RedisConsumer) markCompleted(jobID string, result *processor.ProcessResult, duration time.Duration) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("completed"), jobID)
	if resultData, err := json.Marshal(result); err == nil {
		c.client.HSet(c.ctx, c.key("results"), jobID, resultData)
	}

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "completed", 100, completionMetadata(result, duration.Milliseconds())); err != nil {
		c.logger.Error("Failed to update job status to completed", "jobId", jobID, "error", err)
	}
	c.publish("completed", jobID)
}

func (c *RedisConsumer) markFailed(jobID string, metadata map[string]interface{}) {
	c.client.SRem(c.ctx, c.key("processing"), jobID)
	c.client.SAdd(c.ctx, c.key("failed"), jobID)
	if errorData, err := json.Marshal(metadata); err == nil {
		c.client.HSet(c.ctx, c.key("errors"), jobID, errorData)
	}

	if err := c.processor.UpdateJobStatus(c.ctx, jobID, "failed", 100, metadata); err != nil {
		c.logger.Error("Failed to update job status to failed", "jobId", jobID, "error", err)
	}
	c.publish("failed", jobID)
}

func (c *RedisConsumer) publish(status, jobID string) {
	event := map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)
	c.client.Publish(c.ctx, c.key("events"), eventData)
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
