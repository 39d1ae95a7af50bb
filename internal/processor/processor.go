/**
 * Document Processor for the OCR Ensemble Worker
 *
 * Turns a queued job into stored text:
 * - loads page images from the payload (inline buffers or a file URL)
 * - decodes each page (PNG, JPEG, GIF, TIFF, BMP, WebP)
 * - runs the ensemble pipeline over all pages
 * - persists the document and its pages, returns the job summary
 *
 * Pages that fail inside the pipeline are degraded, not fatal. Only input
 * that cannot be decoded at all, or storage failures, fail the job.
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/storage"
)

const defaultMaxImageBytes = 50 * 1024 * 1024

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore persists job status and document results.
// *storage.StorageManager satisfies it.
type ResultStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	StoreDocumentResult(ctx context.Context, input *storage.DocumentInput) (*storage.DocumentOutput, error)
}

// DocumentExtractor runs OCR over decoded pages. *ocr.Pipeline satisfies it.
type DocumentExtractor interface {
	ExtractDocumentWith(ctx context.Context, pages []image.Image, engines []string) ocr.DocumentResult
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline      DocumentExtractor
	Store         ResultStore
	MaxImageBytes int64
	// HTTPClient downloads fileUrl payloads; nil uses a client with a 10 minute timeout.
	HTTPClient *http.Client
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileURL    string
	FileBuffer []byte
	Pages      [][]byte
	Engines    []string
	Metadata   map[string]interface{}
}

// ProcessResult represents the processing result
type ProcessResult struct {
	DocumentID       string   `json:"documentId"`
	PageCount        int      `json:"pageCount"`
	Confidence       float64  `json:"confidence"`
	QualityScore     float64  `json:"qualityScore"`
	EnginesUsed      []string `json:"enginesUsed"`
	ExternalAPIUsage int      `json:"externalApiUsage"`
	FailedPages      int      `json:"failedPages"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	pipeline      DocumentExtractor
	store         ResultStore
	maxImageBytes int64
	httpClient    *http.Client

	retryBackoff func(attempt int) time.Duration
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}

	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}

	maxBytes := cfg.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageBytes
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	return &DocumentProcessor{
		pipeline:      cfg.Pipeline,
		store:         cfg.Store,
		maxImageBytes: maxBytes,
		httpClient:    client,
		retryBackoff:  downloadBackoff,
	}, nil
}

// ProcessDocument processes a document through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	startTime := time.Now()
	log.Printf("[Job %s] Starting OCR pipeline (file=%s)", req.JobID, req.Filename)

	// Step 1: collect the raw page images
	rawPages, err := p.loadPages(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Printf("[Job %s] Step 1: Loaded %d page image(s)", req.JobID, len(rawPages))

	// Step 2: decode
	pages, err := p.decodePages(req.JobID, rawPages)
	if err != nil {
		return nil, err
	}

	// Step 3: ensemble OCR with escalation
	log.Printf("[Job %s] Step 3: Running OCR ensemble (engines=%v)", req.JobID, req.Engines)
	doc := p.pipeline.ExtractDocumentWith(ctx, pages, req.Engines)
	if ctx.Err() != nil {
		return nil, fmt.Errorf("OCR interrupted: %w", ctx.Err())
	}
	summary := doc.Summary
	log.Printf("[Job %s] OCR complete: pages=%d, avgConfidence=%.2f, avgQuality=%.2f, external=%d, failed=%d",
		req.JobID, summary.TotalPages, summary.AvgConfidence, summary.AvgQuality,
		summary.ExternalAPIUsage, summary.FailedPages)

	// Step 4: persist
	stored, err := p.store.StoreDocumentResult(ctx, &storage.DocumentInput{
		JobID:    req.JobID,
		UserID:   req.UserID,
		Filename: req.Filename,
		Result:   doc,
	})
	if err != nil {
		return nil, apperrors.NewStorageFailedError(req.JobID, err)
	}
	log.Printf("[Job %s] Step 4: Stored document %s (%d pages)", req.JobID, stored.ID, len(stored.PageIDs))

	return &ProcessResult{
		DocumentID:       stored.ID,
		PageCount:        summary.TotalPages,
		Confidence:       summary.AvgConfidence,
		QualityScore:     summary.AvgQuality,
		EnginesUsed:      summary.EnginesUsed,
		ExternalAPIUsage: summary.ExternalAPIUsage,
		FailedPages:      summary.FailedPages,
		ProcessingTimeMs: time.Since(startTime).Milliseconds(),
	}, nil
}

// UpdateJobStatus updates job status in database
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if quality, ok := metadata["qualityScore"].(float64); ok {
			update.QualityScore = quality
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if documentID, ok := metadata["documentId"].(string); ok {
			update.DocumentID = documentID
		}
		if engineUsed, ok := metadata["engineUsed"].(string); ok {
			update.EngineUsed = engineUsed
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			if code, ok := metadata["error_code"].(string); ok {
				update.ErrorCode = code
			}
			update.ErrorMessage = errorMsg
		} else if errorMsg, ok := metadata["message"].(string); ok {
			if code, ok := metadata["error_code"].(string); ok {
				update.ErrorCode = code
				update.ErrorMessage = errorMsg
			}
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadPages returns the page images of a request in page order: explicit
// pages first, otherwise the single fileBuffer, otherwise the fileUrl body.
func (p *DocumentProcessor) loadPages(ctx context.Context, req *ProcessRequest) ([][]byte, error) {
	if len(req.Pages) > 0 {
		return req.Pages, nil
	}

	if len(req.FileBuffer) > 0 {
		return [][]byte{req.FileBuffer}, nil
	}

	if req.FileURL != "" {
		data, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return [][]byte{data}, nil
	}

	return nil, apperrors.NewInvalidPayloadError(req.JobID, "no page source provided (pages, fileBuffer or fileUrl)")
}

func (p *DocumentProcessor) decodePages(jobID string, raw [][]byte) ([]image.Image, error) {
	pages := make([]image.Image, len(raw))
	for i, data := range raw {
		pageNum := i + 1
		if int64(len(data)) > p.maxImageBytes {
			return nil, apperrors.NewImageTooLargeError(jobID, pageNum, int64(len(data)), p.maxImageBytes)
		}

		img, mimeType, err := DecodeImage(data)
		if err != nil {
			return nil, apperrors.NewImageDecodeError(jobID, pageNum, err)
		}

		b := img.Bounds()
		log.Printf("[Job %s] Page %d decoded: %s %dx%d", jobID, pageNum, mimeType, b.Dx(), b.Dy())
		pages[i] = img
	}
	return pages, nil
}

// downloadFileFromURL downloads a page image with retries and exponential backoff
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string) ([]byte, error) {
	const maxRetries = 5

	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("[Job %s] Download attempt %d/%d", jobID, attempt, maxRetries)

		data, err := p.fetch(ctx, fileURL)
		if err == nil {
			log.Printf("[Job %s] Download successful on attempt %d: %d bytes", jobID, attempt, len(data))
			return data, nil
		}

		var pe *apperrors.ProcessingError
		if errors.As(err, &pe) && pe.Code == apperrors.ErrorImageTooLarge {
			pe.JobID = jobID
			return nil, pe
		}

		lastErr = err
		log.Printf("[Job %s] Download attempt %d failed: %v", jobID, attempt, err)

		if attempt < maxRetries {
			select {
			case <-time.After(p.retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxRetries, lastErr)
}

func (p *DocumentProcessor) fetch(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > p.maxImageBytes {
		return nil, apperrors.NewImageTooLargeError("", 1, resp.ContentLength, p.maxImageBytes)
	}

	// Read one byte past the limit to detect oversized bodies without a length header.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > p.maxImageBytes {
		return nil, apperrors.NewImageTooLargeError("", 1, int64(len(data)), p.maxImageBytes)
	}
	return data, nil
}

// downloadBackoff doubles from one second up to 32 seconds.
func downloadBackoff(attempt int) time.Duration {
	backoffMs := 1000 * math.Pow(2, float64(attempt-1))
	if backoffMs > 32000 {
		backoffMs = 32000
	}
	return time.Duration(backoffMs) * time.Millisecond
}
