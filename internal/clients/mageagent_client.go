/**
 * MageAgent Client - external vision recognizer
 *
 * The ensemble escalates hard pages to MageAgent's vision endpoint, which
 * picks a hosted vision model on its side. The endpoint answers either
 * synchronously (200 with text) or, under load, with 202 and a task id that
 * is polled until it completes.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
)

const mageAgentService = "mageagent"

// MageAgentClient handles communication with MageAgent service
type MageAgentClient struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image          string                 `json:"image"`           // Base64 encoded image
	Format         string                 `json:"format"`          // "base64", "url", or "buffer"
	PreferAccuracy bool                   `json:"preferAccuracy"`  // escalations always ask for the most accurate model
	Language       string                 `json:"language"`        // Optional: "en", "multi", etc.
	Metadata       map[string]interface{} `json:"metadata"`        // Optional metadata
	JobID          string                 `json:"jobId,omitempty"` // Optional: job ID for tracking
}

// VisionOCRResponse represents a synchronous response from MageAgent vision endpoint
type VisionOCRResponse struct {
	Success bool                   `json:"success"`
	Data    VisionOCRData          `json:"data"`
	Message string                 `json:"message"`
	Meta    map[string]interface{} `json:"meta"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
	TaskID         string  `json:"taskId,omitempty"`
}

// TaskStatusResponse represents the response from polling /api/tasks/:taskId
type TaskStatusResponse struct {
	Success bool           `json:"success"`
	Data    TaskStatusData `json:"data"`
	Message string         `json:"message"`
}

// TaskStatusData contains task status and result
type TaskStatusData struct {
	Task TaskInfo `json:"task"`
}

// TaskInfo contains detailed task information
type TaskInfo struct {
	ID       string                 `json:"id"`
	Status   string                 `json:"status"`   // "pending", "processing", "completed", "failed"
	Progress int                    `json:"progress"` // 0-100
	Result   map[string]interface{} `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// NewMageAgentClient creates a new MageAgent client
func NewMageAgentClient(baseURL string) *MageAgentClient {
	return &MageAgentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second, // Vision tasks can take time
		},
		pollInterval: 2 * time.Second,
		logger:       logging.NewLogger("MageAgentClient"),
	}
}

// Configured reports whether a base URL was supplied.
func (c *MageAgentClient) Configured() bool {
	return c != nil && c.baseURL != ""
}

// ExtractText sends one image and returns the recognized text. A 202 reply is
// followed by polling until the task finishes or ctx ends.
func (c *MageAgentClient) ExtractText(ctx context.Context, req *VisionOCRRequest) (*VisionOCRData, error) {
	c.logger.Info("Requesting text extraction from MageAgent",
		"preferAccuracy", req.PreferAccuracy,
		"language", req.Language,
		"imageSize", len(req.Image))

	// Use internal endpoint (rate-limit exempt for high throughput)
	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "ocr-ensemble-worker")
	httpReq.Header.Set("X-Request-ID", fmt.Sprintf("ocr-%d", time.Now().UnixNano()))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewAPICallError(mageAgentService, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	default:
		return nil, apperrors.NewAPICallError(mageAgentService, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !ocrResp.Success {
		return nil, apperrors.NewAPICallError(mageAgentService, resp.StatusCode,
			fmt.Errorf("operation failed: %s", ocrResp.Message))
	}

	if resp.StatusCode == http.StatusAccepted {
		if ocrResp.Data.TaskID == "" {
			return nil, fmt.Errorf("MageAgent accepted the request without a task id")
		}
		return c.WaitForTaskCompletion(ctx, ocrResp.Data.TaskID)
	}

	c.logger.Info("Text extraction complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"processingTime", ocrResp.Data.ProcessingTime,
		"textLength", len(ocrResp.Data.Text))

	return &ocrResp.Data, nil
}

// ExtractTextFromBytes base64-encodes an image and calls ExtractText
func (c *MageAgentClient) ExtractTextFromBytes(ctx context.Context, imageData []byte, language string) (*VisionOCRData, error) {
	req := &VisionOCRRequest{
		Image:          base64.StdEncoding.EncodeToString(imageData),
		Format:         "base64",
		PreferAccuracy: true,
		Language:       language,
		Metadata: map[string]interface{}{
			"source":    "ocr-ensemble-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	return c.ExtractText(ctx, req)
}

// GetTaskStatus polls for the status of an async task
func (c *MageAgentClient) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/api/tasks/%s", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	req.Header.Set("X-Source", "ocr-ensemble-worker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read status response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var statusResp TaskStatusResponse
	if err := json.Unmarshal(body, &statusResp); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w", err)
	}

	return &statusResp, nil
}

// WaitForTaskCompletion polls the task status until completion or ctx ends
func (c *MageAgentClient) WaitForTaskCompletion(ctx context.Context, taskID string) (*VisionOCRData, error) {
	c.logger.Debug("Waiting for task completion", "taskId", taskID)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context cancelled while waiting for task %s: %w", taskID, ctx.Err())

		case <-ticker.C:
			status, err := c.GetTaskStatus(ctx, taskID)
			if err != nil {
				c.logger.Warn("Failed to get task status", "taskId", taskID, "error", err)
				continue
			}

			switch status.Data.Task.Status {
			case "completed":
				result := status.Data.Task.Result
				return &VisionOCRData{
					Text:           getStringFromMap(result, "text"),
					Confidence:     getFloatFromMap(result, "confidence"),
					ModelUsed:      getStringFromMap(result, "modelUsed"),
					ProcessingTime: int64(getFloatFromMap(result, "processingTime")),
					TaskID:         taskID,
				}, nil

			case "failed":
				return nil, fmt.Errorf("task %s failed: %s", taskID, status.Data.Task.Error)

			case "pending", "processing":
				continue

			default:
				c.logger.Warn("Unknown task status", "taskId", taskID, "status", status.Data.Task.Status)
			}
		}
	}
}

// HealthCheck checks if MageAgent service is healthy
func (c *MageAgentClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL+"/api/health")
}

// Helper functions for extracting values from result map
func getStringFromMap(m map[string]interface{}, key string) string {
	if val, ok := m[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getFloatFromMap(m map[string]interface{}, key string) float64 {
	if val, ok := m[key]; ok {
		if num, ok := val.(float64); ok {
			return num
		}
	}
	return 0.0
}

func healthCheck(ctx context.Context, client *http.Client, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
