/**
 * Detection Client - EasyOCR sidecar
 *
 * EasyOCR runs as a small Python sidecar that exposes readtext() over HTTP.
 * The worker posts a PNG and gets back every detection with its polygon,
 * text and confidence; filtering happens on this side.
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

const detectionService = "easyocr"

// DetectionClient talks to the EasyOCR sidecar
type DetectionClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// ReadTextRequest is the sidecar's readtext payload
type ReadTextRequest struct {
	Image     string   `json:"image"` // Base64 encoded PNG
	Languages []string `json:"languages,omitempty"`
}

// Detection is one text region reported by the sidecar
type Detection struct {
	Box        [][2]float64 `json:"bbox"` // corner points, clockwise from top-left
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
}

// ReadTextResponse lists detections in reading order
type ReadTextResponse struct {
	Success    bool        `json:"success"`
	Detections []Detection `json:"detections"`
	Message    string      `json:"message,omitempty"`
}

// NewDetectionClient creates a sidecar client. An empty baseURL yields an
// unconfigured client whose engine reports itself unavailable.
func NewDetectionClient(baseURL string) *DetectionClient {
	return &DetectionClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logging.NewLogger("DetectionClient"),
	}
}

// Configured reports whether a base URL was supplied.
func (c *DetectionClient) Configured() bool {
	return c != nil && c.baseURL != ""
}

// ReadText runs detection and recognition on a PNG-encoded image
func (c *DetectionClient) ReadText(ctx context.Context, png []byte, languages []string) ([]Detection, error) {
	reqBody, err := json.Marshal(&ReadTextRequest{
		Image:     base64.StdEncoding.EncodeToString(png),
		Languages: languages,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/readtext", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "ocr-ensemble-worker")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewAPICallError(detectionService, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.NewAPICallError(detectionService, resp.StatusCode,
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)))
	}

	var out ReadTextResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if !out.Success {
		return nil, apperrors.NewAPICallError(detectionService, resp.StatusCode,
			fmt.Errorf("readtext failed: %s", out.Message))
	}

	c.logger.Debug("readtext complete", "detections", len(out.Detections))
	return out.Detections, nil
}

// HealthCheck checks if the sidecar is up
func (c *DetectionClient) HealthCheck(ctx context.Context) error {
	return healthCheck(ctx, c.httpClient, c.baseURL+"/health")
}
