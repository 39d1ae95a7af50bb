package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
)

// JobPayload is the job body shared by both queue backends.
// fileBuffer and every entry of pages may be a base64 string or a
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
type JobPayload struct {
	JobID      string                 `json:"jobId"`
	UserID     string                 `json:"userId"`
	Filename   string                 `json:"filename"`
	MimeType   string                 `json:"mimeType,omitempty"`
	FileSize   int64                  `json:"fileSize,omitempty"`
	FileURL    string                 `json:"fileUrl,omitempty"`
	Engines    []string               `json:"engines,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	FileBuffer []byte                 `json:"-"`
	Pages      [][]byte               `json:"-"`
}

// UnmarshalJSON decodes the buffer fields in either supported format.
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{}   `json:"fileBuffer,omitempty"`
		Pages      []interface{} `json:"pages,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer != nil {
		buf, err := decodeBuffer(aux.FileBuffer)
		if err != nil {
			return fmt.Errorf("fileBuffer: %w", err)
		}
		p.FileBuffer = buf
	}

	if len(aux.Pages) > 0 {
		p.Pages = make([][]byte, len(aux.Pages))
		for i, raw := range aux.Pages {
			buf, err := decodeBuffer(raw)
			if err != nil {
				return fmt.Errorf("pages[%d]: %w", i, err)
			}
			p.Pages[i] = buf
		}
	}

	return nil
}

// MarshalJSON writes buffers as base64 strings so a re-queued job round-trips.
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	aux := struct {
		FileBuffer string   `json:"fileBuffer,omitempty"`
		Pages      []string `json:"pages,omitempty"`
		Alias
	}{
		Alias: Alias(p),
	}
	if len(p.FileBuffer) > 0 {
		aux.FileBuffer = base64.StdEncoding.EncodeToString(p.FileBuffer)
	}
	for _, pg := range p.Pages {
		aux.Pages = append(aux.Pages, base64.StdEncoding.EncodeToString(pg))
	}
	return json.Marshal(aux)
}

// Request converts the payload into a processor request.
func (p *JobPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Pages:      p.Pages,
		Engines:    p.Engines,
		Metadata:   p.Metadata,
	}
}

func decodeBuffer(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(b)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64: %w", err)
		}
		return decoded, nil

	case map[string]interface{}:
		if bufferType, ok := b["type"].(string); !ok || bufferType != "Buffer" {
			return nil, fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := b["data"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("Buffer object missing 'data' array")
		}
		out := make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return nil, fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			out[i] = byte(byteVal)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("must be either base64 string or Buffer object, got %T", v)
	}
}

// completionMetadata is the job-row update written when a job succeeds.
func completionMetadata(result *processor.ProcessResult, durationMs int64) map[string]interface{} {
	engine := ""
	if len(result.EnginesUsed) == 1 {
		engine = result.EnginesUsed[0]
	}
	return map[string]interface{}{
		"confidence":       result.Confidence,
		"qualityScore":     result.QualityScore,
		"processingTime":   durationMs,
		"documentId":       result.DocumentID,
		"engineUsed":       engine,
		"pageCount":        result.PageCount,
		"enginesUsed":      result.EnginesUsed,
		"externalApiUsage": result.ExternalAPIUsage,
		"failedPages":      result.FailedPages,
	}
}
