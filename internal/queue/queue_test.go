package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/logging"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/processor"
)

type statusUpdate struct {
	jobID    string
	status   string
	metadata map[string]interface{}
}

type fakeProcessor struct {
	result  *processor.ProcessResult
	err     error
	block   bool
	gotReq  *processor.ProcessRequest
	updates []statusUpdate
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	f.gotReq = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.result, f.err
}

func (f *fakeProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	f.updates = append(f.updates, statusUpdate{jobID: jobID, status: status, metadata: metadata})
	return nil
}

func newTestConsumer(p *fakeProcessor, timeoutMs int64) *Consumer {
	return &Consumer{
		processor: p,
		config:    &ConsumerConfig{QueueName: "ocr:jobs", ProcessingTimeout: timeoutMs},
		logger:    logging.NewLogger("AsynqConsumerTest"),
	}
}

func TestJobPayloadDecodesBufferFormats(t *testing.T) {
	raw := `{
		"jobId": "job-1",
		"userId": "user-1",
		"filename": "scan.png",
		"engines": ["tesseract"],
		"fileBuffer": "aGVsbG8=",
		"pages": ["AQI=", {"type": "Buffer", "data": [3, 4, 255]}]
	}`

	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, []string{"tesseract"}, p.Engines)
	assert.Equal(t, []byte("hello"), p.FileBuffer)
	require.Len(t, p.Pages, 2)
	assert.Equal(t, []byte{1, 2}, p.Pages[0])
	assert.Equal(t, []byte{3, 4, 255}, p.Pages[1])

	req := p.Request()
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, "scan.png", req.Filename)
	assert.Equal(t, p.Pages, req.Pages)
	assert.Equal(t, []string{"tesseract"}, req.Engines)
}

func TestJobPayloadRejectsBadBuffers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad base64", `{"jobId":"j","fileBuffer":"%%%"}`},
		{"wrong object type", `{"jobId":"j","fileBuffer":{"type":"Blob","data":[1]}}`},
		{"missing data", `{"jobId":"j","fileBuffer":{"type":"Buffer"}}`},
		{"byte out of range", `{"jobId":"j","pages":[{"type":"Buffer","data":[256]}]}`},
		{"number", `{"jobId":"j","fileBuffer":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPayload
			assert.Error(t, json.Unmarshal([]byte(tt.raw), &p))
		})
	}
}

func TestJobPayloadMarshalWritesBase64(t *testing.T) {
	p := JobPayload{JobID: "job-1", FileBuffer: []byte("hi"), Pages: [][]byte{{9}}}

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), generic["fileBuffer"])
	assert.Equal(t, []interface{}{"CQ=="}, generic["pages"])

	var back JobPayload
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.FileBuffer, back.FileBuffer)
	assert.Equal(t, p.Pages, back.Pages)
}

func TestRedisJobDataKeepsPayloadThroughRequeue(t *testing.T) {
	job := RedisJobData{ID: "job-1", Type: TaskTypeOCRDocument, Attempts: 1, MaxRetries: 3,
		Payload: JobPayload{JobID: "job-1", Pages: [][]byte{{1, 2, 3}}}}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var back RedisJobData
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, 1, back.Attempts)
	assert.Equal(t, [][]byte{{1, 2, 3}}, back.Payload.Pages)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 10*time.Second, retryDelay(1, nil, nil))
	assert.Equal(t, 40*time.Second, retryDelay(3, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(4, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(70, nil, nil))
}

func TestShouldRequeue(t *testing.T) {
	transient := apperrors.NewStorageFailedError("job", errors.New("conn reset"))
	permanent := apperrors.NewImageDecodeError("job", 1, errors.New("bad png"))

	assert.True(t, shouldRequeue(1, 3, transient))
	assert.False(t, shouldRequeue(3, 3, transient))
	assert.False(t, shouldRequeue(1, 3, permanent))
	assert.True(t, shouldRequeue(1, 3, errors.New("plain")))
}

func TestFailureMetadata(t *testing.T) {
	m := failureMetadata(apperrors.NewImageDecodeError("job", 2, errors.New("bad png")), 1, 1500*time.Millisecond)
	assert.Equal(t, "IMAGE_DECODE_FAILED", m["error_code"])
	assert.Equal(t, 2, m["page_number"])
	assert.Equal(t, int64(1500), m["processingTime"])
	assert.Contains(t, m["error"], "page 2")

	m = failureMetadata(errors.New("boom"), 3, 0)
	assert.Equal(t, "boom", m["error"])
	assert.Equal(t, 3, m["attempts"])
	_, hasCode := m["error_code"]
	assert.False(t, hasCode)
}

func TestNewOCRDocumentTask(t *testing.T) {
	task, err := NewOCRDocumentTask(&JobPayload{JobID: "job-1", Filename: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeOCRDocument, task.Type())

	var back JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, "a.png", back.Filename)

	_, err = NewOCRDocumentTask(&JobPayload{})
	assert.Error(t, err)
}

func TestHandleOCRDocumentSuccess(t *testing.T) {
	fp := &fakeProcessor{result: &processor.ProcessResult{
		DocumentID:   "doc-1",
		PageCount:    1,
		Confidence:   0.9,
		QualityScore: 0.5,
		EnginesUsed:  []string{"advanced_fusion"},
	}}
	c := newTestConsumer(fp, 0)

	task, err := NewOCRDocumentTask(&JobPayload{JobID: "job-1", Pages: [][]byte{{1}}, Engines: []string{"easyocr"}})
	require.NoError(t, err)

	require.NoError(t, c.handleOCRDocument(context.Background(), task))

	assert.Equal(t, []string{"easyocr"}, fp.gotReq.Engines)
	require.Len(t, fp.updates, 2)
	assert.Equal(t, "processing", fp.updates[0].status)
	done := fp.updates[1]
	assert.Equal(t, "completed", done.status)
	assert.Equal(t, "doc-1", done.metadata["documentId"])
	assert.Equal(t, "advanced_fusion", done.metadata["engineUsed"])
	assert.Equal(t, 0.9, done.metadata["confidence"])
}

func TestHandleOCRDocumentSkipsRetryForBadInput(t *testing.T) {
	fp := &fakeProcessor{err: apperrors.NewImageDecodeError("job-1", 1, errors.New("bad png"))}
	c := newTestConsumer(fp, 0)

	task, err := NewOCRDocumentTask(&JobPayload{JobID: "job-1", Pages: [][]byte{{1}}})
	require.NoError(t, err)

	err = c.handleOCRDocument(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	failed := fp.updates[len(fp.updates)-1]
	assert.Equal(t, "failed", failed.status)
	assert.Equal(t, "IMAGE_DECODE_FAILED", failed.metadata["error_code"])
}

func TestHandleOCRDocumentRetriesTransientFailure(t *testing.T) {
	fp := &fakeProcessor{err: apperrors.NewStorageFailedError("job-1", errors.New("conn reset"))}
	c := newTestConsumer(fp, 0)

	task, err := NewOCRDocumentTask(&JobPayload{JobID: "job-1", Pages: [][]byte{{1}}})
	require.NoError(t, err)

	err = c.handleOCRDocument(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, apperrors.ErrorStorageFailed, apperrors.CodeOf(err))
}

func TestHandleOCRDocumentTimeout(t *testing.T) {
	fp := &fakeProcessor{block: true}
	c := newTestConsumer(fp, 20)

	task, err := NewOCRDocumentTask(&JobPayload{JobID: "job-1", Pages: [][]byte{{1}}})
	require.NoError(t, err)

	err = c.handleOCRDocument(context.Background(), task)
	assert.Equal(t, apperrors.ErrorProcessingTimeout, apperrors.CodeOf(err))

	failed := fp.updates[len(fp.updates)-1]
	assert.Equal(t, "PROCESSING_TIMEOUT", failed.metadata["error_code"])
}

func TestHandleOCRDocumentMalformedPayload(t *testing.T) {
	c := newTestConsumer(&fakeProcessor{}, 0)

	err := c.handleOCRDocument(context.Background(), asynq.NewTask(TaskTypeOCRDocument, []byte("{not json")))

	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
