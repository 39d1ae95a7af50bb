package clients

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestMageAgentExtractTextSync(t *testing.T) {
	var got VisionOCRRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/internal/vision/extract-text", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusOK, VisionOCRResponse{
			Success: true,
			Data:    VisionOCRData{Text: "hello there", Confidence: 0.88, ModelUsed: "vision-large"},
		})
	}))
	defer srv.Close()

	c := NewMageAgentClient(srv.URL)
	data, err := c.ExtractTextFromBytes(context.Background(), []byte("png-bytes"), "en")

	require.NoError(t, err)
	assert.Equal(t, "hello there", data.Text)
	assert.InDelta(t, 0.88, data.Confidence, 1e-9)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), got.Image)
	assert.Equal(t, "base64", got.Format)
	assert.True(t, got.PreferAccuracy)
	assert.Equal(t, "en", got.Language)
}

func TestMageAgentExtractTextPollsAcceptedTask(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/vision/extract-text", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, VisionOCRResponse{Success: true, Data: VisionOCRData{TaskID: "task-7"}})
	})
	mux.HandleFunc("/api/tasks/task-7", func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		var result map[string]interface{}
		if polls.Add(1) >= 2 {
			status = "completed"
			result = map[string]interface{}{"text": "async text", "confidence": 0.75, "modelUsed": "m", "processingTime": 1200.0}
		}
		writeJSON(t, w, http.StatusOK, TaskStatusResponse{
			Success: true,
			Data:    TaskStatusData{Task: TaskInfo{ID: "task-7", Status: status, Result: result}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewMageAgentClient(srv.URL)
	c.pollInterval = 5 * time.Millisecond

	data, err := c.ExtractTextFromBytes(context.Background(), []byte("x"), "en")

	require.NoError(t, err)
	assert.Equal(t, "async text", data.Text)
	assert.InDelta(t, 0.75, data.Confidence, 1e-9)
	assert.Equal(t, int64(1200), data.ProcessingTime)
	assert.Equal(t, "task-7", data.TaskID)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestMageAgentTaskFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/vision/extract-text", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, VisionOCRResponse{Success: true, Data: VisionOCRData{TaskID: "t"}})
	})
	mux.HandleFunc("/api/tasks/t", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, TaskStatusResponse{
			Success: true,
			Data:    TaskStatusData{Task: TaskInfo{ID: "t", Status: "failed", Error: "model overloaded"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewMageAgentClient(srv.URL)
	c.pollInterval = time.Millisecond

	_, err := c.ExtractTextFromBytes(context.Background(), []byte("x"), "en")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestMageAgentPollingHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/vision/extract-text", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusAccepted, VisionOCRResponse{Success: true, Data: VisionOCRData{TaskID: "slow"}})
	})
	mux.HandleFunc("/api/tasks/slow", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, TaskStatusResponse{Success: true, Data: TaskStatusData{Task: TaskInfo{Status: "pending"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewMageAgentClient(srv.URL)
	c.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.ExtractTextFromBytes(ctx, []byte("x"), "en")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMageAgentErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewMageAgentClient(srv.URL).ExtractTextFromBytes(context.Background(), []byte("x"), "en")

	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorAPICallFailed, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsRetryable(err))
}

func TestMageAgentConfigured(t *testing.T) {
	assert.False(t, NewMageAgentClient("").Configured())
	assert.True(t, NewMageAgentClient("http://mageagent:8080").Configured())

	var nilClient *MageAgentClient
	assert.False(t, nilClient.Configured())
}

func TestDetectionClientReadText(t *testing.T) {
	var got ReadTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/readtext", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"detections":[
			{"bbox":[[0,0],[12,0],[12,6],[0,6]],"text":"Dose","confidence":0.91},
			{"bbox":[[14,0],[20,0],[20,6],[14,6]],"text":"5mg","confidence":0.42}
		]}`))
	}))
	defer srv.Close()

	dets, err := NewDetectionClient(srv.URL).ReadText(context.Background(), []byte{1, 2, 3}, []string{"en"})

	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "Dose", dets[0].Text)
	assert.Equal(t, [][2]float64{{0, 0}, {12, 0}, {12, 6}, {0, 6}}, dets[0].Box)
	assert.InDelta(t, 0.42, dets[1].Confidence, 1e-9)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), got.Image)
	assert.Equal(t, []string{"en"}, got.Languages)
}

func TestDetectionClientFailures(t *testing.T) {
	t.Run("unsuccessful body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"message":"no model"}`))
		}))
		defer srv.Close()

		_, err := NewDetectionClient(srv.URL).ReadText(context.Background(), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no model")
	})

	t.Run("bad status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewDetectionClient(srv.URL).ReadText(context.Background(), nil, nil)
		assert.Equal(t, apperrors.ErrorAPICallFailed, apperrors.CodeOf(err))
	})
}

func TestHealthChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/api/health":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	assert.NoError(t, NewDetectionClient(srv.URL).HealthCheck(context.Background()))
	assert.NoError(t, NewMageAgentClient(srv.URL).HealthCheck(context.Background()))
	assert.Error(t, NewDetectionClient(srv.URL+"/missing").HealthCheck(context.Background()))
}
