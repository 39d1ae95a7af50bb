package storage

import (
	"database/sql"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
)

func TestSanitizeScore(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.9632000000000001, 0.9632},
		{0.12346, 0.1235},
		{-0.2, 0},
		{1.3, 1},
		{math.NaN(), 0},
		{1, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeScore(tt.in), "input %v", tt.in)
	}
}

func TestSanitizeJSONForPostgres(t *testing.T) {
	raw, err := json.Marshal(map[string]string{"text": "a\x00b\x01c"})
	require.NoError(t, err)

	got := sanitizeJSONForPostgres(raw)

	assert.Equal(t, `{"text":"ab c"}`, string(got))
	assert.True(t, json.Valid(got))
}

func TestBuildPageRows(t *testing.T) {
	pages := []ocr.PageResult{
		{
			PageNumber:       1,
			Text:             "Hello\x00 world",
			Confidence:       0.87654,
			QualityScore:     1.2,
			EngineUsed:       ocr.EngineFusion,
			WordCount:        2,
			AllEngineResults: []ocr.OCRResult{ocr.NewResult("tesseract_v1", "Hello world", 0.8, 0.3)},
			FusionUsed:       true,
		},
		{PageNumber: 2, EngineUsed: ocr.EngineFailed, Error: "page 2: boom"},
	}

	rows, err := buildPageRows(pages)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	_, err = uuid.Parse(first.id)
	assert.NoError(t, err)
	assert.Equal(t, 1, first.pageNumber)
	assert.Equal(t, "Hello world", first.text)
	assert.Equal(t, 0.8765, first.confidence)
	assert.Equal(t, 1.0, first.quality)
	assert.True(t, first.fusionUsed)

	var results []ocr.OCRResult
	require.NoError(t, json.Unmarshal(first.allEngineResults, &results))
	require.Len(t, results, 1)
	assert.Equal(t, "tesseract_v1", results[0].Engine)

	second := rows[1]
	assert.NotEqual(t, first.id, second.id)
	assert.Equal(t, "page 2: boom", second.errorMessage)
	assert.Equal(t, "[]", string(second.allEngineResults))
}

func TestJoinPageText(t *testing.T) {
	pages := []ocr.PageResult{
		{PageNumber: 1, Text: " first page "},
		{PageNumber: 2, Text: ""},
		{PageNumber: 3, Text: "third page"},
	}
	assert.Equal(t, "first page\n\nthird page", joinPageText(pages))
	assert.Equal(t, "", joinPageText(nil))
}

func TestGetStatsReportsPool(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost:1/ocr?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(7)

	sm := &StorageManager{postgres: &PostgresClient{db: db}}
	stats := sm.GetStats()

	assert.Equal(t, 7, stats["max_open_connections"])
	assert.Equal(t, 0, stats["open_connections"])
	assert.Equal(t, int64(0), stats["wait_count"])
}
