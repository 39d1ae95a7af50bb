/**
 * Storage Manager for the OCR Ensemble Worker
 *
 * Persists a processed document: one document row carrying the aggregate
 * metrics and one row per page with every engine result kept as JSONB.
 * Document and pages are written in a single transaction.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
	"github.com/adverant/nexus/ocr-ensemble-worker/internal/ocr"
)

// pageSeparator joins page texts into the document's full text.
const pageSeparator = "\n\n"

var (
	nullEscapePattern    = regexp.MustCompile(`\\u0000`)
	controlEscapePattern = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// StorageManager persists jobs and document results
type StorageManager struct {
	postgres *PostgresClient
}

// DocumentInput is one processed document ready to be stored
type DocumentInput struct {
	JobID    string
	UserID   string
	Filename string
	Result   ocr.DocumentResult
}

// DocumentOutput identifies a stored document
type DocumentOutput struct {
	ID        string
	JobID     string
	PageIDs   []string
	CreatedAt time.Time
}

// pageRow is a page result flattened into its table columns.
type pageRow struct {
	id               string
	pageNumber       int
	text             string
	confidence       float64
	quality          float64
	engineUsed       string
	processingTime   float64
	wordCount        int
	characterCount   int
	usedExternalAPI  bool
	fusionUsed       bool
	errorMessage     string
	allEngineResults []byte
}

// NewStorageManager creates a new storage manager
func NewStorageManager(postgresURL string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	return &StorageManager{postgres: postgres}, nil
}

// StoreDocumentResult atomically stores a document and all of its pages
func (sm *StorageManager) StoreDocumentResult(ctx context.Context, input *DocumentInput) (*DocumentOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}

	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	rows, err := buildPageRows(input.Result.Pages)
	if err != nil {
		return nil, apperrors.NewStorageFailedError(input.JobID, err)
	}

	documentID := uuid.New().String()
	summary := input.Result.Summary

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, apperrors.NewStorageFailedError(input.JobID, fmt.Errorf("failed to marshal summary: %w", err))
	}

	tx, err := sm.postgres.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("begin transaction", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ocr.documents (
			id, job_id, user_id, filename,
			page_count, avg_confidence, avg_quality, total_processing_time,
			engines_used, external_api_usage, successful_pages, failed_pages,
			full_text, processing_summary, created_at
		) VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
		RETURNING created_at
	`,
		documentID,
		input.JobID,
		input.UserID,
		input.Filename,
		summary.TotalPages,
		sanitizeScore(summary.AvgConfidence),
		sanitizeScore(summary.AvgQuality),
		summary.TotalProcessingTime,
		pq.Array(summary.EnginesUsed),
		summary.ExternalAPIUsage,
		summary.SuccessfulPages,
		summary.FailedPages,
		stripNulls(joinPageText(input.Result.Pages)),
		sanitizeJSONForPostgres(summaryJSON),
	).Scan(&createdAt)
	if err != nil {
		return nil, apperrors.NewDatabaseError("insert document", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ocr.document_pages (
			id, document_id, page_number, text, confidence, quality_score,
			engine_used, processing_time, word_count, character_count,
			used_external_api, fusion_used, error_message, all_engine_results
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14::jsonb)
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("prepare page insert", err)
	}
	defer stmt.Close()

	pageIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.id, documentID, r.pageNumber, r.text, r.confidence, r.quality,
			r.engineUsed, r.processingTime, r.wordCount, r.characterCount,
			r.usedExternalAPI, r.fusionUsed, r.errorMessage, r.allEngineResults,
		); err != nil {
			return nil, apperrors.NewDatabaseError(fmt.Sprintf("insert page %d", r.pageNumber), err)
		}
		pageIDs = append(pageIDs, r.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("commit document", err)
	}

	return &DocumentOutput{
		ID:        documentID,
		JobID:     input.JobID,
		PageIDs:   pageIDs,
		CreatedAt: createdAt,
	}, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetStats returns connection pool statistics
func (sm *StorageManager) GetStats() map[string]interface{} {
	pgStats := sm.postgres.GetStats()
	return map[string]interface{}{
		"max_open_connections": pgStats.MaxOpenConnections,
		"open_connections":     pgStats.OpenConnections,
		"in_use":               pgStats.InUse,
		"idle":                 pgStats.Idle,
		"wait_count":           pgStats.WaitCount,
		"wait_duration":        pgStats.WaitDuration.String(),
	}
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	if sm.postgres != nil {
		if err := sm.postgres.Close(); err != nil {
			return fmt.Errorf("failed to close PostgreSQL: %w", err)
		}
	}
	return nil
}

func buildPageRows(pages []ocr.PageResult) ([]pageRow, error) {
	rows := make([]pageRow, 0, len(pages))
	for _, pg := range pages {
		results := pg.AllEngineResults
		if results == nil {
			results = []ocr.OCRResult{}
		}
		resultsJSON, err := json.Marshal(results)
		if err != nil {
			return nil, fmt.Errorf("page %d: failed to marshal engine results: %w", pg.PageNumber, err)
		}

		rows = append(rows, pageRow{
			id:               uuid.New().String(),
			pageNumber:       pg.PageNumber,
			text:             stripNulls(pg.Text),
			confidence:       sanitizeScore(pg.Confidence),
			quality:          sanitizeScore(pg.QualityScore),
			engineUsed:       pg.EngineUsed,
			processingTime:   pg.ProcessingTime,
			wordCount:        pg.WordCount,
			characterCount:   pg.CharacterCount,
			usedExternalAPI:  pg.UsedExternalAPI,
			fusionUsed:       pg.FusionUsed,
			errorMessage:     pg.Error,
			allEngineResults: sanitizeJSONForPostgres(resultsJSON),
		})
	}
	return rows, nil
}

// joinPageText concatenates page texts in page order, skipping empty pages.
func joinPageText(pages []ocr.PageResult) string {
	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		if t := strings.TrimSpace(pg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, pageSeparator)
}

// stripNulls removes NUL runes, which PostgreSQL text columns reject.
func stripNulls(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// sanitizeJSONForPostgres removes Unicode escapes that PostgreSQL JSONB
// rejects: \u0000 is dropped, other control escapes become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscapePattern.ReplaceAll(jsonBytes, []byte{})
	return controlEscapePattern.ReplaceAll(result, []byte(" "))
}
