/**
 * PostgreSQL Client for the OCR Ensemble Worker
 *
 * Handles job status persistence. Document and page results are written by
 * StorageManager inside a single transaction.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq"

	apperrors "github.com/adverant/nexus/ocr-ensemble-worker/internal/errors"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	QualityScore     float64
	ProcessingTimeMs int64
	DocumentID       string
	ErrorCode        string
	ErrorMessage     string
	EngineUsed       string
	Metadata         map[string]interface{}
}

// sanitizeScore clamps a score to [0,1] and rounds it to 4 decimals so it fits
// the NUMERIC(5,4) columns.
func sanitizeScore(score float64) float64 {
	if math.IsNaN(score) || score < 0.0 {
		return 0.0
	}
	if score > 1.0 {
		return 1.0
	}
	return math.Round(score*10000) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// UpdateJobStatus upserts the job row. The worker may see a job before the
// API has inserted it, so the first status update creates the row.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	confidence := sanitizeScore(update.Confidence)
	quality := sanitizeScore(update.QualityScore)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO ocr.processing_jobs (
			id, user_id, filename, mime_type,
			status, confidence, quality_score, processing_time_ms, document_id,
			error_code, error_message, engine_used, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($13, ''), 'anonymous'), COALESCE(NULLIF($11, ''), 'unknown'),
			COALESCE(NULLIF($12, ''), 'application/octet-stream'),
			$2, NULLIF($3::NUMERIC(5,4), 0), NULLIF($4::NUMERIC(5,4), 0), NULLIF($5, 0),
			CASE WHEN $6 = '' THEN NULL ELSE $6::uuid END,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''),
			COALESCE($10::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, ocr.processing_jobs.confidence),
			quality_score = COALESCE(EXCLUDED.quality_score, ocr.processing_jobs.quality_score),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, ocr.processing_jobs.processing_time_ms),
			document_id = COALESCE(EXCLUDED.document_id, ocr.processing_jobs.document_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			engine_used = COALESCE(EXCLUDED.engine_used, ocr.processing_jobs.engine_used),
			metadata = COALESCE(EXCLUDED.metadata, ocr.processing_jobs.metadata),
			updated_at = NOW()
		RETURNING id
	`

	var filename, mimeType, userID string
	if update.Metadata != nil {
		filename, _ = update.Metadata["filename"].(string)
		mimeType, _ = update.Metadata["mimeType"].(string)
		userID, _ = update.Metadata["userId"].(string)
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		confidence,              // $3
		quality,                 // $4
		update.ProcessingTimeMs, // $5
		update.DocumentID,       // $6
		update.ErrorCode,        // $7
		update.ErrorMessage,     // $8
		update.EngineUsed,       // $9
		metadataJSON,            // $10
		filename,                // $11
		mimeType,                // $12
		userID,                  // $13
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}

	if err != nil {
		return apperrors.NewDatabaseError(
			fmt.Sprintf("update job status (job=%s, status=%s, confidence=%.4f)", update.JobID, update.Status, confidence), err)
	}

	return nil
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
