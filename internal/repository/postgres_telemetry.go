package repository

import (
	"context"
	"database/sql"
	"fmt"

	"zmon/internal/models"
)

// PostgresTelemetryRepository persists vitals pages and sealed telemetry
// batches in PostgreSQL.
type PostgresTelemetryRepository struct {
	db *sql.DB
}

// NewPostgresTelemetryRepository creates a telemetry repository backed by db.
func NewPostgresTelemetryRepository(db *sql.DB) *PostgresTelemetryRepository {
	return &PostgresTelemetryRepository{db: db}
}

var _ TelemetryRepository = (*PostgresTelemetryRepository)(nil)

// SaveVitals inserts a page of vitals in a single transaction.
func (r *PostgresTelemetryRepository) SaveVitals(ctx context.Context, records []models.VitalRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO vitals (
			vital_type, value, timestamp_ms, quality, patient_id, device_id
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare vitals insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.Type, rec.Value, rec.Timestamp, rec.Quality, rec.PatientID, rec.DeviceID,
		); err != nil {
			return fmt.Errorf("failed to insert vital record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vitals insert: %w", err)
	}

	return nil
}

// SaveBatch stores a sealed batch so the drain loop can re-send it after a
// restart. Re-saving an existing batch is a no-op: the sealed payload never
// changes once signed.
func (r *PostgresTelemetryRepository) SaveBatch(ctx context.Context, batch *models.TelemetryBatch) error {
	if batch == nil {
		return fmt.Errorf("batch cannot be nil")
	}
	if batch.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}

	query := `
		INSERT INTO telemetry_batches (
			batch_id, device_id, patient_id, priority,
			created_at, nonce, signature, compressed, sent_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (batch_id) DO NOTHING
	`

	var sentAt sql.NullTime
	if batch.SentAt != nil {
		sentAt = sql.NullTime{Time: *batch.SentAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		batch.BatchID, batch.DeviceID, batch.PatientID, batch.Priority,
		batch.CreatedAt, batch.Nonce, batch.Signature, batch.Compressed, sentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save telemetry batch: %w", err)
	}

	return nil
}

// GetUnsentBatches returns unacknowledged batches oldest first, up to limit
// (no limit when limit <= 0). Batch contents stay inside the compressed
// payload; only envelope columns are hydrated.
func (r *PostgresTelemetryRepository) GetUnsentBatches(ctx context.Context, limit int) ([]*models.TelemetryBatch, error) {
	query := `
		SELECT batch_id, device_id, patient_id, priority,
			created_at, nonce, signature, compressed, sent_at
		FROM telemetry_batches
		WHERE sent_at IS NULL
		ORDER BY created_at ASC`

	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.TelemetryBatch
	for rows.Next() {
		var b models.TelemetryBatch
		var sentAt sql.NullTime
		if err := rows.Scan(
			&b.BatchID, &b.DeviceID, &b.PatientID, &b.Priority,
			&b.CreatedAt, &b.Nonce, &b.Signature, &b.Compressed, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry batch: %w", err)
		}
		if sentAt.Valid {
			b.SentAt = &sentAt.Time
		}
		batches = append(batches, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate telemetry batches: %w", err)
	}

	return batches, nil
}

// MarkBatchSent records the server acknowledgement. Idempotent: the send
// loop and the drain loop can race on the same batch, so re-marking an
// already-sent batch succeeds without touching the row.
func (r *PostgresTelemetryRepository) MarkBatchSent(ctx context.Context, batchID string) error {
	if batchID == "" {
		return fmt.Errorf("batch_id is required")
	}

	query := `
		UPDATE telemetry_batches
		SET sent_at = NOW()
		WHERE batch_id = $1 AND sent_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, batchID)
	if err != nil {
		return fmt.Errorf("failed to mark batch sent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM telemetry_batches WHERE batch_id = $1)`,
			batchID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check batch existence: %w", err)
		}
		if !exists {
			return fmt.Errorf("batch %s not found", batchID)
		}
	}

	return nil
}
