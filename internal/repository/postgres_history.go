package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zmon/internal/models"
)

// PostgresVitalsHistoryRepository serves ranged vitals reads for reporting.
type PostgresVitalsHistoryRepository struct {
	db *sql.DB
}

// NewPostgresVitalsHistoryRepository creates a history repository backed by db.
func NewPostgresVitalsHistoryRepository(db *sql.DB) *PostgresVitalsHistoryRepository {
	return &PostgresVitalsHistoryRepository{db: db}
}

var _ VitalsHistoryRepository = (*PostgresVitalsHistoryRepository)(nil)

// GetRange returns one patient's vitals inside [from, to], oldest first.
func (r *PostgresVitalsHistoryRepository) GetRange(ctx context.Context, patientID string, from, to time.Time) ([]models.VitalRecord, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT vital_type, value, timestamp_ms, quality, patient_id, device_id
		FROM vitals
		WHERE patient_id = $1 AND timestamp_ms >= $2 AND timestamp_ms <= $3
		ORDER BY timestamp_ms ASC
	`

	rows, err := r.db.QueryContext(ctx, query, patientID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query vitals range: %w", err)
	}
	defer rows.Close()

	var records []models.VitalRecord
	for rows.Next() {
		var rec models.VitalRecord
		if err := rows.Scan(
			&rec.Type, &rec.Value, &rec.Timestamp, &rec.Quality, &rec.PatientID, &rec.DeviceID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan vital record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vitals: %w", err)
	}

	return records, nil
}
