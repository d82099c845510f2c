package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"zmon/internal/models"
)

// PostgresAlarmRepository stores alarm snapshots in PostgreSQL for audit
// and restart recovery.
type PostgresAlarmRepository struct {
	db *sql.DB
}

// NewPostgresAlarmRepository creates an alarm repository backed by db.
func NewPostgresAlarmRepository(db *sql.DB) *PostgresAlarmRepository {
	return &PostgresAlarmRepository{db: db}
}

var _ AlarmRepository = (*PostgresAlarmRepository)(nil)

// SaveSnapshot inserts an alarm, or refreshes the mutable columns when the
// alarm already exists (re-activation within the duplicate window reuses
// the same alarm_id).
func (r *PostgresAlarmRepository) SaveSnapshot(ctx context.Context, alarm *models.AlarmSnapshot) error {
	if alarm == nil {
		return fmt.Errorf("alarm cannot be nil")
	}
	if alarm.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		INSERT INTO alarms (
			alarm_id, alarm_type, vital_type, direction, priority,
			value, limit_value, last_value, patient_id, device_id,
			status, started_at, ack_by, ack_at, resolved_at,
			silenced, silenced_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (alarm_id) DO UPDATE SET
			value = EXCLUDED.value,
			last_value = EXCLUDED.last_value,
			status = EXCLUDED.status,
			ack_by = EXCLUDED.ack_by,
			ack_at = EXCLUDED.ack_at,
			resolved_at = EXCLUDED.resolved_at,
			silenced = EXCLUDED.silenced,
			silenced_until = EXCLUDED.silenced_until
	`

	var ackBy sql.NullString
	if alarm.AckBy != "" {
		ackBy = sql.NullString{String: alarm.AckBy, Valid: true}
	}
	var ackAt, resolvedAt, silencedUntil sql.NullTime
	if alarm.AckAt != nil {
		ackAt = sql.NullTime{Time: *alarm.AckAt, Valid: true}
	}
	if alarm.ResolvedAt != nil {
		resolvedAt = sql.NullTime{Time: *alarm.ResolvedAt, Valid: true}
	}
	if alarm.SilencedUntil != nil {
		silencedUntil = sql.NullTime{Time: *alarm.SilencedUntil, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		alarm.AlarmID, alarm.AlarmType, alarm.VitalType, alarm.Direction, alarm.Priority,
		alarm.Value, alarm.Limit, alarm.LastValue, alarm.PatientID, alarm.DeviceID,
		alarm.Status, alarm.StartedAt, ackBy, ackAt, resolvedAt,
		alarm.Silenced, silencedUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to save alarm snapshot: %w", err)
	}

	return nil
}

// GetActive returns open alarms (active or acknowledged), oldest first.
func (r *PostgresAlarmRepository) GetActive(ctx context.Context) ([]*models.AlarmSnapshot, error) {
	query := `
		SELECT alarm_id, alarm_type, vital_type, direction, priority,
			value, limit_value, last_value, patient_id, device_id,
			status, started_at, ack_by, ack_at, resolved_at,
			silenced, silenced_until
		FROM alarms
		WHERE status IN ('active', 'acknowledged')
		ORDER BY started_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alarms: %w", err)
	}
	defer rows.Close()

	var alarms []*models.AlarmSnapshot
	for rows.Next() {
		var a models.AlarmSnapshot
		var ackBy sql.NullString
		var ackAt, resolvedAt, silencedUntil sql.NullTime
		if err := rows.Scan(
			&a.AlarmID, &a.AlarmType, &a.VitalType, &a.Direction, &a.Priority,
			&a.Value, &a.Limit, &a.LastValue, &a.PatientID, &a.DeviceID,
			&a.Status, &a.StartedAt, &ackBy, &ackAt, &resolvedAt,
			&a.Silenced, &silencedUntil,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm snapshot: %w", err)
		}
		if ackBy.Valid {
			a.AckBy = ackBy.String
		}
		if ackAt.Valid {
			a.AckAt = &ackAt.Time
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		if silencedUntil.Valid {
			a.SilencedUntil = &silencedUntil.Time
		}
		alarms = append(alarms, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarms: %w", err)
	}

	return alarms, nil
}

// GetHistory returns every alarm raised for the patient inside the window,
// open or closed, oldest first.
func (r *PostgresAlarmRepository) GetHistory(ctx context.Context, patientID string, from, to time.Time) ([]*models.AlarmSnapshot, error) {
	if patientID == "" {
		return nil, fmt.Errorf("patient_id is required")
	}

	query := `
		SELECT alarm_id, alarm_type, vital_type, direction, priority,
			value, limit_value, last_value, patient_id, device_id,
			status, started_at, ack_by, ack_at, resolved_at,
			silenced, silenced_until
		FROM alarms
		WHERE patient_id = $1 AND started_at >= $2 AND started_at <= $3
		ORDER BY started_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, patientID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm history: %w", err)
	}
	defer rows.Close()

	var alarms []*models.AlarmSnapshot
	for rows.Next() {
		var a models.AlarmSnapshot
		var ackBy sql.NullString
		var ackAt, resolvedAt, silencedUntil sql.NullTime
		if err := rows.Scan(
			&a.AlarmID, &a.AlarmType, &a.VitalType, &a.Direction, &a.Priority,
			&a.Value, &a.Limit, &a.LastValue, &a.PatientID, &a.DeviceID,
			&a.Status, &a.StartedAt, &ackBy, &ackAt, &resolvedAt,
			&a.Silenced, &silencedUntil,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm snapshot: %w", err)
		}
		if ackBy.Valid {
			a.AckBy = ackBy.String
		}
		if ackAt.Valid {
			a.AckAt = &ackAt.Time
		}
		if resolvedAt.Valid {
			a.ResolvedAt = &resolvedAt.Time
		}
		if silencedUntil.Valid {
			a.SilencedUntil = &silencedUntil.Time
		}
		alarms = append(alarms, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarms: %w", err)
	}

	return alarms, nil
}

// UpdateStatus applies a lifecycle transition. The acknowledging or
// resolving timestamp is taken server-side; the in-memory table remains
// the authoritative copy.
func (r *PostgresAlarmRepository) UpdateStatus(ctx context.Context, alarmID string, status models.AlarmStatus, actor string) error {
	if alarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	var query string
	var args []any
	switch status {
	case models.StatusAcknowledged:
		query = `
			UPDATE alarms
			SET status = $2, ack_by = $3, ack_at = NOW()
			WHERE alarm_id = $1
		`
		args = []any{alarmID, status, actor}
	case models.StatusResolved:
		query = `
			UPDATE alarms
			SET status = $2, resolved_at = NOW()
			WHERE alarm_id = $1
		`
		args = []any{alarmID, status}
	default:
		query = `
			UPDATE alarms
			SET status = $2
			WHERE alarm_id = $1
		`
		args = []any{alarmID, status}
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alarm status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alarm %s not found", alarmID)
	}

	return nil
}
