// Package repository persists telemetry batches, vitals history and alarm
// snapshots. Every interface has a Postgres implementation and an in-memory
// one; the daemon picks at startup based on configuration.
package repository

import (
	"context"
	"time"

	"zmon/internal/models"
)

// TelemetryRepository is the durability fallback for the telemetry service:
// batches are saved before the first send attempt and marked once the
// server acknowledges them.
type TelemetryRepository interface {
	SaveVitals(ctx context.Context, records []models.VitalRecord) error
	SaveBatch(ctx context.Context, batch *models.TelemetryBatch) error
	GetUnsentBatches(ctx context.Context, limit int) ([]*models.TelemetryBatch, error)
	// MarkBatchSent is idempotent: re-marking an already-sent batch is a
	// no-op, not an error.
	MarkBatchSent(ctx context.Context, batchID string) error
}

// AlarmRepository stores alarm snapshots for audit, restart recovery and
// reporting. The evaluator's in-memory table is authoritative; this store
// is eventually consistent.
type AlarmRepository interface {
	SaveSnapshot(ctx context.Context, alarm *models.AlarmSnapshot) error
	GetActive(ctx context.Context) ([]*models.AlarmSnapshot, error)
	GetHistory(ctx context.Context, patientID string, from, to time.Time) ([]*models.AlarmSnapshot, error)
	UpdateStatus(ctx context.Context, alarmID string, status models.AlarmStatus, actor string) error
}

// VitalsHistoryRepository serves ranged reads for reporting.
type VitalsHistoryRepository interface {
	GetRange(ctx context.Context, patientID string, from, to time.Time) ([]models.VitalRecord, error)
}
