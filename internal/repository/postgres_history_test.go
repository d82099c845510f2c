package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zmon/internal/models"
)

func setupMockHistoryDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresVitalsHistoryRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, NewPostgresVitalsHistoryRepository(db)
}

func TestGetRange_ReturnsWindow(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"vital_type", "value", "timestamp_ms", "quality", "patient_id", "device_id",
	}).
		AddRow("HR", 72.0, int64(2000), 95, "patient-1", "dev-1").
		AddRow("HR", 74.0, int64(3000), 92, "patient-1", "dev-1")

	mock.ExpectQuery(`SELECT .+ FROM vitals`).
		WithArgs("patient-1", int64(1000), int64(5000)).
		WillReturnRows(rows)

	records, err := repo.GetRange(context.Background(), "patient-1",
		time.UnixMilli(1000), time.UnixMilli(5000))

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.VitalHR, records[0].Type)
	assert.Equal(t, 72.0, records[0].Value)
	assert.Equal(t, int64(2000), records[0].Timestamp)
	assert.Equal(t, int64(3000), records[1].Timestamp)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRange_EmptyPatientID(t *testing.T) {
	db, mock, repo := setupMockHistoryDB(t)
	defer db.Close()

	records, err := repo.GetRange(context.Background(), "",
		time.UnixMilli(0), time.UnixMilli(1000))

	assert.Error(t, err)
	assert.Nil(t, records)
	assert.Contains(t, err.Error(), "patient_id is required")

	require.NoError(t, mock.ExpectationsWereMet())
}
