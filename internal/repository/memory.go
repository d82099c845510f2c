package repository

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"zmon/internal/models"
)

// MemoryStore backs all repository interfaces with process memory. Used on
// the bench when no database is configured, and in tests. Contents are lost
// on restart, so the telemetry durability guarantee degrades to
// process-lifetime only.
type MemoryStore struct {
	mu      sync.RWMutex
	vitals  []models.VitalRecord
	batches map[string]*models.TelemetryBatch
	order   []string // batch ids in save order
	alarms  map[string]*models.AlarmSnapshot
}

var (
	_ TelemetryRepository     = (*MemoryStore)(nil)
	_ AlarmRepository         = (*MemoryStore)(nil)
	_ VitalsHistoryRepository = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]*models.TelemetryBatch),
		alarms:  make(map[string]*models.AlarmSnapshot),
	}
}

// memoryVitalsCap bounds the vitals table so runs without a database stay
// flat; matches the UI cache horizon (72 h at 1/s).
const memoryVitalsCap = 259200

func (s *MemoryStore) SaveVitals(_ context.Context, records []models.VitalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vitals = append(s.vitals, records...)
	if n := len(s.vitals) - memoryVitalsCap; n > 0 {
		s.vitals = append(s.vitals[:0], s.vitals[n:]...)
	}
	return nil
}

func (s *MemoryStore) SaveBatch(_ context.Context, batch *models.TelemetryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *batch
	if _, exists := s.batches[batch.BatchID]; !exists {
		s.order = append(s.order, batch.BatchID)
	}
	s.batches[batch.BatchID] = &cp
	return nil
}

func (s *MemoryStore) GetUnsentBatches(_ context.Context, limit int) ([]*models.TelemetryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TelemetryBatch
	for _, id := range s.order {
		b := s.batches[id]
		if b.SentAt != nil {
			continue
		}
		cp := *b
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkBatchSent(_ context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return sql.ErrNoRows
	}
	if b.SentAt != nil {
		return nil // already sent, idempotent
	}
	now := time.Now()
	b.SentAt = &now
	return nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, alarm *models.AlarmSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *alarm
	s.alarms[alarm.AlarmID] = &cp
	return nil
}

func (s *MemoryStore) GetActive(_ context.Context) ([]*models.AlarmSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AlarmSnapshot
	for _, a := range s.alarms {
		if a.Open() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) GetHistory(_ context.Context, patientID string, from, to time.Time) ([]*models.AlarmSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AlarmSnapshot
	for _, a := range s.alarms {
		if a.PatientID != patientID {
			continue
		}
		if a.StartedAt.Before(from) || a.StartedAt.After(to) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, alarmID string, status models.AlarmStatus, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alarms[alarmID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	a.Status = status
	switch status {
	case models.StatusAcknowledged:
		a.AckBy = actor
		a.AckAt = &now
	case models.StatusResolved:
		a.ResolvedAt = &now
	}
	return nil
}

func (s *MemoryStore) GetRange(_ context.Context, patientID string, from, to time.Time) ([]models.VitalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fromMs, toMs := from.UnixMilli(), to.UnixMilli()
	var out []models.VitalRecord
	for _, rec := range s.vitals {
		if rec.PatientID != patientID {
			continue
		}
		if rec.Timestamp >= fromMs && rec.Timestamp <= toMs {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}
