// Package evaluator is the alarm detection engine: per-vital threshold
// checks with hysteresis, the active-alarm table, and the operator
// lifecycle (acknowledge, resolve, silence, escalate).
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
	"zmon/internal/repository"
)

// ErrAlarmNotFound is returned by operator actions on an unknown or
// already-resolved alarm.
var ErrAlarmNotFound = errors.New("alarm not found")

const persistTimeout = 5 * time.Second

// DefaultThresholds returns the factory alarm limits.
func DefaultThresholds() map[models.VitalType]models.AlarmThreshold {
	return map[models.VitalType]models.AlarmThreshold{
		models.VitalHR: {
			VitalType: models.VitalHR, LowLimit: 50, HighLimit: 120,
			Hysteresis: 5, Priority: models.PriorityHigh, Enabled: true,
		},
		models.VitalSPO2: {
			VitalType: models.VitalSPO2, LowLimit: 90, HighLimit: 100,
			Hysteresis: 2, Priority: models.PriorityHigh, Enabled: true,
		},
		models.VitalRR: {
			VitalType: models.VitalRR, LowLimit: 8, HighLimit: 30,
			Hysteresis: 2, Priority: models.PriorityMedium, Enabled: true,
		},
	}
}

type statusUpdate struct {
	alarmID string
	status  models.AlarmStatus
	actor   string
}

// persistOp carries either a full snapshot save or a status update.
type persistOp struct {
	save   *models.AlarmSnapshot
	update *statusUpdate
}

// Evaluator detects threshold crossings and owns the in-memory alarm
// state, which is authoritative for real-time display. Persistence runs on
// an asynchronous worker; a storage failure never blocks or rolls back
// detection.
type Evaluator struct {
	logger *zap.Logger
	bus    *events.Bus
	repo   repository.AlarmRepository // nil disables persistence

	mu         sync.RWMutex
	thresholds map[models.VitalType]models.AlarmThreshold
	active     map[string]*models.AlarmSnapshot // by alarm type
	recent     map[string]*models.AlarmSnapshot // resolved, kept for the re-activation window
	warned     map[models.VitalType]bool

	duplicateWindow time.Duration
	now             func() time.Time

	persistCh chan persistOp
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an evaluator with the default thresholds overridden by the
// configured ALARM_THRESHOLDS entries.
func New(cfg *config.Config, repo repository.AlarmRepository, bus *events.Bus, logger *zap.Logger) (*Evaluator, error) {
	thresholds := DefaultThresholds()
	overrides, err := config.ParseThresholds(cfg.Alarm.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse alarm thresholds: %w", err)
	}
	for vital, th := range overrides {
		thresholds[vital] = th
	}

	queue := cfg.Alarm.PersistQueueSize
	if queue <= 0 {
		queue = 256
	}

	return &Evaluator{
		logger:          logger,
		bus:             bus,
		repo:            repo,
		thresholds:      thresholds,
		active:          make(map[string]*models.AlarmSnapshot),
		recent:          make(map[string]*models.AlarmSnapshot),
		warned:          make(map[models.VitalType]bool),
		duplicateWindow: cfg.Alarm.DuplicateWindow,
		now:             time.Now,
		persistCh:       make(chan persistOp, queue),
	}, nil
}

// Start restores open alarms from storage and launches the persistence
// worker. No-op without a repository.
func (e *Evaluator) Start(ctx context.Context) {
	if e.repo == nil {
		return
	}
	e.restore(ctx)
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.persistWorker(runCtx)
}

// restore reloads open alarms after a restart so operators keep their ack
// state. Failure is non-fatal: detection restarts from an empty table.
func (e *Evaluator) restore(ctx context.Context) {
	loadCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	alarms, err := e.repo.GetActive(loadCtx)
	if err != nil {
		e.logger.Warn("failed to restore active alarms", zap.Error(err))
		return
	}
	if len(alarms) == 0 {
		return
	}
	e.mu.Lock()
	for _, a := range alarms {
		cp := *a
		e.active[cp.AlarmType] = &cp
	}
	e.mu.Unlock()
	e.logger.Info("restored active alarms", zap.Int("count", len(alarms)))
}

// Stop halts the worker after draining queued writes.
func (e *Evaluator) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Evaluate runs threshold detection for one record. Constant-time, no I/O:
// the only work under the lock is map access and field updates.
func (e *Evaluator) Evaluate(record models.VitalRecord) {
	e.mu.Lock()
	th, ok := e.thresholds[record.Type]
	if !ok || !th.Enabled {
		if !e.warned[record.Type] {
			e.warned[record.Type] = true
			e.logger.Debug("no enabled threshold for vital, alarms disabled",
				zap.String("vital", string(record.Type)),
			)
		}
		e.mu.Unlock()
		return
	}

	now := e.now()
	var raised, resolved []*models.AlarmSnapshot

	// High side.
	highType := models.AlarmTypeFor(record.Type, models.DirectionHigh)
	if record.Value > th.HighLimit {
		if a := e.triggerLocked(highType, record, th, models.DirectionHigh, th.HighLimit, now); a != nil {
			raised = append(raised, a)
		}
	} else if a := e.active[highType]; a != nil {
		a.LastValue = record.Value
		if record.Value <= th.HighLimit-th.Hysteresis {
			e.resolveLocked(a, now)
			resolved = append(resolved, snapshotCopy(a))
		}
	}

	// Low side.
	lowType := models.AlarmTypeFor(record.Type, models.DirectionLow)
	if record.Value < th.LowLimit {
		if a := e.triggerLocked(lowType, record, th, models.DirectionLow, th.LowLimit, now); a != nil {
			raised = append(raised, a)
		}
	} else if a := e.active[lowType]; a != nil {
		a.LastValue = record.Value
		if record.Value >= th.LowLimit+th.Hysteresis {
			e.resolveLocked(a, now)
			resolved = append(resolved, snapshotCopy(a))
		}
	}
	e.mu.Unlock()

	for _, a := range raised {
		e.bus.Publish(events.Event{Kind: events.KindAlarmRaised, Timestamp: now, Alarm: a})
		e.enqueue(persistOp{save: a})
	}
	for _, a := range resolved {
		e.bus.Publish(events.Event{Kind: events.KindAlarmResolved, Timestamp: now, Alarm: a})
		e.enqueue(persistOp{update: &statusUpdate{alarmID: a.AlarmID, status: models.StatusResolved}})
	}
}

// triggerLocked opens (or re-activates) the alarm for one crossed limit.
// Returns a detached copy to emit, or nil when the existing open alarm
// absorbs the observation.
func (e *Evaluator) triggerLocked(alarmType string, rec models.VitalRecord, th models.AlarmThreshold, dir models.AlarmDirection, limit float64, now time.Time) *models.AlarmSnapshot {
	if a := e.active[alarmType]; a != nil {
		// No duplicates while active or acknowledged.
		a.LastValue = rec.Value
		return nil
	}

	// An alarm of this type that resolved moments ago flaps back to
	// active instead of opening a new instance.
	if prev := e.recent[alarmType]; prev != nil {
		if prev.ResolvedAt != nil && now.Sub(*prev.ResolvedAt) < e.duplicateWindow {
			prev.Status = models.StatusActive
			prev.ResolvedAt = nil
			prev.LastValue = rec.Value
			delete(e.recent, alarmType)
			e.active[alarmType] = prev
			e.logger.Info("alarm re-activated within duplicate window",
				zap.String("alarm_id", prev.AlarmID),
				zap.String("alarm_type", alarmType),
				zap.Float64("value", rec.Value),
			)
			return snapshotCopy(prev)
		}
		delete(e.recent, alarmType)
	}

	a := &models.AlarmSnapshot{
		AlarmID:   uuid.NewString(),
		AlarmType: alarmType,
		VitalType: rec.Type,
		Direction: dir,
		Priority:  th.Priority,
		Value:     rec.Value,
		Limit:     limit,
		LastValue: rec.Value,
		PatientID: rec.PatientID,
		DeviceID:  rec.DeviceID,
		Status:    models.StatusActive,
		StartedAt: now,
	}
	e.active[alarmType] = a
	e.logger.Warn("alarm raised",
		zap.String("alarm_id", a.AlarmID),
		zap.String("alarm_type", alarmType),
		zap.String("priority", string(a.Priority)),
		zap.Float64("value", rec.Value),
		zap.Float64("limit", limit),
	)
	return snapshotCopy(a)
}

func (e *Evaluator) resolveLocked(a *models.AlarmSnapshot, now time.Time) {
	a.Status = models.StatusResolved
	t := now
	a.ResolvedAt = &t
	delete(e.active, a.AlarmType)
	e.recent[a.AlarmType] = a
	e.logger.Info("alarm resolved",
		zap.String("alarm_id", a.AlarmID),
		zap.String("alarm_type", a.AlarmType),
		zap.Float64("last_value", a.LastValue),
	)
}

// Acknowledge moves an active alarm to acknowledged, recording who and
// when.
func (e *Evaluator) Acknowledge(alarmID, userID string) (*models.AlarmSnapshot, error) {
	e.mu.Lock()
	a := e.findOpenLocked(alarmID)
	if a == nil {
		e.mu.Unlock()
		return nil, ErrAlarmNotFound
	}
	if a.Status != models.StatusActive {
		e.mu.Unlock()
		return nil, fmt.Errorf("alarm %s is %s, not active", alarmID, a.Status)
	}
	now := e.now()
	a.Status = models.StatusAcknowledged
	a.AckBy = userID
	a.AckAt = &now
	cp := snapshotCopy(a)
	e.mu.Unlock()

	e.bus.Publish(events.Event{Kind: events.KindAlarmAcknowledged, Timestamp: now, Alarm: cp})
	e.enqueue(persistOp{update: &statusUpdate{alarmID: alarmID, status: models.StatusAcknowledged, actor: userID}})
	return cp, nil
}

// Resolve closes an open alarm by operator action.
func (e *Evaluator) Resolve(alarmID, userID string) (*models.AlarmSnapshot, error) {
	e.mu.Lock()
	a := e.findOpenLocked(alarmID)
	if a == nil {
		e.mu.Unlock()
		return nil, ErrAlarmNotFound
	}
	now := e.now()
	e.resolveLocked(a, now)
	cp := snapshotCopy(a)
	e.mu.Unlock()

	e.bus.Publish(events.Event{Kind: events.KindAlarmResolved, Timestamp: now, Alarm: cp})
	e.enqueue(persistOp{update: &statusUpdate{alarmID: alarmID, status: models.StatusResolved, actor: userID}})
	return cp, nil
}

// Silence suppresses notification for an open alarm for the given
// duration without touching its lifecycle state.
func (e *Evaluator) Silence(alarmID string, d time.Duration) (*models.AlarmSnapshot, error) {
	e.mu.Lock()
	a := e.findOpenLocked(alarmID)
	if a == nil {
		e.mu.Unlock()
		return nil, ErrAlarmNotFound
	}
	until := e.now().Add(d)
	a.Silenced = true
	a.SilencedUntil = &until
	cp := snapshotCopy(a)
	e.mu.Unlock()

	e.enqueue(persistOp{save: cp})
	return cp, nil
}

// Unsilence re-enables notification for an open alarm.
func (e *Evaluator) Unsilence(alarmID string) (*models.AlarmSnapshot, error) {
	e.mu.Lock()
	a := e.findOpenLocked(alarmID)
	if a == nil {
		e.mu.Unlock()
		return nil, ErrAlarmNotFound
	}
	a.Silenced = false
	a.SilencedUntil = nil
	cp := snapshotCopy(a)
	e.mu.Unlock()

	e.enqueue(persistOp{save: cp})
	return cp, nil
}

// Escalate bumps an open alarm one priority step (LOW→MEDIUM→HIGH).
func (e *Evaluator) Escalate(alarmID string) (*models.AlarmSnapshot, error) {
	e.mu.Lock()
	a := e.findOpenLocked(alarmID)
	if a == nil {
		e.mu.Unlock()
		return nil, ErrAlarmNotFound
	}
	switch a.Priority {
	case models.PriorityLow:
		a.Priority = models.PriorityMedium
	case models.PriorityMedium:
		a.Priority = models.PriorityHigh
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("alarm %s is already %s", alarmID, a.Priority)
	}
	cp := snapshotCopy(a)
	e.mu.Unlock()

	e.logger.Warn("alarm escalated",
		zap.String("alarm_id", alarmID),
		zap.String("priority", string(cp.Priority)),
	)
	e.enqueue(persistOp{save: cp})
	return cp, nil
}

// Active returns copies of all open alarms, oldest first.
func (e *Evaluator) Active() []models.AlarmSnapshot {
	e.mu.RLock()
	out := make([]models.AlarmSnapshot, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *snapshotCopy(a))
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// SetThreshold replaces the threshold for one vital at runtime.
func (e *Evaluator) SetThreshold(th models.AlarmThreshold) {
	e.mu.Lock()
	e.thresholds[th.VitalType] = th
	delete(e.warned, th.VitalType)
	e.mu.Unlock()
}

// Thresholds returns a copy of the threshold table.
func (e *Evaluator) Thresholds() map[models.VitalType]models.AlarmThreshold {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[models.VitalType]models.AlarmThreshold, len(e.thresholds))
	for k, v := range e.thresholds {
		out[k] = v
	}
	return out
}

func (e *Evaluator) findOpenLocked(alarmID string) *models.AlarmSnapshot {
	for _, a := range e.active {
		if a.AlarmID == alarmID {
			return a
		}
	}
	return nil
}

func (e *Evaluator) enqueue(op persistOp) {
	if e.repo == nil {
		return
	}
	select {
	case e.persistCh <- op:
	default:
		// Detection never blocks on storage; a full queue sheds the
		// write and the in-memory state stays authoritative.
		e.logger.Warn("alarm persistence queue full, dropping write")
	}
}

func (e *Evaluator) persistWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			e.drainQueue()
			return
		case op := <-e.persistCh:
			e.apply(op)
		}
	}
}

func (e *Evaluator) drainQueue() {
	for {
		select {
		case op := <-e.persistCh:
			e.apply(op)
		default:
			return
		}
	}
}

func (e *Evaluator) apply(op persistOp) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	switch {
	case op.save != nil:
		err = e.repo.SaveSnapshot(ctx, op.save)
	case op.update != nil:
		err = e.repo.UpdateStatus(ctx, op.update.alarmID, op.update.status, op.update.actor)
	}
	if err != nil {
		e.logger.Error("failed to persist alarm state", zap.Error(err))
	}
}

func snapshotCopy(a *models.AlarmSnapshot) *models.AlarmSnapshot {
	cp := *a
	if a.AckAt != nil {
		t := *a.AckAt
		cp.AckAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	if a.SilencedUntil != nil {
		t := *a.SilencedUntil
		cp.SilencedUntil = &t
	}
	return &cp
}
