package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zmon/internal/cache"
	"zmon/internal/config"
	"zmon/internal/events"
	"zmon/internal/models"
	"zmon/internal/repository"
)

const (
	subscriptionBuffer = 256
	sendQueueSize      = 16
	criticalQueueSize  = 8
	drainBatchLimit    = 10
)

// Counters tracks delivery activity since startup.
type Counters struct {
	BatchesSealed int64
	Uploads       int64
	Failures      int64
	Retries       int64
	ShortCircuits int64
	QueueOverflow int64
}

// Service consumes vitals and alarm events from the bus, assembles signed
// batches, and drives delivery with retry, a circuit breaker, and a
// durable queue of unacknowledged batches. It is the only component that
// performs network I/O; nothing upstream ever blocks on it.
type Service struct {
	cfg      *config.Config
	repo     repository.TelemetryRepository
	vitals   *cache.VitalsCache // optional; persistence watermark on ack
	bus      *events.Bus
	signer   *Signer
	uploader *Uploader
	breaker  *CircuitBreaker
	policy   RetryPolicy
	logger   *zap.Logger

	mu         sync.Mutex
	openVitals []models.VitalRecord
	openAlarms []models.AlarmSnapshot
	openApprox int // running estimate of serialized payload bytes
	counters   Counters

	sub        *events.Subscription
	normalCh   chan *models.TelemetryBatch
	criticalCh chan *models.TelemetryBatch

	cancel   context.CancelFunc
	pumpDone chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
}

// NewService wires the telemetry pipeline. The repository is required;
// vitalsCache may be nil when no watermark tracking is wanted.
func NewService(cfg *config.Config, repo repository.TelemetryRepository, vitalsCache *cache.VitalsCache, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		vitals:   vitalsCache,
		bus:      bus,
		signer:   NewSigner(cfg.Telemetry.SigningKey),
		uploader: NewUploader(cfg.Telemetry.Endpoint, cfg.Telemetry.DeviceToken, cfg.Telemetry.UploadTimeout, logger),
		breaker: NewCircuitBreaker(
			cfg.Telemetry.Breaker.FailureThreshold,
			cfg.Telemetry.Breaker.ResetTimeout,
			cfg.Telemetry.Breaker.HalfOpenMaxRequests,
			logger,
		),
		policy: RetryPolicy{
			MaxAttempts: cfg.Telemetry.Retry.MaxAttempts,
			BaseDelay:   cfg.Telemetry.Retry.BaseDelay,
			MaxDelay:    cfg.Telemetry.Retry.MaxDelay,
			Factor:      cfg.Telemetry.Retry.Factor,
		},
		logger:     logger,
		normalCh:   make(chan *models.TelemetryBatch, sendQueueSize),
		criticalCh: make(chan *models.TelemetryBatch, criticalQueueSize),
	}
}

// Start subscribes to the bus and launches the batcher, the delivery
// worker, and the periodic drain of unsent batches.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sub = s.bus.Subscribe(subscriptionBuffer, events.KindVitalsReceived, events.KindAlarmRaised)
	s.pumpDone = make(chan struct{})
	s.started = true

	go s.pump(runCtx)
	s.wg.Add(2)
	go s.sendLoop(runCtx)
	go s.drainLoop(runCtx)

	s.logger.Info("telemetry service started",
		zap.String("endpoint", s.cfg.Telemetry.Endpoint),
		zap.Int("batch_size", s.cfg.Telemetry.BatchSize),
		zap.Duration("batch_window", s.cfg.Telemetry.BatchWindow),
	)
	return nil
}

// Stop flushes the open batch best-effort (bounded by the critical
// timeout), cancels pending retry waits, and waits for an in-flight
// upload to finish. In-flight uploads are never interrupted; their own
// timeout bounds the wait.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if !s.started {
			return
		}
		s.bus.Unsubscribe(s.sub) // closes the pump's channel
		<-s.pumpDone
		s.cancel()
		s.wg.Wait()
		s.logger.Info("telemetry service stopped")
	})
}

// BreakerState exposes the circuit state for status display.
func (s *Service) BreakerState() BreakerState {
	return s.breaker.State()
}

// Counters returns a snapshot of the activity counters.
func (s *Service) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// pump is the batcher: it drains the bus subscription, cuts batches on
// size or window, and routes critical alarms around the batcher.
func (s *Service) pump(ctx context.Context) {
	defer close(s.pumpDone)

	window := time.NewTimer(s.cfg.Telemetry.BatchWindow)
	stopTimer(window)
	defer window.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			return
		case <-window.C:
			s.cutAndQueue(window, "window")
		case ev, ok := <-s.sub.C:
			if !ok {
				s.finalFlush()
				return
			}
			s.ingest(ev, window)
		}
	}
}

func (s *Service) ingest(ev events.Event, window *time.Timer) {
	switch ev.Kind {
	case events.KindVitalsReceived:
		if ev.Vital == nil {
			return
		}
		s.mu.Lock()
		first := len(s.openVitals) == 0 && len(s.openAlarms) == 0
		s.openVitals = append(s.openVitals, *ev.Vital)
		s.openApprox += approxSize(ev.Vital)
		full := len(s.openVitals) >= s.cfg.Telemetry.BatchSize ||
			len(s.openVitals) >= models.BatchMaxVitals ||
			s.openApprox >= models.BatchMaxPayloadSize
		s.mu.Unlock()

		if first {
			window.Reset(s.cfg.Telemetry.BatchWindow)
		}
		if full {
			s.cutAndQueue(window, "size")
		}

	case events.KindAlarmRaised:
		if ev.Alarm == nil {
			return
		}
		if ev.Alarm.Priority == models.PriorityHigh {
			s.queueCritical(ev.Alarm)
			return
		}
		s.mu.Lock()
		first := len(s.openVitals) == 0 && len(s.openAlarms) == 0
		s.openAlarms = append(s.openAlarms, *ev.Alarm)
		s.openApprox += approxSize(ev.Alarm)
		full := len(s.openAlarms) >= models.BatchMaxAlarms ||
			s.openApprox >= models.BatchMaxPayloadSize
		s.mu.Unlock()

		if first {
			window.Reset(s.cfg.Telemetry.BatchWindow)
		}
		if full {
			s.cutAndQueue(window, "size")
		}
	}
}

// queueCritical bypasses batching: the alarm ships alone, immediately,
// with the tighter critical timeout.
func (s *Service) queueCritical(alarm *models.AlarmSnapshot) {
	b := s.newBatch()
	b.Alarms = []models.AlarmSnapshot{*alarm}
	b.PatientID = alarm.PatientID
	b.Priority = true

	s.bus.Publish(events.Event{
		Kind:  events.KindBatchReady,
		Batch: &events.BatchInfo{BatchID: b.BatchID, Alarms: 1},
	})
	s.logger.Info("critical alarm bypassing batcher",
		zap.String("batch_id", b.BatchID),
		zap.String("alarm_type", alarm.AlarmType),
	)
	s.enqueue(s.criticalCh, b)
}

func (s *Service) cutAndQueue(window *time.Timer, reason string) {
	b := s.cut()
	if b == nil {
		return
	}
	stopTimer(window)

	s.bus.Publish(events.Event{
		Kind:  events.KindBatchReady,
		Batch: &events.BatchInfo{BatchID: b.BatchID, Vitals: len(b.Vitals), Alarms: len(b.Alarms)},
	})
	s.logger.Debug("batch cut",
		zap.String("batch_id", b.BatchID),
		zap.String("reason", reason),
		zap.Int("vitals", len(b.Vitals)),
		zap.Int("alarms", len(b.Alarms)),
	)
	s.enqueue(s.normalCh, b)
}

// cut closes the open batch and returns it, or nil when nothing is
// buffered.
func (s *Service) cut() *models.TelemetryBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.openVitals) == 0 && len(s.openAlarms) == 0 {
		return nil
	}

	b := s.newBatch()
	b.Vitals = s.openVitals
	b.Alarms = s.openAlarms
	if len(b.Vitals) > 0 {
		b.PatientID = b.Vitals[0].PatientID
	} else {
		b.PatientID = b.Alarms[0].PatientID
	}
	s.openVitals = nil
	s.openAlarms = nil
	s.openApprox = 0
	return b
}

func (s *Service) newBatch() *models.TelemetryBatch {
	return &models.TelemetryBatch{
		BatchID:   uuid.NewString(),
		DeviceID:  s.cfg.Sensor.DeviceID,
		PatientID: s.cfg.Sensor.PatientID,
		CreatedAt: time.Now(),
	}
}

// enqueue hands a batch to the delivery worker. When the queue is full the
// batch is sealed and saved instead, so the periodic drain picks it up;
// the batcher never blocks behind delivery.
func (s *Service) enqueue(ch chan *models.TelemetryBatch, b *models.TelemetryBatch) {
	select {
	case ch <- b:
	default:
		s.mu.Lock()
		s.counters.QueueOverflow++
		s.mu.Unlock()
		if err := s.prepare(b); err != nil {
			s.logger.Error("failed to park batch for drain", zap.String("batch_id", b.BatchID), zap.Error(err))
			return
		}
		s.logger.Warn("delivery queue full, batch parked for drain",
			zap.String("batch_id", b.BatchID),
		)
	}
}

// prepare seals the batch and saves it before the first send attempt.
// Returns the persist latency through the batch's metrics on delivery.
func (s *Service) prepare(b *models.TelemetryBatch) error {
	if b.Sealed() {
		return nil
	}
	if err := s.signer.Seal(b); err != nil {
		return err
	}
	s.mu.Lock()
	s.counters.BatchesSealed++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.repo.SaveBatch(ctx, b)
}

func (s *Service) sendLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		// Critical batches jump the queue.
		select {
		case b := <-s.criticalCh:
			s.deliver(ctx, b, true)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case b := <-s.criticalCh:
			s.deliver(ctx, b, true)
		case b := <-s.normalCh:
			s.deliver(ctx, b, false)
		}
	}
}

// deliver drives one batch through seal, save, and the retry loop. The
// passed context cancels waits between attempts, never an attempt itself:
// each upload is bounded by its own timeout.
func (s *Service) deliver(ctx context.Context, b *models.TelemetryBatch, critical bool) {
	persistStart := time.Now()
	sealed := b.Sealed()
	if err := s.prepare(b); err != nil {
		s.logger.Error("failed to prepare batch, attempting delivery anyway",
			zap.String("batch_id", b.BatchID), zap.Error(err))
		if !b.Sealed() {
			return // cannot upload an unsealed batch
		}
	}
	var persistMs int64
	if !sealed {
		persistMs = time.Since(persistStart).Milliseconds()
	}

	timeout := s.cfg.Telemetry.UploadTimeout
	if critical {
		timeout = s.cfg.Telemetry.CriticalTimeout
	}

	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if err := s.breaker.Allow(); err != nil {
			s.mu.Lock()
			s.counters.ShortCircuits++
			s.mu.Unlock()
			s.publishFailure(b, attempt-1, models.ErrorCircuit, err, persistMs)
			s.logger.Info("send short-circuited, batch stays queued",
				zap.String("batch_id", b.BatchID))
			return
		}

		uctx, cancel := context.WithTimeout(context.Background(), timeout)
		m, class, err := s.uploader.Upload(uctx, b)
		cancel()
		m.PersistMs = persistMs

		if err == nil {
			s.onDelivered(b, attempt, m)
			return
		}

		s.breaker.RecordFailure()
		s.mu.Lock()
		s.counters.Failures++
		s.mu.Unlock()
		s.logger.Warn("batch upload failed",
			zap.String("batch_id", b.BatchID),
			zap.String("class", string(class)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !class.Retryable() || attempt == s.policy.MaxAttempts {
			s.publishFailure(b, attempt, class, err, persistMs)
			return
		}

		s.mu.Lock()
		s.counters.Retries++
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return // retry wait canceled; the saved batch drains later
		case <-time.After(s.policy.Delay(attempt)):
		}
	}
}

func (s *Service) onDelivered(b *models.TelemetryBatch, attempts int, m models.TransmissionMetrics) {
	s.breaker.RecordSuccess()
	s.mu.Lock()
	s.counters.Uploads++
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.MarkBatchSent(ctx, b.BatchID); err != nil {
		// The server deduplicates by batch id, so a re-send after this
		// failure is harmless.
		s.logger.Error("failed to mark batch sent",
			zap.String("batch_id", b.BatchID), zap.Error(err))
	}

	if s.vitals != nil {
		var maxTs int64
		for _, rec := range b.Vitals {
			if rec.Timestamp > maxTs {
				maxTs = rec.Timestamp
			}
		}
		if maxTs > 0 {
			s.vitals.MarkPersisted(maxTs)
		}
	}

	s.bus.Publish(events.Event{
		Kind: events.KindTransmissionSucceeded,
		Result: &models.TransmissionResult{
			BatchID:  b.BatchID,
			Success:  true,
			Attempts: attempts,
			Metrics:  m,
		},
	})
	s.logger.Info("batch delivered",
		zap.String("batch_id", b.BatchID),
		zap.Int("attempts", attempts),
		zap.Int("vitals", len(b.Vitals)),
		zap.Int("alarms", len(b.Alarms)),
		zap.Int64("wire_ms", m.WireMs),
	)
}

func (s *Service) publishFailure(b *models.TelemetryBatch, attempts int, class models.ErrorClass, err error, persistMs int64) {
	s.bus.Publish(events.Event{
		Kind: events.KindTransmissionFailed,
		Result: &models.TransmissionResult{
			BatchID:    b.BatchID,
			Success:    false,
			ErrorClass: class,
			Error:      err.Error(),
			Attempts:   attempts,
			Metrics:    models.TransmissionMetrics{PersistMs: persistMs},
		},
	})
}

// drainLoop re-attempts unsent batches at startup and on a period, oldest
// first, while the breaker is not open. A batch still sitting in the send
// queue can race the drain and upload twice; the server deduplicates by
// batch id and MarkBatchSent is idempotent, so the race is benign.
func (s *Service) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	s.drainOnce(ctx)
	ticker := time.NewTicker(s.cfg.Telemetry.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drainOnce(ctx)
		}
	}
}

func (s *Service) drainOnce(ctx context.Context) {
	if s.breaker.State() == BreakerOpen {
		return
	}
	batches, err := s.repo.GetUnsentBatches(ctx, drainBatchLimit)
	if err != nil {
		s.logger.Error("failed to list unsent batches", zap.Error(err))
		return
	}
	if len(batches) == 0 {
		return
	}
	s.logger.Info("draining unsent batches", zap.Int("count", len(batches)))
	for _, b := range batches {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.deliver(ctx, b, b.Priority)
	}
}

// finalFlush is the shutdown path: cut whatever is open, make it durable,
// and try one immediate send bounded by the critical timeout.
func (s *Service) finalFlush() {
	b := s.cut()
	if b == nil {
		return
	}
	if err := s.prepare(b); err != nil {
		s.logger.Error("failed to save final batch", zap.String("batch_id", b.BatchID), zap.Error(err))
		return
	}
	if err := s.breaker.Allow(); err != nil {
		s.logger.Info("skipping final send, batch saved for next start",
			zap.String("batch_id", b.BatchID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Telemetry.CriticalTimeout)
	defer cancel()
	m, class, err := s.uploader.Upload(ctx, b)
	if err != nil {
		s.breaker.RecordFailure()
		s.mu.Lock()
		s.counters.Failures++
		s.mu.Unlock()
		s.publishFailure(b, 1, class, err, 0)
		s.logger.Warn("final flush failed, batch saved for next start",
			zap.String("batch_id", b.BatchID), zap.Error(err))
		return
	}
	s.onDelivered(b, 1, m)
}

func approxSize(v any) int {
	body, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(body) + 1 // separator
}

// stopTimer halts a timer and clears a pending fire so a later Reset
// starts clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
