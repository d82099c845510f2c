// Package service composes the vitals pipeline: sensor source, alarm
// evaluation, caches, telemetry delivery and the optional event mirror.
package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"zmon/internal/cache"
	"zmon/internal/config"
	"zmon/internal/evaluator"
	"zmon/internal/events"
	"zmon/internal/models"
	"zmon/internal/mqtt"
	"zmon/internal/repository"
	"zmon/internal/sensor"
	"zmon/internal/telemetry"
)

const (
	routeBuffer      = 1024
	vitalsPageSize   = 100
	vitalsFlushEvery = 5 * time.Second
	pageQueueSize    = 8
	statusLogEvery   = 60 * time.Second
	persistTimeout   = 5 * time.Second

	// eventStream is the Redis Streams key the nurse-station dashboard reads.
	eventStream = "zmon:events:stream"
)

// Deps are the externally owned connections handed in by main. Nil
// repository fields fall back to a shared in-memory store (bench mode);
// nil Redis disables the event mirror. MQTT is required only when the
// configured sensor source is "mqtt".
type Deps struct {
	Telemetry repository.TelemetryRepository
	Alarms    repository.AlarmRepository
	Redis     *redis.Client
	MQTT      *mqtt.Client
}

// Monitor wires the whole consumer pipeline and supervises the sensor
// source. One instance per daemon.
type Monitor struct {
	cfg    *config.Config
	logger *zap.Logger

	bus       *events.Bus
	vitals    *cache.VitalsCache
	waveforms *cache.WaveformCache
	evaluator *evaluator.Evaluator
	telemetry *telemetry.Service
	source    sensor.Source
	publisher *events.StreamPublisher
	repo      repository.TelemetryRepository

	cancel    context.CancelFunc
	group     *errgroup.Group
	routeSub  *events.Subscription
	routeDone chan struct{}
	pageCh    chan []models.VitalRecord
	stopOnce  sync.Once

	vitalsRouted    atomic.Uint64
	waveformsRouted atomic.Uint64
	pagesSaved      atomic.Uint64
	pagesDropped    atomic.Uint64
}

// Status is a point-in-time view of the pipeline for logs and the UI layer.
type Status struct {
	Source            sensor.SourceInfo      `json:"source"`
	ActiveAlarms      int                    `json:"active_alarms"`
	VitalsCached      int                    `json:"vitals_cached"`
	VitalsUnpersisted int                    `json:"vitals_unpersisted"`
	WaveformChannels  []string               `json:"waveform_channels"`
	VitalsRouted      uint64                 `json:"vitals_routed"`
	WaveformsRouted   uint64                 `json:"waveforms_routed"`
	PagesSaved        uint64                 `json:"pages_saved"`
	PagesDropped      uint64                 `json:"pages_dropped"`
	EventsDropped     uint64                 `json:"events_dropped"`
	Breaker           telemetry.BreakerState `json:"breaker"`
	Telemetry         telemetry.Counters     `json:"telemetry"`
}

// NewMonitor builds the pipeline from configuration. The sensor source is
// constructed but not attached; Start performs the attach.
func NewMonitor(cfg *config.Config, deps Deps, logger *zap.Logger) (*Monitor, error) {
	bus := events.NewBus(logger)

	telemetryRepo := deps.Telemetry
	alarmRepo := deps.Alarms
	if telemetryRepo == nil || alarmRepo == nil {
		mem := repository.NewMemoryStore()
		if telemetryRepo == nil {
			telemetryRepo = mem
		}
		if alarmRepo == nil {
			alarmRepo = mem
		}
		logger.Info("no database configured, using in-memory repositories")
	}

	eval, err := evaluator.New(cfg, alarmRepo, bus, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build alarm evaluator: %w", err)
	}

	vitalsCache := cache.NewVitalsCache(cfg.Cache.VitalsCapacity)

	m := &Monitor{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		vitals:    vitalsCache,
		waveforms: cache.NewWaveformCache(cfg.Cache.WaveformCapacity),
		evaluator: eval,
		telemetry: telemetry.NewService(cfg, telemetryRepo, vitalsCache, bus, logger),
		repo:      telemetryRepo,
	}

	m.source, err = buildSource(cfg, deps, bus, logger)
	if err != nil {
		return nil, err
	}

	if deps.Redis != nil {
		// Vitals stay off the mirror: at frame rate they would churn the
		// stream past its cap in minutes. The dashboard reads state changes.
		m.publisher = events.NewStreamPublisher(bus, deps.Redis, eventStream, logger,
			events.KindAlarmRaised, events.KindAlarmAcknowledged, events.KindAlarmResolved,
			events.KindConnectivityLost, events.KindConnectivityRestored,
			events.KindTransmissionSucceeded, events.KindTransmissionFailed)
	}

	return m, nil
}

func buildSource(cfg *config.Config, deps Deps, bus *events.Bus, logger *zap.Logger) (sensor.Source, error) {
	switch cfg.Sensor.Source {
	case "shm", "":
		return sensor.NewShmSource(cfg, bus, logger), nil
	case "sim":
		return sensor.NewSimSource(cfg, bus, logger), nil
	case "mqtt":
		if deps.MQTT == nil {
			return nil, fmt.Errorf("sensor source %q requires an MQTT client", cfg.Sensor.Source)
		}
		return sensor.NewGatewaySource(cfg, deps.MQTT, bus, logger), nil
	default:
		return nil, fmt.Errorf("unknown sensor source %q", cfg.Sensor.Source)
	}
}

// Start brings the pipeline up. Consumers subscribe before the source
// emits its first frame, so nothing is lost at the front edge. A failed
// shared-memory attach is not fatal: the supervisor keeps retrying so the
// daemon can boot before the producer.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.evaluator.Start(runCtx)
	if err := m.telemetry.Start(runCtx); err != nil {
		m.evaluator.Stop()
		cancel()
		return fmt.Errorf("failed to start telemetry service: %w", err)
	}

	m.routeSub = m.bus.Subscribe(routeBuffer, events.KindVitalsReceived, events.KindWaveformReceived)
	m.routeDone = make(chan struct{})
	m.pageCh = make(chan []models.VitalRecord, pageQueueSize)

	g, gctx := errgroup.WithContext(runCtx)
	m.group = g
	g.Go(func() error { m.route(); return nil })
	g.Go(func() error { return m.pageWorker() })
	g.Go(func() error { return m.reportStatus(gctx) })
	if m.publisher != nil {
		g.Go(func() error { return m.publisher.Run(gctx) })
	}

	attached := false
	if err := m.source.Start(runCtx); err != nil {
		if _, ok := m.source.(*sensor.ShmSource); !ok {
			m.stopOnce.Do(func() { m.shutdown(false) })
			return fmt.Errorf("failed to start sensor source: %w", err)
		}
		m.logger.Warn("sensor attach failed, retrying in background", zap.Error(err))
	} else {
		attached = true
	}
	if shm, ok := m.source.(*sensor.ShmSource); ok {
		g.Go(func() error { m.supervise(gctx, shm, attached); return nil })
	}

	m.logger.Info("monitor started",
		zap.String("source", m.source.Info().Kind),
		zap.Bool("attached", m.source.Active()),
		zap.Bool("event_mirror", m.publisher != nil),
	)
	return nil
}

// Stop tears the pipeline down: source first so no new frames arrive, then
// the route drain, the telemetry flush, and finally the infrastructure.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { m.shutdown(true) })
}

func (m *Monitor) shutdown(stopSource bool) {
	if m.cancel != nil {
		m.cancel()
	}
	if stopSource {
		if err := m.source.Stop(); err != nil {
			m.logger.Warn("failed to stop sensor source", zap.Error(err))
		}
	}
	if m.routeSub != nil {
		m.bus.Unsubscribe(m.routeSub)
		<-m.routeDone
	}
	m.telemetry.Stop()
	m.evaluator.Stop()
	if m.publisher != nil {
		m.publisher.Close()
	}
	if m.group != nil {
		_ = m.group.Wait()
	}
	m.bus.Close()
	m.logger.Info("monitor stopped")
}

// route is the event pump: vitals feed the cache, the evaluator and the
// persistence pager; waveforms feed their cache only, never detection.
func (m *Monitor) route() {
	defer close(m.routeDone)
	flush := time.NewTicker(vitalsFlushEvery)
	defer flush.Stop()

	page := make([]models.VitalRecord, 0, vitalsPageSize)
	for {
		select {
		case ev, ok := <-m.routeSub.C:
			if !ok {
				if len(page) > 0 {
					m.pageCh <- page
				}
				close(m.pageCh)
				return
			}
			switch ev.Kind {
			case events.KindVitalsReceived:
				if ev.Vital == nil {
					continue
				}
				m.vitals.Append(*ev.Vital)
				m.evaluator.Evaluate(*ev.Vital)
				m.vitalsRouted.Add(1)
				page = append(page, *ev.Vital)
				if len(page) >= vitalsPageSize {
					page = m.handOff(page)
				}
			case events.KindWaveformReceived:
				if ev.Waveform == nil {
					continue
				}
				m.waveforms.Append(*ev.Waveform)
				m.waveformsRouted.Add(1)
			}
		case <-flush.C:
			if len(page) > 0 {
				page = m.handOff(page)
			}
		}
	}
}

// handOff queues a full page for the persistence worker without ever
// blocking the route loop. A full queue sheds the page; the cache keeps
// the records, so only the durable history loses them.
func (m *Monitor) handOff(page []models.VitalRecord) []models.VitalRecord {
	select {
	case m.pageCh <- page:
	default:
		m.pagesDropped.Add(1)
		m.logger.Warn("vitals persistence backlog full, dropping page",
			zap.Int("records", len(page)))
	}
	return make([]models.VitalRecord, 0, vitalsPageSize)
}

func (m *Monitor) pageWorker() error {
	for page := range m.pageCh {
		m.savePage(page)
	}
	return nil
}

func (m *Monitor) savePage(page []models.VitalRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.repo.SaveVitals(ctx, page); err != nil {
		m.logger.Error("failed to persist vitals page",
			zap.Int("records", len(page)),
			zap.Error(err),
		)
		return
	}
	m.pagesSaved.Add(1)
}

// supervise reattaches the shared-memory source after a detach (producer
// restart, persistent stall) with exponential backoff, reset on success.
func (m *Monitor) supervise(ctx context.Context, src *sensor.ShmSource, attached bool) {
	backoff := m.cfg.Sensor.ReconnectBase
	if backoff <= 0 {
		backoff = time.Second
	}
	limit := m.cfg.Sensor.ReconnectMax
	if limit <= 0 {
		limit = 30 * time.Second
	}
	wait := backoff

	for {
		if attached {
			select {
			case <-ctx.Done():
				return
			case <-src.Done():
			}
			if ctx.Err() != nil {
				return
			}
			attached = false
			wait = backoff
			m.logger.Warn("sensor source detached, reattaching")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := src.Start(ctx); err != nil {
			m.logger.Warn("failed to reattach sensor source",
				zap.Error(err),
				zap.Duration("waited", wait),
			)
			wait *= 2
			if wait > limit {
				wait = limit
			}
			continue
		}
		attached = true
		wait = backoff
		m.logger.Info("sensor source reattached")
	}
}

func (m *Monitor) reportStatus(ctx context.Context) error {
	ticker := time.NewTicker(statusLogEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st := m.Status()
			m.logger.Info("monitor status",
				zap.String("source", st.Source.Kind),
				zap.Bool("connected", st.Source.Connected),
				zap.Uint64("vitals_routed", st.VitalsRouted),
				zap.Uint64("waveforms_routed", st.WaveformsRouted),
				zap.Int("active_alarms", st.ActiveAlarms),
				zap.Int("vitals_cached", st.VitalsCached),
				zap.Int("vitals_unpersisted", st.VitalsUnpersisted),
				zap.Uint64("pages_dropped", st.PagesDropped),
				zap.Uint64("events_dropped", st.EventsDropped),
				zap.Int64("batches_sealed", st.Telemetry.BatchesSealed),
				zap.Int64("uploads", st.Telemetry.Uploads),
				zap.Int64("upload_failures", st.Telemetry.Failures),
				zap.String("breaker", string(st.Breaker)),
			)
		}
	}
}

// Status snapshots the pipeline.
func (m *Monitor) Status() Status {
	st := Status{
		Source:            m.source.Info(),
		ActiveAlarms:      len(m.evaluator.Active()),
		VitalsCached:      m.vitals.Len(),
		VitalsUnpersisted: m.vitals.UnpersistedCount(),
		WaveformChannels:  m.waveforms.Channels(),
		VitalsRouted:      m.vitalsRouted.Load(),
		WaveformsRouted:   m.waveformsRouted.Load(),
		PagesSaved:        m.pagesSaved.Load(),
		PagesDropped:      m.pagesDropped.Load(),
		Breaker:           m.telemetry.BreakerState(),
		Telemetry:         m.telemetry.Counters(),
	}
	if m.routeSub != nil {
		st.EventsDropped = m.routeSub.Dropped()
	}
	return st
}

// RecentVitals returns the newest n cached vitals in chronological order.
func (m *Monitor) RecentVitals(n int) []models.VitalRecord {
	return m.vitals.Recent(n)
}

// WaveformWindow returns the newest n samples of one waveform channel.
func (m *Monitor) WaveformWindow(channel string, n int) []models.WaveformSample {
	return m.waveforms.Channel(channel, n)
}

// ActiveAlarms returns snapshots of the open alarms, oldest first.
func (m *Monitor) ActiveAlarms() []models.AlarmSnapshot {
	return m.evaluator.Active()
}

// Acknowledge marks an active alarm as seen by an operator.
func (m *Monitor) Acknowledge(alarmID, userID string) (*models.AlarmSnapshot, error) {
	return m.evaluator.Acknowledge(alarmID, userID)
}

// Resolve closes an alarm on an operator's authority.
func (m *Monitor) Resolve(alarmID, userID string) (*models.AlarmSnapshot, error) {
	return m.evaluator.Resolve(alarmID, userID)
}

// Silence suppresses an alarm's notification mirroring for the duration.
func (m *Monitor) Silence(alarmID string, d time.Duration) (*models.AlarmSnapshot, error) {
	return m.evaluator.Silence(alarmID, d)
}

// Unsilence lifts a silence early.
func (m *Monitor) Unsilence(alarmID string) (*models.AlarmSnapshot, error) {
	return m.evaluator.Unsilence(alarmID)
}

// Escalate raises an alarm's priority one step.
func (m *Monitor) Escalate(alarmID string) (*models.AlarmSnapshot, error) {
	return m.evaluator.Escalate(alarmID)
}

// SetThreshold replaces the detection threshold for one vital type.
func (m *Monitor) SetThreshold(th models.AlarmThreshold) {
	m.evaluator.SetThreshold(th)
}

// Thresholds returns a copy of the current threshold table.
func (m *Monitor) Thresholds() map[models.VitalType]models.AlarmThreshold {
	return m.evaluator.Thresholds()
}
