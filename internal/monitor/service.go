// Package monitor wires the sensor pipeline together: generated readings are
// classified, turned into alerts, published on the bus and handed to the
// store and notifier without ever blocking the generator.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/evaluator"
	"github.com/envmon/envmon/internal/generator"
	"github.com/envmon/envmon/internal/metrics"
	"github.com/envmon/envmon/internal/registry"
	"github.com/envmon/envmon/internal/store"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/worker"
)

// ErrUnknownSensor is returned for sensor ids the registry does not know
var ErrUnknownSensor = errors.New("unknown sensor")

// Notifier is the delivery side the service needs. *notifier.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, alert types.Alert) ([]types.Notification, error)
	NotifyChannels(ctx context.Context, alert types.Alert, channels []string, escalated bool) ([]types.Notification, error)
	ChannelsFor(severity types.Severity) []string
	Suppressed(alert types.Alert, reason string) []types.Notification
}

// Deps are the collaborators the service is built from
type Deps struct {
	Registry  *registry.Registry
	Evaluator *evaluator.Evaluator
	Engine    *alerter.Engine
	Synth     *generator.Synthesizer
	Store     store.Store
	Notifier  Notifier
	Pool      *worker.Pool
	Flaps     *alerter.FlapDetector // optional
}

// Options tunes the service
type Options struct {
	MinInterval      time.Duration
	MaxInterval      time.Duration
	NotifySeverities []types.Severity
	EscalationDelays map[string]time.Duration
	CommandTimeout   time.Duration
	Bus              bus.Options
}

// Service is the command surface of the monitor
type Service struct {
	registry   *registry.Registry
	evaluator  *evaluator.Evaluator
	engine     *alerter.Engine
	store      store.Store
	notifier   Notifier
	pool       *worker.Pool
	flaps      *alerter.FlapDetector
	bus        *bus.Bus
	supervisor *generator.Supervisor
	escalation *alerter.EscalationManager
	logger     zerolog.Logger

	notify         map[types.Severity]bool
	commandTimeout time.Duration

	latestMu sync.RWMutex
	latest   map[string]types.Reading

	closeOnce sync.Once
}

// New builds the service. The generator is not started.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.NotifySeverities == nil {
		opts.NotifySeverities = []types.Severity{types.SeverityDanger}
	}

	s := &Service{
		registry:       deps.Registry,
		evaluator:      deps.Evaluator,
		engine:         deps.Engine,
		store:          deps.Store,
		notifier:       deps.Notifier,
		pool:           deps.Pool,
		flaps:          deps.Flaps,
		logger:         logger.With().Str("component", "monitor").Logger(),
		notify:         make(map[types.Severity]bool, len(opts.NotifySeverities)),
		commandTimeout: opts.CommandTimeout,
		latest:         make(map[string]types.Reading),
	}
	for _, sev := range opts.NotifySeverities {
		s.notify[sev] = true
	}

	s.bus = bus.New(opts.Bus, s.snapshot, logger)
	s.supervisor = generator.NewSupervisor(deps.Registry.List(), deps.Synth, s.HandleReading,
		opts.MinInterval, opts.MaxInterval, logger)
	s.escalation = alerter.NewEscalationManager(logger, opts.EscalationDelays, s.escalate)
	return s
}

// Start starts the generator
func (s *Service) Start() error {
	return s.supervisor.Start()
}

// Stop stops the generator; in-flight readings complete
func (s *Service) Stop() {
	s.supervisor.Stop()
}

// Status reports the generator state
func (s *Service) Status() generator.Status {
	return s.supervisor.Status()
}

// Bus exposes the event bus to transports and bridges
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// HandleReading is the generator sink: classify, apply, publish, then hand
// persistence and notification to the worker pool.
func (s *Service) HandleReading(r types.Reading) {
	sev, crossings := s.evaluator.Evaluate(r.Parameters)
	r.Severity = sev
	metrics.ReadingsGenerated.WithLabelValues(string(r.Category), string(sev)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.commandTimeout)
	defer cancel()

	var created []types.Alert
	err := s.bus.Update(ctx, func() []bus.Event {
		s.setLatest(r)
		created = s.engine.Process(r, crossings)

		events := make([]bus.Event, 0, 1+len(created))
		events = append(events, bus.ReadingEvent(r))
		for _, a := range created {
			events = append(events, bus.AlertEvent(bus.EventAlertCreated, a))
		}
		return events
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("sensor", r.SensorID).Msg("Reading dropped")
		return
	}

	s.logger.Debug().
		Str("sensor", r.SensorID).
		Str("severity", string(sev)).
		Int("alerts", len(created)).
		Msg("Reading processed")

	s.submit(r.SensorID, "save_reading", func(ctx context.Context) error {
		return s.store.SaveReading(ctx, r)
	})

	for _, a := range created {
		a := a
		s.submit(a.ID, "save_alert", func(ctx context.Context) error {
			return s.store.SaveAlert(ctx, a)
		})

		flapping := false
		if s.flaps != nil {
			flapping, _ = s.flaps.Record(alerter.FlapKey(a.SensorID, a.Parameter))
		}
		if s.notify[a.Severity] {
			s.scheduleNotify(a, flapping)
		}
	}
}

func (s *Service) setLatest(r types.Reading) {
	s.latestMu.Lock()
	s.latest[r.SensorID] = r.Clone()
	s.latestMu.Unlock()
}

func (s *Service) submit(key, name string, fn func(ctx context.Context) error) {
	s.pool.Submit(worker.Task{Key: key, Name: name, Run: fn})
}

func (s *Service) scheduleNotify(a types.Alert, flapping bool) {
	s.submit(a.ID, "notify", func(ctx context.Context) error {
		var notes []types.Notification
		var err error
		if flapping {
			notes = s.notifier.Suppressed(a, "flapping")
		} else {
			notes, err = s.notifier.Notify(ctx, a)
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Notification failure")
		}
		return s.recordNotifications(ctx, a.ID, notes)
	})

	if !flapping && a.Severity == types.SeverityDanger {
		s.escalation.StartEscalation(a, s.notifier.ChannelsFor(a.Severity))
	}
}

// recordNotifications stores delivery attempts on the alert and persists it
func (s *Service) recordNotifications(ctx context.Context, id string, notes []types.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	updated, err := s.engine.RecordNotifications(id, notes)
	if errors.Is(err, alerter.ErrNotFound) {
		return nil // evicted from memory; the store keeps the alert
	}
	if err != nil {
		return err
	}
	return s.store.UpdateAlert(ctx, updated)
}

// persistAlert queues a store update for the alert. The task writes the
// engine's copy as it stands when the task runs, so notification records
// added by earlier tasks on the same shard are kept.
func (s *Service) persistAlert(fallback types.Alert) {
	s.submit(fallback.ID, "update_alert", func(ctx context.Context) error {
		a, err := s.engine.Get(fallback.ID)
		if errors.Is(err, alerter.ErrNotFound) {
			a = fallback
		} else if err != nil {
			return err
		}
		return s.store.UpdateAlert(ctx, a)
	})
}

// escalate re-notifies an alert nobody acknowledged
func (s *Service) escalate(alertID string, channels []string) {
	a, err := s.engine.Get(alertID)
	if err != nil || a.Acknowledged || a.Resolved {
		return
	}
	s.submit(a.ID, "escalate", func(ctx context.Context) error {
		notes, err := s.notifier.NotifyChannels(ctx, a, channels, true)
		if err != nil {
			s.logger.Warn().Err(err).Str("alert_id", a.ID).Msg("Escalation notification failure")
		}
		return s.recordNotifications(ctx, a.ID, notes)
	})
}

// Acknowledge marks an alert acknowledged by who. The wait for the shared
// state lock is bounded by ctx and the command timeout.
func (s *Service) Acknowledge(ctx context.Context, id, who string) (types.Alert, error) {
	return s.transition(ctx, "acknowledge", id, bus.EventAlertAcknowledged, func() (types.Alert, bool, error) {
		return s.engine.Acknowledge(id, who)
	})
}

// Resolve marks an alert resolved
func (s *Service) Resolve(ctx context.Context, id string) (types.Alert, error) {
	return s.transition(ctx, "resolve", id, bus.EventAlertResolved, func() (types.Alert, bool, error) {
		return s.engine.Resolve(id)
	})
}

func (s *Service) transition(ctx context.Context, op, id string, evType bus.EventType, apply func() (types.Alert, bool, error)) (types.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	var (
		out     types.Alert
		changed bool
		opErr   error
	)
	err := s.bus.Update(ctx, func() []bus.Event {
		out, changed, opErr = apply()
		if opErr != nil || !changed {
			return nil
		}
		return []bus.Event{bus.AlertEvent(evType, out)}
	})
	if err != nil {
		return types.Alert{}, fmt.Errorf("%s %s: %w", op, id, err)
	}
	if opErr != nil {
		return types.Alert{}, opErr
	}

	if changed {
		s.escalation.CancelEscalation(id)
		s.persistAlert(out)
	}
	return out, nil
}

// Snapshot returns the latest readings and active alerts for one-shot reads
func (s *Service) Snapshot() bus.Snapshot {
	return s.bus.Snapshot()
}

// Subscribe returns the current snapshot and a live event stream
func (s *Service) Subscribe(ctx context.Context) (bus.Snapshot, *bus.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()
	return s.bus.Subscribe(ctx)
}

func (s *Service) snapshot() bus.Snapshot {
	return bus.Snapshot{
		Readings:     s.LatestReadings(),
		ActiveAlerts: s.engine.ActiveAlerts(),
	}
}

// LatestReadings returns the newest reading per sensor, ordered by sensor id
func (s *Service) LatestReadings() []types.Reading {
	s.latestMu.RLock()
	out := make([]types.Reading, 0, len(s.latest))
	for _, r := range s.latest {
		out = append(out, r.Clone())
	}
	s.latestMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out
}

// ActiveAlerts returns unresolved alerts, newest first
func (s *Service) ActiveAlerts() []types.Alert {
	return s.engine.ActiveAlerts()
}

// Alerts queries alert history held in memory
func (s *Service) Alerts(f alerter.Filter) []types.Alert {
	return s.engine.Alerts(f)
}

// Alert returns one alert
func (s *Service) Alert(id string) (types.Alert, error) {
	return s.engine.Get(id)
}

// Sensors lists the registered sensors
func (s *Service) Sensors() []types.SensorDescriptor {
	return s.registry.List()
}

// ReadingHistory returns stored readings for one sensor, newest first
func (s *Service) ReadingHistory(ctx context.Context, sensorID string, since time.Time, limit int) ([]types.Reading, error) {
	if _, ok := s.registry.Get(sensorID); !ok {
		return nil, fmt.Errorf("%s: %w", sensorID, ErrUnknownSensor)
	}
	return s.store.ReadingHistory(ctx, sensorID, since, limit)
}

// Stats is the dashboard summary
type Stats struct {
	TotalSensors       int                    `json:"totalSensors"`
	ActiveSensors      int                    `json:"activeSensors"`
	SensorsByCategory  map[types.Category]int `json:"sensorsByCategory"`
	ActiveAlerts       int                    `json:"activeAlerts"`
	CriticalAlerts     int                    `json:"criticalAlerts"`
	Alerts             alerter.Counts         `json:"alerts"`
	StatusDistribution map[types.Severity]int `json:"statusDistribution"`
	Subscribers        int                    `json:"subscribers"`
	GeneratorRunning   bool                   `json:"generatorRunning"`
	ReadingsGenerated  uint64                 `json:"readingsGenerated"`
	GenerationFailures uint64                 `json:"generationFailures"`
	Worker             worker.Stats           `json:"worker"`
	LastUpdated        time.Time              `json:"lastUpdated"`
}

// Stats summarizes sensors, alerts and pipeline health
func (s *Service) Stats() Stats {
	now := time.Now().UTC()
	latest := s.LatestReadings()

	dist := map[types.Severity]int{
		types.SeveritySafe:    0,
		types.SeverityWarning: 0,
		types.SeverityDanger:  0,
	}
	activeSensors := 0
	for _, r := range latest {
		dist[r.Severity]++
		if now.Sub(r.Timestamp) <= 24*time.Hour {
			activeSensors++
		}
	}

	critical := 0
	for _, a := range s.engine.ActiveAlerts() {
		if a.Severity == types.SeverityDanger {
			critical++
		}
	}

	counts := s.engine.Counts()
	return Stats{
		TotalSensors:       s.registry.Len(),
		ActiveSensors:      activeSensors,
		SensorsByCategory:  s.registry.Counts(),
		ActiveAlerts:       counts.Active,
		CriticalAlerts:     critical,
		Alerts:             counts,
		StatusDistribution: dist,
		Subscribers:        s.bus.SubscriberCount(),
		GeneratorRunning:   s.supervisor.Status().Running,
		ReadingsGenerated:  s.supervisor.Ticks(),
		GenerationFailures: s.supervisor.Failures(),
		Worker:             s.pool.Stats(),
		LastUpdated:        now,
	}
}

// Restore seeds the latest-reading table and open alerts from the store
func (s *Service) Restore(ctx context.Context) error {
	readings, err := s.store.LatestReadingsPerSensor(ctx)
	if err != nil {
		return fmt.Errorf("load latest readings: %w", err)
	}
	alerts, err := s.store.ActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load active alerts: %w", err)
	}

	restored := 0
	err = s.bus.Update(ctx, func() []bus.Event {
		for _, r := range readings {
			s.setLatest(r)
		}
		restored = s.engine.Restore(alerts)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Int("readings", len(readings)).
		Int("alerts", restored).
		Msg("State restored from store")
	return nil
}

// CleanupFlaps clears flap state for conditions that went quiet
func (s *Service) CleanupFlaps() []string {
	if s.flaps == nil {
		return nil
	}
	return s.flaps.Cleanup()
}

// Purge removes stored history older than before
func (s *Service) Purge(ctx context.Context, before time.Time) (store.PurgeResult, error) {
	return s.store.Purge(ctx, before)
}

// Close stops the generator, ends all subscriptions and drains pending
// store and notifier work.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.supervisor.Stop()
		s.escalation.Stop()
		s.bus.Close()
		s.pool.Stop()
		s.logger.Info().Msg("Monitor closed")
	})
}
