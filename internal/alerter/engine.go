package alerter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/evaluator"
	"github.com/envmon/envmon/internal/metrics"
	"github.com/envmon/envmon/internal/types"
)

// ErrNotFound is returned for unknown alert ids
var ErrNotFound = errors.New("alert not found")

// Options configures the alert engine
type Options struct {
	// RealertPolicy is config.RealertOpenCondition or config.RealertEveryTick
	RealertPolicy string
	// HistoryLimit bounds the alerts kept in memory; only resolved alerts
	// are evicted. Zero keeps everything.
	HistoryLimit int
}

// Filter selects alerts from history
type Filter struct {
	Resolved *bool
	Severity types.Severity
	SensorID string
	Limit    int
}

// Counts summarizes alert state
type Counts struct {
	Total        int                    `json:"total"`
	Active       int                    `json:"active"`
	Acknowledged int                    `json:"acknowledged"`
	Resolved     int                    `json:"resolved"`
	BySeverity   map[types.Severity]int `json:"bySeverity"`
}

// Engine owns alert state and applies lifecycle transitions
type Engine struct {
	policy       string
	historyLimit int
	logger       zerolog.Logger
	now          func() time.Time
	newID        func() string

	mu     sync.RWMutex
	alerts map[string]*types.Alert
	order  []string            // creation order, oldest first
	open   map[string][]string // sensor|parameter -> unresolved alert ids
	active int
}

// NewEngine creates a new alert engine
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.RealertPolicy == "" {
		opts.RealertPolicy = config.RealertOpenCondition
	}
	return &Engine{
		policy:       opts.RealertPolicy,
		historyLimit: opts.HistoryLimit,
		logger:       logger.With().Str("component", "alerter").Logger(),
		now:          time.Now,
		newID:        uuid.NewString,
		alerts:       make(map[string]*types.Alert),
		open:         make(map[string][]string),
	}
}

func conditionKey(sensorID, parameter string) string {
	return sensorID + "|" + parameter
}

// Process opens alerts for the crossings of a classified reading and
// returns the alerts it created.
func (e *Engine) Process(reading types.Reading, crossings []evaluator.Crossing) []types.Alert {
	if len(crossings) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var created []types.Alert
	for _, c := range crossings {
		if c.Severity != types.SeverityWarning && c.Severity != types.SeverityDanger {
			continue
		}

		key := conditionKey(reading.SensorID, c.Parameter)
		if e.policy == config.RealertOpenCondition {
			if id, ok := e.openAtLeastLocked(key, c.Severity); ok {
				metrics.AlertsSuppressed.WithLabelValues(c.Parameter).Inc()
				e.logger.Debug().
					Str("alert_id", id).
					Str("sensor", reading.SensorID).
					Str("parameter", c.Parameter).
					Msg("Condition already has an open alert, skipping duplicate")
				continue
			}
		}

		alert := &types.Alert{
			ID:             e.newID(),
			SensorID:       reading.SensorID,
			Parameter:      c.Parameter,
			Severity:       c.Severity,
			CurrentValue:   c.Value,
			ThresholdValue: c.Threshold,
			Message:        c.Message,
			Location:       reading.Location,
			CreatedAt:      e.now().UTC(),
		}
		e.insertLocked(alert)
		created = append(created, alert.Clone())

		metrics.AlertsCreated.WithLabelValues(c.Parameter, string(c.Severity)).Inc()
		e.logger.Info().
			Str("alert_id", alert.ID).
			Str("sensor", alert.SensorID).
			Str("parameter", alert.Parameter).
			Str("severity", string(alert.Severity)).
			Float64("value", alert.CurrentValue).
			Msg("Alert fired")
	}

	e.evictLocked()
	metrics.AlertsActive.Set(float64(e.active))
	return created
}

// openAtLeastLocked finds an unresolved alert for key at least as severe as sev
func (e *Engine) openAtLeastLocked(key string, sev types.Severity) (string, bool) {
	for _, id := range e.open[key] {
		if a := e.alerts[id]; a != nil && a.Severity.AtLeast(sev) {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) insertLocked(a *types.Alert) {
	e.alerts[a.ID] = a
	e.order = append(e.order, a.ID)
	if a.Active() {
		key := conditionKey(a.SensorID, a.Parameter)
		e.open[key] = append(e.open[key], a.ID)
		e.active++
	}
}

func (e *Engine) closeLocked(a *types.Alert) {
	key := conditionKey(a.SensorID, a.Parameter)
	ids := e.open[key]
	for i, id := range ids {
		if id == a.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(e.open, key)
	} else {
		e.open[key] = ids
	}
	e.active--
}

// evictLocked drops the oldest resolved alerts beyond the history limit
func (e *Engine) evictLocked() {
	if e.historyLimit <= 0 {
		return
	}
	excess := len(e.alerts) - e.historyLimit
	if excess <= 0 {
		return
	}

	kept := e.order[:0]
	for _, id := range e.order {
		if excess > 0 && e.alerts[id].Resolved {
			delete(e.alerts, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
}

// Acknowledge marks an alert as acknowledged. Acknowledging twice keeps the
// first acknowledger and timestamp; changed reports whether state moved.
func (e *Engine) Acknowledge(id, who string) (types.Alert, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[id]
	if !ok {
		return types.Alert{}, false, fmt.Errorf("acknowledge %s: %w", id, ErrNotFound)
	}
	if alert.Acknowledged {
		return alert.Clone(), false, nil
	}

	now := e.now().UTC()
	alert.Acknowledged = true
	alert.AcknowledgedBy = &who
	alert.AcknowledgedAt = &now

	e.logger.Info().
		Str("alert_id", id).
		Str("by", who).
		Msg("Alert acknowledged")
	return alert.Clone(), true, nil
}

// Resolve marks an alert as resolved. Acknowledgement is not required.
func (e *Engine) Resolve(id string) (types.Alert, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[id]
	if !ok {
		return types.Alert{}, false, fmt.Errorf("resolve %s: %w", id, ErrNotFound)
	}
	if alert.Resolved {
		return alert.Clone(), false, nil
	}

	now := e.now().UTC()
	alert.Resolved = true
	alert.ResolvedAt = &now
	e.closeLocked(alert)
	out := alert.Clone()

	e.evictLocked()
	metrics.AlertsActive.Set(float64(e.active))

	e.logger.Info().
		Str("alert_id", id).
		Dur("duration", now.Sub(alert.CreatedAt)).
		Msg("Alert resolved")
	return out, true, nil
}

// RecordNotifications appends delivery attempts to an alert
func (e *Engine) RecordNotifications(id string, notes []types.Notification) (types.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	alert, ok := e.alerts[id]
	if !ok {
		return types.Alert{}, fmt.Errorf("record notifications %s: %w", id, ErrNotFound)
	}
	alert.Notifications = append(alert.Notifications, notes...)
	return alert.Clone(), nil
}

// Get returns a copy of one alert
func (e *Engine) Get(id string) (types.Alert, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alert, ok := e.alerts[id]
	if !ok {
		return types.Alert{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return alert.Clone(), nil
}

// ActiveAlerts returns unresolved alerts, newest first
func (e *Engine) ActiveAlerts() []types.Alert {
	resolved := false
	return e.Alerts(Filter{Resolved: &resolved})
}

// Alerts returns alerts matching the filter, newest first
func (e *Engine) Alerts(f Filter) []types.Alert {
	e.mu.RLock()
	out := make([]types.Alert, 0)
	for _, a := range e.alerts {
		if f.Resolved != nil && a.Resolved != *f.Resolved {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.SensorID != "" && a.SensorID != f.SensorID {
			continue
		}
		out = append(out, a.Clone())
	}
	e.mu.RUnlock()

	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func sortNewestFirst(alerts []types.Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
}

// Restore seeds the engine with alerts loaded from a store. Alerts already
// known are skipped. It returns the number of alerts added.
func (e *Engine) Restore(alerts []types.Alert) int {
	sorted := make([]types.Alert, len(alerts))
	copy(sorted, alerts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	e.mu.Lock()
	defer e.mu.Unlock()

	added := 0
	for _, a := range sorted {
		if a.ID == "" {
			continue
		}
		if _, exists := e.alerts[a.ID]; exists {
			continue
		}
		restored := a.Clone()
		e.insertLocked(&restored)
		added++
	}
	e.evictLocked()
	metrics.AlertsActive.Set(float64(e.active))

	e.logger.Info().Int("restored", added).Msg("Alerts restored")
	return added
}

// Counts summarizes the alerts held in memory
func (e *Engine) Counts() Counts {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c := Counts{Total: len(e.alerts), BySeverity: make(map[types.Severity]int)}
	for _, a := range e.alerts {
		c.BySeverity[a.Severity]++
		if a.Active() {
			c.Active++
		} else {
			c.Resolved++
		}
		if a.Acknowledged {
			c.Acknowledged++
		}
	}
	return c
}
