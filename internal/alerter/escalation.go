package alerter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

// EscalateFunc is called when an alert stays unacknowledged past its delay
type EscalateFunc func(alertID string, channels []string)

// EscalationManager re-notifies alerts nobody acknowledged in time
type EscalationManager struct {
	log        zerolog.Logger
	delays     map[string]time.Duration // channel name -> delay
	onEscalate EscalateFunc
	mu         sync.Mutex
	timers     map[string]context.CancelFunc // alert id -> cancel func
	stopped    bool
}

// NewEscalationManager creates a new escalation manager
func NewEscalationManager(log zerolog.Logger, delays map[string]time.Duration, onEscalate EscalateFunc) *EscalationManager {
	return &EscalationManager{
		log:        log.With().Str("component", "escalation").Logger(),
		delays:     delays,
		onEscalate: onEscalate,
		timers:     make(map[string]context.CancelFunc),
	}
}

// StartEscalation arms a timer for an alert over the channels that carry an
// escalation delay. The longest delay among them wins.
func (m *EscalationManager) StartEscalation(alert types.Alert, channels []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	var targets []string
	var delay time.Duration
	for _, ch := range channels {
		d := m.delays[ch]
		if d <= 0 {
			continue
		}
		targets = append(targets, ch)
		if d > delay {
			delay = d
		}
	}
	if len(targets) == 0 {
		return
	}

	if cancel, ok := m.timers[alert.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.timers[alert.ID] = cancel

	m.log.Debug().
		Str("alert_id", alert.ID).
		Dur("delay", delay).
		Strs("channels", targets).
		Msg("escalation timer started")

	go func(id string) {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		delete(m.timers, id)
		m.mu.Unlock()

		m.log.Warn().
			Str("alert_id", id).
			Strs("channels", targets).
			Msg("escalating unacknowledged alert")
		if m.onEscalate != nil {
			m.onEscalate(id, targets)
		}
	}(alert.ID)
}

// CancelEscalation cancels a pending escalation, e.g. on acknowledge or resolve
func (m *EscalationManager) CancelEscalation(alertID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.timers[alertID]; ok {
		cancel()
		delete(m.timers, alertID)
		m.log.Debug().Str("alert_id", alertID).Msg("escalation cancelled")
	}
}

// Pending returns the number of armed timers
func (m *EscalationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels all pending escalation timers
func (m *EscalationManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, cancel := range m.timers {
		cancel()
		delete(m.timers, id)
	}
}
