package alerter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlapDetector counts alert openings per condition in a sliding window.
// A condition that opens threshold alerts inside the window is flapping
// until its openings in the window fall below threshold again.
type FlapDetector struct {
	log       zerolog.Logger
	threshold int
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	history  map[string][]time.Time
	flapping map[string]bool
}

// NewFlapDetector creates a new flap detector
func NewFlapDetector(log zerolog.Logger, threshold int, window time.Duration) *FlapDetector {
	return &FlapDetector{
		log:       log.With().Str("component", "flap-detector").Logger(),
		threshold: threshold,
		window:    window,
		now:       time.Now,
		history:   make(map[string][]time.Time),
		flapping:  make(map[string]bool),
	}
}

// FlapKey identifies the condition an alert belongs to
func FlapKey(sensorID, parameter string) string {
	return conditionKey(sensorID, parameter)
}

// Record notes one alert opening for key and reports whether the condition
// is flapping, and whether this opening tipped it over.
func (f *FlapDetector) Record(key string) (flapping, started bool) {
	if f.threshold <= 0 {
		return false, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	recent := f.pruneLocked(key, now)
	recent = append(recent, now)
	f.history[key] = recent

	if len(recent) < f.threshold {
		return f.flapping[key], false
	}
	if f.flapping[key] {
		return true, false
	}
	f.flapping[key] = true
	f.log.Warn().Str("key", key).Int("openings", len(recent)).Msg("flapping detected")
	return true, true
}

// IsFlapping reports whether key is currently flapping
func (f *FlapDetector) IsFlapping(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flapping[key]
}

// Cleanup drops stale history and clears conditions that went quiet.
// It returns the keys that stopped flapping.
func (f *FlapDetector) Cleanup() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	var stable []string
	for key := range f.history {
		recent := f.pruneLocked(key, now)
		if f.flapping[key] && len(recent) < f.threshold {
			delete(f.flapping, key)
			stable = append(stable, key)
			f.log.Info().Str("key", key).Msg("flapping stopped")
		}
		if len(recent) == 0 {
			delete(f.history, key)
		} else {
			f.history[key] = recent
		}
	}
	return stable
}

func (f *FlapDetector) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-f.window)
	timestamps := f.history[key]
	recent := make([]time.Time, 0, len(timestamps)+1)
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}
