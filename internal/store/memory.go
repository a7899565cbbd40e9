package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/envmon/envmon/internal/types"
)

// MemoryStore keeps a bounded reading history per sensor and every alert
type MemoryStore struct {
	mu        sync.RWMutex
	perSensor int
	readings  map[string][]types.Reading // oldest first
	alerts    map[string]types.Alert
}

// NewMemoryStore creates a store keeping at most perSensor readings per sensor
func NewMemoryStore(perSensor int) *MemoryStore {
	if perSensor <= 0 {
		perSensor = 1000
	}
	return &MemoryStore{
		perSensor: perSensor,
		readings:  make(map[string][]types.Reading),
		alerts:    make(map[string]types.Alert),
	}
}

func (m *MemoryStore) SaveReading(ctx context.Context, r types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.readings[r.SensorID], r.Clone())
	if len(history) > m.perSensor {
		history = history[len(history)-m.perSensor:]
	}
	m.readings[r.SensorID] = history
	return nil
}

func (m *MemoryStore) SaveAlert(ctx context.Context, a types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) UpdateAlert(ctx context.Context, a types.Alert) error {
	return m.SaveAlert(ctx, a)
}

func (m *MemoryStore) LatestReadingsPerSensor(ctx context.Context) ([]types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Reading, 0, len(m.readings))
	for _, history := range m.readings {
		if len(history) > 0 {
			out = append(out, history[len(history)-1].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

func (m *MemoryStore) ActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Alert, 0)
	for _, a := range m.alerts {
		if a.Active() {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ReadingHistory returns readings newer than since, newest first
func (m *MemoryStore) ReadingHistory(ctx context.Context, sensorID string, since time.Time, limit int) ([]types.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.readings[sensorID]
	out := make([]types.Reading, 0)
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if !since.IsZero() && r.Timestamp.Before(since) {
			break
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Purge(ctx context.Context, before time.Time) (PurgeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res PurgeResult
	for id, history := range m.readings {
		i := sort.Search(len(history), func(i int) bool { return !history[i].Timestamp.Before(before) })
		res.Readings += int64(i)
		if i == len(history) {
			delete(m.readings, id)
			continue
		}
		m.readings[id] = append([]types.Reading(nil), history[i:]...)
	}
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && a.ResolvedAt.Before(before) {
			delete(m.alerts, id)
			res.Alerts++
		}
	}
	return res, nil
}

func (m *MemoryStore) Close() error { return nil }
