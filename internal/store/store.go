// Package store persists readings and alerts.
package store

import (
	"context"
	"time"

	"github.com/envmon/envmon/internal/metrics"
	"github.com/envmon/envmon/internal/types"
)

// Store defines the persistence operations used by the monitor
type Store interface {
	SaveReading(ctx context.Context, r types.Reading) error
	SaveAlert(ctx context.Context, a types.Alert) error
	// UpdateAlert writes the mutable alert fields, inserting the alert if
	// its initial save never reached the store.
	UpdateAlert(ctx context.Context, a types.Alert) error
	LatestReadingsPerSensor(ctx context.Context) ([]types.Reading, error)
	ActiveAlerts(ctx context.Context) ([]types.Alert, error)
	ReadingHistory(ctx context.Context, sensorID string, since time.Time, limit int) ([]types.Reading, error)
	Purge(ctx context.Context, before time.Time) (PurgeResult, error)
	Close() error
}

// PurgeResult counts rows removed by Purge
type PurgeResult struct {
	Readings int64 `json:"readings"`
	Alerts   int64 `json:"alerts"`
}

func observe(backend, op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}
