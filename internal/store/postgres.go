package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id BIGSERIAL PRIMARY KEY,
	sensor_id TEXT NOT NULL,
	category TEXT NOT NULL,
	location JSONB NOT NULL,
	parameters JSONB NOT NULL,
	severity TEXT NOT NULL,
	time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_sensor_time ON readings(sensor_id, time DESC);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	sensor_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	severity TEXT NOT NULL,
	current_value DOUBLE PRECISION NOT NULL,
	threshold_value DOUBLE PRECISION NOT NULL,
	message TEXT NOT NULL,
	location JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at TIMESTAMPTZ,
	notifications JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(created_at DESC) WHERE NOT resolved;`

// PostgresStore persists readings and alerts in PostgreSQL (or TimescaleDB)
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, verifies the connection and creates the schema
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Str("backend", "postgres").Logger(),
	}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) SaveReading(ctx context.Context, r types.Reading) error {
	defer observe("postgres", "save_reading", time.Now())

	_, err := p.pool.Exec(ctx, `
		INSERT INTO readings (sensor_id, category, location, parameters, severity, time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.SensorID, string(r.Category), r.Location, r.Parameters, string(r.Severity), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", r.SensorID, err)
	}
	return nil
}

func (p *PostgresStore) SaveAlert(ctx context.Context, a types.Alert) error {
	defer observe("postgres", "save_alert", time.Now())

	_, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (id, sensor_id, parameter, severity, current_value, threshold_value, message,
			location, created_at, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at, notifications)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			acknowledged = EXCLUDED.acknowledged,
			acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at,
			resolved = EXCLUDED.resolved,
			resolved_at = EXCLUDED.resolved_at,
			notifications = EXCLUDED.notifications`,
		a.ID, a.SensorID, a.Parameter, string(a.Severity), a.CurrentValue, a.ThresholdValue, a.Message,
		a.Location, a.CreatedAt, a.Acknowledged, a.AcknowledgedBy, a.AcknowledgedAt,
		a.Resolved, a.ResolvedAt, notificationsOrEmpty(a.Notifications),
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

func (p *PostgresStore) UpdateAlert(ctx context.Context, a types.Alert) error {
	return p.SaveAlert(ctx, a)
}

func (p *PostgresStore) LatestReadingsPerSensor(ctx context.Context) ([]types.Reading, error) {
	defer observe("postgres", "latest_readings", time.Now())

	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT ON (sensor_id) sensor_id, category, location, parameters, severity, time
		FROM readings
		ORDER BY sensor_id, time DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	return collectReadings(rows)
}

func (p *PostgresStore) ActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	defer observe("postgres", "active_alerts", time.Now())

	rows, err := p.pool.Query(ctx, `
		SELECT id, sensor_id, parameter, severity, current_value, threshold_value, message, location,
			created_at, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at, notifications
		FROM alerts WHERE NOT resolved ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	out := make([]types.Alert, 0)
	for rows.Next() {
		var a types.Alert
		var severity string
		if err := rows.Scan(&a.ID, &a.SensorID, &a.Parameter, &severity, &a.CurrentValue, &a.ThresholdValue,
			&a.Message, &a.Location, &a.CreatedAt, &a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt,
			&a.Resolved, &a.ResolvedAt, &a.Notifications); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = types.Severity(severity)
		if len(a.Notifications) == 0 {
			a.Notifications = nil
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadingHistory returns readings newer than since, newest first
func (p *PostgresStore) ReadingHistory(ctx context.Context, sensorID string, since time.Time, limit int) ([]types.Reading, error) {
	defer observe("postgres", "reading_history", time.Now())

	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT sensor_id, category, location, parameters, severity, time
		FROM readings WHERE sensor_id = $1 AND time >= $2
		ORDER BY time DESC, id DESC LIMIT $3`,
		sensorID, since, limitArg,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", sensorID, err)
	}
	return collectReadings(rows)
}

func (p *PostgresStore) Purge(ctx context.Context, before time.Time) (PurgeResult, error) {
	defer observe("postgres", "purge", time.Now())

	var res PurgeResult
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM readings WHERE time < $1`, before)
		if err != nil {
			return fmt.Errorf("failed to purge readings: %w", err)
		}
		res.Readings = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `DELETE FROM alerts WHERE resolved AND resolved_at < $1`, before)
		if err != nil {
			return fmt.Errorf("failed to purge alerts: %w", err)
		}
		res.Alerts = tag.RowsAffected()
		return nil
	})
	return res, err
}

func collectReadings(rows pgx.Rows) ([]types.Reading, error) {
	readings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Reading, error) {
		var r types.Reading
		var category, severity string
		err := row.Scan(&r.SensorID, &category, &r.Location, &r.Parameters, &severity, &r.Timestamp)
		r.Category = types.Category(category)
		r.Severity = types.Severity(severity)
		r.Timestamp = r.Timestamp.UTC()
		return r, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to scan readings: %w", err)
	}
	if readings == nil {
		readings = make([]types.Reading, 0)
	}
	return readings, nil
}
