package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_id TEXT NOT NULL,
	category TEXT NOT NULL,
	location TEXT NOT NULL,
	parameters TEXT NOT NULL,
	severity TEXT NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(sensor_id, ts);
CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);

CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	sensor_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	severity TEXT NOT NULL,
	current_value REAL NOT NULL,
	threshold_value REAL NOT NULL,
	message TEXT NOT NULL,
	location TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0,
	acknowledged_by TEXT,
	acknowledged_at INTEGER,
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_at INTEGER,
	notifications TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_alerts_resolved ON alerts(resolved, created_at);`

// SQLiteStore persists readings and alerts in a local SQLite file.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates if needed) the database at path
func NewSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	logger = logger.With().Str("component", "store").Str("backend", "sqlite").Logger()
	logger.Info().Str("path", path).Msg("Opening database")

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) SaveReading(ctx context.Context, r types.Reading) error {
	defer observe("sqlite", "save_reading", time.Now())

	loc, err := json.Marshal(r.Location)
	if err != nil {
		return err
	}
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO readings(sensor_id, category, location, parameters, severity, ts)
		VALUES(?, ?, ?, ?, ?, ?)`,
		r.SensorID, string(r.Category), string(loc), string(params), string(r.Severity), r.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reading for %s: %w", r.SensorID, err)
	}
	return nil
}

// SaveAlert inserts an alert, overwriting any row with the same id
func (s *SQLiteStore) SaveAlert(ctx context.Context, a types.Alert) error {
	defer observe("sqlite", "save_alert", time.Now())

	args, err := alertArgs(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts(id, sensor_id, parameter, severity, current_value, threshold_value, message,
			location, created_at, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at, notifications)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			acknowledged=excluded.acknowledged,
			acknowledged_by=excluded.acknowledged_by,
			acknowledged_at=excluded.acknowledged_at,
			resolved=excluded.resolved,
			resolved_at=excluded.resolved_at,
			notifications=excluded.notifications`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAlert upserts the alert; the insert branch covers a dropped SaveAlert
func (s *SQLiteStore) UpdateAlert(ctx context.Context, a types.Alert) error {
	return s.SaveAlert(ctx, a)
}

func (s *SQLiteStore) LatestReadingsPerSensor(ctx context.Context) ([]types.Reading, error) {
	defer observe("sqlite", "latest_readings", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.sensor_id, r.category, r.location, r.parameters, r.severity, r.ts
		FROM readings r
		JOIN (SELECT sensor_id, MAX(ts) AS ts FROM readings GROUP BY sensor_id) latest
			ON r.sensor_id = latest.sensor_id AND r.ts = latest.ts
		ORDER BY r.sensor_id, r.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	if err != nil {
		return nil, err
	}

	// identical timestamps can yield more than one row per sensor
	out := readings[:0]
	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		if seen[r.SensorID] {
			continue
		}
		seen[r.SensorID] = true
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteStore) ActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	defer observe("sqlite", "active_alerts", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sensor_id, parameter, severity, current_value, threshold_value, message, location,
			created_at, acknowledged, acknowledged_by, acknowledged_at, resolved, resolved_at, notifications
		FROM alerts WHERE resolved = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active alerts: %w", err)
	}
	defer rows.Close()

	out := make([]types.Alert, 0)
	for rows.Next() {
		var (
			a                    types.Alert
			severity, loc, notes string
			createdAt            int64
			ackBy                sql.NullString
			ackAt, resolvedAt    sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.SensorID, &a.Parameter, &severity, &a.CurrentValue, &a.ThresholdValue,
			&a.Message, &loc, &createdAt, &a.Acknowledged, &ackBy, &ackAt, &a.Resolved, &resolvedAt, &notes); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = types.Severity(severity)
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		if ackBy.Valid {
			by := ackBy.String
			a.AcknowledgedBy = &by
		}
		a.AcknowledgedAt = timeFromNull(ackAt)
		a.ResolvedAt = timeFromNull(resolvedAt)
		if err := json.Unmarshal([]byte(loc), &a.Location); err != nil {
			return nil, fmt.Errorf("alert %s location: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(notes), &a.Notifications); err != nil {
			return nil, fmt.Errorf("alert %s notifications: %w", a.ID, err)
		}
		if len(a.Notifications) == 0 {
			a.Notifications = nil
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadingHistory returns readings newer than since, newest first
func (s *SQLiteStore) ReadingHistory(ctx context.Context, sensorID string, since time.Time, limit int) ([]types.Reading, error) {
	defer observe("sqlite", "reading_history", time.Now())

	if limit <= 0 {
		limit = -1 // no limit
	}
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sensor_id, category, location, parameters, severity, ts
		FROM readings WHERE sensor_id = ? AND ts >= ?
		ORDER BY ts DESC, id DESC LIMIT ?`,
		sensorID, sinceNanos, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", sensorID, err)
	}
	defer rows.Close()
	return scanReadings(rows)
}

// Purge deletes readings and resolved alerts older than before
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (PurgeResult, error) {
	defer observe("sqlite", "purge", time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := before.UnixNano()
	res, err := tx.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge readings: %w", err)
	}
	readings, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM alerts WHERE resolved = 1 AND resolved_at < ?`, cutoff)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("failed to purge alerts: %w", err)
	}
	alerts, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PurgeResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return PurgeResult{Readings: readings, Alerts: alerts}, nil
}

func scanReadings(rows *sql.Rows) ([]types.Reading, error) {
	out := make([]types.Reading, 0)
	for rows.Next() {
		var (
			r                               types.Reading
			category, loc, params, severity string
			ts                              int64
		)
		if err := rows.Scan(&r.SensorID, &category, &loc, &params, &severity, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.Category = types.Category(category)
		r.Severity = types.Severity(severity)
		r.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(loc), &r.Location); err != nil {
			return nil, fmt.Errorf("reading %s location: %w", r.SensorID, err)
		}
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, fmt.Errorf("reading %s parameters: %w", r.SensorID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func alertArgs(a types.Alert) ([]any, error) {
	loc, err := json.Marshal(a.Location)
	if err != nil {
		return nil, err
	}
	notes, err := json.Marshal(notificationsOrEmpty(a.Notifications))
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, a.SensorID, a.Parameter, string(a.Severity), a.CurrentValue, a.ThresholdValue, a.Message,
		string(loc), a.CreatedAt.UnixNano(), a.Acknowledged, nullString(a.AcknowledgedBy), nullNanos(a.AcknowledgedAt),
		a.Resolved, nullNanos(a.ResolvedAt), string(notes),
	}, nil
}

func notificationsOrEmpty(n []types.Notification) []types.Notification {
	if n == nil {
		return []types.Notification{}
	}
	return n
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
