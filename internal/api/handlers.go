package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/version"
)

const (
	defaultReadingsLimit = 100
	defaultAlertsLimit   = 50
	defaultLogsLimit     = 200
)

var historyPeriods = map[string]time.Duration{
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// exportColumns is the parameter order of CSV exports
var exportColumns = []string{"pm25", "pm10", "co2", "no2", "ph", "turbidity", "dissolvedOxygen", "temperature", "humidity"}

// handleHealth returns service health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"time":      s.now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"simulator": s.monitor.Status(),
	})
}

// handleStatus returns current state summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_alerts":     len(s.monitor.ActiveAlerts()),
		"sensors":           status.SensorCount,
		"generator_running": status.Running,
		"subscribers":       s.monitor.Bus().SubscriberCount(),
		"time":              s.now().UTC().Format(time.RFC3339),
		"uptime":            time.Since(s.startTime).String(),
		"version":           version.Get(),
	})
}

// handleLogs returns recent log entries, optionally filtered by ?level=
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLogsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	level := zerolog.DebugLevel
	if v := r.URL.Query().Get("level"); v != "" {
		if level, err = zerolog.ParseLevel(v); err != nil {
			writeError(w, http.StatusBadRequest, "invalid level")
			return
		}
	}

	entries := s.logs.Entries(limit, level)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Sensors())
}

func (s *Server) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.LatestReadings())
}

// handleSensorReadings returns stored readings for one sensor, newest
// first, bounded by ?limit=, ?startDate= and ?endDate= (RFC 3339)
func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultReadingsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := s.monitor.ReadingHistory(r.Context(), r.PathValue("sensorId"), start, 0)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	out := make([]types.Reading, 0, limit)
	for _, rd := range readings {
		if !end.IsZero() && rd.Timestamp.After(end) {
			continue
		}
		out = append(out, rd)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReadingHistory returns chart rows for ?period= (1h, 6h, 24h, 7d,
// 30d), oldest first. ?parameter= narrows each row to one parameter.
func (s *Server) handleReadingHistory(w http.ResponseWriter, r *http.Request) {
	period, ok := historyPeriods[r.URL.Query().Get("period")]
	if !ok {
		period = historyPeriods["24h"]
	}
	param := r.URL.Query().Get("parameter")

	readings, err := s.monitor.ReadingHistory(r.Context(), r.PathValue("sensorId"), s.now().Add(-period), 0)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	rows := make([]map[string]interface{}, 0, len(readings))
	for i := len(readings) - 1; i >= 0; i-- {
		rd := readings[i]
		row := map[string]interface{}{"timestamp": rd.Timestamp}
		if param != "" {
			if v, ok := rd.Parameters[param]; ok {
				row[param] = v
			}
		} else {
			for k, v := range rd.Parameters {
				row[k] = v
			}
		}
		rows = append(rows, row)
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleExport downloads readings for a sensor as ?format=json or csv
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("sensorId")
	start, end, err := dateRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := s.monitor.ReadingHistory(r.Context(), sensorID, start, 0)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	// oldest first
	out := make([]types.Reading, 0, len(readings))
	for i := len(readings) - 1; i >= 0; i-- {
		if end.IsZero() || !readings[i].Timestamp.After(end) {
			out = append(out, readings[i])
		}
	}

	if r.URL.Query().Get("format") != "csv" {
		writeJSON(w, http.StatusOK, out)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sensorID+`_data.csv"`)
	if err := writeCSV(w, out); err != nil {
		s.logger.Warn().Err(err).Str("sensor", sensorID).Msg("CSV export interrupted")
	}
}

func writeCSV(w io.Writer, readings []types.Reading) error {
	cw := csv.NewWriter(w)
	header := append([]string{"timestamp", "sensorId", "category"}, exportColumns...)
	header = append(header, "severity")
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, rd := range readings {
		row := []string{rd.Timestamp.UTC().Format(time.RFC3339), rd.SensorID, string(rd.Category)}
		for _, col := range exportColumns {
			v, ok := rd.Parameters[col]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		row = append(row, string(rd.Severity))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// handleAlerts lists alerts filtered by resolved, severity and sensorId
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", defaultAlertsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := alerter.Filter{SensorID: q.Get("sensorId"), Limit: limit}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		f.Resolved = &resolved
	}
	if v := q.Get("severity"); v != "" {
		sev, ok := types.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown severity")
			return
		}
		f.Severity = sev
	}

	writeJSON(w, http.StatusOK, s.monitor.Alerts(f))
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	alert, err := s.monitor.Acknowledge(r.Context(), r.PathValue("id"), req.AcknowledgedBy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	alert, err := s.monitor.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleSimulatorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.monitor.Start(); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Simulator started",
		"status":  s.monitor.Status(),
	})
}

func (s *Server) handleSimulatorStop(w http.ResponseWriter, r *http.Request) {
	s.monitor.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Simulator stopped",
		"status":  s.monitor.Status(),
	})
}

func (s *Server) handleSimulatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Stats())
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func dateRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("startDate"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, errors.New("startDate must be RFC 3339")
		}
	}
	if v := q.Get("endDate"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return start, end, errors.New("endDate must be RFC 3339")
		}
	}
	return start, end, nil
}
