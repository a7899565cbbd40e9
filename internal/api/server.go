// Package api serves the HTTP and WebSocket surface of the monitor
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/generator"
	"github.com/envmon/envmon/internal/logbuffer"
	"github.com/envmon/envmon/internal/monitor"
)

const shutdownTimeout = 10 * time.Second

// Server provides the HTTP API and the live WebSocket feed
type Server struct {
	monitor   *monitor.Service
	logs      *logbuffer.Buffer
	logger    zerolog.Logger
	address   string
	startTime time.Time
	now       func() time.Time
	upgrader  websocket.Upgrader
}

// NewServer creates a new API server
func NewServer(m *monitor.Service, logs *logbuffer.Buffer, address string, logger zerolog.Logger) *Server {
	return &Server{
		monitor:   m,
		logs:      logs,
		logger:    logger.With().Str("component", "api").Logger(),
		address:   address,
		startTime: time.Now(),
		now:       time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// dashboards are served from other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler wrapped in middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/logs", s.handleLogs)

	mux.HandleFunc("GET /api/sensors", s.handleSensors)
	mux.HandleFunc("GET /api/readings/latest", s.handleLatestReadings)
	mux.HandleFunc("GET /api/readings/{sensorId}", s.handleSensorReadings)
	mux.HandleFunc("GET /api/readings/{sensorId}/history", s.handleReadingHistory)
	mux.HandleFunc("GET /api/export/{sensorId}", s.handleExport)

	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", s.handleResolve)

	mux.HandleFunc("POST /api/simulator/start", s.handleSimulatorStart)
	mux.HandleFunc("POST /api/simulator/stop", s.handleSimulatorStop)
	mux.HandleFunc("GET /api/simulator/status", s.handleSimulatorStatus)

	mux.HandleFunc("GET /api/dashboard/stats", s.handleDashboardStats)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return Chain(mux, RequestID, s.Logging, s.Recovery)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.address).Msg("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, alerter.ErrNotFound), errors.Is(err, monitor.ErrUnknownSensor):
		return http.StatusNotFound
	case errors.Is(err, generator.ErrNoSensors):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
