package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/types"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingInterval   = 50 * time.Second
	wsMaxMessageSize = 4096
)

// wsSnapshot is the first frame on every connection
type wsSnapshot struct {
	Type         string          `json:"type"`
	Seq          uint64          `json:"seq"`
	Readings     []types.Reading `json:"readings"`
	ActiveAlerts []types.Alert   `json:"activeAlerts"`
}

// wsCommand is a client request on the socket
type wsCommand struct {
	ID             string `json:"id,omitempty"`
	Action         string `json:"action"`
	AlertID        string `json:"alertId"`
	AcknowledgedBy string `json:"acknowledgedBy,omitempty"`
}

// wsReply answers a wsCommand
type wsReply struct {
	Type  string       `json:"type"`
	ID    string       `json:"id,omitempty"`
	Alert *types.Alert `json:"alert,omitempty"`
	Error string       `json:"error,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) closeWith(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}

// handleWebSocket streams the snapshot followed by live bus events and
// accepts acknowledge/resolve commands from the client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	log := s.logger.With().
		Str("request_id", RequestIDFrom(r.Context())).
		Str("remote_addr", r.RemoteAddr).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snap, sub, err := s.monitor.Subscribe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket subscribe failed")
		conn.closeWith(websocket.CloseTryAgainLater, "subscribe failed")
		return
	}
	defer sub.Unsubscribe()

	log.Info().Uint64("seq", snap.Seq).Msg("WebSocket client connected")
	defer log.Info().Msg("WebSocket client disconnected")

	if err := conn.writeJSON(wsSnapshot{
		Type:         "snapshot",
		Seq:          snap.Seq,
		Readings:     snap.Readings,
		ActiveAlerts: snap.ActiveAlerts,
	}); err != nil {
		return
	}

	go s.wsReadLoop(ctx, cancel, conn, log)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if errors.Is(sub.Err(), bus.ErrOverflow) {
					log.Warn().Uint64("dropped", sub.Dropped()).Msg("WebSocket client fell behind")
					conn.closeWith(websocket.CloseTryAgainLater, "subscriber fell behind")
				} else {
					conn.closeWith(websocket.CloseGoingAway, "shutting down")
				}
				return
			}
			if err := conn.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *wsConn, log zerolog.Logger) {
	defer cancel()

	conn.conn.SetReadLimit(wsMaxMessageSize)
	conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.conn.ReadJSON(&cmd); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug().Err(err).Msg("WebSocket read ended")
			}
			return
		}
		if err := conn.writeJSON(s.execute(ctx, cmd)); err != nil {
			return
		}
	}
}

func (s *Server) execute(ctx context.Context, cmd wsCommand) wsReply {
	var (
		alert types.Alert
		err   error
	)
	switch cmd.Action {
	case "acknowledge":
		alert, err = s.monitor.Acknowledge(ctx, cmd.AlertID, cmd.AcknowledgedBy)
	case "resolve":
		alert, err = s.monitor.Resolve(ctx, cmd.AlertID)
	default:
		return wsReply{Type: "error", ID: cmd.ID, Error: "unknown action " + cmd.Action}
	}
	if err != nil {
		return wsReply{Type: "error", ID: cmd.ID, Error: err.Error()}
	}
	return wsReply{Type: "result", ID: cmd.ID, Alert: &alert}
}
