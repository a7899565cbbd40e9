package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/evaluator"
	"github.com/envmon/envmon/internal/generator"
	"github.com/envmon/envmon/internal/logbuffer"
	"github.com/envmon/envmon/internal/monitor"
	"github.com/envmon/envmon/internal/registry"
	"github.com/envmon/envmon/internal/store"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/worker"
)

type quietNotifier struct{}

func (quietNotifier) Notify(context.Context, types.Alert) ([]types.Notification, error) {
	return nil, nil
}

func (quietNotifier) NotifyChannels(context.Context, types.Alert, []string, bool) ([]types.Notification, error) {
	return nil, nil
}

func (quietNotifier) ChannelsFor(types.Severity) []string { return nil }

func (quietNotifier) Suppressed(types.Alert, string) []types.Notification { return nil }

type fixture struct {
	mon  *monitor.Service
	logs *logbuffer.Buffer
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logs := logbuffer.New(50)
	log := zerolog.New(logs)

	reg, err := registry.New(registry.DefaultSensors())
	if err != nil {
		t.Fatal(err)
	}
	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 64, Logger: log})
	pool.Start()

	mon := monitor.New(monitor.Deps{
		Registry:  reg,
		Evaluator: evaluator.NewEvaluator(evaluator.DefaultThresholds(), log),
		Engine:    alerter.NewEngine(alerter.Options{}, log),
		Synth:     generator.NewSynthesizer(1, 0, 0),
		Store:     store.NewMemoryStore(100),
		Notifier:  quietNotifier{},
		Pool:      pool,
	}, monitor.Options{MinInterval: time.Hour, MaxInterval: time.Hour}, log)

	srv := httptest.NewServer(NewServer(mon, logs, "", log).Handler())
	t.Cleanup(func() {
		srv.Close()
		mon.Close()
	})
	return &fixture{mon: mon, logs: logs, srv: srv}
}

func airReading(sensor string, pm25 float64) types.Reading {
	return types.Reading{
		SensorID:   sensor,
		Category:   types.CategoryAir,
		Parameters: map[string]float64{"pm25": pm25, "co2": 450},
		Timestamp:  time.Now().UTC(),
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestSensorsAndLatestReadings(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 20))

	var sensors []types.SensorDescriptor
	decode(t, f.do(t, http.MethodGet, "/api/sensors", ""), &sensors)
	if len(sensors) != 4 {
		t.Errorf("sensors = %d, want 4", len(sensors))
	}

	var latest []types.Reading
	decode(t, f.do(t, http.MethodGet, "/api/readings/latest", ""), &latest)
	if len(latest) != 1 || latest[0].Severity != types.SeveritySafe {
		t.Errorf("latest = %+v", latest)
	}
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 80))

	var alerts []types.Alert
	decode(t, f.do(t, http.MethodGet, "/api/alerts?resolved=false&severity=danger", ""), &alerts)
	if len(alerts) != 1 || alerts[0].ThresholdValue != 75 {
		t.Fatalf("alerts = %+v", alerts)
	}
	id := alerts[0].ID

	resp := f.do(t, http.MethodPost, "/api/alerts/"+id+"/acknowledge", `{"acknowledgedBy":"ops"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status = %d", resp.StatusCode)
	}
	var acked types.Alert
	decode(t, resp, &acked)
	if !acked.Acknowledged || *acked.AcknowledgedBy != "ops" {
		t.Errorf("acknowledged = %+v", acked)
	}

	resp = f.do(t, http.MethodPost, "/api/alerts/"+id+"/resolve", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}

	decode(t, f.do(t, http.MethodGet, "/api/alerts?resolved=true", ""), &alerts)
	if len(alerts) != 1 || !alerts[0].Resolved {
		t.Errorf("resolved alerts = %+v", alerts)
	}

	if resp := f.do(t, http.MethodPost, "/api/alerts/missing/resolve", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing alert status = %d, want 404", resp.StatusCode)
	}
}

func TestAlertsBadFilter(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"?severity=purple", "?resolved=maybe", "?limit=-1"} {
		if resp := f.do(t, http.MethodGet, "/api/alerts"+q, ""); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, resp.StatusCode)
		}
	}
}

func TestReadingHistoryAndExport(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_002", 20))
	f.mon.HandleReading(airReading("AIR_002", 21))

	var rows []map[string]interface{}
	waitFor(t, func() bool {
		resp := f.do(t, http.MethodGet, "/api/readings/AIR_002/history?period=1h&parameter=pm25", "")
		rows = nil
		decode(t, resp, &rows)
		return len(rows) == 2
	})
	if rows[0]["pm25"] != 20.0 || rows[1]["pm25"] != 21.0 {
		t.Errorf("rows = %v", rows)
	}
	if _, ok := rows[0]["co2"]; ok {
		t.Error("parameter filter not applied")
	}

	var readings []types.Reading
	decode(t, f.do(t, http.MethodGet, "/api/readings/AIR_002?limit=1", ""), &readings)
	if len(readings) != 1 || readings[0].Parameters["pm25"] != 21 {
		t.Errorf("readings = %+v", readings)
	}

	resp := f.do(t, http.MethodGet, "/api/export/AIR_002?format=csv", "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("content type = %s", ct)
	}
	records, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || records[0][0] != "timestamp" || records[1][3] != "20" {
		t.Errorf("csv = %v", records)
	}

	if resp := f.do(t, http.MethodGet, "/api/readings/NOPE/history", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor status = %d, want 404", resp.StatusCode)
	}
}

func TestSimulatorControl(t *testing.T) {
	f := newFixture(t)

	if resp := f.do(t, http.MethodPost, "/api/simulator/start", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var status generator.Status
	decode(t, f.do(t, http.MethodGet, "/api/simulator/status", ""), &status)
	if !status.Running || status.SensorCount != 4 {
		t.Errorf("status = %+v", status)
	}

	f.do(t, http.MethodPost, "/api/simulator/stop", "")
	decode(t, f.do(t, http.MethodGet, "/api/simulator/status", ""), &status)
	if status.Running {
		t.Error("still running after stop")
	}

	if resp := f.do(t, http.MethodGet, "/api/simulator/start", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET start status = %d, want 405", resp.StatusCode)
	}
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 80))
	f.mon.HandleReading(airReading("AIR_002", 10))

	var stats monitor.Stats
	decode(t, f.do(t, http.MethodGet, "/api/dashboard/stats", ""), &stats)
	if stats.TotalSensors != 4 || stats.ActiveSensors != 2 || stats.ActiveAlerts != 1 || stats.CriticalAlerts != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.StatusDistribution[types.SeverityDanger] != 1 || stats.StatusDistribution[types.SeveritySafe] != 1 {
		t.Errorf("distribution = %v", stats.StatusDistribution)
	}
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 80))

	var body struct {
		Entries []logbuffer.Entry `json:"entries"`
		Count   int               `json:"count"`
	}
	decode(t, f.do(t, http.MethodGet, "/api/logs?level=info", ""), &body)
	found := false
	for _, e := range body.Entries {
		if e.Message == "Alert fired" {
			found = true
		}
	}
	if !found {
		t.Errorf("alert log line missing from %+v", body.Entries)
	}

	if resp := f.do(t, http.MethodGet, "/api/logs?level=loud", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad level status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", "")

	resp := f.do(t, http.MethodGet, "/metrics", "")
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "envmon_http_requests_total") {
		t.Error("http metrics not exported")
	}
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketSnapshotThenEvents(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 80))

	conn := dialWS(t, f)

	var snap wsSnapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Type != "snapshot" || len(snap.Readings) != 1 || len(snap.ActiveAlerts) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	f.mon.HandleReading(airReading("AIR_002", 10))
	var ev bus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != bus.EventReading || ev.Seq != snap.Seq+1 || ev.Reading.SensorID != "AIR_002" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocketCommands(t *testing.T) {
	f := newFixture(t)
	f.mon.HandleReading(airReading("AIR_001", 80))
	id := f.mon.ActiveAlerts()[0].ID

	conn := dialWS(t, f)
	var snap wsSnapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatal(err)
	}

	if err := conn.WriteJSON(wsCommand{ID: "1", Action: "acknowledge", AlertID: id, AcknowledgedBy: "ws"}); err != nil {
		t.Fatal(err)
	}

	// the reply and the broadcast event may arrive in either order
	var gotReply, gotEvent bool
	for i := 0; i < 2; i++ {
		var msg map[string]json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		var typ string
		json.Unmarshal(msg["type"], &typ)
		switch typ {
		case "result":
			gotReply = true
		case string(bus.EventAlertAcknowledged):
			gotEvent = true
		default:
			t.Errorf("unexpected message %s", typ)
		}
	}
	if !gotReply || !gotEvent {
		t.Errorf("reply = %v, event = %v", gotReply, gotEvent)
	}

	if err := conn.WriteJSON(wsCommand{ID: "2", Action: "explode"}); err != nil {
		t.Fatal(err)
	}
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Type != "error" || reply.ID != "2" {
		t.Errorf("reply = %+v", reply)
	}
}
