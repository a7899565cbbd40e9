package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/alerter"
	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/evaluator"
	"github.com/envmon/envmon/internal/generator"
	"github.com/envmon/envmon/internal/registry"
	"github.com/envmon/envmon/internal/store"
	"github.com/envmon/envmon/internal/types"
	"github.com/envmon/envmon/internal/worker"
)

type fakeNotifier struct {
	mu        sync.Mutex
	notified  []string
	escalated []string
	fail      error
	gate      chan struct{} // when set, deliveries wait for it to close
}

func (f *fakeNotifier) Notify(ctx context.Context, a types.Alert) ([]types.Notification, error) {
	return f.NotifyChannels(ctx, a, []string{"default"}, false)
}

func (f *fakeNotifier) NotifyChannels(_ context.Context, a types.Alert, channels []string, escalated bool) ([]types.Notification, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if escalated {
		f.escalated = append(f.escalated, a.ID)
	} else {
		f.notified = append(f.notified, a.ID)
	}
	status := types.NotificationSent
	msg := ""
	if f.fail != nil {
		status = types.NotificationFailed
		msg = f.fail.Error()
	}
	notes := make([]types.Notification, 0, len(channels))
	for _, ch := range channels {
		notes = append(notes, types.Notification{Channel: ch, SentAt: time.Now(), Status: status, Error: msg})
	}
	return notes, f.fail
}

func (f *fakeNotifier) ChannelsFor(types.Severity) []string { return []string{"default"} }

func (f *fakeNotifier) Suppressed(a types.Alert, reason string) []types.Notification {
	return []types.Notification{{Channel: "default", SentAt: time.Now(), Status: types.NotificationSuppressed, Error: reason}}
}

func (f *fakeNotifier) count() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified), len(f.escalated)
}

type fixture struct {
	svc   *Service
	store *store.MemoryStore
	note  *fakeNotifier
}

func newFixture(t *testing.T, opts Options, flaps *alerter.FlapDetector) *fixture {
	t.Helper()
	log := zerolog.Nop()

	reg, err := registry.New(registry.DefaultSensors())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pool := worker.NewPool(worker.Config{Workers: 2, QueueSize: 64, TaskTimeout: time.Second, Logger: log})
	pool.Start()

	st := store.NewMemoryStore(100)
	note := &fakeNotifier{}
	svc := New(Deps{
		Registry:  reg,
		Evaluator: evaluator.NewEvaluator(evaluator.DefaultThresholds(), log),
		Engine:    alerter.NewEngine(alerter.Options{}, log),
		Synth:     generator.NewSynthesizer(1, 0, 0),
		Store:     st,
		Notifier:  note,
		Pool:      pool,
		Flaps:     flaps,
	}, opts, log)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: st, note: note}
}

func airReading(sensor string, pm25 float64) types.Reading {
	return types.Reading{
		SensorID: sensor,
		Category: types.CategoryAir,
		Parameters: map[string]float64{
			"pm25": pm25, "pm10": 30, "co2": 450, "no2": 40, "temperature": 22, "humidity": 50,
		},
		Timestamp: time.Now().UTC(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	return bus.Event{}
}

func TestDangerReadingRaisesOneAlert(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	_, sub, err := f.svc.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	f.svc.HandleReading(airReading("AIR_001", 80))

	ev := nextEvent(t, sub)
	if ev.Type != bus.EventReading || ev.Reading.Severity != types.SeverityDanger {
		t.Fatalf("first event = %+v, want danger reading", ev)
	}
	ev = nextEvent(t, sub)
	if ev.Type != bus.EventAlertCreated {
		t.Fatalf("second event type = %s", ev.Type)
	}
	a := ev.Alert
	if a.Parameter != "pm25" || a.Severity != types.SeverityDanger || a.ThresholdValue != 75 || a.CurrentValue != 80 {
		t.Errorf("alert = %+v", a)
	}

	if got := len(f.svc.ActiveAlerts()); got != 1 {
		t.Fatalf("active alerts = %d, want 1", got)
	}

	waitFor(t, "notification recorded", func() bool {
		got, err := f.svc.Alert(a.ID)
		return err == nil && len(got.Notifications) == 1
	})
	waitFor(t, "alert persisted", func() bool {
		stored, _ := f.store.ActiveAlerts(context.Background())
		return len(stored) == 1 && len(stored[0].Notifications) == 1
	})

	// same condition again is not re-alerted while the first is open
	f.svc.HandleReading(airReading("AIR_001", 90))
	if got := len(f.svc.ActiveAlerts()); got != 1 {
		t.Errorf("active alerts after repeat = %d, want 1", got)
	}
}

func TestWarningIsNotNotifiedByDefault(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.svc.HandleReading(airReading("AIR_002", 40))

	active := f.svc.ActiveAlerts()
	if len(active) != 1 || active[0].Severity != types.SeverityWarning {
		t.Fatalf("active = %+v", active)
	}
	waitFor(t, "alert persisted", func() bool {
		stored, _ := f.store.ActiveAlerts(context.Background())
		return len(stored) == 1
	})
	if n, _ := f.note.count(); n != 0 {
		t.Errorf("notified %d times, want 0", n)
	}
}

func TestNotificationFailureIsRecorded(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.note.fail = errors.New("apprise down")

	f.svc.HandleReading(airReading("AIR_001", 99))
	id := f.svc.ActiveAlerts()[0].ID

	waitFor(t, "failed notification recorded", func() bool {
		a, err := f.svc.Alert(id)
		return err == nil && len(a.Notifications) == 1 && a.Notifications[0].Status == types.NotificationFailed
	})
}

func TestSnapshotReplaysState(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.svc.HandleReading(airReading("AIR_001", 80))
	f.svc.HandleReading(airReading("AIR_002", 10))

	snap, sub, err := f.svc.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if len(snap.Readings) != 2 || snap.Readings[0].SensorID != "AIR_001" {
		t.Errorf("snapshot readings = %+v", snap.Readings)
	}
	if len(snap.ActiveAlerts) != 1 {
		t.Errorf("snapshot alerts = %d, want 1", len(snap.ActiveAlerts))
	}

	f.svc.HandleReading(airReading("AIR_002", 12))
	ev := nextEvent(t, sub)
	if ev.Seq != snap.Seq+1 {
		t.Errorf("first live seq = %d, want %d", ev.Seq, snap.Seq+1)
	}
}

func TestAcknowledgeAndResolve(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.svc.HandleReading(airReading("AIR_001", 80))
	id := f.svc.ActiveAlerts()[0].ID

	_, sub, err := f.svc.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	a, err := f.svc.Acknowledge(ctx, id, "ops")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !a.Acknowledged || a.AcknowledgedBy == nil || *a.AcknowledgedBy != "ops" {
		t.Errorf("acknowledged alert = %+v", a)
	}
	if ev := nextEvent(t, sub); ev.Type != bus.EventAlertAcknowledged {
		t.Errorf("event = %s, want alert.acknowledged", ev.Type)
	}

	// a repeat acknowledge changes nothing and emits nothing
	if _, err := f.svc.Acknowledge(ctx, id, "someone else"); err != nil {
		t.Fatalf("repeat Acknowledge: %v", err)
	}

	a, err = f.svc.Resolve(ctx, id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !a.Resolved || *a.AcknowledgedBy != "ops" {
		t.Errorf("resolved alert = %+v", a)
	}
	if ev := nextEvent(t, sub); ev.Type != bus.EventAlertResolved {
		t.Errorf("event = %s, want alert.resolved", ev.Type)
	}
	if len(f.svc.ActiveAlerts()) != 0 {
		t.Error("resolved alert still active")
	}

	if _, err := f.svc.Resolve(ctx, "missing"); !errors.Is(err, alerter.ErrNotFound) {
		t.Errorf("Resolve(missing) err = %v, want ErrNotFound", err)
	}
}

func TestAcknowledgeKeepsStoredNotifications(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.note.gate = make(chan struct{})

	f.svc.HandleReading(airReading("AIR_001", 80))
	id := f.svc.ActiveAlerts()[0].ID

	// the acknowledge lands while the notify task is still delivering
	if _, err := f.svc.Acknowledge(context.Background(), id, "ops"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	close(f.note.gate)

	waitFor(t, "alert tasks drained", func() bool {
		return f.svc.pool.Stats().Processed >= 4 // save_reading, save_alert, notify, update_alert
	})

	stored, err := f.store.ActiveAlerts(context.Background())
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored alerts = %+v, %v", stored, err)
	}
	if !stored[0].Acknowledged {
		t.Error("stored alert lost the acknowledgement")
	}
	if len(stored[0].Notifications) != 1 {
		t.Errorf("stored notifications = %d, want 1", len(stored[0].Notifications))
	}
}

func TestEscalationRenotifies(t *testing.T) {
	f := newFixture(t, Options{
		EscalationDelays: map[string]time.Duration{"default": 20 * time.Millisecond},
	}, nil)

	f.svc.HandleReading(airReading("AIR_001", 80))
	waitFor(t, "escalation", func() bool {
		_, esc := f.note.count()
		return esc == 1
	})
}

func TestAcknowledgeCancelsEscalation(t *testing.T) {
	f := newFixture(t, Options{
		EscalationDelays: map[string]time.Duration{"default": 100 * time.Millisecond},
	}, nil)

	f.svc.HandleReading(airReading("AIR_001", 80))
	id := f.svc.ActiveAlerts()[0].ID
	if _, err := f.svc.Acknowledge(context.Background(), id, "ops"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if _, esc := f.note.count(); esc != 0 {
		t.Errorf("escalated %d times after acknowledge", esc)
	}
}

func TestFlappingSuppressesNotification(t *testing.T) {
	flaps := alerter.NewFlapDetector(zerolog.Nop(), 1, time.Minute)
	f := newFixture(t, Options{}, flaps)

	f.svc.HandleReading(airReading("AIR_001", 80))
	id := f.svc.ActiveAlerts()[0].ID

	waitFor(t, "suppressed notification", func() bool {
		a, err := f.svc.Alert(id)
		return err == nil && len(a.Notifications) == 1 && a.Notifications[0].Status == types.NotificationSuppressed
	})
	if n, _ := f.note.count(); n != 0 {
		t.Errorf("notified %d times while flapping", n)
	}
}

func TestReadingHistory(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.svc.HandleReading(airReading("AIR_001", 10))

	waitFor(t, "reading persisted", func() bool {
		h, err := f.svc.ReadingHistory(context.Background(), "AIR_001", time.Time{}, 10)
		return err == nil && len(h) == 1
	})

	if _, err := f.svc.ReadingHistory(context.Background(), "NOPE", time.Time{}, 10); !errors.Is(err, ErrUnknownSensor) {
		t.Errorf("err = %v, want ErrUnknownSensor", err)
	}
}

func TestRestoreFromStore(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	r := airReading("WATER_001", 0)
	r.Category = types.CategoryWater
	r.Parameters = map[string]float64{"ph": 7}
	r.Severity = types.SeveritySafe
	if err := f.store.SaveReading(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveAlert(ctx, types.Alert{
		ID: "a1", SensorID: "WATER_001", Parameter: "ph", Severity: types.SeverityWarning, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := f.svc.LatestReadings(); len(got) != 1 || got[0].SensorID != "WATER_001" {
		t.Errorf("latest = %+v", got)
	}
	if got := f.svc.ActiveAlerts(); len(got) != 1 || got[0].ID != "a1" {
		t.Errorf("active = %+v", got)
	}

	stats := f.svc.Stats()
	if stats.TotalSensors != 4 || stats.ActiveAlerts != 1 || stats.StatusDistribution[types.SeveritySafe] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, Options{MinInterval: time.Hour, MaxInterval: time.Hour}, nil)
	if err := f.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "initial readings", func() bool { return len(f.svc.LatestReadings()) == 4 })
	if !f.svc.Status().Running {
		t.Error("not running after Start")
	}
	f.svc.Stop()
	if f.svc.Status().Running {
		t.Error("still running after Stop")
	}
}
