package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/types"
)

func readingEvent(sensor string, pm25 float64) Event {
	return ReadingEvent(types.Reading{SensorID: sensor, Parameters: map[string]float64{"pm25": pm25}})
}

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed after %d events", len(out))
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("received %d events, want %d", len(out), n)
		}
	}
	return out
}

func TestPublishKeepsOrder(t *testing.T) {
	b := New(Options{BufferSize: 64}, nil, zerolog.Nop())
	ctx := context.Background()

	_, sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}

	alert := types.Alert{ID: "a1", SensorID: "AIR_001"}
	err = b.Update(ctx, func() []Event {
		return []Event{readingEvent("AIR_001", 80), AlertEvent(EventAlertCreated, alert)}
	})
	if err != nil {
		t.Fatal(err)
	}
	b.Publish(ctx, AlertEvent(EventAlertResolved, alert))

	events := collect(t, sub, 3)
	wantTypes := []EventType{EventReading, EventAlertCreated, EventAlertResolved}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, wantTypes[i])
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d", i, ev.Seq)
		}
	}
	if events[1].SensorID() != "AIR_001" {
		t.Errorf("SensorID() = %s", events[1].SensorID())
	}
}

// The snapshot and the stream must neither miss nor repeat an event, even
// while publishers run concurrently with Subscribe.
func TestSnapshotThenLiveWithoutGapOrDuplicate(t *testing.T) {
	var mu sync.Mutex
	var state []int // readings applied so far

	b := New(Options{BufferSize: 4096}, func() Snapshot {
		mu.Lock()
		defer mu.Unlock()
		snap := Snapshot{}
		for _, v := range state {
			snap.Readings = append(snap.Readings, types.Reading{SensorID: fmt.Sprint(v)})
		}
		return snap
	}, zerolog.Nop())

	ctx := context.Background()
	const total = 500

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			i := i
			b.Update(ctx, func() []Event {
				mu.Lock()
				state = append(state, i)
				mu.Unlock()
				return []Event{ReadingEvent(types.Reading{SensorID: fmt.Sprint(i)})}
			})
		}
	}()

	time.Sleep(time.Millisecond)
	snap, sub, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatal(err)
	}
	<-done

	live := collect(t, sub, total-len(snap.Readings))
	seen := make(map[string]int)
	for _, r := range snap.Readings {
		seen[r.SensorID]++
	}
	for i, ev := range live {
		seen[ev.Reading.SensorID]++
		if ev.Seq != snap.Seq+uint64(i)+1 {
			t.Fatalf("live event %d seq = %d, snapshot seq = %d", i, ev.Seq, snap.Seq)
		}
	}
	for i := 0; i < total; i++ {
		if n := seen[fmt.Sprint(i)]; n != 1 {
			t.Fatalf("reading %d seen %d times", i, n)
		}
	}
}

func TestDropOldest(t *testing.T) {
	b := New(Options{BufferSize: 2, OverflowPolicy: config.OverflowDropOldest}, nil, zerolog.Nop())
	ctx := context.Background()
	_, sub, _ := b.Subscribe(ctx)

	for i := 1; i <= 5; i++ {
		if err := b.Publish(ctx, readingEvent("AIR_001", float64(i))); err != nil {
			t.Fatal(err)
		}
	}

	events := collect(t, sub, 2)
	if events[0].Reading.Parameters["pm25"] != 4 || events[1].Reading.Parameters["pm25"] != 5 {
		t.Errorf("kept %v and %v, want the newest two", events[0].Reading.Parameters, events[1].Reading.Parameters)
	}
	if sub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", sub.Dropped())
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("drop_oldest should keep the subscriber")
	}
}

func TestDisconnectOnOverflow(t *testing.T) {
	b := New(Options{BufferSize: 1, OverflowPolicy: config.OverflowDisconnect}, nil, zerolog.Nop())
	ctx := context.Background()
	_, slow, _ := b.Subscribe(ctx)
	_, fast, _ := b.Subscribe(ctx)

	b.Publish(ctx, readingEvent("AIR_001", 1))
	<-fast.Events()
	b.Publish(ctx, readingEvent("AIR_001", 2))

	// slow keeps its one buffered event, then the stream ends
	ev, ok := <-slow.Events()
	if !ok || ev.Seq != 1 {
		t.Fatalf("first event = %+v, %v", ev, ok)
	}
	if _, ok := <-slow.Events(); ok {
		t.Fatal("slow subscriber not disconnected")
	}
	if !errors.Is(slow.Err(), ErrOverflow) {
		t.Errorf("Err() = %v", slow.Err())
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", b.SubscriberCount())
	}
	if ev := <-fast.Events(); ev.Seq != 2 {
		t.Errorf("fast subscriber got seq %d", ev.Seq)
	}
}

func TestUnsubscribeConcurrentWithPublish(t *testing.T) {
	b := New(Options{BufferSize: 8}, nil, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Publish(ctx, readingEvent("AIR_001", float64(i)))
		}
	}()

	for i := 0; i < 50; i++ {
		_, sub, err := b.Subscribe(ctx)
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()

	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount() = %d after unsubscribing all", n)
	}
}

func TestLockWaitIsBounded(t *testing.T) {
	b := New(Options{}, nil, zerolog.Nop())

	holding := make(chan struct{})
	release := make(chan struct{})
	go b.Update(context.Background(), func() []Event {
		close(holding)
		<-release
		return nil
	})
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Publish(ctx, readingEvent("AIR_001", 1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() error = %v, want deadline exceeded", err)
	}
	close(release)
}

func TestClose(t *testing.T) {
	b := New(Options{}, nil, zerolog.Nop())
	ctx := context.Background()
	_, sub, _ := b.Subscribe(ctx)

	b.Close()
	b.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("stream still open after Close")
	}
	if !errors.Is(sub.Err(), ErrClosed) {
		t.Errorf("Err() = %v", sub.Err())
	}
	if err := b.Publish(ctx, readingEvent("AIR_001", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish() after Close = %v", err)
	}
	if _, _, err := b.Subscribe(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close = %v", err)
	}
}
