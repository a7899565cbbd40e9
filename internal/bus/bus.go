// Package bus fans reading and alert events out to live subscribers.
//
// Publishers and Subscribe share one lock, so the snapshot a subscriber
// receives and the first event on its stream are always adjacent: nothing is
// lost or repeated between them. Each subscriber has a bounded queue; a slow
// subscriber loses events (drop_oldest) or its subscription (disconnect), the
// publisher never waits on it.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/metrics"
)

var (
	// ErrClosed is returned once the bus has been closed
	ErrClosed = errors.New("bus closed")
	// ErrOverflow ends a subscription that fell behind under the disconnect policy
	ErrOverflow = errors.New("subscriber overflow")
)

// SnapshotFunc captures the current world state. It runs under the bus lock.
type SnapshotFunc func() Snapshot

// Options configures the bus
type Options struct {
	BufferSize     int
	OverflowPolicy string
}

// Bus is a publish/subscribe event fan-out
type Bus struct {
	sem      chan struct{} // publish/subscribe lock, acquired with a context
	snapshot SnapshotFunc
	size     int
	policy   string
	logger   zerolog.Logger

	seq    uint64 // guarded by sem
	closed bool   // guarded by sem

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// New creates a bus. snapshot may be nil for an empty snapshot.
func New(opts Options, snapshot SnapshotFunc, logger zerolog.Logger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.OverflowPolicy == "" {
		opts.OverflowPolicy = config.OverflowDropOldest
	}
	if snapshot == nil {
		snapshot = func() Snapshot { return Snapshot{} }
	}
	return &Bus{
		sem:      make(chan struct{}, 1),
		snapshot: snapshot,
		size:     opts.BufferSize,
		policy:   opts.OverflowPolicy,
		logger:   logger.With().Str("component", "bus").Logger(),
		subs:     make(map[uint64]*Subscription),
	}
}

func (b *Bus) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) release() {
	<-b.sem
}

// Subscribe returns the current snapshot and a subscription that carries
// every event published after it.
func (b *Bus) Subscribe(ctx context.Context) (Snapshot, *Subscription, error) {
	if err := b.acquire(ctx); err != nil {
		return Snapshot{}, nil, err
	}
	defer b.release()

	if b.closed {
		return Snapshot{}, nil, ErrClosed
	}

	snap := b.snapshot()
	snap.Seq = b.seq

	b.subMu.Lock()
	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Event, b.size),
	}
	b.subs[sub.id] = sub
	count := len(b.subs)
	b.subMu.Unlock()

	metrics.BusSubscribers.Set(float64(count))
	b.logger.Debug().Uint64("subscriber", sub.id).Int("subscribers", count).Msg("Subscriber added")
	return snap, sub, nil
}

// Snapshot returns the current state without registering a subscriber or
// taking the publisher lock. Seq is left zero: the result is not ordered
// against the event stream.
func (b *Bus) Snapshot() Snapshot {
	return b.snapshot()
}

// Update runs fn under the bus lock and publishes the events it returns,
// in order. State changes made by fn and their events are atomic with
// respect to Subscribe.
func (b *Bus) Update(ctx context.Context, fn func() []Event) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()

	if b.closed {
		return ErrClosed
	}

	events := fn()
	if len(events) > 0 {
		b.publishLocked(events)
	}
	return nil
}

// Publish sends events to every subscriber
func (b *Bus) Publish(ctx context.Context, events ...Event) error {
	return b.Update(ctx, func() []Event { return events })
}

func (b *Bus) publishLocked(events []Event) {
	for i := range events {
		b.seq++
		events[i].Seq = b.seq
		metrics.BusEventsPublished.WithLabelValues(string(events[i].Type)).Inc()
	}

	var overflowed []*Subscription

	b.subMu.RLock()
	for _, sub := range b.subs {
		for _, ev := range events {
			if !sub.deliver(ev, b.policy) {
				overflowed = append(overflowed, sub)
				break
			}
		}
	}
	b.subMu.RUnlock()

	for _, sub := range overflowed {
		b.logger.Warn().
			Uint64("subscriber", sub.id).
			Uint64("dropped", sub.Dropped()).
			Msg("Disconnecting slow subscriber")
		sub.close(ErrOverflow)
	}
}

// SubscriberCount returns the number of live subscriptions
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	return len(b.subs)
}

// Seq returns the sequence number of the last published event
func (b *Bus) Seq(ctx context.Context) (uint64, error) {
	if err := b.acquire(ctx); err != nil {
		return 0, err
	}
	defer b.release()
	return b.seq, nil
}

// Close ends every subscription. Further publishes fail with ErrClosed.
func (b *Bus) Close() {
	b.sem <- struct{}{}
	if b.closed {
		b.release()
		return
	}
	b.closed = true
	b.release()

	b.subMu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subMu.RUnlock()

	for _, sub := range subs {
		sub.close(ErrClosed)
	}
	b.logger.Info().Int("subscribers", len(subs)).Msg("Bus closed")
}

func (b *Bus) remove(id uint64) {
	b.subMu.Lock()
	delete(b.subs, id)
	count := len(b.subs)
	b.subMu.Unlock()
	metrics.BusSubscribers.Set(float64(count))
}

// Subscription is one observer's bounded event queue
type Subscription struct {
	id  uint64
	bus *Bus
	ch  chan Event

	mu      sync.Mutex
	closed  bool
	err     error
	dropped atomic.Uint64
}

// Events returns the stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Unsubscribe ends the subscription. It is safe to call more than once and
// concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.close(nil)
}

// Err reports why the stream ended: nil after Unsubscribe, ErrOverflow or ErrClosed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many events this subscriber lost
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// deliver enqueues ev without blocking. It returns false when the
// subscriber must be disconnected.
func (s *Subscription) deliver(ev Event, policy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	if policy == config.OverflowDisconnect {
		s.drop(policy)
		return false
	}

	// drop the oldest queued event to make room
	select {
	case <-s.ch:
		s.drop(policy)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.drop(policy)
	}
	return true
}

func (s *Subscription) drop(policy string) {
	s.dropped.Add(1)
	metrics.BusEventsDropped.WithLabelValues(policy).Inc()
}

func (s *Subscription) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	s.mu.Unlock()

	s.bus.remove(s.id)
}
