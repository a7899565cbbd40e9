// Package bridge forwards bus events to external message brokers
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/bus"
	"github.com/envmon/envmon/internal/metrics"
)

const (
	resubscribeDelay = time.Second
	publishTimeout   = 5 * time.Second
)

// Publisher delivers one event to a broker
type Publisher interface {
	Name() string
	Publish(ctx context.Context, ev bus.Event) error
	Close() error
}

// Source is where the bridge takes its events from
type Source interface {
	Subscribe(ctx context.Context) (bus.Snapshot, *bus.Subscription, error)
}

// Forwarder pumps bus events into a Publisher
type Forwarder struct {
	source Source
	pub    Publisher
	logger zerolog.Logger
	delay  time.Duration
}

// NewForwarder creates a forwarder for pub
func NewForwarder(source Source, pub Publisher, logger zerolog.Logger) *Forwarder {
	return &Forwarder{
		source: source,
		pub:    pub,
		logger: logger.With().Str("component", "bridge").Str("bridge", pub.Name()).Logger(),
		delay:  resubscribeDelay,
	}
}

// Run forwards events until ctx is cancelled or the bus closes. The latest
// reading of every sensor is forwarded on each (re)subscription so retained
// broker state catches up after an overflow disconnect.
func (f *Forwarder) Run(ctx context.Context) error {
	defer f.pub.Close()

	for {
		err := f.session(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, bus.ErrClosed):
			f.logger.Info().Msg("Bridge stopped")
			return nil
		case errors.Is(err, bus.ErrOverflow):
			f.logger.Warn().Msg("Bridge fell behind, resubscribing")
		case err != nil:
			f.logger.Warn().Err(err).Msg("Bridge subscription failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(f.delay):
		}
	}
}

func (f *Forwarder) session(ctx context.Context) error {
	snap, sub, err := f.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	f.logger.Info().Uint64("seq", snap.Seq).Msg("Bridge subscribed")
	for _, r := range snap.Readings {
		ev := bus.ReadingEvent(r)
		ev.Seq = snap.Seq
		f.forward(ctx, ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return bus.ErrClosed
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev bus.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := f.pub.Publish(ctx, ev); err != nil {
		metrics.BridgeForwarded.WithLabelValues(f.pub.Name(), "failed").Inc()
		f.logger.Warn().Err(err).Uint64("seq", ev.Seq).Str("type", string(ev.Type)).Msg("Failed to forward event")
		return
	}
	metrics.BridgeForwarded.WithLabelValues(f.pub.Name(), "ok").Inc()
}
