package generator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/metrics"
	"github.com/envmon/envmon/internal/types"
)

// ErrNoSensors is returned by Start when there is nothing to schedule
var ErrNoSensors = errors.New("no sensors to schedule")

// Sink receives every generated reading. It must not block for long.
type Sink func(types.Reading)

// Status describes the supervisor state
type Status struct {
	Running     bool           `json:"running"`
	SensorCount int            `json:"sensorCount"`
	Sensors     []SensorStatus `json:"sensors"`
}

// SensorStatus is the per-sensor part of Status
type SensorStatus struct {
	ID       string         `json:"id"`
	Category types.Category `json:"category"`
	Address  string         `json:"address"`
}

// Supervisor runs one generator goroutine per sensor
type Supervisor struct {
	sensors     []types.SensorDescriptor
	synth       *Synthesizer
	sink        Sink
	minInterval time.Duration
	maxInterval time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ticks    atomic.Uint64
	failures atomic.Uint64
}

// NewSupervisor creates a stopped supervisor
func NewSupervisor(sensors []types.SensorDescriptor, synth *Synthesizer, sink Sink, minInterval, maxInterval time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		sensors:     sensors,
		synth:       synth,
		sink:        sink,
		minInterval: minInterval,
		maxInterval: maxInterval,
		logger:      logger.With().Str("component", "generator").Logger(),
		now:         time.Now,
	}
}

// Start launches a task per sensor. Calling Start while running is a no-op.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info().Msg("Generator already running")
		return nil
	}
	if len(s.sensors) == 0 {
		return ErrNoSensors
	}
	if s.minInterval <= 0 || s.maxInterval <= s.minInterval {
		return fmt.Errorf("invalid interval bounds [%s, %s)", s.minInterval, s.maxInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	air, water := 0, 0
	for _, sensor := range s.sensors {
		if sensor.Category == types.CategoryAir {
			air++
		} else {
			water++
		}
		s.wg.Add(1)
		go s.run(ctx, sensor)
	}
	metrics.SensorsRunning.Set(float64(len(s.sensors)))

	s.logger.Info().
		Int("sensors", len(s.sensors)).
		Int("air", air).
		Int("water", water).
		Dur("min_interval", s.minInterval).
		Dur("max_interval", s.maxInterval).
		Msg("Generator started")
	return nil
}

// Stop cancels every task and waits for in-flight ticks to finish
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.logger.Debug().Msg("Generator not running")
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
	metrics.SensorsRunning.Set(0)
	s.logger.Info().Msg("Generator stopped")
}

// Status reports whether the generator runs and which sensors it drives
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	sensors := make([]SensorStatus, 0, len(s.sensors))
	for _, d := range s.sensors {
		sensors = append(sensors, SensorStatus{ID: d.ID, Category: d.Category, Address: d.Location.Address})
	}
	return Status{Running: running, SensorCount: len(s.sensors), Sensors: sensors}
}

// Ticks returns the number of readings handed to the sink
func (s *Supervisor) Ticks() uint64 { return s.ticks.Load() }

// Failures returns the number of ticks that panicked
func (s *Supervisor) Failures() uint64 { return s.failures.Load() }

func (s *Supervisor) run(ctx context.Context, sensor types.SensorDescriptor) {
	defer s.wg.Done()

	log := s.logger.With().Str("sensor", sensor.ID).Logger()
	log.Debug().Msg("Sensor task started")
	defer log.Debug().Msg("Sensor task stopped")

	s.tick(log, sensor)

	for {
		timer := time.NewTimer(s.synth.Interval(s.minInterval, s.maxInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}
		s.tick(log, sensor)
	}
}

// tick produces one reading. A failure is logged and counted; the schedule continues.
func (s *Supervisor) tick(log zerolog.Logger, sensor types.SensorDescriptor) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			metrics.GenerationFailures.Inc()
			metrics.PanicsRecovered.WithLabelValues("generator").Inc()
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Generation failure")
		}
	}()

	reading := types.Reading{
		SensorID:   sensor.ID,
		Category:   sensor.Category,
		Location:   sensor.Location,
		Parameters: s.synth.Parameters(sensor.Category),
		Timestamp:  s.now().UTC(),
	}
	s.ticks.Add(1)
	s.sink(reading)
}
