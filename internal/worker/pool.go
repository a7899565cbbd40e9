package worker

import (
	"context"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/metrics"
)

// Task is one unit of side-effecting work. Tasks sharing a Key run in
// submission order on the same worker.
type Task struct {
	Key  string
	Name string
	Run  func(ctx context.Context) error
}

// Pool runs store and notifier call-outs off the reading pipeline
type Pool struct {
	queues  []chan Task
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup

	// Metrics
	processed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Logger      zerolog.Logger
}

// NewPool creates a new worker pool
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Second
	}

	perWorker := cfg.QueueSize / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}

	queues := make([]chan Task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Task, perWorker)
	}

	return &Pool{
		queues:  queues,
		timeout: cfg.TaskTimeout,
		logger:  cfg.Logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	p.logger.Info().
		Int("workers", len(p.queues)).
		Int("queue_size", cap(p.queues[0])*len(p.queues)).
		Dur("task_timeout", p.timeout).
		Msg("starting worker pool")

	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
}

// Submit enqueues a task without blocking. It returns false when the task
// was dropped because the shard queue is full or the pool is stopped.
func (p *Pool) Submit(t Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(t, "pool stopped")
		return false
	}

	select {
	case p.queues[p.shard(t.Key)] <- t:
		metrics.WorkerQueueSize.Inc()
		return true
	default:
		p.drop(t, "queue full")
		return false
	}
}

// Stop closes the queues and waits for queued tasks to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.logger.Info().Msg("stopping worker pool")
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) drop(t Task, reason string) {
	p.dropped.Add(1)
	metrics.WorkerDroppedTotal.Inc()
	p.logger.Warn().
		Str("task", t.Name).
		Str("key", t.Key).
		Str("reason", reason).
		Msg("dropping task")
}

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pool) worker(id int, q <-chan Task) {
	defer p.wg.Done()

	log := p.logger.With().Int("worker_id", id).Logger()
	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	for t := range q {
		metrics.WorkerQueueSize.Dec()
		p.run(log, t)
	}
}

// run executes one task with its own timeout; panics are contained to the task
func (p *Pool) run(log zerolog.Logger, t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("task", t.Name).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
		}
	}()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		log.Error().
			Err(err).
			Str("task", t.Name).
			Str("key", t.Key).
			Dur("duration", time.Since(start)).
			Msg("task failed")
		p.failed.Add(1)
		metrics.WorkerFailedTotal.Inc()
		return
	}

	p.processed.Add(1)
	metrics.WorkerProcessedTotal.Inc()
}

// Stats returns worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Stats holds worker pool metrics
type Stats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}
