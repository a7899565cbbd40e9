// Package janitor runs scheduled housekeeping: store retention and flap
// detector cleanup.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/envmon/envmon/internal/config"
	"github.com/envmon/envmon/internal/store"
)

const purgeTimeout = time.Minute

// Target is what the janitor cleans up
type Target interface {
	Purge(ctx context.Context, before time.Time) (store.PurgeResult, error)
	CleanupFlaps() []string
}

// Janitor schedules housekeeping jobs with cron expressions
type Janitor struct {
	cron   *cron.Cron
	target Target
	maxAge time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// New registers the jobs configured in cfg. An empty schedule disables its job.
func New(cfg config.RetentionConfig, target Target, logger zerolog.Logger) (*Janitor, error) {
	j := &Janitor{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target: target,
		maxAge: cfg.MaxAge,
		logger: logger.With().Str("component", "janitor").Logger(),
		now:    time.Now,
	}

	if cfg.Schedule != "" && cfg.MaxAge > 0 {
		if _, err := j.cron.AddFunc(cfg.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
			defer cancel()
			if _, err := j.Purge(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Scheduled purge failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
		}
	}

	if cfg.FlapCleanupSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.FlapCleanupSchedule, func() { j.CleanupFlaps() }); err != nil {
			return nil, fmt.Errorf("flap cleanup schedule %q: %w", cfg.FlapCleanupSchedule, err)
		}
	}
	return j, nil
}

// Jobs returns the number of scheduled jobs
func (j *Janitor) Jobs() int {
	return len(j.cron.Entries())
}

// Start runs the scheduler in the background
func (j *Janitor) Start() {
	j.logger.Info().Int("jobs", j.Jobs()).Dur("max_age", j.maxAge).Msg("Janitor scheduled")
	j.cron.Start()
}

// Stop stops scheduling and waits for running jobs up to ctx
func (j *Janitor) Stop(ctx context.Context) {
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
		j.logger.Warn().Msg("Janitor stop timed out with a job still running")
	}
}

// Purge removes readings and resolved alerts older than the retention age
func (j *Janitor) Purge(ctx context.Context) (store.PurgeResult, error) {
	before := j.now().Add(-j.maxAge)
	res, err := j.target.Purge(ctx, before)
	if err != nil {
		return res, fmt.Errorf("purge before %s: %w", before.Format(time.RFC3339), err)
	}
	j.logger.Info().
		Int64("readings", res.Readings).
		Int64("alerts", res.Alerts).
		Time("before", before).
		Msg("Purged old records")
	return res, nil
}

// CleanupFlaps drops flap state for quiet conditions
func (j *Janitor) CleanupFlaps() {
	if cleared := j.target.CleanupFlaps(); len(cleared) > 0 {
		j.logger.Info().Strs("keys", cleared).Msg("Flapping cleared")
	}
}
