package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// TickFunc is invoked on every interval with the scheduled tick time.
type TickFunc func(ctx context.Context, tick time.Time) error

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Align schedules ticks on multiples of Interval instead of relative to start.
	Align bool
	Tick  TickFunc
}

// Options tune scheduler behaviour.
type Options struct {
	StartupDelay time.Duration
}

// Scheduler drives periodic background jobs. A failing tick is logged and
// the job keeps running.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, running every job on its own goroutine until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		if job.Interval <= 0 {
			return fmt.Errorf("job %q: interval must be positive", job.Name)
		}
		if job.Tick == nil {
			return fmt.Errorf("job %q: tick func required", job.Name)
		}
	}

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error { return s.loop(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	logger := s.logger.With().Str("job", job.Name).Logger()

	next := nextTick(time.Now().UTC(), job)
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = nextTick(time.Now().UTC(), job)
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := job.Tick(ctx, next); err != nil {
			logger.Error().Err(err).Time("tick", next).Msg("job tick failed")
		} else {
			logger.Debug().Time("tick", next).Dur("took", time.Since(start)).Msg("job tick complete")
		}

		next = next.Add(job.Interval)
	}
}

func nextTick(now time.Time, job Job) time.Time {
	if !job.Align {
		return now.Add(job.Interval)
	}
	tick := now.Truncate(job.Interval)
	if !tick.After(now) {
		tick = tick.Add(job.Interval)
	}
	return tick
}
