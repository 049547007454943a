// Package worker drives polling workers with exponential backoff.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Work performs one unit of polling work. It returns true when work was
// done, so the loop can reset its backoff and poll again immediately.
type Work func(ctx context.Context) (bool, error)

// LoopConfig tunes a backoff work loop.
type LoopConfig struct {
	// MinDelay is the backoff floor and the reset value after productive
	// cycles. Must be positive for the doubling to make progress.
	MinDelay time.Duration

	// MaxDelayOnIdle caps backoff growth across cycles that found no work.
	MaxDelayOnIdle time.Duration

	// MaxDelayOnError caps backoff growth across cycles that failed. Kept
	// separate from the idle cap so errors can back off further.
	MaxDelayOnError time.Duration

	// EnforceMinDelay sleeps MinDelay even after a productive cycle, to
	// rate-limit loops whose work function reports success on every call.
	EnforceMinDelay bool

	// Skip, when it returns true, idles the loop without calling the work
	// function. Used for maintenance killswitches.
	Skip func() bool

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)
}

// Loop runs a work function with exponential backoff. Productive cycles run
// back to back, idle cycles double the delay up to MaxDelayOnIdle, and
// failed cycles double it up to MaxDelayOnError. Errors are logged and
// absorbed; only context cancellation stops the loop.
type Loop struct {
	description string
	work        Work
	cfg         LoopConfig
	log         *zap.SugaredLogger
}

// NewLoop creates a backoff work loop. The description names the work in
// logs.
func NewLoop(description string, work Work, cfg LoopConfig, log *zap.SugaredLogger) *Loop {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelayOnIdle <= 0 {
		cfg.MaxDelayOnIdle = 10 * time.Second
	}
	if cfg.MaxDelayOnError <= 0 {
		cfg.MaxDelayOnError = 30 * time.Second
	}
	if cfg.Skip == nil {
		cfg.Skip = func() bool { return false }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Loop{description: description, work: work, cfg: cfg, log: log.Named("worker")}
}

// FixedIntervalConfig pins the backoff caps to one interval, giving a loop
// that runs the work function at most once per interval.
func FixedIntervalConfig(interval time.Duration, skip func() bool) LoopConfig {
	return LoopConfig{
		MinDelay:        interval,
		MaxDelayOnIdle:  interval,
		MaxDelayOnError: interval,
		EnforceMinDelay: true,
		Skip:            skip,
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	delay := l.cfg.MinDelay

	sleepAndGrow := func(cap time.Duration) {
		l.cfg.Sleep(ctx, delay)
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}

	l.log.Infow("Work loop starting", "description", l.description)
	for ctx.Err() == nil {
		if l.cfg.Skip() {
			l.log.Debugw("Skipping work loop",
				"description", l.description,
				"retry_in", delay,
			)
			sleepAndGrow(l.cfg.MaxDelayOnIdle)
			continue
		}

		didWork, err := l.work(ctx)
		if err != nil {
			l.log.Errorw("Work loop cycle failed",
				"description", l.description,
				"retry_in", delay,
				"error", err,
			)
			sleepAndGrow(l.cfg.MaxDelayOnError)
			continue
		}

		if didWork {
			// Keep draining without backoff until a cycle comes up empty.
			delay = l.cfg.MinDelay
			if l.cfg.EnforceMinDelay {
				l.cfg.Sleep(ctx, l.cfg.MinDelay)
			}
			continue
		}

		l.log.Debugw("No work to do",
			"description", l.description,
			"retry_in", delay,
		)
		sleepAndGrow(l.cfg.MaxDelayOnIdle)
	}
	l.log.Infow("Work loop stopped", "description", l.description)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
