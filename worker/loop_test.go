package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/recollect/recollect/errors"
)

// recordedSleeps captures every sleep the loop requests instead of waiting.
type recordedSleeps struct {
	durations []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) {
	r.durations = append(r.durations, d)
}

func runCycles(t *testing.T, work Work, cfg LoopConfig, cycles int) []time.Duration {
	t.Helper()

	sleeps := &recordedSleeps{}
	cfg.Sleep = sleeps.sleep

	ctx, cancel := context.WithCancel(context.Background())
	remaining := cycles
	wrapped := func(ctx context.Context) (bool, error) {
		remaining--
		if remaining <= 0 {
			defer cancel()
		}
		return work(ctx)
	}

	NewLoop("test", wrapped, cfg, zap.NewNop().Sugar()).Run(ctx)
	return sleeps.durations
}

func TestIdleBackoffDoublesAndCaps(t *testing.T) {
	idle := func(context.Context) (bool, error) { return false, nil }

	sleeps := runCycles(t, idle, LoopConfig{
		MinDelay:       time.Second,
		MaxDelayOnIdle: 8 * time.Second,
	}, 6)

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	assert.Equal(t, expected, sleeps)
}

func TestErrorBackoffUsesOwnCap(t *testing.T) {
	failing := func(context.Context) (bool, error) {
		return false, errors.New("transient outage")
	}

	sleeps := runCycles(t, failing, LoopConfig{
		MinDelay:        time.Second,
		MaxDelayOnIdle:  2 * time.Second,
		MaxDelayOnError: 16 * time.Second,
	}, 6)

	// Error growth passes the idle cap and stops at the error cap.
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	assert.Equal(t, expected, sleeps)
}

func TestProductiveCycleResetsBackoff(t *testing.T) {
	// Idle, idle, productive, idle: the productive cycle resets the delay.
	outcomes := []bool{false, false, true, false}
	i := 0
	work := func(context.Context) (bool, error) {
		didWork := outcomes[i]
		i++
		return didWork, nil
	}

	sleeps := runCycles(t, work, LoopConfig{
		MinDelay:       time.Second,
		MaxDelayOnIdle: 30 * time.Second,
	}, len(outcomes))

	// Productive cycles sleep nothing unless EnforceMinDelay is set.
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		1 * time.Second,
	}
	assert.Equal(t, expected, sleeps)
}

func TestEnforceMinDelayPausesProductiveCycles(t *testing.T) {
	productive := func(context.Context) (bool, error) { return true, nil }

	sleeps := runCycles(t, productive, LoopConfig{
		MinDelay:        time.Second,
		EnforceMinDelay: true,
	}, 3)

	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeps)
}

func TestSkipConditionIdlesWithoutWork(t *testing.T) {
	workCalls := 0
	work := func(context.Context) (bool, error) {
		workCalls++
		return false, nil
	}

	skips := 0
	ctx, cancel := context.WithCancel(context.Background())
	cfg := LoopConfig{
		MinDelay:       time.Second,
		MaxDelayOnIdle: 8 * time.Second,
		Skip: func() bool {
			skips++
			if skips >= 4 {
				cancel()
			}
			return true
		},
		Sleep: (&recordedSleeps{}).sleep,
	}

	NewLoop("test", work, cfg, zap.NewNop().Sugar()).Run(ctx)
	assert.Zero(t, workCalls, "work must not run while skipped")
}

func TestFixedIntervalConfig(t *testing.T) {
	cfg := FixedIntervalConfig(time.Minute, nil)

	require.Equal(t, time.Minute, cfg.MinDelay)
	require.Equal(t, time.Minute, cfg.MaxDelayOnIdle)
	require.Equal(t, time.Minute, cfg.MaxDelayOnError)
	assert.True(t, cfg.EnforceMinDelay)

	// Whatever the cycle outcome, every sleep is exactly the interval.
	outcomes := []struct {
		didWork bool
		err     error
	}{
		{true, nil},
		{false, nil},
		{false, errors.New("boom")},
		{true, nil},
	}
	i := 0
	work := func(context.Context) (bool, error) {
		o := outcomes[i]
		i++
		return o.didWork, o.err
	}

	sleeps := runCycles(t, work, cfg, len(outcomes))
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute, time.Minute}, sleeps)
}
