package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"commodity-premium-alerts/internal/config"
)

var shanghai = time.FixedZone("CST", 8*3600)

func at(day, hour, minute int) time.Time {
	// 2025-03-03 is a Monday.
	return time.Date(2025, 3, day, hour, minute, 0, 0, shanghai)
}

func noop(context.Context) error { return nil }

func mustJob(t *testing.T, cfg config.JobConfig) Job {
	t.Helper()
	job, err := JobFromConfig("test", cfg, noop)
	require.NoError(t, err)
	return job
}

func TestIntervalAlignsToBoundary(t *testing.T) {
	job := mustJob(t, config.JobConfig{Interval: 5 * time.Minute})

	next, ok := job.Next(at(3, 10, 2).Add(13 * time.Second))
	require.True(t, ok)
	require.Equal(t, at(3, 10, 5), next)

	next, _ = job.Next(at(3, 10, 5))
	require.Equal(t, at(3, 10, 10), next, "a boundary itself schedules the following one")
}

func TestTradingWindowsAndWeekdays(t *testing.T) {
	job := mustJob(t, config.JobConfig{
		Interval: time.Minute,
		Windows:  []string{"09:00-12:00", "13:00-16:00", "21:00-03:00"},
		Weekdays: []string{"mon", "tue", "wed", "thu", "fri"},
	})

	require.True(t, job.Active(at(3, 9, 30)))
	require.False(t, job.Active(at(3, 12, 30)), "lunch break")
	require.True(t, job.Active(at(3, 22, 0)))
	require.True(t, job.Active(at(4, 2, 59)), "night session continues past midnight")
	require.False(t, job.Active(at(4, 3, 0)))
	require.True(t, job.Active(at(8, 1, 0)), "Friday night session runs into Saturday")
	require.False(t, job.Active(at(8, 10, 0)), "Saturday day session is closed")
	require.False(t, job.Active(at(3, 2, 0)), "Monday early hours belong to Sunday night")

	next, ok := job.Next(at(3, 12, 0))
	require.True(t, ok)
	require.Equal(t, at(3, 13, 0), next)

	next, _ = job.Next(at(8, 2, 59))
	require.Equal(t, at(10, 9, 0), next, "weekend is skipped")
}

func TestDailyTimes(t *testing.T) {
	job := mustJob(t, config.JobConfig{Times: []string{"20:00", "08:30"}, Weekdays: []string{"mon", "tue", "wed", "thu", "fri"}})

	next, ok := job.Next(at(3, 7, 0))
	require.True(t, ok)
	require.Equal(t, at(3, 8, 30), next)

	next, _ = job.Next(at(3, 8, 30))
	require.Equal(t, at(3, 20, 0), next)

	next, _ = job.Next(at(7, 21, 0))
	require.Equal(t, at(10, 8, 30), next)
}

func TestJobFromConfigRejectsBadInput(t *testing.T) {
	_, err := JobFromConfig("x", config.JobConfig{Interval: time.Second}, noop)
	require.Error(t, err)
	_, err = JobFromConfig("x", config.JobConfig{Times: []string{"25:00"}}, noop)
	require.Error(t, err)
	_, err = JobFromConfig("x", config.JobConfig{Interval: time.Minute, Windows: []string{"09:00"}}, noop)
	require.Error(t, err)
	_, err = JobFromConfig("x", config.JobConfig{Interval: time.Minute, Weekdays: []string{"someday"}}, noop)
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	s := New(Options{}, zerolog.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "compute", Interval: time.Minute, Tick: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))
	require.Error(t, s.Add(Job{Name: "compute", Interval: time.Minute, Tick: noop}))

	require.NoError(t, s.RunOnce(context.Background(), "compute"))
	require.Equal(t, int32(1), calls.Load())
	require.Error(t, s.RunOnce(context.Background(), "missing"))
	require.Equal(t, []string{"compute"}, s.Jobs())
}

func TestRunKeepsLoopingAfterFailures(t *testing.T) {
	s := New(Options{Location: shanghai}, zerolog.Nop())
	s.now = func() time.Time { return at(3, 10, 0) }
	var waits []time.Duration
	s.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "fetch", Interval: time.Minute, Tick: func(context.Context) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return errors.New("upstream down")
	}}))

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, time.Minute, waits[0])
}
