package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"commodity-premium-alerts/internal/config"
)

// TickFunc is invoked on every scheduled fire time.
type TickFunc func(ctx context.Context) error

// Window is an active wall-clock range in minutes of day. End before Start
// wraps past midnight.
type Window struct {
	Start int
	End   int
}

func (w Window) wraps() bool { return w.End <= w.Start }

// Job is a named schedule and the function it drives.
type Job struct {
	Name string
	// Interval fires at aligned multiples (e.g. every minute on the minute).
	Interval time.Duration
	// Times fires at fixed minutes of day; it wins over Interval.
	Times    []int
	Windows  []Window
	Weekdays map[time.Weekday]bool
	Tick     TickFunc
}

// JobFromConfig parses a job section.
func JobFromConfig(name string, cfg config.JobConfig, tick TickFunc) (Job, error) {
	job := Job{Name: name, Interval: cfg.Interval, Tick: tick}
	for _, t := range cfg.Times {
		m, err := parseClock(t)
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		job.Times = append(job.Times, m)
	}
	sort.Ints(job.Times)

	for _, w := range cfg.Windows {
		parts := strings.SplitN(w, "-", 2)
		if len(parts) != 2 {
			return Job{}, fmt.Errorf("job %s: invalid window %q", name, w)
		}
		start, err := parseClock(parts[0])
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		end, err := parseClock(parts[1])
		if err != nil {
			return Job{}, fmt.Errorf("job %s: %w", name, err)
		}
		job.Windows = append(job.Windows, Window{Start: start, End: end})
	}

	if len(cfg.Weekdays) > 0 {
		job.Weekdays = make(map[time.Weekday]bool, len(cfg.Weekdays))
		for _, d := range cfg.Weekdays {
			wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
			if !ok {
				return Job{}, fmt.Errorf("job %s: invalid weekday %q", name, d)
			}
			job.Weekdays[wd] = true
		}
	}

	if len(job.Times) == 0 && job.Interval < time.Minute {
		return Job{}, fmt.Errorf("job %s: interval must be at least 1m", name)
	}
	return job, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return h*60 + m, nil
}

// Active reports whether t falls inside the job's windows and weekdays. The
// after-midnight part of a wrapping window counts for the previous day.
func (j Job) Active(t time.Time) bool {
	if len(j.Windows) == 0 {
		return j.onDay(t)
	}
	m := t.Hour()*60 + t.Minute()
	for _, w := range j.Windows {
		switch {
		case !w.wraps():
			if m >= w.Start && m < w.End && j.onDay(t) {
				return true
			}
		case m >= w.Start:
			if j.onDay(t) {
				return true
			}
		case m < w.End:
			if j.onDay(t.AddDate(0, 0, -1)) {
				return true
			}
		}
	}
	return false
}

func (j Job) onDay(t time.Time) bool {
	return len(j.Weekdays) == 0 || j.Weekdays[t.Weekday()]
}

// maxLookahead bounds the search for the next active fire time.
const maxLookahead = 8 * 24 * time.Hour

// Next returns the first active fire time strictly after t, in t's location.
func (j Job) Next(t time.Time) (time.Time, bool) {
	limit := t.Add(maxLookahead)
	if len(j.Times) > 0 {
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		for ; day.Before(limit); day = day.AddDate(0, 0, 1) {
			for _, m := range j.Times {
				at := day.Add(time.Duration(m) * time.Minute)
				if at.After(t) && j.Active(at) {
					return at, true
				}
			}
		}
		return time.Time{}, false
	}

	next := align(t, j.Interval).Add(j.Interval)
	for ; next.Before(limit); next = next.Add(j.Interval) {
		if j.Active(next) {
			return next, true
		}
	}
	return time.Time{}, false
}

// align truncates t to a multiple of d counted from local midnight.
func align(t time.Time, d time.Duration) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.Add(t.Sub(midnight).Truncate(d))
}

// Options tune scheduler behaviour.
type Options struct {
	Location     *time.Location
	StartupDelay time.Duration
}

// Scheduler drives named jobs, each in its own goroutine.
type Scheduler struct {
	opts   Options
	jobs   []Job
	logger zerolog.Logger
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    time.Now,
		wait:   sleep,
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Tick == nil {
		return fmt.Errorf("job %s: no tick function", job.Name)
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// RunOnce executes the named job immediately.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.execute(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

// Run blocks, driving every job until ctx is cancelled. A failing tick is
// logged and never stops its loop; jobs may overlap each other.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.jobs) == 0 {
		return fmt.Errorf("no jobs scheduled")
	}
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		job := job
		g.Go(func() error { return s.loop(ctx, job) })
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	log := s.logger.With().Str("job", job.Name).Logger()
	for {
		now := s.now().In(s.opts.Location)
		next, ok := job.Next(now)
		if !ok {
			log.Warn().Msg("job has no active fire time; stopping")
			return nil
		}
		log.Debug().Time("next_run", next).Msg("waiting for next run")

		if err := s.wait(ctx, next.Sub(now)); err != nil {
			return err
		}
		_ = s.execute(ctx, job)
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	log := s.logger.With().Str("job", job.Name).Logger()
	start := s.now()
	log.Info().Msg("executing scheduled tick")

	err := job.Tick(ctx)
	if err != nil {
		log.Error().Err(err).Msg("tick execution failed")
	}
	log.Debug().Dur("elapsed", s.now().Sub(start)).Msg("tick finished")
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
