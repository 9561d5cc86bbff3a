// Package schedule fires the automated renewal sweep at fixed times of day,
// each firing delayed by a random jitter.
package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jerkytreats/dnscert/internal/logging"
)

// Clock is a time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses an HH:MM time of day.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Job is the work run at each firing.
type Job func(ctx context.Context)

// Scheduler runs a job every day at the configured times.
type Scheduler struct {
	times     []Clock
	maxJitter time.Duration
	job       Job
	now       func() time.Time
	jitter    func(max time.Duration) time.Duration
	sleep     func(ctx context.Context, d time.Duration) bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(s *Scheduler) {
		s.jitter = jitter
	}
}

// WithSleep replaces the abortable sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) bool) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// New returns a scheduler firing at each HH:MM in times.
func New(times []string, maxJitter time.Duration, job Job, opts ...Option) (*Scheduler, error) {
	if len(times) == 0 {
		return nil, fmt.Errorf("at least one renewal time is required")
	}
	clocks := make([]Clock, 0, len(times))
	for _, t := range times {
		c, err := ParseClock(t)
		if err != nil {
			return nil, err
		}
		clocks = append(clocks, c)
	}
	sort.Slice(clocks, func(i, j int) bool {
		return clocks[i].Hour*60+clocks[i].Minute < clocks[j].Hour*60+clocks[j].Minute
	})

	s := &Scheduler{
		times:     clocks,
		maxJitter: maxJitter,
		job:       job,
		now:       time.Now,
		jitter:    randomJitter,
		sleep:     Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next returns the first firing strictly after now.
func (s *Scheduler) Next(now time.Time) time.Time {
	var next time.Time
	for _, c := range s.times {
		candidate := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, now.Location())
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		if next.IsZero() || candidate.Before(next) {
			next = candidate
		}
	}
	return next
}

// Run fires the job until ctx is done. Waits are abandoned on cancellation,
// a running job is not.
func (s *Scheduler) Run(ctx context.Context) error {
	logging.Info("Renewal scheduler started, firing at %v", s.times)
	for {
		now := s.now()
		next := s.Next(now)
		logging.Debug("Next automated renewal at %s", next.Format(time.RFC3339))
		if !s.sleep(ctx, next.Sub(now)) {
			logging.Info("Renewal scheduler stopped.")
			return nil
		}

		wait := s.jitter(s.maxJitter)
		logging.Info("Automated execution: renew certificates if needed.")
		logging.Info("Random wait for this execution: %v", wait)
		if !s.sleep(ctx, wait) {
			logging.Info("Renewal scheduler stopped.")
			return nil
		}

		s.job(ctx)
	}
}

// Sleep waits for d and reports whether it completed, false when ctx was
// done first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
