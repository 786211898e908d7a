// Package cron runs the periodic maintenance jobs: expiring stale
// negotiations and recovering agent tasks stuck in processing.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/haggle/internal/audit"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named maintenance action. Run returns how many records it touched.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context, now time.Time) (int, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
	nextRun  time.Time
	lastRun  time.Time
	runs     int
}

// JobStatus is a snapshot of one job's schedule.
type JobStatus struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
	Runs    int       `json:"runs"`
}

// Scheduler checks its jobs on every tick and fires the ones that are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's expression. Jobs are due immediately on
// start so downtime is caught up before the first regular run.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{logger: logger, interval: interval, now: now}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q has no run func", job.Name)
		}
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("cron job %q: %w", job.Name, err)
		}
		s.entries = append(s.entries, &entry{job: job, schedule: sched})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.entries))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every job whose next run is due.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if e.nextRun.IsZero() || !now.Before(e.nextRun) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	n, err := e.job.Run(ctx, now)

	s.mu.Lock()
	e.lastRun = now
	e.nextRun = e.schedule.Next(now)
	e.runs++
	next := e.nextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err, "next_run_at", next)
		audit.Record(ctx, "cron."+e.job.Name, "", audit.OutcomeFailed, err.Error())
		return
	}
	if n > 0 {
		s.logger.Info("cron: job fired", "job", e.job.Name, "affected", n, "next_run_at", next)
		audit.Record(ctx, "cron."+e.job.Name, "", audit.OutcomeOK, fmt.Sprintf("affected=%d", n))
	} else {
		s.logger.Debug("cron: job fired", "job", e.job.Name, "next_run_at", next)
	}
}

// Jobs returns the schedule of every job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, JobStatus{Name: e.job.Name, NextRun: e.nextRun, LastRun: e.lastRun, Runs: e.runs})
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
