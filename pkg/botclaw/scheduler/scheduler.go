// Package scheduler runs BotClaw's periodic maintenance jobs on cron
// schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/botclaw/pkg/botclaw/session"
)

// ErrUnknownJob is returned for job names that were never added.
var ErrUnknownJob = errors.New("unknown job")

// JobFunc is the work of a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule string
	fn       JobFunc
	entryID  cron.EntryID
}

// Scheduler runs named jobs on cron schedules. A job never overlaps with
// its own previous run.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	running map[string]bool

	// jobTimeout bounds one run of a job.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Schedules use the five standard fields or
// descriptors such as @hourly and @every 1m.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobs:       make(map[string]*job),
		running:    make(map[string]bool),
		jobTimeout: 5 * time.Minute,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add registers fn under name. Adding an existing name replaces it.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &job{name: name, schedule: schedule, fn: fn}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, schedule, err)
	}
	if old, ok := s.jobs[name]; ok {
		s.cron.Remove(old.entryID)
	}
	j.entryID = id
	s.jobs[name] = j
	s.logger.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

// Jobs lists the job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a job immediately on the calling goroutine. It reports false
// when the job was already running.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%q: %w", name, ErrUnknownJob)
	}
	return s.execute(j), nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.cancel()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(j *job) bool {
	s.mu.Lock()
	if s.running[j.name] {
		s.mu.Unlock()
		s.logger.Debug("job still running, skipped", "job", j.name)
		return false
	}
	s.running[j.name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()
	start := time.Now()
	if err := j.fn(ctx); err != nil {
		s.logger.Error("job failed", "job", j.name, "error", err, "duration", time.Since(start))
		return true
	}
	s.logger.Debug("job done", "job", j.name, "duration", time.Since(start))
	return true
}

// SessionSweep returns a job that deletes expired sessions.
func SessionSweep(m *session.Manager, logger *slog.Logger) JobFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) error {
		n, err := m.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge expired sessions: %w", err)
		}
		if n > 0 {
			logger.Info("expired sessions purged", "count", n)
		}
		return nil
	}
}
