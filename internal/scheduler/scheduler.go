package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler fires a job on a cron schedule. A tick that arrives while the
// previous invocation is still running is skipped, never queued.
type Scheduler struct {
	cron   *cron.Cron
	job    cron.Job
	logger *slog.Logger
	wg     sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New parses spec (standard five-field cron or a descriptor such as
// "@every 1h") and evaluates it in loc.
func New(spec string, loc *time.Location, job func(), opts ...Option) (*Scheduler, error) {
	if job == nil {
		return nil, errors.New("job is required")
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Scheduler{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	l := cronLogger{logger: s.logger}
	s.job = cron.NewChain(cron.Recover(l), cron.SkipIfStillRunning(l)).Then(cron.FuncJob(job))
	s.cron = cron.New(cron.WithLocation(loc), cron.WithLogger(l))
	if _, err := s.cron.AddJob(spec, s.job); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// RunNow fires the job once outside the schedule. It shares the skip guard
// with scheduled ticks.
func (s *Scheduler) RunNow() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.job.Run()
	}()
}

// Next returns the next scheduled activation, or the zero time if the
// scheduler is not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop halts the schedule and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running job: %w", ctx.Err())
	}
}

// cronLogger routes cron's internal logging through slog. Routine activity
// is demoted to debug.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
