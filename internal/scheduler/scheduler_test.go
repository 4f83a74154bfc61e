package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// =============================================================================
// Scheduler Test Suite
// =============================================================================
// Justification for unit tests: the schedule must never overlap runs and
// shutdown must honour its deadline. Ticks use "@every 1s", the finest
// granularity cron supports.

type SchedulerSuite struct {
	suite.Suite
	logger *slog.Logger
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

func (s *SchedulerSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *SchedulerSuite) TestNew() {
	s.Run("nil job returns error", func() {
		_, err := New("0 * * * *", time.UTC, nil)
		s.ErrorContains(err, "job is required")
	})

	s.Run("invalid spec returns error", func() {
		_, err := New("every hour", time.UTC, func() {})
		s.ErrorContains(err, "parse schedule")
	})

	s.Run("hourly spec evaluates in location", func() {
		loc, err := time.LoadLocation("Asia/Shanghai")
		s.Require().NoError(err)
		sched, err := New("0 * * * *", loc, func() {}, WithLogger(s.logger))
		s.Require().NoError(err)
		sched.Start()
		defer func() { s.NoError(sched.Stop(context.Background())) }()

		next := sched.Next().In(loc)
		s.Zero(next.Minute())
		s.Zero(next.Second())
		s.WithinDuration(time.Now(), next, time.Hour)
	})
}

func (s *SchedulerSuite) TestRunsOnSchedule() {
	var calls atomic.Int32
	sched, err := New("@every 1s", time.UTC, func() { calls.Add(1) }, WithLogger(s.logger))
	s.Require().NoError(err)

	sched.Start()
	s.Eventually(func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.NoError(sched.Stop(context.Background()))
}

func (s *SchedulerSuite) TestSkipsTickWhileRunning() {
	var calls atomic.Int32
	unblock := make(chan struct{})
	sched, err := New("@every 1s", time.UTC, func() {
		calls.Add(1)
		<-unblock
	}, WithLogger(s.logger))
	s.Require().NoError(err)

	sched.RunNow()
	s.Eventually(func() bool { return calls.Load() == 1 }, time.Second, 10*time.Millisecond)
	sched.Start()

	time.Sleep(2200 * time.Millisecond)
	s.Equal(int32(1), calls.Load(), "ticks during a run are skipped")

	close(unblock)
	s.NoError(sched.Stop(context.Background()))
}

func (s *SchedulerSuite) TestStopHonoursDeadline() {
	unblock := make(chan struct{})
	defer close(unblock)
	started := make(chan struct{})
	sched, err := New("0 * * * *", time.UTC, func() {
		close(started)
		<-unblock
	}, WithLogger(s.logger))
	s.Require().NoError(err)

	sched.RunNow()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = sched.Stop(ctx)
	s.True(errors.Is(err, context.DeadlineExceeded))
}

func (s *SchedulerSuite) TestRecoversPanickingJob() {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sched, err := New("0 * * * *", time.UTC, func() { panic("boom") }, WithLogger(logger))
	s.Require().NoError(err)

	sched.RunNow()
	s.NoError(sched.Stop(context.Background()))
	s.Contains(buf.String(), "cron: panic")
}
