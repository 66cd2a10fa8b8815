package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"nextbt/internal/notify"
)

// DigestRunner is the part of notify.DigestProcessor the scheduler drives.
type DigestRunner interface {
	ProcessPendingDigests(ctx context.Context) (notify.DigestRun, error)
	CleanupOldDigests(ctx context.Context, days int) (int64, error)
}

// Scheduler triggers digest processing and queue retention in-process.
type Scheduler struct {
	cron          *cron.Cron
	runner        DigestRunner
	retentionDays int
	runTimeout    time.Duration
	log           logrus.FieldLogger
}

// New creates a scheduler that processes digests on schedule and prunes the
// queue once a day. Overlapping runs of the same job are skipped.
func New(schedule string, runner DigestRunner, retentionDays int, loc *time.Location, log logrus.FieldLogger) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	cl := cron.PrintfLogger(log)
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:        runner,
		retentionDays: retentionDays,
		runTimeout:    10 * time.Minute,
		log:           log,
	}

	if _, err := s.cron.AddFunc(schedule, s.processDigests); err != nil {
		return nil, fmt.Errorf("digest schedule %q: %w", schedule, err)
	}
	if retentionDays > 0 {
		if _, err := s.cron.AddFunc("@daily", s.cleanup); err != nil {
			return nil, fmt.Errorf("retention schedule: %w", err)
		}
	}
	return s, nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Infof("scheduler: %d jobs started", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler: stop timed out with a job still running")
	}
}

func (s *Scheduler) processDigests() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	run, err := s.runner.ProcessPendingDigests(ctx)
	log := s.log.WithFields(logrus.Fields{
		"users":  run.Users,
		"sent":   run.Sent,
		"failed": run.Failed,
	})
	if err != nil {
		log.Errorf("scheduler: process digests: %v", err)
		return
	}
	if run.Users > 0 {
		log.Info("scheduler: digests processed")
	}
}

func (s *Scheduler) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	if _, err := s.runner.CleanupOldDigests(ctx, s.retentionDays); err != nil {
		s.log.Errorf("scheduler: cleanup old digests: %v", err)
	}
}
