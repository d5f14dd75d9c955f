package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// RunFunc performs one batch.
type RunFunc func(ctx context.Context) error

// Scheduler fires a batch once a day at the window's nominal local time. It
// is for long-lived deployments; cron or a systemd timer calling the run
// command works just as well.
type Scheduler struct {
	window Window
	run    RunFunc
	log    *slog.Logger
}

func NewScheduler(window Window, run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{window: window, run: run, log: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	loc := s.window.Loc
	if loc == nil {
		loc = time.UTC
	}
	sched := gocron.NewScheduler(loc)
	sched.SingletonModeAll()

	job, err := sched.Every(1).Day().At(s.window.Clock()).Do(func() {
		s.log.Info("scheduler: starting daily run")
		if err := s.run(ctx); err != nil {
			s.log.Error("scheduler: daily run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily run: %w", err)
	}

	sched.StartAsync()
	s.log.Info("scheduler: waiting", "at", s.window.Clock(), "tz", loc.String(), "next", job.NextRun())

	<-ctx.Done()
	s.log.Info("scheduler: shutting down")
	sched.Stop()
	return nil
}
